package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nimbus/pkg/types"
)

type fakeLister struct {
	instances []*types.ProviderInstance
	err       error
}

func (f *fakeLister) ListInstances(context.Context) ([]*types.ProviderInstance, error) {
	return f.instances, f.err
}

func trackedInstance(id, providerID string, status types.InstanceStatus) *types.InstanceState {
	inst := newInstance(id, status)
	inst.ProviderInstanceID = providerID
	return inst
}

func TestSyncPromotesStartingToRunning(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Create(trackedInstance("i1", "px1", types.InstanceStarting)))

	lister := &fakeLister{instances: []*types.ProviderInstance{
		{ID: "px1", Status: types.ProviderStatusRunning,
			PortMappings: []*types.PortMapping{{Port: 8888, Endpoint: "https://px1.example.com", Type: types.PortHTTP}}},
	}}
	require.NoError(t, s.SyncFromProvider(context.Background(), lister))

	got, _ := s.Get("i1")
	assert.Equal(t, types.InstanceRunning, got.Status)
	require.Len(t, got.PortMappings, 1)
	assert.NotNil(t, got.Timestamps.LastSyncedAt)
	assert.NotNil(t, got.Timestamps.StartedAt)
}

func TestSyncWalksIntermediateStatuses(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Create(trackedInstance("i1", "px1", types.InstanceCreated)))

	lister := &fakeLister{instances: []*types.ProviderInstance{
		{ID: "px1", Status: types.ProviderStatusRunning},
	}}
	require.NoError(t, s.SyncFromProvider(context.Background(), lister))

	got, _ := s.Get("i1")
	// CREATED cannot jump to RUNNING; sync walks through STARTING
	assert.Equal(t, types.InstanceRunning, got.Status)
}

func TestSyncMarksReclaimedSpot(t *testing.T) {
	s := New(nil)
	inst := trackedInstance("i1", "px1", types.InstanceReady)
	readyAt := time.Now()
	inst.Timestamps.ReadyAt = &readyAt
	require.NoError(t, s.Create(inst))

	lister := &fakeLister{instances: []*types.ProviderInstance{
		{ID: "px1", Status: types.ProviderStatusExited, SpotStatus: "reclaimed", SpotReclaimTime: 1700000000},
	}}
	require.NoError(t, s.SyncFromProvider(context.Background(), lister))

	got, _ := s.Get("i1")
	assert.Equal(t, types.InstanceExited, got.Status)
	assert.Equal(t, "reclaimed", got.SpotStatus)
	assert.Equal(t, int64(1700000000), got.SpotReclaimTime)
	// readyAt survives the reclaim
	assert.NotNil(t, got.Timestamps.ReadyAt)
}

func TestSyncNeverDemotesReadyOnRunning(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Create(trackedInstance("i1", "px1", types.InstanceReady)))

	lister := &fakeLister{instances: []*types.ProviderInstance{
		{ID: "px1", Status: types.ProviderStatusRunning},
	}}
	require.NoError(t, s.SyncFromProvider(context.Background(), lister))

	got, _ := s.Get("i1")
	assert.Equal(t, types.InstanceReady, got.Status)
}

func TestSyncFetchErrorLeavesStateUntouched(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Create(trackedInstance("i1", "px1", types.InstanceReady)))

	lister := &fakeLister{err: fmt.Errorf("connection reset")}
	require.Error(t, s.SyncFromProvider(context.Background(), lister))

	got, _ := s.Get("i1")
	assert.Equal(t, types.InstanceReady, got.Status)
	assert.Nil(t, got.Timestamps.LastSyncedAt)
}

func TestSyncIgnoresUntrackedProviderInstances(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Create(newInstance("i1", types.InstanceCreating))) // no provider id yet

	lister := &fakeLister{instances: []*types.ProviderInstance{
		{ID: "px-foreign", Status: types.ProviderStatusRunning},
	}}
	require.NoError(t, s.SyncFromProvider(context.Background(), lister))

	assert.Equal(t, 1, s.Count())
	got, _ := s.Get("i1")
	assert.Equal(t, types.InstanceCreating, got.Status)
	assert.Nil(t, got.Timestamps.LastSyncedAt)
}

func TestSyncMissingFromListingIsNoop(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Create(trackedInstance("i1", "px1", types.InstanceReady)))

	lister := &fakeLister{instances: nil}
	require.NoError(t, s.SyncFromProvider(context.Background(), lister))

	got, _ := s.Get("i1")
	assert.Equal(t, types.InstanceReady, got.Status)
}

func TestPathFinding(t *testing.T) {
	assert.Equal(t,
		[]types.InstanceStatus{types.InstanceStarting, types.InstanceRunning},
		path(types.InstanceCreated, types.InstanceRunning))
	assert.Equal(t,
		[]types.InstanceStatus{types.InstanceStopping, types.InstanceStopped},
		path(types.InstanceRunning, types.InstanceStopped))
	assert.Nil(t, path(types.InstanceReady, types.InstanceReady))
	assert.Nil(t, path(types.InstanceFailed, types.InstanceRunning))
}
