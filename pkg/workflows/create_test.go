package workflows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/selector"
	"github.com/cuemby/nimbus/pkg/types"
)

func createPayload(instanceID string) types.CreateInstancePayload {
	return types.CreateInstancePayload{
		InstanceID: instanceID,
		Request: types.CreateInstanceRequest{
			Name:        "train-1",
			ProductName: "RTX 4090",
			TemplateID:  "tmpl-1",
			Region:      "us-east",
			GPUNum:      1,
			BillingMode: types.BillingSpot,
			WebhookURL:  "https://hooks.example.com/x",
		},
	}
}

func TestCreateHappyPath(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.InstanceState{ID: "i1", Name: "train-1", ProductName: "RTX 4090",
		TemplateID: "tmpl-1", Status: types.InstanceCreating, BillingMode: types.BillingSpot})
	h.provider.createResult = &types.CreateInstanceResult{ProviderInstanceID: "prov-42"}
	h.selector.selection = &selector.Selection{
		Product: &types.Product{ID: "p9", Name: "RTX 4090", Region: "eu-west"},
		Region:  "eu-west",
	}

	err := h.w.handleCreate(context.Background(), job(types.JobCreateInstance, createPayload("i1"), 1))
	require.NoError(t, err)

	state, err := h.store.Get("i1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCreated, state.Status)
	assert.Equal(t, "prov-42", state.ProviderInstanceID)
	assert.Equal(t, "eu-west", state.Region)

	require.Len(t, h.provider.createSpecs, 1)
	assert.Equal(t, "p9", h.provider.createSpecs[0].ProductID)
	assert.Empty(t, h.provider.createSpecs[0].ImageAuthID)

	monitors := h.jobsOfType(types.JobMonitorInstance)
	require.Len(t, monitors, 1)
	mp := monitors[0].Payload.(types.MonitorPayload)
	assert.Equal(t, "i1", mp.InstanceID)
	assert.Equal(t, "prov-42", mp.ProviderInstanceID)
	assert.Equal(t, types.JobPending, monitors[0].Status)

	ev := h.waitEvent(t)
	assert.Equal(t, types.EventInstanceCreated, ev.Type)
	assert.Equal(t, "https://hooks.example.com/x", ev.Metadata["webhookUrl"])
}

func TestCreateResolvesRegistryAuth(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.InstanceState{ID: "i1", Status: types.InstanceCreating})
	h.provider.template = &types.Template{ID: "tmpl-1", ImageURL: "registry.local/app", ImageAuth: "auth-7"}
	h.provider.auth = &types.RegistryAuth{ID: "auth-7", Username: "svc"}

	err := h.w.handleCreate(context.Background(), job(types.JobCreateInstance, createPayload("i1"), 1))
	require.NoError(t, err)

	require.Len(t, h.provider.createSpecs, 1)
	assert.Equal(t, "auth-7", h.provider.createSpecs[0].ImageAuthID)
}

func TestCreateSelectionExhaustedFailsInstance(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.InstanceState{ID: "i1", Status: types.InstanceCreating})
	h.selector.err = nberrors.New(nberrors.CodeNoOptimalProduct, "no product in any region")

	err := h.w.handleCreate(context.Background(), job(types.JobCreateInstance, createPayload("i1"), 1))
	require.Error(t, err)

	state, _ := h.store.Get("i1")
	assert.Equal(t, types.InstanceFailed, state.Status)
	require.NotNil(t, state.LastError)
	assert.Equal(t, "product_selection", state.LastError.Phase)
	assert.Equal(t, string(nberrors.CodeNoOptimalProduct), state.LastError.Code)

	ev := h.waitEvent(t)
	assert.Equal(t, types.EventInstanceFailed, ev.Type)
	assert.Empty(t, h.jobsOfType(types.JobMonitorInstance))
}

func TestCreateRetryAdoptsExistingProviderInstance(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.InstanceState{ID: "i1", Name: "train-1", Status: types.InstanceCreating})
	h.provider.listed = []*types.ProviderInstance{
		{ID: "prov-9", Name: "train-1", Status: types.ProviderStatusCreating, Region: "eu-west"},
	}

	// A timed-out first attempt already created the provider instance;
	// the retry must adopt it, not create a second one
	err := h.w.handleCreate(context.Background(), job(types.JobCreateInstance, createPayload("i1"), 2))
	require.NoError(t, err)

	assert.Empty(t, h.provider.createSpecs)

	state, _ := h.store.Get("i1")
	assert.Equal(t, types.InstanceCreated, state.Status)
	assert.Equal(t, "prov-9", state.ProviderInstanceID)
	assert.Equal(t, "eu-west", state.Region)

	monitors := h.jobsOfType(types.JobMonitorInstance)
	require.Len(t, monitors, 1)
	assert.Equal(t, "prov-9", monitors[0].Payload.(types.MonitorPayload).ProviderInstanceID)

	ev := h.waitEvent(t)
	assert.Equal(t, types.EventInstanceCreated, ev.Type)
}

func TestCreateFirstAttemptDoesNotConsultListing(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.InstanceState{ID: "i1", Name: "train-1", Status: types.InstanceCreating})
	h.provider.listErr = nberrors.New(nberrors.CodeProviderAPI, "listing must not be called")

	err := h.w.handleCreate(context.Background(), job(types.JobCreateInstance, createPayload("i1"), 1))
	require.NoError(t, err)
	require.Len(t, h.provider.createSpecs, 1)
}

func TestCreateRetryableErrorLeavesInstanceAlone(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.InstanceState{ID: "i1", Status: types.InstanceCreating})
	h.provider.createErr = nberrors.New(nberrors.CodeNetwork, "connection reset")

	err := h.w.handleCreate(context.Background(), job(types.JobCreateInstance, createPayload("i1"), 1))
	require.Error(t, err)

	// Attempt 1 of 3 on a retryable error: the engine will retry, the
	// instance must not be failed yet
	state, _ := h.store.Get("i1")
	assert.Equal(t, types.InstanceCreating, state.Status)
	assert.Nil(t, state.LastError)
	h.assertNoEvent(t)
}

func TestCreateRetryableErrorOnLastAttemptFails(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.InstanceState{ID: "i1", Status: types.InstanceCreating})
	h.provider.createErr = nberrors.New(nberrors.CodeNetwork, "connection reset")

	err := h.w.handleCreate(context.Background(), job(types.JobCreateInstance, createPayload("i1"), 3))
	require.Error(t, err)

	state, _ := h.store.Get("i1")
	assert.Equal(t, types.InstanceFailed, state.Status)
	require.NotNil(t, state.LastError)
	assert.Equal(t, "provider_create", state.LastError.Phase)
}
