package store

import (
	"context"
	"time"

	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/types"
)

// ProviderLister is the slice of the provider service the sync loop needs
type ProviderLister interface {
	ListInstances(ctx context.Context) ([]*types.ProviderInstance, error)
}

// SyncFromProvider reconciles local state against the provider's view.
// The provider is authoritative for status, portMappings, spotStatus
// and spotReclaimTime; local state owns readyAt, healthCheck and
// webhookUrl. Adoption happens only through a providerInstanceId match,
// and a transient fetch error never demotes an instance.
func (s *Store) SyncFromProvider(ctx context.Context, lister ProviderLister) error {
	providerInstances, err := lister.ListInstances(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("provider sync fetch failed")
		metrics.UpdateComponent("sync", false, err.Error())
		return err
	}

	byProviderID := make(map[string]*types.ProviderInstance, len(providerInstances))
	for _, pi := range providerInstances {
		byProviderID[pi.ID] = pi
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	synced := 0
	for _, state := range s.instances {
		if state.ProviderInstanceID == "" {
			continue
		}
		pi, ok := byProviderID[state.ProviderInstanceID]
		if !ok {
			// Not in the listing; could be pagination or a fresh
			// delete. Leave local state alone.
			continue
		}
		s.reconcile(state, pi, now)
		synced++
	}

	metrics.UpdateComponent("sync", true, "")
	s.logger.Debug().Int("synced", synced).Msg("provider sync pass complete")
	return nil
}

// reconcile applies the provider-authoritative fields to one instance.
// Caller holds the lock.
func (s *Store) reconcile(state *types.InstanceState, pi *types.ProviderInstance, now time.Time) {
	if len(pi.PortMappings) > 0 {
		state.PortMappings = pi.PortMappings
	}
	state.SpotStatus = pi.SpotStatus
	state.SpotReclaimTime = pi.SpotReclaimTime

	if target, ok := syncTarget(state.Status, pi.Status); ok {
		for _, step := range path(state.Status, target) {
			s.applyStatus(state, step)
		}
	}

	ts := now
	state.Timestamps.LastSyncedAt = &ts

	// Spot fields changed even when the status did not; drop every
	// cached view of this instance
	if s.caches != nil {
		s.caches.InvalidateInstance(state.ID)
	}
}

// syncTarget maps a provider-reported status onto a local target. It
// only ever moves instances forward; READY is never demoted by sync.
func syncTarget(local types.InstanceStatus, providerStatus string) (types.InstanceStatus, bool) {
	switch providerStatus {
	case types.ProviderStatusRunning:
		if local == types.InstanceCreated || local == types.InstanceStarting {
			return types.InstanceRunning, true
		}
	case types.ProviderStatusExited:
		if local == types.InstanceRunning || local == types.InstanceReady {
			return types.InstanceExited, true
		}
	case types.ProviderStatusStopped:
		if local == types.InstanceStopping || local == types.InstanceRunning || local == types.InstanceReady {
			return types.InstanceStopped, true
		}
	case types.ProviderStatusTerminated:
		if local == types.InstanceExited || local == types.InstanceStopped {
			return types.InstanceTerminated, true
		}
	}
	return "", false
}

// path returns the legal transition chain from one status to another,
// found by breadth-first walk of the transition table
func path(from, to types.InstanceStatus) []types.InstanceStatus {
	if from == to {
		return nil
	}

	type node struct {
		status types.InstanceStatus
		trail  []types.InstanceStatus
	}
	visited := map[types.InstanceStatus]bool{from: true}
	queue := []node{{status: from}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur.status] {
			if visited[next] {
				continue
			}
			trail := append(append([]types.InstanceStatus{}, cur.trail...), next)
			if next == to {
				return trail
			}
			visited[next] = true
			queue = append(queue, node{status: next, trail: trail})
		}
	}
	return nil
}

// StartSync runs SyncFromProvider on a ticker until StopSync
func (s *Store) StartSync(ctx context.Context, lister ProviderLister, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.SyncFromProvider(ctx, lister)
			case <-s.stopSync:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info().Dur("interval", interval).Msg("provider sync loop started")
}

// StopSync halts the sync loop
func (s *Store) StopSync() {
	close(s.stopSync)
}
