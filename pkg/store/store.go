package store

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nimbus/pkg/cache"
	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/types"
)

// Store is the sole owner of instance state and startup operations.
// All mutations pass through it under one lock, which serializes
// transitions per instance; readers always receive copies.
type Store struct {
	mu        sync.Mutex
	instances map[string]*types.InstanceState
	ops       map[string]*types.StartupOperation // by operation id
	activeOps map[string]string                  // instance id → non-terminal operation id
	caches    *cache.Manager
	logger    zerolog.Logger

	stopSync chan struct{}
}

// New creates an empty store
func New(caches *cache.Manager) *Store {
	return &Store{
		instances: make(map[string]*types.InstanceState),
		ops:       make(map[string]*types.StartupOperation),
		activeOps: make(map[string]string),
		caches:    caches,
		logger:    log.WithComponent("store"),
		stopSync:  make(chan struct{}),
	}
}

// Patch is a partial update applied under the transition table. Nil
// fields are left untouched.
type Patch struct {
	Status             *types.InstanceStatus
	ProviderInstanceID *string
	PortMappings       []*types.PortMapping
	HealthCheck        *types.HealthCheckInfo
	LastError          *types.LastError
	SpotStatus         *string
	SpotReclaimTime    *int64
	Region             *string
	LastSyncedAt       *time.Time
}

// StatusPatch is shorthand for a status-only patch
func StatusPatch(status types.InstanceStatus) Patch {
	return Patch{Status: &status}
}

// Create inserts a new instance record
func (s *Store) Create(state *types.InstanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[state.ID]; exists {
		return nberrors.Newf(nberrors.CodeAlreadyExists, "instance %s already exists", state.ID)
	}

	cp := *state
	if cp.Timestamps.CreatedAt.IsZero() {
		cp.Timestamps.CreatedAt = time.Now()
	}
	s.instances[state.ID] = &cp

	s.logger.Info().
		Str("instance_id", state.ID).
		Str("status", string(state.Status)).
		Msg("instance created")
	s.updateGauges()
	return nil
}

// Get returns a snapshot of one instance. Snapshots are mirrored in
// the instance states cache; every mutation path invalidates the
// mirror, so a hit is never staler than the last write.
func (s *Store) Get(id string) (*types.InstanceState, error) {
	if s.caches != nil {
		if cached, ok := s.caches.InstanceStates.Get(id); ok && cached != nil {
			cp := *cached
			return &cp, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.instances[id]
	if !ok {
		return nil, nberrors.Newf(nberrors.CodeNotFound, "instance %s not found", id)
	}
	cp := *state
	if s.caches != nil {
		// Filled under the lock so a concurrent update cannot leave a
		// stale mirror behind its own invalidation
		mirror := cp
		s.caches.InstanceStates.Set(id, &mirror)
	}
	return &cp, nil
}

// ListFilter narrows List results
type ListFilter struct {
	Status types.InstanceStatus
	Limit  int
	Offset int
}

// List returns instance snapshots ordered by creation time
func (s *Store) List(filter ListFilter) []*types.InstanceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.InstanceState, 0, len(s.instances))
	for _, state := range s.instances {
		if filter.Status != "" && state.Status != filter.Status {
			continue
		}
		cp := *state
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamps.CreatedAt.Equal(out[j].Timestamps.CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamps.CreatedAt.Before(out[j].Timestamps.CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

// Update applies a patch under the transition table and returns the
// resulting snapshot. An equal-status patch is a legal no-op.
func (s *Store) Update(id string, patch Patch) (*types.InstanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.instances[id]
	if !ok {
		return nil, nberrors.Newf(nberrors.CodeNotFound, "instance %s not found", id)
	}

	if patch.Status != nil && *patch.Status != state.Status {
		if !CanTransition(state.Status, *patch.Status) {
			return nil, nberrors.Newf(nberrors.CodeInvalidTransition,
				"instance %s cannot transition %s -> %s", id, state.Status, *patch.Status)
		}
		s.applyStatus(state, *patch.Status)
	}

	if patch.ProviderInstanceID != nil {
		state.ProviderInstanceID = *patch.ProviderInstanceID
	}
	if patch.PortMappings != nil {
		state.PortMappings = patch.PortMappings
	}
	if patch.HealthCheck != nil {
		state.HealthCheck = patch.HealthCheck
	}
	if patch.LastError != nil {
		state.LastError = patch.LastError
	}
	if patch.SpotStatus != nil {
		state.SpotStatus = *patch.SpotStatus
	}
	if patch.SpotReclaimTime != nil {
		state.SpotReclaimTime = *patch.SpotReclaimTime
	}
	if patch.Region != nil {
		state.Region = *patch.Region
	}
	if patch.LastSyncedAt != nil {
		state.Timestamps.LastSyncedAt = patch.LastSyncedAt
	}

	if s.caches != nil {
		s.caches.InvalidateInstance(id)
	}
	s.updateGauges()

	cp := *state
	return &cp, nil
}

// applyStatus sets the status and its milestone timestamp. ReadyAt is
// written only on the first transition into READY.
func (s *Store) applyStatus(state *types.InstanceState, to types.InstanceStatus) {
	from := state.Status
	state.Status = to
	now := time.Now()

	switch to {
	case types.InstanceRunning:
		if state.Timestamps.StartedAt == nil {
			state.Timestamps.StartedAt = &now
		}
	case types.InstanceReady:
		if state.Timestamps.ReadyAt == nil {
			state.Timestamps.ReadyAt = &now
			metrics.InstanceTimeToReady.Observe(now.Sub(state.Timestamps.CreatedAt).Seconds())
		}
	case types.InstanceStopped:
		state.Timestamps.StoppedAt = &now
	case types.InstanceTerminated:
		state.Timestamps.TerminatedAt = &now
	}

	s.logger.Info().
		Str("instance_id", state.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("instance transition")
}

// Remove terminates and deletes an instance record. Explicit delete is
// legal from any status.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.instances[id]
	if !ok {
		return nberrors.Newf(nberrors.CodeNotFound, "instance %s not found", id)
	}

	if state.Status != types.InstanceTerminated {
		s.applyStatus(state, types.InstanceTerminated)
	}
	delete(s.instances, id)

	if opID, ok := s.activeOps[id]; ok {
		if op := s.ops[opID]; op != nil && !op.Status.Terminal() {
			op.Status = types.StartupFailed
			op.Phase = types.PhaseFailed
			op.Error = "instance removed"
		}
		delete(s.activeOps, id)
	}

	if s.caches != nil {
		s.caches.InvalidateInstance(id)
	}
	s.updateGauges()
	return nil
}

// Count returns the number of tracked instances
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

func (s *Store) updateGauges() {
	counts := make(map[types.InstanceStatus]int)
	for _, state := range s.instances {
		counts[state.Status]++
	}
	for _, status := range []types.InstanceStatus{
		types.InstanceCreating, types.InstanceCreated, types.InstanceStarting,
		types.InstanceRunning, types.InstanceHealthChecking, types.InstanceReady,
		types.InstanceStopping, types.InstanceStopped, types.InstanceFailed,
		types.InstanceTerminated, types.InstanceExited,
	} {
		metrics.InstancesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
