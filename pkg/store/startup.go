package store

import (
	"time"

	"github.com/google/uuid"

	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/types"
)

// BeginStartupOperation reserves the single startup slot for an
// instance and returns the new operation. Fails with
// STARTUP_ALREADY_IN_PROGRESS while another operation is non-terminal,
// and rejects instances that are not startable.
func (s *Store) BeginStartupOperation(instanceID string) (*types.StartupOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.instances[instanceID]
	if !ok {
		return nil, nberrors.Newf(nberrors.CodeNotFound, "instance %s not found", instanceID)
	}

	if opID, active := s.activeOps[instanceID]; active {
		if op := s.ops[opID]; op != nil && !op.Status.Terminal() {
			return nil, nberrors.Newf(nberrors.CodeStartupConflict,
				"startup operation %s already in progress for instance %s", opID, instanceID)
		}
		delete(s.activeOps, instanceID)
	}

	if state.Status != types.InstanceExited && state.Status != types.InstanceStopped {
		return nil, nberrors.Newf(nberrors.CodeStartupConflict,
			"instance %s is %s, not startable", instanceID, state.Status)
	}

	now := time.Now()
	op := &types.StartupOperation{
		OperationID:        uuid.NewString(),
		InstanceID:         instanceID,
		ProviderInstanceID: state.ProviderInstanceID,
		Status:             types.StartupInitiated,
		Phase:              types.PhaseStartRequested,
		StartedAt:          now,
		PhaseTimestamps:    map[types.StartupPhase]time.Time{types.PhaseStartRequested: now},
	}
	s.ops[op.OperationID] = op
	s.activeOps[instanceID] = op.OperationID

	s.logger.Info().
		Str("instance_id", instanceID).
		Str("operation_id", op.OperationID).
		Msg("startup operation begun")

	cp := *op
	return &cp, nil
}

// AdvanceStartupOperation records a phase change on a live operation
func (s *Store) AdvanceStartupOperation(operationID string, phase types.StartupPhase) (*types.StartupOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[operationID]
	if !ok {
		return nil, nberrors.Newf(nberrors.CodeNotFound, "startup operation %s not found", operationID)
	}
	if op.Status.Terminal() {
		return nil, nberrors.Newf(nberrors.CodeInvalidTransition,
			"startup operation %s already %s", operationID, op.Status)
	}

	op.Phase = phase
	if op.PhaseTimestamps == nil {
		op.PhaseTimestamps = make(map[types.StartupPhase]time.Time)
	}
	op.PhaseTimestamps[phase] = time.Now()

	switch phase {
	case types.PhaseMonitoring:
		op.Status = types.StartupMonitoring
	case types.PhaseHealthChecking:
		op.Status = types.StartupHealthChecking
	}

	cp := *op
	return &cp, nil
}

// CompleteStartupOperation finishes an operation and releases the
// instance's startup slot
func (s *Store) CompleteStartupOperation(operationID string, outcome types.StartupStatus, errMsg string) (*types.StartupOperation, error) {
	if !outcome.Terminal() {
		return nil, nberrors.Newf(nberrors.CodeValidation, "outcome %s is not terminal", outcome)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[operationID]
	if !ok {
		return nil, nberrors.Newf(nberrors.CodeNotFound, "startup operation %s not found", operationID)
	}
	if op.Status.Terminal() {
		cp := *op
		return &cp, nil
	}

	op.Status = outcome
	op.Error = errMsg
	if outcome == types.StartupCompleted {
		op.Phase = types.PhaseCompleted
	} else {
		op.Phase = types.PhaseFailed
	}
	if op.PhaseTimestamps == nil {
		op.PhaseTimestamps = make(map[types.StartupPhase]time.Time)
	}
	op.PhaseTimestamps[op.Phase] = time.Now()

	if s.activeOps[op.InstanceID] == operationID {
		delete(s.activeOps, op.InstanceID)
	}

	s.logger.Info().
		Str("instance_id", op.InstanceID).
		Str("operation_id", operationID).
		Str("outcome", string(outcome)).
		Msg("startup operation completed")

	cp := *op
	return &cp, nil
}

// GetStartupOperation returns a snapshot of one operation
func (s *Store) GetStartupOperation(operationID string) (*types.StartupOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[operationID]
	if !ok {
		return nil, nberrors.Newf(nberrors.CodeNotFound, "startup operation %s not found", operationID)
	}
	cp := *op
	return &cp, nil
}
