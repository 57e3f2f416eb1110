package workflows

import (
	"context"
	"time"

	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/store"
	"github.com/cuemby/nimbus/pkg/types"
)

// handleMonitor drives MONITOR_INSTANCE and MONITOR_STARTUP. It is a
// self-rescheduling poll: each invocation looks at the provider once
// and either finishes, fails, or re-enqueues itself after the poll
// interval. MONITOR_STARTUP additionally advances the startup operation
// and emits per-phase webhooks.
func (w *Workflows) handleMonitor(ctx context.Context, job *types.Job) error {
	payload := job.Payload.(types.MonitorPayload)
	logger := w.logger.With().Str("instance_id", payload.InstanceID).Logger()

	pi, err := w.provider.GetInstance(ctx, payload.ProviderInstanceID)
	if err != nil {
		if finalFailure(job, err) {
			w.finishStartup(payload, types.StartupFailed, err.Error())
			w.failInstance(payload.InstanceID, payload.WebhookURL, "monitoring", err)
		}
		return err
	}

	if pi.Status != types.ProviderStatusRunning {
		if time.Since(payload.StartTime) < payload.MaxWaitTime {
			logger.Debug().Str("provider_status", pi.Status).Msg("instance not running yet")
			return w.reschedule(job.Type, payload)
		}

		timeoutErr := nberrors.Newf(nberrors.CodeStartupTimeout,
			"instance did not reach running within %s", payload.MaxWaitTime)
		w.finishStartup(payload, types.StartupFailed, timeoutErr.Message)
		w.failInstance(payload.InstanceID, payload.WebhookURL, "monitoring", timeoutErr)
		return nil
	}

	// Provider says running; bring local state forward and capture the
	// endpoints
	if err := w.markRunning(payload.InstanceID, pi.PortMappings); err != nil {
		return err
	}

	if payload.HealthCheck == nil {
		return w.markReady(payload, nil)
	}

	if err := w.enterHealthChecking(payload); err != nil {
		return err
	}

	result := w.health.Check(ctx, pi.PortMappings, *payload.HealthCheck)
	info := &types.HealthCheckInfo{Status: result.Status, Results: result.Endpoints}

	if result.Healthy() {
		return w.markReady(payload, info)
	}

	if time.Since(payload.StartTime) < payload.MaxWaitTime {
		_, _ = w.store.Update(payload.InstanceID, store.Patch{HealthCheck: info})
		logger.Debug().Str("health", string(result.Status)).Msg("health check not passing yet")
		return w.reschedule(job.Type, payload)
	}

	hcErr := nberrors.Newf(nberrors.CodeHealthCheckFailed,
		"health check %s after %s", result.Status, payload.MaxWaitTime)
	failed := types.InstanceFailed
	_, _ = w.store.Update(payload.InstanceID, store.Patch{Status: &failed, HealthCheck: info,
		LastError: &types.LastError{
			Code:      string(nberrors.CodeHealthCheckFailed),
			Message:   hcErr.Message,
			Phase:     "health_checking",
			Timestamp: time.Now(),
		}})
	w.finishStartup(payload, types.StartupFailed, hcErr.Message)
	w.publishWebhook(payload.InstanceID, payload.WebhookURL, &types.WebhookEvent{
		Event:      types.EventInstanceFailed,
		InstanceID: payload.InstanceID,
		Status:     types.InstanceFailed,
		Phase:      "health_checking",
		Error:      hcErr.Message,
	})
	return nil
}

// reschedule re-enqueues the same monitor payload after the poll
// interval, preserving the original start time so maxWaitTime holds
// across hops
func (w *Workflows) reschedule(jobType types.JobType, payload types.MonitorPayload) error {
	_, err := w.engine.EnqueueAfter(jobType, payload, types.PriorityHigh, w.maxAttempts, w.pollInterval)
	return err
}

// markRunning walks local state to RUNNING, through STARTING when the
// instance is still CREATED
func (w *Workflows) markRunning(instanceID string, portMappings []*types.PortMapping) error {
	state, err := w.store.Get(instanceID)
	if err != nil {
		return err
	}

	if state.Status == types.InstanceCreated {
		starting := types.InstanceStarting
		if _, err := w.store.Update(instanceID, store.Patch{Status: &starting}); err != nil {
			return err
		}
		state.Status = starting
	}

	if state.Status == types.InstanceStarting {
		running := types.InstanceRunning
		if _, err := w.store.Update(instanceID, store.Patch{Status: &running, PortMappings: portMappings}); err != nil {
			return err
		}
		return nil
	}

	// Already RUNNING or beyond; just refresh the endpoints
	_, err = w.store.Update(instanceID, store.Patch{PortMappings: portMappings})
	return err
}

// enterHealthChecking transitions the store and the startup operation
// into the health-checking phase. Re-entry on later polls is a no-op.
func (w *Workflows) enterHealthChecking(payload types.MonitorPayload) error {
	checking := types.InstanceHealthChecking
	if _, err := w.store.Update(payload.InstanceID, store.Patch{Status: &checking}); err != nil {
		return err
	}

	if payload.OperationID != "" {
		op, err := w.store.GetStartupOperation(payload.OperationID)
		if err == nil && op.Phase != types.PhaseHealthChecking {
			if _, err := w.store.AdvanceStartupOperation(payload.OperationID, types.PhaseHealthChecking); err == nil {
				w.publishWebhook(payload.InstanceID, payload.WebhookURL, &types.WebhookEvent{
					Event:       types.EventStartupPhase,
					InstanceID:  payload.InstanceID,
					Status:      types.InstanceHealthChecking,
					OperationID: payload.OperationID,
					Phase:       string(types.PhaseHealthChecking),
				})
			}
		}
	}
	return nil
}

// markReady finishes the monitor: transition to READY (through
// HEALTH_CHECKING so the walk stays legal), complete any startup
// operation and emit the ready or migrated webhook
func (w *Workflows) markReady(payload types.MonitorPayload, info *types.HealthCheckInfo) error {
	state, err := w.store.Get(payload.InstanceID)
	if err != nil {
		return err
	}

	if state.Status == types.InstanceRunning {
		checking := types.InstanceHealthChecking
		if _, err := w.store.Update(payload.InstanceID, store.Patch{Status: &checking}); err != nil {
			return err
		}
	}

	ready := types.InstanceReady
	patch := store.Patch{Status: &ready}
	if info != nil {
		patch.HealthCheck = info
	} else {
		patch.HealthCheck = &types.HealthCheckInfo{Status: types.HealthHealthy}
	}
	state, err = w.store.Update(payload.InstanceID, patch)
	if err != nil {
		return err
	}

	w.finishStartup(payload, types.StartupCompleted, "")

	event := &types.WebhookEvent{
		Event:       types.EventInstanceReady,
		InstanceID:  payload.InstanceID,
		Status:      state.Status,
		OperationID: payload.OperationID,
	}
	if payload.Migration != nil {
		event.Event = types.EventInstanceMigrated
		event.OriginalInstanceID = payload.Migration.OriginalProviderInstanceID
		event.Reason = payload.Migration.Reason
	}
	w.publishWebhook(payload.InstanceID, payload.WebhookURL, event)

	w.logger.Info().
		Str("instance_id", payload.InstanceID).
		Str("event", event.Event).
		Msg("instance ready")
	return nil
}

// finishStartup completes the startup operation carried by a
// MONITOR_STARTUP payload; plain monitors carry no operation
func (w *Workflows) finishStartup(payload types.MonitorPayload, outcome types.StartupStatus, errMsg string) {
	if payload.OperationID == "" {
		return
	}
	if _, err := w.store.CompleteStartupOperation(payload.OperationID, outcome, errMsg); err != nil {
		w.logger.Warn().
			Err(err).
			Str("operation_id", payload.OperationID).
			Msg("could not complete startup operation")
	}
}
