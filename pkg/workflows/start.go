package workflows

import (
	"context"
	"time"

	"github.com/cuemby/nimbus/pkg/store"
	"github.com/cuemby/nimbus/pkg/types"
)

// handleStart drives START_INSTANCE: ask the provider to start the
// instance, move local state to STARTING and chain into MONITOR_STARTUP
// under the startup operation begun at the API boundary.
func (w *Workflows) handleStart(ctx context.Context, job *types.Job) error {
	payload := job.Payload.(types.StartInstancePayload)
	logger := w.logger.With().
		Str("instance_id", payload.InstanceID).
		Str("operation_id", payload.OperationID).
		Logger()

	state, err := w.store.Get(payload.InstanceID)
	if err != nil {
		w.finishStartupOp(payload.OperationID, err)
		return err
	}

	if err := w.provider.StartInstanceWithRetry(ctx, state.ProviderInstanceID); err != nil {
		if finalFailure(job, err) {
			w.finishStartupOp(payload.OperationID, err)
			// EXITED and STOPPED cannot transition to FAILED; record
			// the error and emit the failure webhook without a
			// status change
			w.failInstance(payload.InstanceID, state.WebhookURL, "start_requested", err)
		}
		return err
	}

	starting := types.InstanceStarting
	if _, err := w.store.Update(payload.InstanceID, store.Patch{Status: &starting}); err != nil {
		w.finishStartupOp(payload.OperationID, err)
		return err
	}

	if _, err := w.store.AdvanceStartupOperation(payload.OperationID, types.PhaseMonitoring); err != nil {
		logger.Warn().Err(err).Msg("could not advance startup operation")
	} else {
		w.publishWebhook(payload.InstanceID, state.WebhookURL, &types.WebhookEvent{
			Event:       types.EventStartupPhase,
			InstanceID:  payload.InstanceID,
			Status:      starting,
			OperationID: payload.OperationID,
			Phase:       string(types.PhaseMonitoring),
		})
	}

	var hc *types.HealthCheckConfig
	if state.HealthCheckConfig != nil {
		cfg := *state.HealthCheckConfig
		hc = &cfg
	}

	_, err = w.engine.Enqueue(types.JobMonitorStartup, types.MonitorPayload{
		InstanceID:         payload.InstanceID,
		ProviderInstanceID: state.ProviderInstanceID,
		WebhookURL:         state.WebhookURL,
		StartTime:          time.Now(),
		MaxWaitTime:        w.startupTimeout,
		HealthCheck:        hc,
		OperationID:        payload.OperationID,
	}, types.PriorityHigh, w.maxAttempts)
	if err != nil {
		w.finishStartupOp(payload.OperationID, err)
		return err
	}

	logger.Info().Msg("start requested, monitoring startup")
	return nil
}

func (w *Workflows) finishStartupOp(operationID string, cause error) {
	if operationID == "" {
		return
	}
	if _, err := w.store.CompleteStartupOperation(operationID, types.StartupFailed, cause.Error()); err != nil {
		w.logger.Warn().Err(err).Str("operation_id", operationID).Msg("could not fail startup operation")
	}
}
