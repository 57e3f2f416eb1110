package workflows

import (
	"context"
	"time"

	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/migration"
	"github.com/cuemby/nimbus/pkg/store"
	"github.com/cuemby/nimbus/pkg/types"
)

// handleMigrate replaces a reclaimed spot instance: re-select a product
// (possibly in another region), create a replacement at the provider,
// move the local record onto the new providerInstanceId and chain into
// a monitor carrying the migration context. The local id never changes.
func (w *Workflows) handleMigrate(ctx context.Context, job *types.Job) error {
	payload := job.Payload.(types.MigratePayload)
	logger := w.logger.With().Str("instance_id", payload.InstanceID).Logger()

	state, err := w.store.Get(payload.InstanceID)
	if err != nil {
		return err
	}
	if !migration.Eligible(state) {
		// Instance moved on since the scheduler looked; nothing to do
		logger.Info().Str("status", string(state.Status)).Msg("no longer eligible for migration")
		return nil
	}

	fail := func(phase string, err error) error {
		if finalFailure(job, err) {
			metrics.MigrationsTriggered.WithLabelValues("failed").Inc()
			if w.ledger != nil {
				if lerr := w.ledger.RecordFailure(payload.InstanceID, payload.Reason, err.Error()); lerr != nil {
					logger.Error().Err(lerr).Msg("could not record failed migration")
				}
			}
			w.failInstance(payload.InstanceID, state.WebhookURL, phase, err)
		}
		return err
	}

	originalProviderID := state.ProviderInstanceID

	replacementID := ""
	region := state.Region
	if job.Attempts > 1 {
		// An earlier attempt may have created the replacement and timed
		// out before the identity transfer. Adopt it by name, skipping
		// the reclaimed instance itself.
		existing, err := w.findProviderInstance(ctx, state.Name, originalProviderID)
		if err != nil {
			return fail("migration_reconcile", err)
		}
		if existing != nil {
			replacementID = existing.ID
			if existing.Region != "" {
				region = existing.Region
			}
			logger.Info().
				Str("provider_instance_id", replacementID).
				Msg("adopted replacement instance from earlier attempt")
		}
	}

	if replacementID == "" {
		sel, err := w.selector.SelectWithFallback(ctx, state.ProductName, state.Region)
		if err != nil {
			return fail("migration_selection", err)
		}

		spec := &types.CreateInstanceSpec{
			Name:        state.Name,
			ProductID:   sel.Product.ID,
			TemplateID:  state.TemplateID,
			Region:      sel.Region,
			GPUNum:      state.GPUNum,
			RootfsSize:  state.RootfsSize,
			BillingMode: state.BillingMode,
		}
		tpl, err := w.provider.GetTemplate(ctx, state.TemplateID)
		if err != nil {
			return fail("migration_template", err)
		}
		if tpl.ImageAuth != "" {
			auth, err := w.provider.GetRegistryAuth(ctx, tpl.ImageAuth)
			if err != nil {
				return fail("migration_registry_auth", err)
			}
			spec.ImageAuthID = auth.ID
		}

		result, err := w.provider.CreateInstance(ctx, spec)
		if err != nil {
			return fail("migration_create", err)
		}
		replacementID = result.ProviderInstanceID
		region = sel.Region
	}

	// Identity transfer: same local id, new provider instance. The
	// replacement starts its life from EXITED -> STARTING.
	starting := types.InstanceStarting
	emptySpot := ""
	var zeroReclaim int64
	if _, err := w.store.Update(payload.InstanceID, store.Patch{
		Status:             &starting,
		ProviderInstanceID: &replacementID,
		Region:             &region,
		SpotStatus:         &emptySpot,
		SpotReclaimTime:    &zeroReclaim,
	}); err != nil {
		return fail("migration_record", err)
	}

	var hc *types.HealthCheckConfig
	if state.HealthCheckConfig != nil {
		cfg := *state.HealthCheckConfig
		hc = &cfg
	}

	_, err = w.engine.Enqueue(types.JobMonitorInstance, types.MonitorPayload{
		InstanceID:         payload.InstanceID,
		ProviderInstanceID: replacementID,
		WebhookURL:         state.WebhookURL,
		StartTime:          time.Now(),
		MaxWaitTime:        w.startupTimeout,
		HealthCheck:        hc,
		Migration: &types.MigrationContext{
			OriginalProviderInstanceID: originalProviderID,
			Reason:                     payload.Reason,
		},
	}, types.PriorityHigh, w.maxAttempts)
	if err != nil {
		return fail("migration_monitor", err)
	}

	metrics.MigrationsTriggered.WithLabelValues("started").Inc()
	logger.Info().
		Str("old_provider_instance_id", originalProviderID).
		Str("new_provider_instance_id", replacementID).
		Str("region", region).
		Msg("migration underway")
	return nil
}
