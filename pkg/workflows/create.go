package workflows

import (
	"context"
	"time"

	"github.com/cuemby/nimbus/pkg/store"
	"github.com/cuemby/nimbus/pkg/types"
)

// handleCreate drives CREATE_INSTANCE: select a product, resolve the
// template and registry auth, create the provider instance, record it
// and hand off to the monitor. Retries re-read local and provider state
// first, so a timed-out attempt never leaves a second provider instance
// behind.
func (w *Workflows) handleCreate(ctx context.Context, job *types.Job) error {
	payload := job.Payload.(types.CreateInstancePayload)
	req := payload.Request
	logger := w.logger.With().Str("instance_id", payload.InstanceID).Logger()

	state, err := w.store.Get(payload.InstanceID)
	if err != nil {
		return err
	}

	fail := func(phase string, err error) error {
		if finalFailure(job, err) {
			w.failInstance(payload.InstanceID, req.WebhookURL, phase, err)
		}
		return err
	}

	providerID := state.ProviderInstanceID
	region := state.Region
	if providerID == "" && job.Attempts > 1 {
		// An earlier attempt may have created the provider instance
		// and timed out before recording its id. Adopt it by name.
		existing, err := w.findProviderInstance(ctx, req.Name, "")
		if err != nil {
			return fail("create_reconcile", err)
		}
		if existing != nil {
			providerID = existing.ID
			if existing.Region != "" {
				region = existing.Region
			}
			logger.Info().
				Str("provider_instance_id", providerID).
				Msg("adopted provider instance from earlier attempt")
		}
	}

	if providerID == "" {
		sel, err := w.selector.SelectWithFallback(ctx, req.ProductName, req.Region)
		if err != nil {
			return fail("product_selection", err)
		}

		tpl, err := w.provider.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return fail("template_fetch", err)
		}

		spec := &types.CreateInstanceSpec{
			Name:        req.Name,
			ProductID:   sel.Product.ID,
			TemplateID:  tpl.ID,
			Region:      sel.Region,
			GPUNum:      req.GPUNum,
			RootfsSize:  req.RootfsSize,
			BillingMode: req.BillingMode,
		}
		if tpl.ImageAuth != "" {
			auth, err := w.provider.GetRegistryAuth(ctx, tpl.ImageAuth)
			if err != nil {
				return fail("registry_auth", err)
			}
			spec.ImageAuthID = auth.ID
		}

		result, err := w.provider.CreateInstance(ctx, spec)
		if err != nil {
			return fail("provider_create", err)
		}
		providerID = result.ProviderInstanceID
		region = sel.Region
	}

	// From here on a provider instance exists. If the remaining steps
	// fail, the sync loop re-adopts it through the providerInstanceId.
	if state.Status == types.InstanceCreating {
		created := types.InstanceCreated
		state, err = w.store.Update(payload.InstanceID, store.Patch{
			Status:             &created,
			ProviderInstanceID: &providerID,
			Region:             &region,
		})
		if err != nil {
			return fail("record_create", err)
		}

		w.publishWebhook(payload.InstanceID, req.WebhookURL, &types.WebhookEvent{
			Event:      types.EventInstanceCreated,
			InstanceID: payload.InstanceID,
			Status:     state.Status,
		})
	}

	_, err = w.engine.Enqueue(types.JobMonitorInstance, types.MonitorPayload{
		InstanceID:         payload.InstanceID,
		ProviderInstanceID: providerID,
		WebhookURL:         req.WebhookURL,
		StartTime:          time.Now(),
		MaxWaitTime:        w.startupTimeout,
		HealthCheck:        req.HealthCheck,
	}, types.PriorityHigh, w.maxAttempts)
	if err != nil {
		return fail("enqueue_monitor", err)
	}

	logger.Info().
		Str("provider_instance_id", providerID).
		Str("region", region).
		Msg("instance created, monitoring")
	return nil
}
