package workflows

import (
	"context"

	"github.com/cuemby/nimbus/pkg/types"
)

// handleSendWebhook delivers one webhook event. Transient delivery
// failures surface retryable, so the engine's backoff spaces the
// redelivery attempts.
func (w *Workflows) handleSendWebhook(ctx context.Context, job *types.Job) error {
	payload := job.Payload.(types.SendWebhookPayload)
	return w.sender.Send(ctx, payload.URL, payload.Event)
}
