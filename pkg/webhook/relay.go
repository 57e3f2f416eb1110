package webhook

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/nimbus/pkg/events"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/types"
)

// MetadataURLKey is the event metadata key carrying the delivery URL
const MetadataURLKey = "webhookUrl"

// Enqueuer is the slice of the job engine the relay needs
type Enqueuer interface {
	Enqueue(jobType types.JobType, payload types.JobPayload, priority types.JobPriority, maxAttempts int) (*types.Job, error)
}

// Relay converts broker events into SEND_WEBHOOK jobs. One goroutine
// consumes the subscription, so jobs are enqueued in publish order;
// the engine then runs same-instance deliveries one at a time through
// the payload's serial key, which preserves that order end to end.
type Relay struct {
	broker     *events.Broker
	engine     Enqueuer
	defaultURL string
	retries    int
	sub        events.Subscriber
	logger     zerolog.Logger
}

// NewRelay wires the broker-to-jobs bridge
func NewRelay(broker *events.Broker, engine Enqueuer, defaultURL string, retries int) *Relay {
	return &Relay{
		broker:     broker,
		engine:     engine,
		defaultURL: defaultURL,
		retries:    retries,
		logger:     log.WithComponent("webhook"),
	}
}

// Start subscribes and begins relaying
func (r *Relay) Start() {
	r.sub = r.broker.Subscribe()
	go r.run()
	r.logger.Info().Msg("webhook relay started")
}

// Stop unsubscribes; the relay goroutine drains and exits
func (r *Relay) Stop() {
	r.broker.Unsubscribe(r.sub)
}

func (r *Relay) run() {
	for event := range r.sub {
		if event.Webhook == nil {
			continue
		}

		url := event.Metadata[MetadataURLKey]
		if url == "" {
			url = r.defaultURL
		}
		if url == "" {
			continue
		}

		_, err := r.engine.Enqueue(types.JobSendWebhook, types.SendWebhookPayload{
			URL:   url,
			Event: event.Webhook,
		}, types.PriorityNormal, r.retries)
		if err != nil {
			r.logger.Error().
				Err(err).
				Str("event", event.Webhook.Event).
				Str("instance_id", event.InstanceID).
				Msg("failed to enqueue webhook delivery")
		}
	}
}
