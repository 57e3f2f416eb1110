package workflows

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/events"
	"github.com/cuemby/nimbus/pkg/health"
	"github.com/cuemby/nimbus/pkg/jobs"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/selector"
	"github.com/cuemby/nimbus/pkg/store"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/cuemby/nimbus/pkg/webhook"
)

// ProviderAPI is the slice of the provider service the workflows use
type ProviderAPI interface {
	GetTemplate(ctx context.Context, id string) (*types.Template, error)
	GetRegistryAuth(ctx context.Context, authID string) (*types.RegistryAuth, error)
	CreateInstance(ctx context.Context, spec *types.CreateInstanceSpec) (*types.CreateInstanceResult, error)
	GetInstance(ctx context.Context, providerInstanceID string) (*types.ProviderInstance, error)
	ListInstances(ctx context.Context) ([]*types.ProviderInstance, error)
	StartInstanceWithRetry(ctx context.Context, providerInstanceID string) error
}

// ProductSelector chooses a product with region fallback
type ProductSelector interface {
	SelectWithFallback(ctx context.Context, productName, preferredRegion string) (*selector.Selection, error)
}

// HealthChecker probes instance endpoints
type HealthChecker interface {
	Check(ctx context.Context, portMappings []*types.PortMapping, cfg types.HealthCheckConfig) *health.Result
}

// FailureLedger records migrations that could not complete
type FailureLedger interface {
	RecordFailure(instanceID, reason, errMsg string) error
}

// Workflows binds the job handlers to their collaborators
type Workflows struct {
	store    *store.Store
	provider ProviderAPI
	selector ProductSelector
	health   HealthChecker
	engine   *jobs.Engine
	broker   *events.Broker
	sender   *webhook.Sender
	ledger   FailureLedger

	pollInterval   time.Duration
	startupTimeout time.Duration
	maxAttempts    int

	logger zerolog.Logger
}

// Config carries the workflow tunables
type Config struct {
	PollInterval   time.Duration
	StartupTimeout time.Duration
	MaxAttempts    int
}

// New wires the workflow set
func New(st *store.Store, provider ProviderAPI, sel ProductSelector, checker HealthChecker,
	engine *jobs.Engine, broker *events.Broker, sender *webhook.Sender, ledger FailureLedger,
	cfg Config) *Workflows {
	return &Workflows{
		store:          st,
		provider:       provider,
		selector:       sel,
		health:         checker,
		engine:         engine,
		broker:         broker,
		sender:         sender,
		ledger:         ledger,
		pollInterval:   cfg.PollInterval,
		startupTimeout: cfg.StartupTimeout,
		maxAttempts:    cfg.MaxAttempts,
		logger:         log.WithComponent("workflows"),
	}
}

// Register binds every handler and its timeout on the engine
func (w *Workflows) Register() {
	w.engine.RegisterHandler(types.JobCreateInstance, w.handleCreate)
	w.engine.RegisterHandler(types.JobMonitorInstance, w.handleMonitor)
	w.engine.RegisterHandler(types.JobStartInstance, w.handleStart)
	w.engine.RegisterHandler(types.JobMonitorStartup, w.handleMonitor)
	w.engine.RegisterHandler(types.JobMigrateInstance, w.handleMigrate)
	w.engine.RegisterHandler(types.JobSendWebhook, w.handleSendWebhook)

	w.engine.SetTimeout(types.JobCreateInstance, 5*time.Minute)
	w.engine.SetTimeout(types.JobMonitorInstance, 3*time.Minute)
	w.engine.SetTimeout(types.JobStartInstance, 5*time.Minute)
	w.engine.SetTimeout(types.JobMonitorStartup, 3*time.Minute)
	w.engine.SetTimeout(types.JobMigrateInstance, 10*time.Minute)
	w.engine.SetTimeout(types.JobSendWebhook, time.Minute)
}

// finalFailure reports whether this attempt exhausts the job: either
// the error is terminal or no retries remain
func finalFailure(job *types.Job, err error) bool {
	if err == nil {
		return false
	}
	return !nberrors.IsRetryable(err) || job.Attempts >= job.MaxAttempts
}

// findProviderInstance looks up a provider instance by name, skipping
// excludeID. Retried creates use it to adopt an instance a timed-out
// earlier attempt already created instead of creating a duplicate.
func (w *Workflows) findProviderInstance(ctx context.Context, name, excludeID string) (*types.ProviderInstance, error) {
	instances, err := w.provider.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	for _, pi := range instances {
		if pi.Name == name && pi.ID != excludeID {
			return pi, nil
		}
	}
	return nil, nil
}

// publishWebhook emits a lifecycle event toward the instance's webhook
// URL via the broker; the relay turns it into a SEND_WEBHOOK job
func (w *Workflows) publishWebhook(instanceID, url string, event *types.WebhookEvent) {
	if w.broker == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	meta := map[string]string{}
	if url != "" {
		meta[webhook.MetadataURLKey] = url
	}
	w.broker.Publish(&events.Event{
		Type:       event.Event,
		InstanceID: instanceID,
		Metadata:   meta,
		Webhook:    event,
	})
}

// failInstance marks an instance FAILED with the error recorded, then
// emits the failure webhook. Illegal transitions (already terminal or
// inactive states) only record the error.
func (w *Workflows) failInstance(instanceID, url, phase string, cause error) {
	lastErr := &types.LastError{
		Code:      string(nberrors.CodeOf(cause)),
		Message:   cause.Error(),
		Phase:     phase,
		Timestamp: time.Now(),
	}

	failed := types.InstanceFailed
	state, err := w.store.Update(instanceID, store.Patch{Status: &failed, LastError: lastErr})
	if err != nil {
		// Not every state may fail (EXITED, STOPPED); keep the error on record
		state, err = w.store.Update(instanceID, store.Patch{LastError: lastErr})
		if err != nil {
			w.logger.Error().Err(err).Str("instance_id", instanceID).Msg("could not record failure")
			return
		}
	}

	w.publishWebhook(instanceID, url, &types.WebhookEvent{
		Event:      types.EventInstanceFailed,
		InstanceID: instanceID,
		Status:     state.Status,
		Phase:      phase,
		Error:      cause.Error(),
	})
}
