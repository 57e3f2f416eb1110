package workflows

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nimbus/pkg/config"
	"github.com/cuemby/nimbus/pkg/events"
	"github.com/cuemby/nimbus/pkg/health"
	"github.com/cuemby/nimbus/pkg/jobs"
	"github.com/cuemby/nimbus/pkg/selector"
	"github.com/cuemby/nimbus/pkg/store"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/cuemby/nimbus/pkg/webhook"
)

type fakeProvider struct {
	mu sync.Mutex

	template    *types.Template
	templateErr error

	auth    *types.RegistryAuth
	authErr error

	createResult *types.CreateInstanceResult
	createErr    error
	createSpecs  []*types.CreateInstanceSpec

	instance    *types.ProviderInstance
	instanceErr error

	listed  []*types.ProviderInstance
	listErr error

	startErr   error
	startCalls int
}

func (p *fakeProvider) GetTemplate(_ context.Context, id string) (*types.Template, error) {
	if p.templateErr != nil {
		return nil, p.templateErr
	}
	if p.template != nil {
		return p.template, nil
	}
	return &types.Template{ID: id, ImageURL: "registry.local/app:latest"}, nil
}

func (p *fakeProvider) GetRegistryAuth(_ context.Context, authID string) (*types.RegistryAuth, error) {
	if p.authErr != nil {
		return nil, p.authErr
	}
	if p.auth != nil {
		return p.auth, nil
	}
	return &types.RegistryAuth{ID: authID}, nil
}

func (p *fakeProvider) CreateInstance(_ context.Context, spec *types.CreateInstanceSpec) (*types.CreateInstanceResult, error) {
	p.mu.Lock()
	p.createSpecs = append(p.createSpecs, spec)
	p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	if p.createResult != nil {
		return p.createResult, nil
	}
	return &types.CreateInstanceResult{ProviderInstanceID: "prov-1", Status: types.ProviderStatusCreating}, nil
}

func (p *fakeProvider) GetInstance(_ context.Context, _ string) (*types.ProviderInstance, error) {
	if p.instanceErr != nil {
		return nil, p.instanceErr
	}
	return p.instance, nil
}

func (p *fakeProvider) ListInstances(_ context.Context) ([]*types.ProviderInstance, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.listed, nil
}

func (p *fakeProvider) StartInstanceWithRetry(_ context.Context, _ string) error {
	p.mu.Lock()
	p.startCalls++
	p.mu.Unlock()
	return p.startErr
}

type fakeSelector struct {
	selection *selector.Selection
	err       error
}

func (s *fakeSelector) SelectWithFallback(_ context.Context, productName, _ string) (*selector.Selection, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.selection != nil {
		return s.selection, nil
	}
	return &selector.Selection{
		Product: &types.Product{ID: "p1", Name: productName, Region: "us-east"},
		Region:  "us-east",
	}, nil
}

type fakeChecker struct {
	result *health.Result
}

func (c *fakeChecker) Check(_ context.Context, _ []*types.PortMapping, _ types.HealthCheckConfig) *health.Result {
	if c.result != nil {
		return c.result
	}
	return &health.Result{Status: types.HealthHealthy}
}

type fakeLedger struct {
	mu       sync.Mutex
	failures []string
}

func (l *fakeLedger) RecordFailure(instanceID, _, _ string) error {
	l.mu.Lock()
	l.failures = append(l.failures, instanceID)
	l.mu.Unlock()
	return nil
}

func (l *fakeLedger) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.failures...)
}

type harness struct {
	store    *store.Store
	engine   *jobs.Engine
	broker   *events.Broker
	sub      events.Subscriber
	provider *fakeProvider
	selector *fakeSelector
	checker  *fakeChecker
	ledger   *fakeLedger
	w        *Workflows
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	h := &harness{
		store:    store.New(nil),
		engine:   jobs.NewEngine(config.JobsConfig{MaxConcurrent: 2, MaxAttempts: 3, PollInterval: time.Hour}),
		broker:   broker,
		sub:      broker.Subscribe(),
		provider: &fakeProvider{},
		selector: &fakeSelector{},
		checker:  &fakeChecker{},
		ledger:   &fakeLedger{},
	}

	sender := webhook.NewSender(config.WebhookConfig{Timeout: time.Second, Retries: 1})
	h.w = New(h.store, h.provider, h.selector, h.checker, h.engine, broker, sender, h.ledger, Config{
		PollInterval:   5 * time.Millisecond,
		StartupTimeout: time.Minute,
		MaxAttempts:    3,
	})
	h.w.Register()
	return h
}

// job builds the snapshot a handler would receive from the engine
func job(jobType types.JobType, payload types.JobPayload, attempts int) *types.Job {
	return &types.Job{
		ID:          "job-1",
		Type:        jobType,
		Payload:     payload,
		Status:      types.JobProcessing,
		Attempts:    attempts,
		MaxAttempts: 3,
		CreatedAt:   time.Now(),
	}
}

func (h *harness) seed(t *testing.T, state *types.InstanceState) {
	t.Helper()
	require.NoError(t, h.store.Create(state))
}

func (h *harness) jobsOfType(jobType types.JobType) []*types.Job {
	return h.engine.ListJobs(jobs.ListFilter{Type: jobType})
}

// waitEvent pops the next broker event, failing the test on silence
func (h *harness) waitEvent(t *testing.T) *events.Event {
	t.Helper()
	select {
	case ev := <-h.sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func (h *harness) assertNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.sub:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSendWebhookDelegatesToSender(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies [][]byte
		evName string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		evName = r.Header.Get("X-Nimbus-Event")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t)
	err := h.w.handleSendWebhook(context.Background(), job(types.JobSendWebhook, types.SendWebhookPayload{
		URL: srv.URL,
		Event: &types.WebhookEvent{
			Event:      types.EventInstanceReady,
			InstanceID: "i1",
			Status:     types.InstanceReady,
			Timestamp:  time.Now(),
		},
	}, 1))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, types.EventInstanceReady, evName)

	var got types.WebhookEvent
	require.NoError(t, json.Unmarshal(bodies[0], &got))
	assert.Equal(t, "i1", got.InstanceID)
}
