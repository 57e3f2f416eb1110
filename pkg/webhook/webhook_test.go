package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nimbus/pkg/config"
	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/events"
	"github.com/cuemby/nimbus/pkg/types"
)

func senderConfig(secret string) config.WebhookConfig {
	return config.WebhookConfig{Secret: secret, Timeout: 2 * time.Second, Retries: 3}
}

func readyEvent(instanceID string) *types.WebhookEvent {
	return &types.WebhookEvent{
		Event:      types.EventInstanceReady,
		InstanceID: instanceID,
		Status:     types.InstanceReady,
		Timestamp:  time.Now(),
	}
}

func TestSendSigned(t *testing.T) {
	var gotBody []byte
	var gotSig, gotEventHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature")
		gotEventHeader = r.Header.Get("X-Nimbus-Event")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	}))
	defer srv.Close()

	s := NewSender(senderConfig("topsecret"))
	require.NoError(t, s.Send(context.Background(), srv.URL, readyEvent("i1")))

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
	assert.Equal(t, types.EventInstanceReady, gotEventHeader)
	assert.Contains(t, string(gotBody), `"instanceId":"i1"`)
}

func TestSendUnsignedWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Signature"))
	}))
	defer srv.Close()

	s := NewSender(senderConfig(""))
	require.NoError(t, s.Send(context.Background(), srv.URL, readyEvent("i1")))
}

func TestSend5xxRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewSender(senderConfig("")).Send(context.Background(), srv.URL, readyEvent("i1"))
	require.Error(t, err)
	assert.Equal(t, nberrors.CodeWebhookDelivery, nberrors.CodeOf(err))
	assert.True(t, nberrors.IsRetryable(err))
}

func TestSend4xxTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	err := NewSender(senderConfig("")).Send(context.Background(), srv.URL, readyEvent("i1"))
	require.Error(t, err)
	assert.False(t, nberrors.IsRetryable(err))
}

func TestSendNetworkErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewSender(senderConfig("")).Send(context.Background(), url, readyEvent("i1"))
	require.Error(t, err)
	assert.Equal(t, nberrors.CodeNetwork, nberrors.CodeOf(err))
	assert.True(t, nberrors.IsRetryable(err))
}

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []types.SendWebhookPayload
}

func (c *captureEnqueuer) Enqueue(_ types.JobType, payload types.JobPayload, _ types.JobPriority, _ int) (*types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, payload.(types.SendWebhookPayload))
	return &types.Job{}, nil
}

func (c *captureEnqueuer) snapshot() []types.SendWebhookPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.SendWebhookPayload{}, c.jobs...)
}

func TestRelayEnqueuesInPublishOrder(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	enq := &captureEnqueuer{}
	relay := NewRelay(broker, enq, "", 3)
	relay.Start()

	names := []string{types.EventInstanceCreated, types.EventInstanceReady, types.EventInstanceStopped}
	for _, name := range names {
		broker.Publish(&events.Event{
			Type:       name,
			InstanceID: "i1",
			Metadata:   map[string]string{MetadataURLKey: "http://hooks.example.com"},
			Webhook:    &types.WebhookEvent{Event: name, InstanceID: "i1"},
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(enq.snapshot()) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	jobs := enq.snapshot()
	require.Len(t, jobs, 3)
	for i, name := range names {
		assert.Equal(t, name, jobs[i].Event.Event)
		assert.Equal(t, "http://hooks.example.com", jobs[i].URL)
	}

	relay.Stop()
}

func TestRelaySkipsEventsWithoutURL(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	enq := &captureEnqueuer{}
	relay := NewRelay(broker, enq, "", 3)
	relay.Start()
	defer relay.Stop()

	broker.Publish(&events.Event{
		Type:    types.EventInstanceReady,
		Webhook: &types.WebhookEvent{Event: types.EventInstanceReady},
	})
	// Non-webhook events are ignored entirely
	broker.Publish(&events.Event{Type: "internal.sync"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, enq.snapshot())
}

func TestRelayFallsBackToDefaultURL(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	enq := &captureEnqueuer{}
	relay := NewRelay(broker, enq, "http://default.example.com", 3)
	relay.Start()
	defer relay.Stop()

	broker.Publish(&events.Event{
		Type:    types.EventInstanceFailed,
		Webhook: &types.WebhookEvent{Event: types.EventInstanceFailed},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(enq.snapshot()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	jobs := enq.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, "http://default.example.com", jobs[0].URL)
}
