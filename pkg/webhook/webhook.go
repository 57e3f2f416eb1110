package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/nimbus/pkg/config"
	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/types"
)

// Sender delivers webhook events over HTTP POST. When a shared secret
// is configured, each body is signed with HMAC-SHA256 and the signature
// sent as X-Signature. Without a secret, deliveries go out unsigned and
// a single warning is logged at first use.
type Sender struct {
	client       *http.Client
	secret       string
	logger       zerolog.Logger
	warnUnsigned sync.Once
}

// NewSender builds a sender from webhook configuration
func NewSender(cfg config.WebhookConfig) *Sender {
	return &Sender{
		client: &http.Client{Timeout: cfg.Timeout},
		secret: cfg.Secret,
		logger: log.WithComponent("webhook"),
	}
}

// Sign computes the hex HMAC-SHA256 signature header value for a body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send POSTs one event to url. 5xx and network failures come back
// retryable so the job engine's backoff applies; 4xx is terminal.
func (s *Sender) Send(ctx context.Context, url string, event *types.WebhookEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return nberrors.Wrap(nberrors.CodeInternal, "marshal webhook payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nberrors.Wrap(nberrors.CodeInternal, "build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Nimbus-Event", event.Event)

	if s.secret != "" {
		req.Header.Set("X-Signature", Sign(s.secret, body))
	} else {
		s.warnUnsigned.Do(func() {
			s.logger.Warn().Msg("WEBHOOK_SECRET not set, deliveries are unsigned")
		})
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.WebhooksSent.WithLabelValues(event.Event, "error").Inc()
		return nberrors.Wrap(nberrors.CodeNetwork, "webhook delivery failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		metrics.WebhooksSent.WithLabelValues(event.Event, "rejected").Inc()
		return nberrors.Newf(nberrors.CodeWebhookDelivery,
			"webhook target returned %d", resp.StatusCode).WithStatus(resp.StatusCode)
	}

	metrics.WebhooksSent.WithLabelValues(event.Event, "success").Inc()
	s.logger.Debug().
		Str("event", event.Event).
		Str("instance_id", event.InstanceID).
		Msg("webhook delivered")
	return nil
}
