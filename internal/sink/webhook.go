package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mailpipe/mailpipe/internal/parser"
)

// WebhookSink POSTs each message as JSON to a configured URL with a bounded
// timeout. Unreachable endpoints and non-2xx responses are Deferred; retries,
// if any, happen out-of-band rather than blocking the SMTP session.
type WebhookSink struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSink creates a WebhookSink with the given request timeout.
func NewWebhookSink(url string, timeout time.Duration, logger *slog.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string {
	return "webhook"
}

// Deliver performs one HTTP POST. The context bounds the attempt in addition
// to the client timeout so a draining server can cut it short.
func (s *WebhookSink) Deliver(ctx context.Context, msg *parser.EmailMessage) Outcome {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Rejected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return Rejected
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook request failed",
			slog.String("url", s.url),
			slog.String("error", err.Error()),
		)
		return Deferred
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Warn("webhook rejected message",
			slog.String("url", s.url),
			slog.Int("status", resp.StatusCode),
			slog.String("message_id", msg.MessageID),
		)
		return Deferred
	}
	return Delivered
}
