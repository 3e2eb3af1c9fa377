package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"medgate.org/internal/obs"
)

// Notice kinds.
const (
	KindRegistrationReceived = "registration.received"
	KindDecisionIssued       = "decision.issued"
)

// ErrRejected means the downstream gateway answered with a non-2xx status.
var ErrRejected = errors.New("notify: rejected by gateway")

// Notice is one outbound email-style message.
type Notice struct {
	Kind    string   `json:"kind"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Sender delivers a notice. Implementations should honour ctx cancellation.
type Sender interface {
	Send(ctx context.Context, n Notice) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notice) error

func (f SenderFunc) Send(ctx context.Context, n Notice) error { return f(ctx, n) }

// WebhookSender POSTs notices as JSON to a mail gateway. Failed sends are not
// retried.
type WebhookSender struct {
	client *resty.Client
	url    string
}

// NewWebhookSender targets url with the given per-request timeout.
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &WebhookSender{client: client, url: url}
}

func (w *WebhookSender) Send(ctx context.Context, n Notice) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(n).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("notify: webhook %s: %w", n.Kind, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode())
	}
	return nil
}

// LogSender writes notices to the structured log instead of delivering them.
type LogSender struct {
	logger *zerolog.Logger
}

// NewLogSender logs through l, or the shared logger when l is nil.
func NewLogSender(l *zerolog.Logger) *LogSender {
	if l == nil {
		l = obs.Logger()
	}
	return &LogSender{logger: l}
}

func (s *LogSender) Send(ctx context.Context, n Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info().
		Str("type", "notice").
		Str("kind", n.Kind).
		Str("to", strings.Join(n.To, ",")).
		Str("cc", strings.Join(n.Cc, ",")).
		Str("subject", n.Subject).
		Msg(n.Body)
	return nil
}
