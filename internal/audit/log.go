package audit

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"medgate.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
	clientKey    ctxKey = "audit_client"
)

// Client describes the caller of an authentication attempt. Device is a
// human-readable summary of UserAgent ("Firefox 121 on Linux").
type Client struct {
	IP        string
	UserAgent string
	Device    string
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithActor attaches the authenticated email to the context.
func WithActor(ctx context.Context, email string) context.Context {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, email)
}

// WithClient attaches the caller's address and user agent.
func WithClient(ctx context.Context, c Client) context.Context {
	c.IP = strings.TrimSpace(c.IP)
	c.UserAgent = strings.TrimSpace(c.UserAgent)
	c.Device = strings.TrimSpace(c.Device)
	return context.WithValue(ctx, clientKey, c)
}

// ClientFromContext returns the caller attached with WithClient.
func ClientFromContext(ctx context.Context) (Client, bool) {
	if ctx == nil {
		return Client{}, false
	}
	c, ok := ctx.Value(clientKey).(Client)
	return c, ok
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func actorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ""
}

// TraceID returns the hex trace id of the active span, or "".
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// LogEvent writes an audit log entry enriched with request and actor context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}

	evt := obs.Logger().Info().
		Str("type", "audit").
		Str("event", event)
	if rid := requestIDFromContext(ctx); rid != "" {
		evt = evt.Str("request_id", rid)
	}
	if actor := actorFromContext(ctx); actor != "" {
		evt = evt.Str("actor", actor)
	}
	if tid := TraceID(ctx); tid != "" {
		evt = evt.Str("trace_id", tid)
	}
	evt.Interface("fields", copyFields).Msg("audit")
	return nil
}
