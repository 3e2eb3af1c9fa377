package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medgate.org/internal/ids"
	"medgate.org/internal/obs"
	"medgate.org/internal/store"
)

// Auth event actions and outcomes.
const (
	ActionLoginSuccess = "login.success"
	ActionLoginFailure = "login.failure"

	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeSuspicious = "suspicious"

	RoleUnknown = "unknown"
)

// Decision targets and verdicts.
const (
	KindInstitution  = "institution"
	KindPractitioner = "practitioner"

	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

const appendAttempts = 3

var (
	ErrMissingRationale = errors.New("audit: rationale is required")
	ErrInvalidEntry     = errors.New("audit: invalid entry")
	ErrConflict         = errors.New("audit: concurrent appends exhausted retries")
)

// AuthEvent records one credential validation attempt.
type AuthEvent struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorEmail string    `json:"actor_email"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	Outcome    string    `json:"outcome"`
	ClientIP   string    `json:"client_ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// DecisionEntry records one approval or rejection and its rationale.
type DecisionEntry struct {
	ID            string    `json:"id"`
	OccurredAt    time.Time `json:"occurred_at"`
	ActorEmail    string    `json:"actor_email"`
	TargetName    string    `json:"target_name"`
	TargetKind    string    `json:"target_kind"`
	Decision      string    `json:"decision"`
	Rationale     string    `json:"rationale"`
	InstitutionID string    `json:"institution_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// Ledger appends to and queries the auth-event log and the decision diary.
// Both logs are append-only; entries are never edited.
type Ledger struct {
	store     store.Store
	now       func() time.Time
	retention int
}

// LedgerOption configures Ledger behavior.
type LedgerOption func(*Ledger) error

// WithRetention keeps at most n entries per log, dropping the oldest. Zero
// keeps everything.
func WithRetention(n int) LedgerOption {
	return func(l *Ledger) error {
		if n < 0 {
			return fmt.Errorf("audit: retention must be >= 0, got %d", n)
		}
		l.retention = n
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) LedgerOption {
	return func(l *Ledger) error {
		if fn != nil {
			l.now = fn
		}
		return nil
	}
}

// NewLedger constructs Ledger over st.
func NewLedger(st store.Store, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{store: st, now: time.Now}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// AppendAuthEvent stamps e and appends it to the auth-event log.
func (l *Ledger) AppendAuthEvent(ctx context.Context, e AuthEvent) (AuthEvent, error) {
	e.ActorEmail = strings.TrimSpace(strings.ToLower(e.ActorEmail))
	if e.ActorRole == "" {
		e.ActorRole = RoleUnknown
	}
	switch e.Action {
	case ActionLoginSuccess, ActionLoginFailure:
	default:
		return AuthEvent{}, fmt.Errorf("%w: action %q", ErrInvalidEntry, e.Action)
	}
	switch e.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeSuspicious:
	default:
		return AuthEvent{}, fmt.Errorf("%w: outcome %q", ErrInvalidEntry, e.Outcome)
	}
	now := l.now().UTC()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if e.ID == "" {
		e.ID = ids.At(now)
	}
	if c, ok := ClientFromContext(ctx); ok {
		if e.ClientIP == "" {
			e.ClientIP = c.IP
		}
		if e.UserAgent == "" {
			e.UserAgent = c.UserAgent
		}
		if c.Device != "" {
			if e.Detail == "" {
				e.Detail = c.Device
			} else {
				e.Detail += " (" + c.Device + ")"
			}
		}
	}
	if e.TraceID == "" {
		e.TraceID = TraceID(ctx)
	}

	for attempt := 0; attempt < appendAttempts; attempt++ {
		snap, err := l.store.Load(ctx, store.AuthEvents)
		if err != nil {
			return AuthEvent{}, fmt.Errorf("audit: load auth events: %w", err)
		}
		events, err := store.Decode[AuthEvent](snap)
		if err != nil {
			return AuthEvent{}, err
		}
		records, err := store.Encode(trim(append(events, e), l.retention))
		if err != nil {
			return AuthEvent{}, err
		}
		err = l.store.Save(ctx, snap.Next(records))
		if errors.Is(err, store.ErrVersionConflict) {
			obs.StoreConflict("audit.append_auth_event")
			continue
		}
		if err != nil {
			return AuthEvent{}, fmt.Errorf("audit: save auth events: %w", err)
		}
		obs.AuthEventRecorded(e.Outcome)
		_ = LogEvent(ctx, "auth."+e.Action, map[string]any{
			"email":   e.ActorEmail,
			"role":    e.ActorRole,
			"outcome": e.Outcome,
			"ip":      e.ClientIP,
		})
		return e, nil
	}
	return AuthEvent{}, ErrConflict
}

// PrepareDecision validates and stamps e, returning the diary write that
// appends it. The caller commits the write together with the status change
// it documents.
func (l *Ledger) PrepareDecision(ctx context.Context, e DecisionEntry) (DecisionEntry, store.Write, error) {
	e.Rationale = strings.TrimSpace(e.Rationale)
	if e.Rationale == "" {
		return DecisionEntry{}, store.Write{}, ErrMissingRationale
	}
	switch e.TargetKind {
	case KindInstitution, KindPractitioner:
	default:
		return DecisionEntry{}, store.Write{}, fmt.Errorf("%w: target kind %q", ErrInvalidEntry, e.TargetKind)
	}
	switch e.Decision {
	case DecisionApproved, DecisionRejected:
	default:
		return DecisionEntry{}, store.Write{}, fmt.Errorf("%w: decision %q", ErrInvalidEntry, e.Decision)
	}
	e.ActorEmail = strings.TrimSpace(strings.ToLower(e.ActorEmail))
	now := l.now().UTC()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if e.ID == "" {
		e.ID = ids.At(now)
	}
	if e.TraceID == "" {
		e.TraceID = TraceID(ctx)
	}

	snap, err := l.store.Load(ctx, store.DecisionDiary)
	if err != nil {
		return DecisionEntry{}, store.Write{}, fmt.Errorf("audit: load decision diary: %w", err)
	}
	entries, err := store.Decode[DecisionEntry](snap)
	if err != nil {
		return DecisionEntry{}, store.Write{}, err
	}
	records, err := store.Encode(trim(append(entries, e), l.retention))
	if err != nil {
		return DecisionEntry{}, store.Write{}, err
	}
	return e, snap.Next(records), nil
}

// Decisions returns the diary in append order. A non-empty scopeID keeps only
// entries for that institution.
func (l *Ledger) Decisions(ctx context.Context, scopeID string) ([]DecisionEntry, error) {
	snap, err := l.store.Load(ctx, store.DecisionDiary)
	if err != nil {
		return nil, fmt.Errorf("audit: load decision diary: %w", err)
	}
	entries, err := store.Decode[DecisionEntry](snap)
	if err != nil {
		return nil, err
	}
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return entries, nil
	}
	out := entries[:0]
	for _, e := range entries {
		if e.InstitutionID == scopeID {
			out = append(out, e)
		}
	}
	return out, nil
}

// AuthEvents returns the platform-wide auth-event log in append order.
func (l *Ledger) AuthEvents(ctx context.Context) ([]AuthEvent, error) {
	snap, err := l.store.Load(ctx, store.AuthEvents)
	if err != nil {
		return nil, fmt.Errorf("audit: load auth events: %w", err)
	}
	return store.Decode[AuthEvent](snap)
}

// RecentFailures counts unsuccessful attempts for email at or after since.
func (l *Ledger) RecentFailures(ctx context.Context, email string, since time.Time) (int, error) {
	events, err := l.AuthEvents(ctx)
	if err != nil {
		return 0, err
	}
	email = strings.TrimSpace(strings.ToLower(email))
	n := 0
	for _, e := range events {
		if e.Action != ActionLoginFailure || e.ActorEmail != email {
			continue
		}
		if !e.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func trim[T any](entries []T, max int) []T {
	if max <= 0 || len(entries) <= max {
		return entries
	}
	return entries[len(entries)-max:]
}
