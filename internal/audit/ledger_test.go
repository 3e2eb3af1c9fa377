package audit

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medgate.org/internal/obs"
	"medgate.org/internal/store"
)

func newTestLedger(t *testing.T, st store.Store, opts ...LedgerOption) *Ledger {
	t.Helper()
	t.Cleanup(obs.SetOutput(io.Discard))
	l, err := NewLedger(st, opts...)
	require.NoError(t, err)
	return l
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAppendAuthEventStampsAndDefaults(t *testing.T) {
	ctx := WithClient(context.Background(), Client{IP: "10.0.0.7", UserAgent: "curl/8.0", Device: "curl 8.0"})
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store.NewMemory(), WithClock(fixedClock(now)))

	e, err := l.AppendAuthEvent(ctx, AuthEvent{
		ActorEmail: " Ghost@Nowhere.org ",
		Action:     ActionLoginFailure,
		Detail:     "unknown account",
		Outcome:    OutcomeFailure,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, now, e.OccurredAt)
	assert.Equal(t, "ghost@nowhere.org", e.ActorEmail)
	assert.Equal(t, RoleUnknown, e.ActorRole)
	assert.Equal(t, "10.0.0.7", e.ClientIP)
	assert.Equal(t, "curl/8.0", e.UserAgent)
	assert.Equal(t, "unknown account (curl 8.0)", e.Detail)

	events, err := l.AuthEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e, events[0])
}

func TestAppendAuthEventRejectsUnknownAction(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	_, err := l.AppendAuthEvent(context.Background(), AuthEvent{Action: "logout", Outcome: OutcomeSuccess})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestAuthEventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, store.NewMemory())

	first, err := l.AppendAuthEvent(ctx, AuthEvent{ActorEmail: "a@x.org", Action: ActionLoginSuccess, Outcome: OutcomeSuccess})
	require.NoError(t, err)
	_, err = l.AppendAuthEvent(ctx, AuthEvent{ActorEmail: "b@x.org", Action: ActionLoginFailure, Outcome: OutcomeFailure})
	require.NoError(t, err)

	events, err := l.AuthEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first, events[0])
	assert.Equal(t, "b@x.org", events[1].ActorEmail)
}

func TestPrepareDecisionRequiresRationale(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := newTestLedger(t, st)

	_, _, err := l.PrepareDecision(ctx, DecisionEntry{
		TargetKind: KindInstitution, Decision: DecisionRejected, Rationale: "   ",
	})
	require.ErrorIs(t, err, ErrMissingRationale)

	entries, err := l.Decisions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrepareDecisionIsNotAppliedUntilCommitted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := newTestLedger(t, st)

	e, w, err := l.PrepareDecision(ctx, DecisionEntry{
		ActorEmail:    "Admin@MedGate.org",
		TargetName:    "Apollo Hospital",
		TargetKind:    KindInstitution,
		Decision:      DecisionRejected,
		Rationale:     "  Incomplete documents ",
		InstitutionID: "inst-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Incomplete documents", e.Rationale)
	assert.Equal(t, "admin@medgate.org", e.ActorEmail)
	assert.Equal(t, store.DecisionDiary, w.Collection)

	entries, err := l.Decisions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, st.Commit(ctx, w))
	entries, err = l.Decisions(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e, entries[0])
}

func TestDecisionsScopedByInstitution(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := newTestLedger(t, st)

	for _, scope := range []string{"inst-1", "inst-2", "inst-1"} {
		_, w, err := l.PrepareDecision(ctx, DecisionEntry{
			TargetKind: KindPractitioner, Decision: DecisionApproved, Rationale: "ok", InstitutionID: scope,
		})
		require.NoError(t, err)
		require.NoError(t, st.Commit(ctx, w))
	}

	all, err := l.Decisions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := l.Decisions(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	for _, e := range scoped {
		assert.Equal(t, "inst-1", e.InstitutionID)
	}
}

func TestRecentFailuresCountsWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store.NewMemory())

	add := func(at time.Time, email, action, outcome string) {
		_, err := l.AppendAuthEvent(ctx, AuthEvent{OccurredAt: at, ActorEmail: email, Action: action, Outcome: outcome})
		require.NoError(t, err)
	}
	add(base.Add(-time.Hour), "a@x.org", ActionLoginFailure, OutcomeFailure)
	add(base, "a@x.org", ActionLoginFailure, OutcomeFailure)
	add(base.Add(time.Minute), "A@X.org", ActionLoginFailure, OutcomeSuspicious)
	add(base.Add(2*time.Minute), "a@x.org", ActionLoginSuccess, OutcomeSuccess)
	add(base.Add(3*time.Minute), "b@x.org", ActionLoginFailure, OutcomeFailure)

	n, err := l.RecentFailures(ctx, "A@x.org", base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRetentionKeepsNewest(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, store.NewMemory(), WithRetention(2))

	for _, email := range []string{"1@x.org", "2@x.org", "3@x.org"} {
		_, err := l.AppendAuthEvent(ctx, AuthEvent{ActorEmail: email, Action: ActionLoginSuccess, Outcome: OutcomeSuccess})
		require.NoError(t, err)
	}
	events, err := l.AuthEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "2@x.org", events[0].ActorEmail)
	assert.Equal(t, "3@x.org", events[1].ActorEmail)
}

func TestNegativeRetentionRejected(t *testing.T) {
	_, err := NewLedger(store.NewMemory(), WithRetention(-1))
	require.Error(t, err)
}

func TestCorruptLogSurfaces(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Save(context.Background(), store.Write{
		Collection: store.AuthEvents,
		Records:    []json.RawMessage{json.RawMessage(`"nope"`)},
	}))
	l := newTestLedger(t, st)

	_, err := l.AppendAuthEvent(context.Background(), AuthEvent{Action: ActionLoginSuccess, Outcome: OutcomeSuccess})
	require.ErrorIs(t, err, store.ErrCorrupt)
}
