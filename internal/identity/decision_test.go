package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medgate.org/internal/audit"
	"medgate.org/internal/notify"
	"medgate.org/internal/store"
)

func TestApolloRejectionScenario(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.RegisterInstitution(h.ctx, InstitutionRegistration{
		Name: "Apollo", Address: "12 Harbor Rd", AdminName: "Ada", Email: "a@apollo.org", Secret: "apollo-pw",
	})
	require.NoError(t, err)

	inst, err := h.svc.Institution(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, inst.Status)
	acct, err := h.svc.Account(h.ctx, "a@apollo.org")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, acct.Status)

	res, err := h.svc.DecideInstitution(h.ctx, id, false, "Docs incomplete", "platform@x")
	require.NoError(t, err)
	assert.True(t, res.AccountUpdated)

	inst, err = h.svc.Institution(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, inst.Status)
	assert.Equal(t, "Docs incomplete", inst.Rationale)
	acct, err = h.svc.Account(h.ctx, "a@apollo.org")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, acct.Status)
	assert.Equal(t, "Docs incomplete", acct.Rationale)

	diary, err := h.svc.DecisionDiary(h.ctx, "")
	require.NoError(t, err)
	require.Len(t, diary, 1)
	assert.Equal(t, audit.DecisionRejected, diary[0].Decision)
	assert.Equal(t, "Docs incomplete", diary[0].Rationale)
	assert.Equal(t, audit.KindInstitution, diary[0].TargetKind)
	assert.Equal(t, "Apollo", diary[0].TargetName)
	assert.Equal(t, id, diary[0].InstitutionID)
	assert.Equal(t, "platform@x", diary[0].ActorEmail)

	// Status does not gate authentication.
	_, err = h.svc.ValidateCredentials(h.ctx, "a@apollo.org", "apollo-pw")
	require.NoError(t, err)
}

func TestDecideInstitutionLockstep(t *testing.T) {
	h := newHarness(t)
	ids := []string{
		h.registerInstitution(t, "Apollo", "a@apollo.org"),
		h.registerInstitution(t, "Borealis", "b@borealis.org"),
	}

	for _, id := range ids {
		_, err := h.svc.DecideInstitution(h.ctx, id, true, "ok", platformAdmin)
		require.NoError(t, err)
	}
	for _, id := range ids {
		inst, err := h.svc.Institution(h.ctx, id)
		require.NoError(t, err)
		acct, err := h.svc.Account(h.ctx, inst.AdminEmail)
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, inst.Status)
		assert.Equal(t, StatusApproved, acct.Status)
	}
}

func TestDecisionCommitsAllCollectionsTogether(t *testing.T) {
	h := newHarness(t)
	id := h.registerInstitution(t, "Apollo", "a@apollo.org")
	instV, acctV, diaryV := h.version(t, store.Institutions), h.version(t, store.Accounts), h.version(t, store.DecisionDiary)

	_, err := h.svc.DecideInstitution(h.ctx, id, true, "ok", platformAdmin)
	require.NoError(t, err)

	assert.Equal(t, instV+1, h.version(t, store.Institutions))
	assert.Equal(t, acctV+1, h.version(t, store.Accounts))
	assert.Equal(t, diaryV+1, h.version(t, store.DecisionDiary))
}

func TestMissingRationaleMutatesNothing(t *testing.T) {
	h := newHarness(t)
	id := h.registerInstitution(t, "Apollo", "a@apollo.org")
	h.registerPractitioner(t, "Doc", "doc@x.org", id)
	instV, acctV := h.version(t, store.Institutions), h.version(t, store.Accounts)

	for _, rationale := range []string{"", "   \t"} {
		_, err := h.svc.DecideInstitution(h.ctx, id, true, rationale, platformAdmin)
		require.ErrorIs(t, err, ErrMissingRationale)
		_, err = h.svc.DecidePractitioner(h.ctx, "doc@x.org", true, rationale, platformAdmin)
		require.ErrorIs(t, err, ErrMissingRationale)
	}
	// Rationale is checked before the target is looked up.
	_, err := h.svc.DecideInstitution(h.ctx, "no-such-id", false, "", platformAdmin)
	require.ErrorIs(t, err, ErrMissingRationale)

	diary, err := h.svc.DecisionDiary(h.ctx, "")
	require.NoError(t, err)
	assert.Empty(t, diary)
	assert.Equal(t, instV, h.version(t, store.Institutions))
	assert.Equal(t, acctV, h.version(t, store.Accounts))

	acct, err := h.svc.Account(h.ctx, "doc@x.org")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, acct.Status)
}

func TestDecideUnknownTargets(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.DecideInstitution(h.ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", true, "ok", platformAdmin)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.DecidePractitioner(h.ctx, "ghost@x.org", true, "ok", platformAdmin)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDecideInstitutionWithoutAdminAccount(t *testing.T) {
	h := newHarness(t)
	id := h.registerInstitution(t, "Apollo", "a@apollo.org")

	snap, err := h.st.Load(h.ctx, store.Accounts)
	require.NoError(t, err)
	accounts, err := store.Decode[Account](snap)
	require.NoError(t, err)
	records, err := store.Encode(withoutAccount(accounts, "a@apollo.org"))
	require.NoError(t, err)
	require.NoError(t, h.st.Save(h.ctx, snap.Next(records)))

	res, err := h.svc.DecideInstitution(h.ctx, id, true, "ok", platformAdmin)
	require.NoError(t, err)
	assert.False(t, res.AccountUpdated)

	inst, err := h.svc.Institution(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, inst.Status)
}

func TestDecidePractitionerScopesDiary(t *testing.T) {
	h := newHarness(t)
	apollo := h.registerInstitution(t, "Apollo", "a@apollo.org")
	borealis := h.registerInstitution(t, "Borealis", "b@borealis.org")
	h.registerPractitioner(t, "Doc A", "doc-a@x.org", apollo)
	h.registerPractitioner(t, "Doc B", "doc-b@x.org", borealis)

	res, err := h.svc.DecidePractitioner(h.ctx, "DOC-A@x.org", true, "credentials verified", "a@apollo.org")
	require.NoError(t, err)
	assert.Equal(t, apollo, res.Entry.InstitutionID)
	assert.Equal(t, audit.KindPractitioner, res.Entry.TargetKind)
	_, err = h.svc.DecidePractitioner(h.ctx, "doc-b@x.org", false, "no license", platformAdmin)
	require.NoError(t, err)

	acct, err := h.svc.Account(h.ctx, "doc-a@x.org")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, acct.Status)

	scoped, err := h.svc.DecisionDiary(h.ctx, apollo)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "Doc A", scoped[0].TargetName)

	all, err := h.svc.DecisionDiary(h.ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDecisionNoticesAddressing(t *testing.T) {
	h := newHarness(t)
	id := h.registerInstitution(t, "Apollo", "a@apollo.org")
	h.registerPractitioner(t, "Doc", "doc@x.org", id)

	_, err := h.svc.DecideInstitution(h.ctx, id, false, "Docs incomplete", platformAdmin)
	require.NoError(t, err)
	_, err = h.svc.DecidePractitioner(h.ctx, "doc@x.org", true, "welcome", platformAdmin)
	require.NoError(t, err)

	notices := h.notes.All()
	require.Len(t, notices, 4)

	inst := notices[2]
	assert.Equal(t, notify.KindDecisionIssued, inst.Kind)
	assert.Equal(t, []string{"a@apollo.org"}, inst.To)
	assert.Equal(t, []string{platformAdmin}, inst.Cc)
	assert.Equal(t, "Docs incomplete", inst.Body)
	assert.Contains(t, inst.Subject, "rejected")

	doc := notices[3]
	assert.Equal(t, []string{"doc@x.org"}, doc.To)
	assert.Equal(t, []string{platformAdmin}, doc.Cc)
	assert.Contains(t, doc.Subject, "approved")
}

func TestDecisionsAreFinal(t *testing.T) {
	h := newHarness(t)
	id := h.registerInstitution(t, "Apollo", "a@apollo.org")
	h.registerPractitioner(t, "Doc", "doc@x.org", id)

	_, err := h.svc.DecideInstitution(h.ctx, id, true, "verified", platformAdmin)
	require.NoError(t, err)
	_, err = h.svc.DecidePractitioner(h.ctx, "doc@x.org", false, "no license", platformAdmin)
	require.NoError(t, err)
	instV, acctV, diaryV := h.version(t, store.Institutions), h.version(t, store.Accounts), h.version(t, store.DecisionDiary)

	_, err = h.svc.DecideInstitution(h.ctx, id, false, "changed my mind", platformAdmin)
	require.ErrorIs(t, err, ErrAlreadyDecided)
	_, err = h.svc.DecidePractitioner(h.ctx, "DOC@x.org", true, "second look", platformAdmin)
	require.ErrorIs(t, err, ErrAlreadyDecided)

	inst, err := h.svc.Institution(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, inst.Status)
	assert.Equal(t, "verified", inst.Rationale)
	admin, err := h.svc.Account(h.ctx, "a@apollo.org")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, admin.Status)
	doc, err := h.svc.Account(h.ctx, "doc@x.org")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, doc.Status)

	diary, err := h.svc.DecisionDiary(h.ctx, "")
	require.NoError(t, err)
	assert.Len(t, diary, 2)
	assert.Equal(t, instV, h.version(t, store.Institutions))
	assert.Equal(t, acctV, h.version(t, store.Accounts))
	assert.Equal(t, diaryV, h.version(t, store.DecisionDiary))
}

func TestRejectedPractitionerCanReapplyForDecision(t *testing.T) {
	h := newHarness(t)
	h.registerPractitioner(t, "Doc", "doc@x.org", "")
	_, err := h.svc.DecidePractitioner(h.ctx, "doc@x.org", false, "no license", platformAdmin)
	require.NoError(t, err)

	h.registerPractitioner(t, "Doc", "doc@x.org", "")
	_, err = h.svc.DecidePractitioner(h.ctx, "doc@x.org", true, "license attached", platformAdmin)
	require.NoError(t, err)

	acct, err := h.svc.Account(h.ctx, "doc@x.org")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, acct.Status)
}

func TestInstitutionDecisionLeavesReRegisteredAdminEmailAlone(t *testing.T) {
	h := newHarness(t)
	id := h.registerInstitution(t, "Apollo", "x@apollo.org")
	// Same email now registers as a practitioner; the pending institution stays.
	h.registerPractitioner(t, "Xavier", "x@apollo.org", "")

	res, err := h.svc.DecideInstitution(h.ctx, id, true, "verified", platformAdmin)
	require.NoError(t, err)
	assert.False(t, res.AccountUpdated)

	inst, err := h.svc.Institution(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, inst.Status)
	acct, err := h.svc.Account(h.ctx, "x@apollo.org")
	require.NoError(t, err)
	assert.Equal(t, RolePractitioner, acct.Role)
	assert.Equal(t, StatusPending, acct.Status)

	diary, err := h.svc.DecisionDiary(h.ctx, "")
	require.NoError(t, err)
	require.Len(t, diary, 1)
	assert.Equal(t, audit.KindInstitution, diary[0].TargetKind)
}

func TestDecidePractitionerIgnoresOtherRoles(t *testing.T) {
	h := newHarness(t)
	h.registerInstitution(t, "Apollo", "a@apollo.org")

	_, err := h.svc.DecidePractitioner(h.ctx, "a@apollo.org", true, "ok", platformAdmin)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.DecidePractitioner(h.ctx, platformAdmin, false, "ok", platformAdmin)
	require.ErrorIs(t, err, ErrNotFound)

	acct, err := h.svc.Account(h.ctx, "a@apollo.org")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, acct.Status)
}
