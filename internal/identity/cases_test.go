package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func caseIDs(cases []Case) []string {
	out := make([]string, 0, len(cases))
	for _, c := range cases {
		out = append(out, c.PatientName)
	}
	return out
}

func TestVisibilityPartition(t *testing.T) {
	h := newHarness(t)
	apollo := h.registerInstitution(t, "Apollo", "a@apollo.org")
	borealis := h.registerInstitution(t, "Borealis", "b@borealis.org")
	h.registerPractitioner(t, "Doc A1", "a1@x.org", apollo)
	h.registerPractitioner(t, "Doc A2", "a2@x.org", apollo)
	h.registerPractitioner(t, "Doc B1", "b1@x.org", borealis)
	h.registerPractitioner(t, "Lost", "lost@x.org", "unmatched clinic")

	for _, c := range []NewCase{
		{PractitionerEmail: "a1@x.org", PatientName: "p-a1"},
		{PractitionerEmail: "A2@X.org", PatientName: "p-a2"},
		{PractitionerEmail: "b1@x.org", PatientName: "p-b1"},
		{PractitionerEmail: "lost@x.org", PatientName: "p-lost"},
		{PractitionerEmail: "a1@x.org", PatientName: "p-a1-second"},
	} {
		_, err := h.svc.CreateCase(h.ctx, c)
		require.NoError(t, err)
	}

	tests := []struct {
		viewer string
		want   []string
	}{
		{platformAdmin, []string{"p-a1", "p-a2", "p-b1", "p-lost", "p-a1-second"}},
		{"A@Apollo.org", []string{"p-a1", "p-a2", "p-a1-second"}},
		{"b@borealis.org", []string{"p-b1"}},
		{"a1@x.org", []string{"p-a1", "p-a1-second"}},
		{" LOST@x.org ", []string{"p-lost"}},
		{"stranger@x.org", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.viewer, func(t *testing.T) {
			got, err := h.svc.ListCasesVisibleTo(h.ctx, tt.viewer)
			require.NoError(t, err)
			assert.Equal(t, tt.want, caseIDs(got))
		})
	}
}

func TestOrphanCasesInvisibleToInstitutionAdmins(t *testing.T) {
	h := newHarness(t)
	id := h.registerInstitution(t, "Apollo", "a@apollo.org")
	_, err := h.svc.DecideInstitution(h.ctx, id, true, "ok", platformAdmin)
	require.NoError(t, err)
	h.registerPractitioner(t, "Lost", "lost@x.org", "Apollo")

	_, err = h.svc.CreateCase(h.ctx, NewCase{PractitionerEmail: "lost@x.org", PatientName: "p"})
	require.NoError(t, err)

	got, err := h.svc.ListCasesVisibleTo(h.ctx, "a@apollo.org")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCreateCaseRequiresPractitioner(t *testing.T) {
	h := newHarness(t)
	h.registerInstitution(t, "Apollo", "a@apollo.org")

	_, err := h.svc.CreateCase(h.ctx, NewCase{PractitionerEmail: "ghost@x.org", PatientName: "p"})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.CreateCase(h.ctx, NewCase{PractitionerEmail: "a@apollo.org", PatientName: "p"})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.CreateCase(h.ctx, NewCase{PractitionerEmail: "a@apollo.org"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateCaseStampsRecord(t *testing.T) {
	h := newHarness(t)
	h.registerPractitioner(t, "Doc", "doc@x.org", "")

	c, err := h.svc.CreateCase(h.ctx, NewCase{PractitionerEmail: " Doc@X.org", PatientName: " Jane Roe ", Summary: "follow-up"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "doc@x.org", c.PractitionerEmail)
	assert.Equal(t, "Jane Roe", c.PatientName)
	assert.Equal(t, h.clock.Now(), c.CreatedAt)
}
