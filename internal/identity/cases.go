package identity

import (
	"context"
	"fmt"
	"strings"

	"medgate.org/internal/ids"
	"medgate.org/internal/store"
)

// ListCasesVisibleTo applies the three-tier visibility rule: platform admins
// see every case, institution admins see cases of practitioners sharing their
// institution id, practitioners see their own. Unknown emails see nothing.
func (s *Service) ListCasesVisibleTo(ctx context.Context, email string) ([]Case, error) {
	email = NormalizeEmail(email)
	_, accounts, err := load[Account](ctx, s.store, store.Accounts)
	if err != nil {
		return nil, err
	}
	i := indexAccount(accounts, email)
	if i < 0 {
		return []Case{}, nil
	}
	viewer := accounts[i]

	_, cases, err := load[Case](ctx, s.store, store.Cases)
	if err != nil {
		return nil, err
	}

	var visible func(Case) bool
	switch viewer.Role {
	case RolePlatformAdmin:
		return cases, nil
	case RoleInstitutionAdmin:
		if viewer.InstitutionID == "" {
			return []Case{}, nil
		}
		members := make(map[string]struct{})
		for _, a := range accounts {
			if a.InstitutionID == viewer.InstitutionID {
				members[NormalizeEmail(a.Email)] = struct{}{}
			}
		}
		visible = func(c Case) bool {
			_, ok := members[NormalizeEmail(c.PractitionerEmail)]
			return ok
		}
	case RolePractitioner:
		visible = func(c Case) bool { return NormalizeEmail(c.PractitionerEmail) == email }
	default:
		return []Case{}, nil
	}

	out := make([]Case, 0, len(cases))
	for _, c := range cases {
		if visible(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// CreateCase assigns a new case to an existing practitioner.
func (s *Service) CreateCase(ctx context.Context, nc NewCase) (Case, error) {
	nc.PractitionerEmail = NormalizeEmail(nc.PractitionerEmail)
	nc.PatientName = strings.TrimSpace(nc.PatientName)
	nc.Summary = strings.TrimSpace(nc.Summary)
	if err := required(map[string]string{
		"practitioner email": nc.PractitionerEmail, "patient name": nc.PatientName,
	}); err != nil {
		return Case{}, err
	}

	var created Case
	err := s.retry("create_case", func() error {
		_, accounts, err := load[Account](ctx, s.store, store.Accounts)
		if err != nil {
			return err
		}
		i := indexAccount(accounts, nc.PractitionerEmail)
		if i < 0 || accounts[i].Role != RolePractitioner {
			return fmt.Errorf("%w: practitioner %s", ErrNotFound, nc.PractitionerEmail)
		}
		snap, cases, err := load[Case](ctx, s.store, store.Cases)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		created = Case{
			ID:                ids.At(now),
			PatientName:       nc.PatientName,
			Summary:           nc.Summary,
			PractitionerEmail: nc.PractitionerEmail,
			CreatedAt:         now,
		}
		w, err := next(snap, append(cases, created))
		if err != nil {
			return err
		}
		return s.commit(ctx, "create_case", w)
	})
	if err != nil {
		return Case{}, err
	}
	s.logger.Info().Str("case_id", created.ID).Str("practitioner", created.PractitionerEmail).Msg("case created")
	return created, nil
}
