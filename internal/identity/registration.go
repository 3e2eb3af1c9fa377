package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"medgate.org/internal/ids"
	"medgate.org/internal/notify"
	"medgate.org/internal/obs"
	"medgate.org/internal/store"
)

// RegisterInstitution records a pending institution together with its
// pending admin account and returns the institution id. A prior registration
// for the same email is replaced unless that account is already approved.
func (s *Service) RegisterInstitution(ctx context.Context, reg InstitutionRegistration) (string, error) {
	reg.Email = NormalizeEmail(reg.Email)
	reg.Name = strings.TrimSpace(reg.Name)
	reg.Address = strings.TrimSpace(reg.Address)
	reg.AdminName = strings.TrimSpace(reg.AdminName)
	if err := required(map[string]string{
		"name": reg.Name, "address": reg.Address, "admin name": reg.AdminName,
		"email": reg.Email, "secret": reg.Secret,
	}); err != nil {
		return "", err
	}
	hash, err := HashSecret(reg.Secret, s.secretCost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var inst Institution
	err = s.retry("register_institution", func() error {
		instSnap, institutions, err := load[Institution](ctx, s.store, store.Institutions)
		if err != nil {
			return err
		}
		acctSnap, accounts, err := load[Account](ctx, s.store, store.Accounts)
		if err != nil {
			return err
		}
		if i := indexAccount(accounts, reg.Email); i >= 0 && accounts[i].Status == StatusApproved {
			return ErrAlreadyRegistered
		}
		accounts = withoutAccount(accounts, reg.Email)
		institutions = withoutPendingInstitutions(institutions, reg.Email)

		now := s.now().UTC()
		inst = Institution{
			ID:           ids.At(now),
			Name:         reg.Name,
			Address:      reg.Address,
			AdminEmail:   reg.Email,
			Status:       StatusPending,
			RegisteredAt: now,
			DocumentRef:  strings.TrimSpace(reg.DocumentRef),
			Contact:      strings.TrimSpace(reg.Contact),
			UpdatedAt:    now,
		}
		institutions = append(institutions, inst)
		accounts = append(accounts, Account{
			Email:         reg.Email,
			Name:          reg.AdminName,
			Role:          RoleInstitutionAdmin,
			Status:        StatusPending,
			InstitutionID: inst.ID,
			SecretHash:    hash,
			DocumentRef:   inst.DocumentRef,
			Contact:       inst.Contact,
			CreatedAt:     now,
			UpdatedAt:     now,
		})

		instWrite, err := next(instSnap, institutions)
		if err != nil {
			return err
		}
		acctWrite, err := next(acctSnap, accounts)
		if err != nil {
			return err
		}
		return s.commit(ctx, "register_institution", instWrite, acctWrite)
	})
	if err != nil {
		return "", err
	}

	obs.RegistrationRecorded("institution")
	s.logger.Info().Str("institution_id", inst.ID).Str("admin", inst.AdminEmail).Msg("institution registered")
	s.notifyAll(notify.Notice{
		Kind:    notify.KindRegistrationReceived,
		To:      s.PlatformAdmins(),
		Subject: "New institution registration: " + inst.Name,
		Body: fmt.Sprintf("%s (%s) registered %s at %s and is awaiting review.",
			reg.AdminName, inst.AdminEmail, inst.Name, inst.Address),
	})
	return inst.ID, nil
}

// RegisterPractitioner records a pending practitioner account. The
// institution id is stored as given even when no such institution exists;
// such accounts stay visible only to platform admins.
func (s *Service) RegisterPractitioner(ctx context.Context, reg PractitionerRegistration) error {
	reg.Email = NormalizeEmail(reg.Email)
	reg.Name = strings.TrimSpace(reg.Name)
	reg.InstitutionID = strings.TrimSpace(reg.InstitutionID)
	if err := required(map[string]string{
		"name": reg.Name, "email": reg.Email, "secret": reg.Secret,
	}); err != nil {
		return err
	}
	hash, err := HashSecret(reg.Secret, s.secretCost)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var institutionAdmin, institutionName string
	err = s.retry("register_practitioner", func() error {
		acctSnap, accounts, err := load[Account](ctx, s.store, store.Accounts)
		if err != nil {
			return err
		}
		if i := indexAccount(accounts, reg.Email); i >= 0 && accounts[i].Status == StatusApproved {
			return ErrAlreadyRegistered
		}
		accounts = withoutAccount(accounts, reg.Email)

		now := s.now().UTC()
		accounts = append(accounts, Account{
			Email:         reg.Email,
			Name:          reg.Name,
			Role:          RolePractitioner,
			Status:        StatusPending,
			InstitutionID: reg.InstitutionID,
			SecretHash:    hash,
			DocumentRef:   strings.TrimSpace(reg.DocumentRef),
			Contact:       strings.TrimSpace(reg.Contact),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		w, err := next(acctSnap, accounts)
		if err != nil {
			return err
		}
		return s.commit(ctx, "register_practitioner", w)
	})
	if err != nil {
		return err
	}

	if reg.InstitutionID != "" {
		if inst, err := s.Institution(ctx, reg.InstitutionID); err == nil {
			institutionAdmin, institutionName = inst.AdminEmail, inst.Name
		} else {
			s.logger.Warn().Str("email", reg.Email).Str("institution_id", reg.InstitutionID).
				Msg("practitioner registered against unknown institution")
		}
	}

	obs.RegistrationRecorded("practitioner")
	s.logger.Info().Str("email", reg.Email).Str("institution_id", reg.InstitutionID).Msg("practitioner registered")

	to := s.PlatformAdmins()
	if institutionAdmin != "" {
		to = append([]string{institutionAdmin}, to...)
	}
	body := fmt.Sprintf("%s (%s) registered as a practitioner and is awaiting review.", reg.Name, reg.Email)
	if institutionName != "" {
		body = fmt.Sprintf("%s (%s) registered as a practitioner at %s and is awaiting review.", reg.Name, reg.Email, institutionName)
	}
	s.notifyAll(notify.Notice{
		Kind:    notify.KindRegistrationReceived,
		To:      dedupe(to),
		Subject: "New practitioner registration: " + reg.Name,
		Body:    body,
	})
	return nil
}

func required(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
}

func withoutAccount(list []Account, email string) []Account {
	out := list[:0]
	for _, a := range list {
		if NormalizeEmail(a.Email) != email {
			out = append(out, a)
		}
	}
	return out
}

func withoutPendingInstitutions(list []Institution, adminEmail string) []Institution {
	out := list[:0]
	for _, inst := range list {
		if NormalizeEmail(inst.AdminEmail) == adminEmail && inst.Status != StatusApproved {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func dedupe(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		e = NormalizeEmail(e)
		if _, ok := seen[e]; ok || e == "" {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
