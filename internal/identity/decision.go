package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"medgate.org/internal/audit"
	"medgate.org/internal/notify"
	"medgate.org/internal/obs"
	"medgate.org/internal/store"
)

// DecideInstitution approves or rejects a pending institution and, in the
// same commit, its admin account and the decision diary entry. When no admin
// account for the institution is on record the institution is still decided
// and the result says so.
func (s *Service) DecideInstitution(ctx context.Context, id string, approve bool, rationale, actorEmail string) (DecisionResult, error) {
	id = strings.TrimSpace(id)
	rationale = strings.TrimSpace(rationale)
	if rationale == "" {
		return DecisionResult{}, ErrMissingRationale
	}
	status := statusFor(approve)

	var (
		res  DecisionResult
		inst Institution
	)
	err := s.retry("decide_institution", func() error {
		instSnap, institutions, err := load[Institution](ctx, s.store, store.Institutions)
		if err != nil {
			return err
		}
		acctSnap, accounts, err := load[Account](ctx, s.store, store.Accounts)
		if err != nil {
			return err
		}
		i := indexInstitution(institutions, id)
		if i < 0 {
			return ErrNotFound
		}
		if institutions[i].Status != StatusPending {
			return ErrAlreadyDecided
		}
		now := s.now().UTC()
		institutions[i].Status = status
		institutions[i].Rationale = rationale
		institutions[i].UpdatedAt = now
		inst = institutions[i]

		entry, diaryWrite, err := s.ledger.PrepareDecision(ctx, audit.DecisionEntry{
			ActorEmail:    actorEmail,
			TargetName:    inst.Name,
			TargetKind:    audit.KindInstitution,
			Decision:      decisionFor(approve),
			Rationale:     rationale,
			InstitutionID: inst.ID,
		})
		if err != nil {
			return decisionFault(err)
		}

		instWrite, err := next(instSnap, institutions)
		if err != nil {
			return err
		}
		writes := []store.Write{instWrite, diaryWrite}

		accountUpdated := false
		if j := indexAccount(accounts, NormalizeEmail(inst.AdminEmail)); j >= 0 && ownsInstitution(accounts[j], inst.ID) {
			accounts[j].Status = status
			accounts[j].Rationale = rationale
			accounts[j].UpdatedAt = now
			acctWrite, err := next(acctSnap, accounts)
			if err != nil {
				return err
			}
			writes = append(writes, acctWrite)
			accountUpdated = true
		}
		if err := s.commit(ctx, "decide_institution", writes...); err != nil {
			return err
		}
		res = DecisionResult{Entry: entry, AccountUpdated: accountUpdated}
		return nil
	})
	if err != nil {
		return DecisionResult{}, err
	}

	s.recordDecision(ctx, res.Entry)
	if !res.AccountUpdated {
		s.logger.Warn().Str("institution_id", inst.ID).Str("admin", inst.AdminEmail).
			Msg("institution decided without an admin account on record")
	}
	s.notifyAll(notify.Notice{
		Kind:    notify.KindDecisionIssued,
		To:      []string{inst.AdminEmail},
		Cc:      s.PlatformAdmins(),
		Subject: fmt.Sprintf("Registration of %s %s", inst.Name, res.Entry.Decision),
		Body:    rationale,
	})
	return res, nil
}

// DecidePractitioner approves or rejects a pending practitioner account and
// records the decision, scoped to the account's institution.
func (s *Service) DecidePractitioner(ctx context.Context, email string, approve bool, rationale, actorEmail string) (DecisionResult, error) {
	email = NormalizeEmail(email)
	rationale = strings.TrimSpace(rationale)
	if rationale == "" {
		return DecisionResult{}, ErrMissingRationale
	}
	status := statusFor(approve)

	var (
		res  DecisionResult
		acct Account
	)
	err := s.retry("decide_practitioner", func() error {
		acctSnap, accounts, err := load[Account](ctx, s.store, store.Accounts)
		if err != nil {
			return err
		}
		i := indexAccount(accounts, email)
		if i < 0 || accounts[i].Role != RolePractitioner {
			return ErrNotFound
		}
		if accounts[i].Status != StatusPending {
			return ErrAlreadyDecided
		}
		accounts[i].Status = status
		accounts[i].Rationale = rationale
		accounts[i].UpdatedAt = s.now().UTC()
		acct = accounts[i]

		entry, diaryWrite, err := s.ledger.PrepareDecision(ctx, audit.DecisionEntry{
			ActorEmail:    actorEmail,
			TargetName:    acct.Name,
			TargetKind:    audit.KindPractitioner,
			Decision:      decisionFor(approve),
			Rationale:     rationale,
			InstitutionID: acct.InstitutionID,
		})
		if err != nil {
			return decisionFault(err)
		}
		acctWrite, err := next(acctSnap, accounts)
		if err != nil {
			return err
		}
		if err := s.commit(ctx, "decide_practitioner", acctWrite, diaryWrite); err != nil {
			return err
		}
		res = DecisionResult{Entry: entry, AccountUpdated: true}
		return nil
	})
	if err != nil {
		return DecisionResult{}, err
	}

	s.recordDecision(ctx, res.Entry)
	s.notifyAll(notify.Notice{
		Kind:    notify.KindDecisionIssued,
		To:      []string{acct.Email},
		Cc:      s.PlatformAdmins(),
		Subject: "Your practitioner registration was " + res.Entry.Decision,
		Body:    rationale,
	})
	return res, nil
}

// ownsInstitution reports whether acct is the admin account registered for
// institution id. The admin email may since have been re-registered under
// another role.
func ownsInstitution(acct Account, id string) bool {
	return acct.Role == RoleInstitutionAdmin && acct.InstitutionID == id
}

func (s *Service) recordDecision(ctx context.Context, e audit.DecisionEntry) {
	obs.DecisionRecorded(e.TargetKind, e.Decision)
	_ = audit.LogEvent(ctx, "decision."+e.TargetKind, map[string]any{
		"target":         e.TargetName,
		"decision":       e.Decision,
		"rationale":      e.Rationale,
		"institution_id": e.InstitutionID,
		"actor":          e.ActorEmail,
	})
}

func decisionFault(err error) error {
	if errors.Is(err, audit.ErrMissingRationale) {
		return ErrMissingRationale
	}
	if errors.Is(err, audit.ErrInvalidEntry) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return fault("prepare decision", err)
}
