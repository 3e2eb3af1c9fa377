package identity

import (
	"context"

	"medgate.org/internal/audit"
	"medgate.org/internal/store"
)

// ValidateCredentials checks email and secret and appends exactly one auth
// event describing the attempt. Unknown emails and wrong secrets both return
// ErrInvalidCredentials; only the event detail tells them apart.
func (s *Service) ValidateCredentials(ctx context.Context, email, secret string) (Account, error) {
	email = NormalizeEmail(email)

	_, accounts, err := load[Account](ctx, s.store, store.Accounts)
	if err != nil {
		return Account{}, err
	}

	evt := audit.AuthEvent{ActorEmail: email, ActorRole: audit.RoleUnknown}
	var acct Account
	ok := false
	i := indexAccount(accounts, email)
	switch {
	case i < 0:
		evt.Detail = "unknown account"
	case s.IsPlatformAdmin(email) && secret != "":
		acct, ok = accounts[i], true
		evt.Detail = "platform admin"
	case secret == "":
		acct = accounts[i]
		evt.Detail = "empty secret"
	case VerifySecret(accounts[i].SecretHash, secret) != nil:
		acct = accounts[i]
		evt.Detail = "secret mismatch"
	default:
		acct, ok = accounts[i], true
		evt.Detail = "secret verified"
	}
	if i >= 0 {
		evt.ActorRole = string(acct.Role)
	}

	if ok {
		evt.Action = audit.ActionLoginSuccess
		evt.Outcome = audit.OutcomeSuccess
	} else {
		evt.Action = audit.ActionLoginFailure
		evt.Outcome = s.failureOutcome(ctx, email)
	}
	if _, err := s.ledger.AppendAuthEvent(ctx, evt); err != nil {
		return Account{}, fault("append auth event", err)
	}
	if !ok {
		return Account{}, ErrInvalidCredentials
	}
	return acct, nil
}

// failureOutcome applies the suspicion policy to a failure about to be
// recorded. Ledger read errors fall back to a plain failure.
func (s *Service) failureOutcome(ctx context.Context, email string) string {
	if s.suspicionThreshold <= 0 {
		return audit.OutcomeFailure
	}
	since := s.now().UTC().Add(-s.suspicionWindow)
	n, err := s.ledger.RecentFailures(ctx, email, since)
	if err != nil {
		s.logger.Warn().Err(err).Str("email", email).Msg("suspicion check skipped")
		return audit.OutcomeFailure
	}
	if n+1 >= s.suspicionThreshold {
		return audit.OutcomeSuspicious
	}
	return audit.OutcomeFailure
}
