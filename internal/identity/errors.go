package identity

import "errors"

var (
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrAlreadyRegistered  = errors.New("identity: already registered")
	ErrMissingRationale   = errors.New("identity: rationale is required")
	ErrNotFound           = errors.New("identity: not found")
	ErrInvalidInput       = errors.New("identity: invalid input")
	// ErrStoreFault needs operator attention; the operation was not retried.
	ErrStoreFault = errors.New("identity: store fault")
	// ErrConflict means concurrent writers kept winning; safe to retry later.
	ErrConflict = errors.New("identity: concurrent update conflict")
	// ErrAlreadyDecided means the target left Pending; decisions are final.
	ErrAlreadyDecided = errors.New("identity: already decided")
)
