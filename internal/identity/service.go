package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"medgate.org/internal/audit"
	"medgate.org/internal/notify"
	"medgate.org/internal/obs"
	"medgate.org/internal/store"
)

const (
	defaultPlatformAdmin = "admin@medgate.org"
	defaultAttempts      = 3
	defaultSuspicionMax  = 5
	defaultSuspicionWin  = 15 * time.Minute
)

// Ledger is the audit surface the workflow writes through.
type Ledger interface {
	AppendAuthEvent(ctx context.Context, e audit.AuthEvent) (audit.AuthEvent, error)
	PrepareDecision(ctx context.Context, e audit.DecisionEntry) (audit.DecisionEntry, store.Write, error)
	Decisions(ctx context.Context, scopeID string) ([]audit.DecisionEntry, error)
	AuthEvents(ctx context.Context) ([]audit.AuthEvent, error)
	RecentFailures(ctx context.Context, email string, since time.Time) (int, error)
}

// Notifier accepts outbound notices. It must not block.
type Notifier interface {
	Notify(n notify.Notice)
}

// Publisher broadcasts which collections a committed operation touched.
type Publisher interface {
	PublishWrites(at time.Time, writes ...store.Write)
}

type nopNotifier struct{}

func (nopNotifier) Notify(notify.Notice) {}

type nopPublisher struct{}

func (nopPublisher) PublishWrites(time.Time, ...store.Write) {}

// Service runs the registration, approval and login workflow. It keeps no
// state between calls: every operation loads fresh snapshots from the store.
type Service struct {
	store    store.Store
	ledger   Ledger
	notifier Notifier
	changes  Publisher
	logger   *zerolog.Logger
	now      func() time.Time

	admins   []string
	adminSet map[string]struct{}

	secretCost         int
	attempts           int
	suspicionThreshold int
	suspicionWindow    time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithNotifier routes registration and decision notices.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithBroker publishes change notifications after each commit.
func WithBroker(p Publisher) ServiceOption {
	return func(s *Service) error {
		if p != nil {
			s.changes = p
		}
		return nil
	}
}

// WithPlatformAdmins replaces the seeded platform-admin emails.
func WithPlatformAdmins(emails ...string) ServiceOption {
	return func(s *Service) error {
		var admins []string
		seen := make(map[string]struct{})
		for _, e := range emails {
			e = NormalizeEmail(e)
			if e == "" {
				continue
			}
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			admins = append(admins, e)
		}
		if len(admins) == 0 {
			return errors.New("identity: at least one platform admin is required")
		}
		s.admins = admins
		s.adminSet = seen
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger overrides the shared logger.
func WithLogger(l *zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithSuspicionPolicy marks a failed login suspicious once failures for the
// same email within window reach threshold. A zero threshold disables it.
func WithSuspicionPolicy(threshold int, window time.Duration) ServiceOption {
	return func(s *Service) error {
		if threshold < 0 || window < 0 {
			return errors.New("identity: suspicion policy must be non-negative")
		}
		s.suspicionThreshold = threshold
		if window > 0 {
			s.suspicionWindow = window
		}
		return nil
	}
}

// WithSecretCost sets the bcrypt cost for stored secrets.
func WithSecretCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("identity: bcrypt cost %d out of range", cost)
		}
		s.secretCost = cost
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(st store.Store, ledger Ledger, opts ...ServiceOption) (*Service, error) {
	if st == nil || ledger == nil {
		return nil, errors.New("identity: store and ledger are required")
	}
	svc := &Service{
		store:              st,
		ledger:             ledger,
		notifier:           nopNotifier{},
		changes:            nopPublisher{},
		logger:             obs.Logger(),
		now:                time.Now,
		admins:             []string{defaultPlatformAdmin},
		adminSet:           map[string]struct{}{defaultPlatformAdmin: {}},
		secretCost:         bcrypt.DefaultCost,
		attempts:           defaultAttempts,
		suspicionThreshold: defaultSuspicionMax,
		suspicionWindow:    defaultSuspicionWin,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// PlatformAdmins returns the seeded platform-admin emails.
func (s *Service) PlatformAdmins() []string {
	return append([]string(nil), s.admins...)
}

// IsPlatformAdmin reports whether email is one of the seeded platform admins.
func (s *Service) IsPlatformAdmin(email string) bool {
	_, ok := s.adminSet[NormalizeEmail(email)]
	return ok
}

// Seed creates the platform-admin accounts, approved, if they are missing.
func (s *Service) Seed(ctx context.Context) error {
	return s.retry("seed", func() error {
		snap, accounts, err := load[Account](ctx, s.store, store.Accounts)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		changed := false
		for _, email := range s.admins {
			i := indexAccount(accounts, email)
			if i >= 0 && accounts[i].Role == RolePlatformAdmin && accounts[i].Status == StatusApproved {
				continue
			}
			acct := Account{
				Email:     email,
				Name:      "Platform Administrator",
				Role:      RolePlatformAdmin,
				Status:    StatusApproved,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if i >= 0 {
				acct.CreatedAt = accounts[i].CreatedAt
				accounts[i] = acct
			} else {
				accounts = append(accounts, acct)
			}
			changed = true
		}
		if !changed {
			return nil
		}
		w, err := next(snap, accounts)
		if err != nil {
			return err
		}
		if err := s.commit(ctx, "seed", w); err != nil {
			return err
		}
		s.logger.Info().Strs("admins", s.admins).Msg("platform admins seeded")
		return nil
	})
}

// Institutions returns every institution in registration order.
func (s *Service) Institutions(ctx context.Context) ([]Institution, error) {
	_, list, err := load[Institution](ctx, s.store, store.Institutions)
	return list, err
}

// Institution returns the institution with id.
func (s *Service) Institution(ctx context.Context, id string) (Institution, error) {
	list, err := s.Institutions(ctx)
	if err != nil {
		return Institution{}, err
	}
	if i := indexInstitution(list, strings.TrimSpace(id)); i >= 0 {
		return list[i], nil
	}
	return Institution{}, ErrNotFound
}

// Accounts returns every account in creation order.
func (s *Service) Accounts(ctx context.Context) ([]Account, error) {
	_, list, err := load[Account](ctx, s.store, store.Accounts)
	return list, err
}

// Account returns the account keyed by email (case-insensitive).
func (s *Service) Account(ctx context.Context, email string) (Account, error) {
	list, err := s.Accounts(ctx)
	if err != nil {
		return Account{}, err
	}
	if i := indexAccount(list, NormalizeEmail(email)); i >= 0 {
		return list[i], nil
	}
	return Account{}, ErrNotFound
}

// DecisionDiary returns decision entries, optionally scoped to an institution.
func (s *Service) DecisionDiary(ctx context.Context, scopeID string) ([]audit.DecisionEntry, error) {
	entries, err := s.ledger.Decisions(ctx, scopeID)
	if err != nil {
		return nil, fault("decision diary", err)
	}
	return entries, nil
}

// AuthEvents returns the platform-wide auth-event log.
func (s *Service) AuthEvents(ctx context.Context) ([]audit.AuthEvent, error) {
	events, err := s.ledger.AuthEvents(ctx)
	if err != nil {
		return nil, fault("auth events", err)
	}
	return events, nil
}

// commit applies writes atomically and announces them.
func (s *Service) commit(ctx context.Context, op string, writes ...store.Write) error {
	if err := s.store.Commit(ctx, writes...); err != nil {
		return fault(op, err)
	}
	s.changes.PublishWrites(s.now().UTC(), writes...)
	return nil
}

// retry re-runs a load-modify-commit cycle while the store reports a stale
// snapshot.
func (s *Service) retry(op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.attempts; attempt++ {
		err = fn()
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		obs.StoreConflict(op)
		s.logger.Debug().Str("op", op).Int("attempt", attempt+1).Msg("stale snapshot, retrying")
	}
	return fmt.Errorf("%w: %s: %w", ErrConflict, op, err)
}

func (s *Service) notifyAll(n notify.Notice) {
	if len(n.To) == 0 {
		return
	}
	s.notifier.Notify(n)
}

// fault classifies a store or ledger error. Version conflicts pass through
// unchanged so retry can see them.
func fault(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, audit.ErrConflict):
		return fmt.Errorf("%w: %s: %w", ErrConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreFault, op, err)
}

func load[T any](ctx context.Context, st store.Store, c store.Collection) (store.Snapshot, []T, error) {
	snap, err := st.Load(ctx, c)
	if err != nil {
		return store.Snapshot{}, nil, fault("load "+string(c), err)
	}
	list, err := store.Decode[T](snap)
	if err != nil {
		return store.Snapshot{}, nil, fault("decode "+string(c), err)
	}
	return snap, list, nil
}

func next[T any](snap store.Snapshot, list []T) (store.Write, error) {
	records, err := store.Encode(list)
	if err != nil {
		return store.Write{}, fault("encode "+string(snap.Collection), err)
	}
	return snap.Next(records), nil
}

func indexAccount(list []Account, email string) int {
	for i, a := range list {
		if NormalizeEmail(a.Email) == email {
			return i
		}
	}
	return -1
}

func indexInstitution(list []Institution, id string) int {
	for i, inst := range list {
		if inst.ID == id {
			return i
		}
	}
	return -1
}
