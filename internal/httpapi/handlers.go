package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"medgate.org/internal/events"
	"medgate.org/internal/identity"
	"medgate.org/internal/obs"
)

const (
	serviceName     = "medgate-api"
	maxRequestBytes = 1 << 20
)

// Pinger is satisfied by every record store backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports whether the record store answers.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Config tunes the HTTP adapter.
type Config struct {
	Version        string
	TokenSecret    []byte
	TokenTTL       time.Duration
	LoginBurst     int
	LoginPerSecond int
	AllowedOrigins []string
	// TrustedProxies lists proxy CIDRs or addresses whose X-Forwarded-For
	// header is believed. Empty means the peer address is the client.
	TrustedProxies []string
}

// API is the HTTP boundary the dashboards call.
type API struct {
	svc        *identity.Service
	changes    *events.Broker
	readyProbe ReadyProbe
	version    string

	tokenSecret []byte
	tokenTTL    time.Duration
	now         func() time.Time

	rateBurst      int
	ratePerSec     int
	allowedOrigins []string
	trustedProxies []netip.Prefix
}

// New wires the API over the workflow service. changes may be nil, which
// disables GET /v1/changes.
func New(svc *identity.Service, changes *events.Broker, rp ReadyProbe, cfg Config) (*API, error) {
	if svc == nil {
		return nil, errors.New("httpapi: identity service is required")
	}
	if len(cfg.TokenSecret) < 16 {
		return nil, errors.New("httpapi: token secret must be at least 16 bytes")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	proxies, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("httpapi: %w", err)
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	return &API{
		svc:            svc,
		changes:        changes,
		readyProbe:     rp,
		version:        cfg.Version,
		tokenSecret:    append([]byte(nil), cfg.TokenSecret...),
		tokenTTL:       ttl,
		now:            time.Now,
		rateBurst:      cfg.LoginBurst,
		ratePerSec:     cfg.LoginPerSecond,
		allowedOrigins: origins,
		trustedProxies: proxies,
	}, nil
}

// Handler returns the routed http.Handler for the server.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, ClientIP(a.trustedProxies), Logging, SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           600,
	}))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(func(next http.Handler) http.Handler {
			return RateLimit(next, a.rateBurst, a.ratePerSec)
		}).Post("/auth/login", a.handleLogin)
		r.Post("/registrations/institutions", a.handleRegisterInstitution)
		r.Post("/registrations/practitioners", a.handleRegisterPractitioner)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Get("/institutions", a.handleListInstitutions)
			r.Post("/institutions/{id}/decision", a.handleDecideInstitution)
			r.Get("/accounts", a.handleListAccounts)
			r.Post("/practitioners/{email}/decision", a.handleDecidePractitioner)
			r.Get("/decisions", a.handleListDecisions)
			r.Get("/auth-events", a.handleListAuthEvents)
			r.Get("/cases", a.handleListCases)
			r.Post("/cases", a.handleCreateCase)
			r.Get("/changes", a.handleChanges)
		})
	})

	return obs.Instrument(MaxBodyBytes(r, maxRequestBytes))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps workflow errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidInput), errors.Is(err, identity.ErrMissingRationale):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "identity: "))
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, loginFailureMessage)
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, identity.ErrAlreadyRegistered):
		writeError(w, r, http.StatusConflict, "already registered")
	case errors.Is(err, identity.ErrAlreadyDecided):
		writeError(w, r, http.StatusConflict, "already decided")
	case errors.Is(err, identity.ErrConflict):
		writeError(w, r, http.StatusConflict, "concurrent update, retry later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		obs.Logger().Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
