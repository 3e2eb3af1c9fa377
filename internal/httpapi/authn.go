package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"medgate.org/internal/audit"
	"medgate.org/internal/identity"
)

const (
	authHeader  = "Authorization"
	bearer      = "Bearer "
	tokenIssuer = "medgate"
)

var errInvalidToken = errors.New("httpapi: invalid token")

// Claims carried by access tokens. Subject is the account email.
type Claims struct {
	Role          string `json:"role"`
	InstitutionID string `json:"institution_id,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Email         string
	Role          identity.Role
	InstitutionID string
}

type principalKey struct{}

func contextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller authenticated by withAuth.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func (a *API) issueToken(acct identity.Account) (string, time.Time, error) {
	now := a.now().UTC()
	exp := now.Add(a.tokenTTL)
	claims := Claims{
		Role:          string(acct.Role),
		InstitutionID: acct.InstitutionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   acct.Email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.tokenSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("httpapi: sign token: %w", err)
	}
	return signed, exp, nil
}

func (a *API) parseToken(raw string) (Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return a.tokenSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	email := identity.NormalizeEmail(claims.Subject)
	if email == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", errInvalidToken)
	}
	return Principal{
		Email:         email,
		Role:          identity.Role(claims.Role),
		InstitutionID: claims.InstitutionID,
	}, nil
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="medgate"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.parseToken(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="medgate", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := contextWithPrincipal(r.Context(), principal)
		ctx = audit.WithActor(ctx, principal.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller resolves the live account behind the token so that authorization
// follows the current status, not the one at issue time.
func (a *API) caller(r *http.Request) (identity.Account, error) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		return identity.Account{}, identity.ErrInvalidCredentials
	}
	acct, err := a.svc.Account(r.Context(), p.Email)
	if err != nil {
		return identity.Account{}, err
	}
	if a.svc.IsPlatformAdmin(acct.Email) {
		acct.Role = identity.RolePlatformAdmin
		acct.Status = identity.StatusApproved
	}
	return acct, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
