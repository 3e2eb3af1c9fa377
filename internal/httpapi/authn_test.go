package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"medgate.org/internal/identity"
)

func testTokenAPI(now time.Time) *API {
	return &API{
		tokenSecret: []byte(testSecret),
		tokenTTL:    15 * time.Minute,
		now:         func() time.Time { return now },
	}
}

func TestTokenRoundTrip(t *testing.T) {
	now := time.Date(2024, 4, 2, 8, 30, 0, 0, time.UTC)
	a := testTokenAPI(now)

	token, exp, err := a.issueToken(identity.Account{
		Email:         "a@apollo.org",
		Role:          identity.RoleInstitutionAdmin,
		InstitutionID: "inst-1",
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if !exp.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry: %v", exp)
	}

	p, err := a.parseToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if p.Email != "a@apollo.org" || p.Role != identity.RoleInstitutionAdmin || p.InstitutionID != "inst-1" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestTokenIDsAreUnique(t *testing.T) {
	a := testTokenAPI(time.Now())
	acct := identity.Account{Email: "doc@x.org", Role: identity.RolePractitioner}
	first, _, err := a.issueToken(acct)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	second, _, err := a.issueToken(acct)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct tokens")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	issuedAt := time.Date(2024, 4, 2, 8, 30, 0, 0, time.UTC)
	a := testTokenAPI(issuedAt)
	token, _, err := a.issueToken(identity.Account{Email: "doc@x.org", Role: identity.RolePractitioner})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	a.now = func() time.Time { return issuedAt.Add(time.Hour) }
	if _, err := a.parseToken(token); !errors.Is(err, errInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestTokenSignedWithOtherSecretRejected(t *testing.T) {
	now := time.Now()
	other := &API{tokenSecret: []byte("another-secret-of-sufficient-size"), tokenTTL: time.Minute, now: func() time.Time { return now }}
	token, _, err := other.issueToken(identity.Account{Email: "doc@x.org"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := testTokenAPI(now).parseToken(token); !errors.Is(err, errInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestUnsignedTokenRejected(t *testing.T) {
	now := time.Now()
	claims := Claims{
		Role: string(identity.RolePlatformAdmin),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   "admin@medgate.org",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := testTokenAPI(now).parseToken(token); !errors.Is(err, errInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestWithAuthSetsPrincipal(t *testing.T) {
	a := testTokenAPI(time.Now())
	token, _, err := a.issueToken(identity.Account{Email: "doc@x.org", Role: identity.RolePractitioner})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	var got Principal
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/cases", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got.Email != "doc@x.org" || got.Role != identity.RolePractitioner {
		t.Fatalf("unexpected principal: %+v", got)
	}
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	a := testTokenAPI(time.Now())
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/cases", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		err    bool
	}{
		{"Bearer abc", "abc", false},
		{"  bearer   abc  ", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.err {
			if err == nil {
				t.Fatalf("header %q: expected error", tc.header)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("header %q: got %q, %v", tc.header, got, err)
		}
	}
}

func TestDescribeDevice(t *testing.T) {
	if got := describeDevice(""); got != "" {
		t.Fatalf("expected empty device, got %q", got)
	}
	got := describeDevice(firefoxUA)
	if !strings.HasPrefix(got, "Firefox 121.0") || !strings.Contains(got, "Linux") {
		t.Fatalf("unexpected device: %q", got)
	}
	bot := describeDevice("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	if !strings.HasPrefix(bot, "bot") {
		t.Fatalf("expected bot marker, got %q", bot)
	}
}
