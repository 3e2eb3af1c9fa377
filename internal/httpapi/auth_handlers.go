package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mssola/useragent"

	"medgate.org/internal/audit"
	"medgate.org/internal/identity"
)

// loginFailureMessage is the same for unknown emails and wrong secrets.
const loginFailureMessage = "invalid email or password"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	Email         string    `json:"email"`
	Role          string    `json:"role"`
	Status        string    `json:"status"`
	InstitutionID string    `json:"institution_id,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := audit.WithClient(r.Context(), audit.Client{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Device:    describeDevice(r.UserAgent()),
	})
	acct, err := a.svc.ValidateCredentials(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="medgate"`)
		}
		writeServiceError(w, r, err)
		return
	}

	token, expiresAt, err := a.issueToken(acct)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	_ = audit.LogEvent(audit.WithActor(ctx, acct.Email), "auth.token.issued", map[string]any{
		"role":       string(acct.Role),
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, loginResponse{
		Token:         token,
		ExpiresAt:     expiresAt,
		Email:         acct.Email,
		Role:          string(acct.Role),
		Status:        string(acct.Status),
		InstitutionID: acct.InstitutionID,
	})
}

// describeDevice renders a user agent as "Firefox 121.0 on Linux x86_64".
func describeDevice(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	ua := useragent.New(raw)
	if ua.Bot() {
		name, _ := ua.Browser()
		return strings.TrimSpace("bot " + name)
	}
	name, version := ua.Browser()
	device := strings.TrimSpace(name + " " + version)
	if os := ua.OS(); os != "" {
		if device == "" {
			device = os
		} else {
			device += " on " + os
		}
	}
	if ua.Mobile() {
		device += " (mobile)"
	}
	return strings.TrimSpace(device)
}
