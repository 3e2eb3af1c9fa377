package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"

	"medgate.org/internal/audit"
	"medgate.org/internal/identity"
)

type institutionRegistrationRequest struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	AdminName   string `json:"admin_name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Contact     string `json:"contact"`
	DocumentRef string `json:"document_ref"`
}

type practitionerRegistrationRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Password      string `json:"password"`
	InstitutionID string `json:"institution_id"`
	Contact       string `json:"contact"`
	DocumentRef   string `json:"document_ref"`
}

type decisionRequest struct {
	Approve   *bool  `json:"approve"`
	Rationale string `json:"rationale"`
}

type decisionResponse struct {
	Entry          audit.DecisionEntry `json:"entry"`
	AccountUpdated bool                `json:"account_updated"`
}

type caseRequest struct {
	PatientName string `json:"patient_name"`
	Summary     string `json:"summary"`
}

func (a *API) handleRegisterInstitution(w http.ResponseWriter, r *http.Request) {
	var req institutionRegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !plausibleEmail(req.Email) {
		writeError(w, r, http.StatusBadRequest, "invalid email")
		return
	}
	id, err := a.svc.RegisterInstitution(r.Context(), identity.InstitutionRegistration{
		Name:        req.Name,
		Address:     req.Address,
		AdminName:   req.AdminName,
		Email:       req.Email,
		Secret:      req.Password,
		Contact:     req.Contact,
		DocumentRef: req.DocumentRef,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          id,
		"admin_email": identity.NormalizeEmail(req.Email),
		"status":      identity.StatusPending,
	})
}

func (a *API) handleRegisterPractitioner(w http.ResponseWriter, r *http.Request) {
	var req practitionerRegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !plausibleEmail(req.Email) {
		writeError(w, r, http.StatusBadRequest, "invalid email")
		return
	}
	err := a.svc.RegisterPractitioner(r.Context(), identity.PractitionerRegistration{
		Name:          req.Name,
		Email:         req.Email,
		Secret:        req.Password,
		InstitutionID: req.InstitutionID,
		Contact:       req.Contact,
		DocumentRef:   req.DocumentRef,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// Unknown institution ids are accepted; the flag lets the form warn.
	known := false
	if id := strings.TrimSpace(req.InstitutionID); id != "" {
		_, lookupErr := a.svc.Institution(r.Context(), id)
		known = lookupErr == nil
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"email":             identity.NormalizeEmail(req.Email),
		"status":            identity.StatusPending,
		"institution_known": known,
	})
}

func (a *API) handleListInstitutions(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireApproved(w, r)
	if !ok {
		return
	}
	switch caller.Role {
	case identity.RolePlatformAdmin:
		list, err := a.svc.Institutions(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"institutions": list})
	case identity.RoleInstitutionAdmin:
		inst, err := a.svc.Institution(r.Context(), caller.InstitutionID)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				writeJSON(w, http.StatusOK, map[string]any{"institutions": []identity.Institution{}})
				return
			}
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"institutions": []identity.Institution{inst}})
	default:
		forbidden(w, r)
	}
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireApproved(w, r)
	if !ok {
		return
	}
	if caller.Role != identity.RolePlatformAdmin && caller.Role != identity.RoleInstitutionAdmin {
		forbidden(w, r)
		return
	}
	list, err := a.svc.Accounts(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]identity.Account, 0, len(list))
	for _, acct := range list {
		if caller.Role == identity.RoleInstitutionAdmin &&
			(caller.InstitutionID == "" || acct.InstitutionID != caller.InstitutionID) {
			continue
		}
		acct.SecretHash = ""
		out = append(out, acct)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (a *API) handleDecideInstitution(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireApproved(w, r)
	if !ok {
		return
	}
	if caller.Role != identity.RolePlatformAdmin {
		forbidden(w, r)
		return
	}
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	res, err := a.svc.DecideInstitution(r.Context(), chi.URLParam(r, "id"), *req.Approve, req.Rationale, caller.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{Entry: res.Entry, AccountUpdated: res.AccountUpdated})
}

func (a *API) handleDecidePractitioner(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireApproved(w, r)
	if !ok {
		return
	}
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil || strings.TrimSpace(email) == "" || !plausibleEmail(email) {
		writeError(w, r, http.StatusBadRequest, "invalid email")
		return
	}
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}

	if caller.Role != identity.RolePlatformAdmin {
		if caller.Role != identity.RoleInstitutionAdmin || caller.InstitutionID == "" {
			forbidden(w, r)
			return
		}
		target, err := a.svc.Account(r.Context(), email)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if target.Role != identity.RolePractitioner || target.InstitutionID != caller.InstitutionID {
			forbidden(w, r)
			return
		}
	}

	res, err := a.svc.DecidePractitioner(r.Context(), email, *req.Approve, req.Rationale, caller.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{Entry: res.Entry, AccountUpdated: res.AccountUpdated})
}

func (a *API) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireApproved(w, r)
	if !ok {
		return
	}
	var scope string
	switch caller.Role {
	case identity.RolePlatformAdmin:
		scope = strings.TrimSpace(r.URL.Query().Get("institution_id"))
	case identity.RoleInstitutionAdmin:
		if caller.InstitutionID == "" {
			forbidden(w, r)
			return
		}
		scope = caller.InstitutionID
	default:
		forbidden(w, r)
		return
	}
	entries, err := a.svc.DecisionDiary(r.Context(), scope)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": entries, "institution_id": scope})
}

func (a *API) handleListAuthEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireApproved(w, r)
	if !ok {
		return
	}
	if caller.Role != identity.RolePlatformAdmin {
		forbidden(w, r)
		return
	}
	entries, err := a.svc.AuthEvents(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auth_events": entries})
}

func (a *API) handleListCases(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireApproved(w, r)
	if !ok {
		return
	}
	cases, err := a.svc.ListCasesVisibleTo(r.Context(), caller.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

func (a *API) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireApproved(w, r)
	if !ok {
		return
	}
	if caller.Role != identity.RolePractitioner {
		forbidden(w, r)
		return
	}
	var req caseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.svc.CreateCase(r.Context(), identity.NewCase{
		PractitionerEmail: caller.Email,
		PatientName:       req.PatientName,
		Summary:           req.Summary,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// requireCaller writes 401 when the token's account no longer exists.
func (a *API) requireCaller(w http.ResponseWriter, r *http.Request) (identity.Account, bool) {
	acct, err := a.caller(r)
	switch {
	case err == nil:
		return acct, true
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "unknown account")
	default:
		writeServiceError(w, r, err)
	}
	return identity.Account{}, false
}

// requireApproved admits only approved accounts to the dashboards. Pending
// and rejected accounts can sign in to learn their status and nothing else.
func (a *API) requireApproved(w http.ResponseWriter, r *http.Request) (identity.Account, bool) {
	acct, ok := a.requireCaller(w, r)
	if !ok {
		return acct, false
	}
	if acct.Status != identity.StatusApproved {
		writeError(w, r, http.StatusForbidden, "account not approved")
		return identity.Account{}, false
	}
	return acct, true
}

// plausibleEmail rejects malformed addresses. Empty input passes so the
// workflow can report it together with the other missing fields.
func plausibleEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return true
	}
	return govalidator.StringLength(email, "3", "254") && govalidator.IsEmail(email)
}

func decodeDecision(w http.ResponseWriter, r *http.Request) (decisionRequest, bool) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return req, false
	}
	if req.Approve == nil {
		writeError(w, r, http.StatusBadRequest, "approve is required")
		return req, false
	}
	return req, true
}

func forbidden(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusForbidden, "forbidden")
}
