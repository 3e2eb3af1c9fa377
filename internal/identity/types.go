package identity

import (
	"strings"
	"time"

	"medgate.org/internal/audit"
)

// Role of an account.
type Role string

const (
	RolePlatformAdmin    Role = "platform_admin"
	RoleInstitutionAdmin Role = "institution_admin"
	RolePractitioner     Role = "practitioner"
)

// Status is the approval lifecycle shared by accounts and institutions.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Account is an identity with a role and approval lifecycle. Email is the key.
type Account struct {
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	Status        Status    `json:"status"`
	InstitutionID string    `json:"institution_id,omitempty"`
	SecretHash    string    `json:"secret_hash,omitempty"`
	Rationale     string    `json:"rationale,omitempty"`
	DocumentRef   string    `json:"document_ref,omitempty"`
	Contact       string    `json:"contact,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Institution applies for platform access and is paired with exactly one
// institution-admin account through AdminEmail.
type Institution struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	AdminEmail   string    `json:"admin_email"`
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
	Rationale    string    `json:"rationale,omitempty"`
	DocumentRef  string    `json:"document_ref,omitempty"`
	Contact      string    `json:"contact,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Case is a clinical case assigned to one practitioner. The owning
// institution is the practitioner's.
type Case struct {
	ID                string    `json:"id"`
	PatientName       string    `json:"patient_name"`
	Summary           string    `json:"summary,omitempty"`
	PractitionerEmail string    `json:"practitioner_email"`
	CreatedAt         time.Time `json:"created_at"`
}

// InstitutionRegistration is the input of RegisterInstitution.
type InstitutionRegistration struct {
	Name        string
	Address     string
	AdminName   string
	Email       string
	Secret      string
	Contact     string
	DocumentRef string
}

// PractitionerRegistration is the input of RegisterPractitioner.
// InstitutionID is not checked against existing institutions.
type PractitionerRegistration struct {
	Name          string
	Email         string
	Secret        string
	InstitutionID string
	Contact       string
	DocumentRef   string
}

// NewCase is the input of CreateCase.
type NewCase struct {
	PractitionerEmail string
	PatientName       string
	Summary           string
}

// DecisionResult reports what a decision changed. AccountUpdated is false
// when an institution was decided without a paired admin account on record.
type DecisionResult struct {
	Entry          audit.DecisionEntry
	AccountUpdated bool
}

// NormalizeEmail trims and lower-cases an email for use as a key.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func statusFor(approve bool) Status {
	if approve {
		return StatusApproved
	}
	return StatusRejected
}

func decisionFor(approve bool) string {
	if approve {
		return audit.DecisionApproved
	}
	return audit.DecisionRejected
}
