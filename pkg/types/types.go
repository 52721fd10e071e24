package types

import (
	"encoding/json"
	"time"
)

type Severity string

const (
	SeverityHigh Severity = "HIGH"
	SeverityLow  Severity = "LOW"
)

// CheckType tags a SecurityConfiguration with the probe it configures.
type CheckType string

const (
	CheckSuccessFlow                   CheckType = "SUCCESS_FLOW"
	CheckBrokenObjectLevelAuth         CheckType = "BROKEN_OBJECT_LEVEL_AUTHORIZATION"
	CheckBrokenAuthentication          CheckType = "BROKEN_AUTHENTICATION"
	CheckBrokenObjectPropertyLevelAuth CheckType = "BROKEN_OBJECT_PROPERTY_LEVEL_AUTHORIZATION"
	CheckBrokenFunctionLevelAuth       CheckType = "BROKEN_FUNCTION_LEVEL_AUTHORIZATION"
	CheckSensitiveBusinessFlow         CheckType = "UNRESTRICTED_ACCESS_TO_SENSITIVE_BUSINESS_FLOW"
	CheckServerSideRequestForgery      CheckType = "SERVER_SIDE_REQUEST_FORGERY"
	CheckSecurityMisconfiguration      CheckType = "SECURITY_MISCONFIGURATION"
	CheckResourceConsumption           CheckType = "UNRESTRICTED_RESOURCE_CONSUMPTION"

	// CheckAuthTokens is not a probe. It describes where fixtures are fetched from.
	CheckAuthTokens CheckType = "AUTH_TOKENS"
)

// CheckOrder is the order validators run in for a single endpoint. The success
// flow comes first so escalating checks see the baseline.
var CheckOrder = []CheckType{
	CheckSuccessFlow,
	CheckBrokenObjectLevelAuth,
	CheckBrokenAuthentication,
	CheckBrokenObjectPropertyLevelAuth,
	CheckBrokenFunctionLevelAuth,
	CheckSensitiveBusinessFlow,
	CheckServerSideRequestForgery,
	CheckSecurityMisconfiguration,
	CheckResourceConsumption,
}

// Valid reports whether c is a known check or fixture type.
func (c CheckType) Valid() bool {
	if c == CheckAuthTokens {
		return true
	}
	for _, t := range CheckOrder {
		if t == c {
			return true
		}
	}
	return false
}

type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "PENDING"
	ScanStatusCompleted ScanStatus = "COMPLETED"
	ScanStatusFailed    ScanStatus = "FAILED"
)

type UserRole string

const (
	RoleAdmin  UserRole = "ADMIN"
	RoleMember UserRole = "MEMBER"
)

type Application struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	BaseURL   string    `json:"base_url" db:"base_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type APIEndpoint struct {
	ID            string    `json:"id" db:"id"`
	ApplicationID string    `json:"application_id" db:"application_id"`
	Method        string    `json:"method" db:"method"`
	Path          string    `json:"path" db:"path"`
	IsVerified    bool      `json:"is_verified" db:"is_verified"`
	IsDeprecated  bool      `json:"is_deprecated" db:"is_deprecated"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// SecurityConfiguration holds one stored rule document. Rules stays raw here;
// the rules package decodes and validates it per check type. AUTH_TOKENS
// configurations belong to the application and carry no endpoint.
type SecurityConfiguration struct {
	ID            string          `json:"id" db:"id"`
	ApplicationID string          `json:"application_id" db:"application_id"`
	EndpointID    string          `json:"endpoint_id,omitempty" db:"endpoint_id"`
	CheckType     CheckType       `json:"check_type" db:"check_type"`
	IsEnabled     bool            `json:"is_enabled" db:"is_enabled"`
	Rules         json.RawMessage `json:"rules" db:"rules"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// ScanResult is what a validator produces. Severity is empty on success.
type ScanResult struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity,omitempty"`
}

type Issue struct {
	ID            string    `json:"id" db:"id"`
	ScanID        string    `json:"scan_id" db:"scan_id"`
	EndpointID    string    `json:"endpoint_id" db:"endpoint_id"`
	ApplicationID string    `json:"application_id" db:"application_id"`
	Title         string    `json:"title" db:"title"`
	Description   string    `json:"description" db:"description"`
	Severity      Severity  `json:"severity" db:"severity"`
	Fingerprint   string    `json:"fingerprint" db:"fingerprint"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type Scan struct {
	ID              string     `json:"id" db:"id"`
	ApplicationID   string     `json:"application_id" db:"application_id"`
	ScanDate        time.Time  `json:"scan_date" db:"scan_date"`
	OutputSummary   string     `json:"output_summary" db:"output_summary"`
	Status          ScanStatus `json:"status" db:"status"`
	ErrorCode       string     `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage    string     `json:"error_message,omitempty" db:"error_message"`
	ErrorEndpointID string     `json:"error_endpoint_id,omitempty" db:"error_endpoint_id"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Recipient is a person who receives vulnerability notifications.
type Recipient struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	Role      UserRole  `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (r Recipient) FullName() string {
	return r.FirstName + " " + r.LastName
}

type Notification struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	To        string    `json:"to"`
	ToName    string    `json:"to_name,omitempty"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// Fixtures are the per-scan identities used to fill rule placeholders.
// They are fetched once per application scan and never mutated afterwards.
type Fixtures struct {
	Tokens map[string]any `json:"tokens"`
	Users  map[string]any `json:"users"`
}
