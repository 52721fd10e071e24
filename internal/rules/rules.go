// Package rules decodes stored rule documents into typed values and validates
// them per check type, so a malformed document is reported when it is loaded
// rather than when a probe is built from it.
package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

// DefaultSSRFTarget is injected when an SSRF rule names a field but no target.
const DefaultSSRFTarget = "http://169.254.169.254/latest/meta-data/"

// Document is one probe description. Headers, Params and Body hold raw JSON
// values whose string leaves may contain placeholders.
type Document struct {
	Headers      map[string]any `json:"headers,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Body         any            `json:"body,omitempty"`
	Expectations Expectations   `json:"expectations"`

	// Limits configures the resource consumption probe.
	Limits *Limits `json:"limits,omitempty"`
	// Limit is the number of legitimate calls a sensitive flow allows.
	Limit int `json:"limit,omitempty"`
	// Inject rewrites a baseline field for the SSRF probe.
	Inject *Injection `json:"inject,omitempty"`

	// Endpoint and UsersEndpoint are only used by AUTH_TOKENS documents.
	Endpoint      string `json:"endpoint,omitempty"`
	UsersEndpoint string `json:"usersEndpoint,omitempty"`
}

type Expectations struct {
	Code int `json:"code"`
}

type Limits struct {
	Payload int    `json:"payload"`
	Rate    int    `json:"rate"`
	Field   string `json:"field,omitempty"`
}

type Injection struct {
	Field  string `json:"field"`
	Target string `json:"target,omitempty"`
}

// ExpectedCode returns the expected status code, or 0 for a nil document.
func (d *Document) ExpectedCode() int {
	if d == nil {
		return 0
	}
	return d.Expectations.Code
}

// InjectionTarget returns the URL an SSRF probe injects.
func (d *Document) InjectionTarget() string {
	if d.Inject == nil || d.Inject.Target == "" {
		return DefaultSSRFTarget
	}
	return d.Inject.Target
}

// FieldError describes one problem with one field of a document.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// ValidationError collects every problem found in a single document.
type ValidationError struct {
	CheckType types.CheckType
	Problems  []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Error()
	}
	return fmt.Sprintf("invalid %s rules: %s", e.CheckType, strings.Join(parts, "; "))
}

// Decode parses raw as a rule document for checkType and validates it.
// Unknown top-level keys are rejected so typos surface at load time.
func Decode(checkType types.CheckType, raw []byte) (*Document, error) {
	if !checkType.Valid() {
		return nil, fmt.Errorf("unknown check type %q", checkType)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ValidationError{CheckType: checkType, Problems: []FieldError{{Field: "rules", Reason: "document is empty"}}}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{CheckType: checkType, Problems: []FieldError{{Field: "rules", Reason: err.Error()}}}
	}

	if err := doc.Validate(checkType); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the fields checkType depends on.
func (d *Document) Validate(checkType types.CheckType) error {
	var problems []FieldError
	add := func(field, reason string) {
		problems = append(problems, FieldError{Field: field, Reason: reason})
	}

	needsCode := true
	switch checkType {
	case types.CheckAuthTokens:
		needsCode = false
		if d.Endpoint == "" {
			add("endpoint", "is required")
		}
		if d.Endpoint != "" && !strings.HasPrefix(d.Endpoint, "/") {
			add("endpoint", "must start with /")
		}
		if d.UsersEndpoint != "" && !strings.HasPrefix(d.UsersEndpoint, "/") {
			add("usersEndpoint", "must start with /")
		}

	case types.CheckSecurityMisconfiguration:
		needsCode = false

	case types.CheckResourceConsumption:
		needsCode = false
		switch {
		case d.Limits == nil:
			add("limits", "is required")
		case d.Limits.Payload < 0 || d.Limits.Rate < 0:
			add("limits", "must not be negative")
		case d.Limits.Payload == 0 && d.Limits.Rate == 0:
			add("limits", "payload or rate must be set")
		}

	case types.CheckSensitiveBusinessFlow:
		if d.Limit <= 0 {
			add("limit", "must be a positive number of requests")
		}

	case types.CheckServerSideRequestForgery:
		if d.Inject != nil {
			if d.Inject.Field == "" {
				add("inject.field", "is required")
			}
			if d.Inject.Target != "" {
				if u, err := url.Parse(d.Inject.Target); err != nil || u.Host == "" {
					add("inject.target", "must be an absolute URL")
				}
			}
		}
	}

	if needsCode {
		code := d.Expectations.Code
		switch {
		case code == 0:
			add("expectations.code", "is required")
		case code < 100 || code > 599:
			add("expectations.code", fmt.Sprintf("%d is not an HTTP status code", code))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{CheckType: checkType, Problems: problems}
	}
	return nil
}

// IsValidationError reports whether err came from document validation.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
