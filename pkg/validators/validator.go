// Package validators implements one probe strategy per API vulnerability
// class. Each validator issues one or more requests built from rule documents
// and classifies the responses into a ScanResult.
//
// Assertion failures are results, never errors. A validator returns an error
// only when a request could not be completed at all.
package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/CodeMonkeyCybersecurity/scout/internal/rules"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/template"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

const successMessage = "Success case validated"

// Target is the endpoint under test.
type Target struct {
	Application *types.Application
	Endpoint    *types.APIEndpoint
}

// URL joins the application base URL and the endpoint path.
func (t Target) URL() string {
	return strings.TrimRight(t.Application.BaseURL, "/") + "/" + strings.TrimLeft(t.Endpoint.Path, "/")
}

// Input is everything a validator needs for one run. Baseline is the success
// flow document and may be nil.
type Input struct {
	Target   Target
	Primary  *rules.Document
	Baseline *rules.Document
	Fixtures types.Fixtures
}

type Validator interface {
	CheckType() types.CheckType
	Validate(ctx context.Context, in Input) (types.ScanResult, error)
}

// Prober sends one resolved request. *probe.Client implements it.
type Prober interface {
	Do(ctx context.Context, req *probe.Request) (*probe.Response, error)
}

type Options struct {
	// SharedSecret fills {{SHARED_SECRET}} placeholders.
	SharedSecret string
	// MaxConcurrentProbes bounds the concurrent burst of the rate limit probe.
	MaxConcurrentProbes int
}

// Set holds one validator per check type.
type Set struct {
	validators map[types.CheckType]Validator
}

// NewSet wires every validator to the same prober.
func NewSet(p Prober, opts Options) *Set {
	if opts.MaxConcurrentProbes < 1 {
		opts.MaxConcurrentProbes = 32
	}
	b := base{prober: p, secret: opts.SharedSecret}

	all := []Validator{
		&SuccessFlow{base: b},
		&DenyCheck{base: b, checkType: types.CheckBrokenObjectLevelAuth},
		&BrokenAuthentication{base: b},
		&DenyCheck{base: b, checkType: types.CheckBrokenObjectPropertyLevelAuth},
		&DenyCheck{base: b, checkType: types.CheckBrokenFunctionLevelAuth},
		&SensitiveBusinessFlow{base: b},
		&ServerSideRequestForgery{base: b},
		&SecurityMisconfiguration{base: b},
		&ResourceConsumption{base: b, maxConcurrent: opts.MaxConcurrentProbes},
	}

	s := &Set{validators: make(map[types.CheckType]Validator, len(all))}
	for _, v := range all {
		s.validators[v.CheckType()] = v
	}
	return s
}

func (s *Set) Get(checkType types.CheckType) (Validator, bool) {
	v, ok := s.validators[checkType]
	return v, ok
}

// base carries what every validator shares.
type base struct {
	prober Prober
	secret string
}

// request resolves doc against the fixtures into a probe request for the
// target endpoint.
func (b base) request(t Target, doc *rules.Document, fx types.Fixtures) *probe.Request {
	return b.requestWith(t, doc, template.New(b.secret, fx.Tokens, fx.Users))
}

func (b base) requestWith(t Target, doc *rules.Document, engine *template.Engine) *probe.Request {
	req := &probe.Request{
		Method: t.Endpoint.Method,
		URL:    t.URL(),
	}
	if doc == nil {
		return req
	}
	if h, ok := engine.Resolve(doc.Headers).(map[string]any); ok {
		req.Headers = h
	}
	if p, ok := engine.Resolve(doc.Params).(map[string]any); ok {
		req.Query = p
	}
	req.Body = engine.Resolve(doc.Body)
	return req
}

// send resolves and sends doc, returning only the status code.
func (b base) send(ctx context.Context, in Input, doc *rules.Document) (int, error) {
	resp, err := b.prober.Do(ctx, b.request(in.Target, doc, in.Fixtures))
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// baselineOr returns the success flow document, or fallback without one.
func baselineOr(in Input, fallback *rules.Document) *rules.Document {
	if in.Baseline != nil {
		return in.Baseline
	}
	return fallback
}

func is2xx(code int) bool {
	return code >= 200 && code < 300
}

// looksSuccessful reports whether code resembles a legitimate success: the
// baseline's expected code, or any 2xx.
func looksSuccessful(code, baselineCode int) bool {
	return (baselineCode != 0 && code == baselineCode) || is2xx(code)
}

// escalate grades a failed deny expectation. A response that looks like the
// baseline success is a bypass (HIGH); anything else is LOW.
func escalate(code, baselineCode int) types.Severity {
	if looksSuccessful(code, baselineCode) {
		return types.SeverityHigh
	}
	return types.SeverityLow
}

func mismatch(expected, got int) string {
	return fmt.Sprintf("Expected status code %d, got %d", expected, got)
}

func pass(message string) types.ScanResult {
	return types.ScanResult{Success: true, Message: message}
}

func fail(severity types.Severity, message string) types.ScanResult {
	return types.ScanResult{Success: false, Message: message, Severity: severity}
}
