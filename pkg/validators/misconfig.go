package validators

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/CodeMonkeyCybersecurity/scout/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
	"github.com/PuerkitoBio/goquery"
)

// SecurityMisconfiguration inspects the response headers, cookies and error
// bodies of the legitimate request plus an OPTIONS preflight. Every finding
// is collected into a single HIGH result.
type SecurityMisconfiguration struct {
	base
}

func (v *SecurityMisconfiguration) CheckType() types.CheckType {
	return types.CheckSecurityMisconfiguration
}

type headerRule struct {
	name  string
	check func(value string) bool
	issue string
}

func present(value string) bool { return strings.TrimSpace(value) != "" }

var securityHeaders = []headerRule{
	{"Strict-Transport-Security", present, "missing Strict-Transport-Security header"},
	{"Content-Security-Policy", present, "missing Content-Security-Policy header"},
	{"X-Content-Type-Options", func(v string) bool { return strings.EqualFold(strings.TrimSpace(v), "nosniff") },
		"X-Content-Type-Options is not nosniff"},
	{"X-Frame-Options", func(v string) bool {
		v = strings.ToUpper(strings.TrimSpace(v))
		return v == "DENY" || v == "SAMEORIGIN"
	}, "X-Frame-Options is not DENY or SAMEORIGIN"},
	{"Referrer-Policy", present, "missing Referrer-Policy header"},
	{"Permissions-Policy", present, "missing Permissions-Policy header"},
	{"Cross-Origin-Opener-Policy", present, "missing Cross-Origin-Opener-Policy header"},
	{"Cross-Origin-Resource-Policy", present, "missing Cross-Origin-Resource-Policy header"},
	{"Cross-Origin-Embedder-Policy", present, "missing Cross-Origin-Embedder-Policy header"},
}

var (
	versionPattern = regexp.MustCompile(`\d+\.\d+`)

	verboseErrorPatterns = []struct {
		re    *regexp.Regexp
		issue string
	}{
		{regexp.MustCompile(`(?i)(traceback \(most recent call last\)|at [\w$.]+\([\w]+\.(java|kt|scala):\d+\)|goroutine \d+ \[|\.go:\d+ \+0x|at .+ \(.+\.(js|ts):\d+:\d+\)|stack ?trace)`),
			"error response exposes a stack trace"},
		{regexp.MustCompile(`(?i)(sql syntax|sqlstate|ora-\d{5}|pg::|psql:|sqlite3?\.|mysql_fetch|syntax error at or near|unclosed quotation mark)`),
			"error response exposes database errors"},
		{regexp.MustCompile(`(?i)(debug mode|debug = true|werkzeug debugger|whoops!|django\.core|laravel|exception in thread)`),
			"error response exposes debug output"},
		{regexp.MustCompile(`(?i)(apache/\d|nginx/\d|php/\d|express \d|asp\.net version)`),
			"error response discloses software versions"},
	}

	unsafeMethods = []string{"TRACE", "TRACK", "CONNECT"}
)

func (v *SecurityMisconfiguration) Validate(ctx context.Context, in Input) (types.ScanResult, error) {
	req := v.request(in.Target, baselineOr(in, in.Primary), in.Fixtures)

	resp, err := v.prober.Do(ctx, req)
	if err != nil {
		return types.ScanResult{}, err
	}

	preflight, err := v.prober.Do(ctx, &probe.Request{
		Method:  http.MethodOptions,
		URL:     req.URL,
		Headers: req.Headers,
	})
	if err != nil {
		return types.ScanResult{}, err
	}

	var findings []string
	findings = append(findings, headerFindings(resp.Header)...)
	findings = append(findings, cookieFindings(resp.Cookies)...)
	findings = append(findings, corsFindings(resp.Header, preflight.Header)...)
	findings = append(findings, disclosureFindings(resp.Header)...)
	findings = append(findings, errorBodyFindings(resp)...)
	findings = append(findings, methodFindings(preflight.Header)...)
	if u, err := url.Parse(req.URL); err == nil && !strings.EqualFold(u.Scheme, "https") {
		findings = append(findings, "endpoint is served without TLS")
	}

	if len(findings) > 0 {
		return fail(types.SeverityHigh, "Security misconfigurations found: "+strings.Join(dedupe(findings), "; ")), nil
	}
	return pass("No security misconfigurations found"), nil
}

func headerFindings(h http.Header) []string {
	var out []string
	for _, rule := range securityHeaders {
		if !rule.check(h.Get(rule.name)) {
			out = append(out, rule.issue)
		}
	}
	if cc := strings.ToLower(h.Get("Cache-Control")); !strings.Contains(cc, "no-store") {
		out = append(out, "Cache-Control does not include no-store")
	}
	return out
}

func cookieFindings(cookies []*http.Cookie) []string {
	var out []string
	for _, c := range cookies {
		if !c.Secure {
			out = append(out, fmt.Sprintf("cookie %s is missing the Secure flag", c.Name))
		}
		if !c.HttpOnly {
			out = append(out, fmt.Sprintf("cookie %s is missing the HttpOnly flag", c.Name))
		}
		if c.SameSite == http.SameSiteDefaultMode {
			out = append(out, fmt.Sprintf("cookie %s is missing the SameSite attribute", c.Name))
		}
	}
	return out
}

func corsFindings(headers ...http.Header) []string {
	for _, h := range headers {
		if strings.TrimSpace(h.Get("Access-Control-Allow-Origin")) == "*" {
			return []string{"Access-Control-Allow-Origin allows any origin"}
		}
	}
	return nil
}

func disclosureFindings(h http.Header) []string {
	var out []string
	for _, name := range []string{"Server", "X-Powered-By"} {
		if value := h.Get(name); value != "" && versionPattern.MatchString(value) {
			out = append(out, fmt.Sprintf("%s header discloses version %q", name, value))
		}
	}
	return out
}

func errorBodyFindings(resp *probe.Response) []string {
	if resp.StatusCode < 400 || len(resp.Body) == 0 {
		return nil
	}

	text := string(resp.Body)
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "html") {
		text = htmlText(resp.Body)
	}

	var out []string
	for _, p := range verboseErrorPatterns {
		if p.re.MatchString(text) {
			out = append(out, p.issue)
		}
	}
	return out
}

// htmlText reduces an HTML error page to its visible text.
func htmlText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	doc.Find("script, style").Remove()
	return doc.Text()
}

func methodFindings(h http.Header) []string {
	allowed := strings.ToUpper(h.Get("Allow") + "," + h.Get("Access-Control-Allow-Methods"))
	methods := map[string]bool{}
	for _, m := range strings.Split(allowed, ",") {
		methods[strings.TrimSpace(m)] = true
	}

	var enabled []string
	for _, m := range unsafeMethods {
		if methods[m] {
			enabled = append(enabled, m)
		}
	}
	if len(enabled) == 0 {
		return nil
	}
	sort.Strings(enabled)
	return []string{"unsafe methods allowed: " + strings.Join(enabled, ", ")}
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}
