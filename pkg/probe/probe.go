// Package probe builds and sends the HTTP requests a validator needs.
//
// A probe never interprets a status code. Any response, including 4xx and 5xx,
// is a successful probe; only transport failures are errors.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"golang.org/x/net/http/httpguts"
)

// DefaultMaxBody caps how much of a response body is kept for inspection.
const DefaultMaxBody int64 = 1 << 20

// Request is a resolved probe. Headers, Query and Body carry no placeholders
// that the template engine could resolve.
type Request struct {
	Method  string
	URL     string
	Headers map[string]any
	Query   map[string]any
	Body    any
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Cookies    []*http.Cookie
	Duration   time.Duration
}

// TransportError is returned when no HTTP response was received at all.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

type Client struct {
	http      *http.Client
	limiter   core.RateLimiter
	telemetry core.Telemetry
	logger    *logger.Logger
	maxBody   int64
}

type Option func(*Client)

func WithLimiter(l core.RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithTelemetry(t core.Telemetry) Option {
	return func(c *Client) { c.telemetry = t }
}

func WithMaxBody(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

func NewClient(httpClient *http.Client, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		http:    httpClient,
		logger:  log.WithComponent("probe"),
		maxBody: DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req and reads the response. A response of any status is returned
// without error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.WaitForHost(ctx, httpReq.URL.Host); err != nil {
			return nil, &TransportError{Method: req.Method, URL: req.URL, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	start := time.Now()
	resp, err := httpclient.Do(ctx, c.http, httpReq)
	if err != nil {
		return nil, &TransportError{Method: httpReq.Method, URL: req.URL, Err: err}
	}

	body, err := httpclient.ReadBody(resp, c.maxBody)
	if err != nil {
		return nil, &TransportError{Method: httpReq.Method, URL: req.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	duration := time.Since(start)

	c.logger.LogHTTPRequest(ctx, httpReq.Method, req.URL, resp.StatusCode, duration)
	if c.telemetry != nil {
		c.telemetry.RecordProbe(ctx, httpReq.Method, resp.StatusCode)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Cookies:    resp.Cookies(),
		Duration:   duration,
	}, nil
}

func (c *Client) build(ctx context.Context, req *Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, values := range QueryValues(req.Query) {
			for _, v := range values {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	for name, raw := range req.Headers {
		value := Stringify(raw)
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			c.logger.Warnw("Dropping invalid header from probe", "header", name, "url", req.URL)
			continue
		}
		httpReq.Header.Set(name, value)
	}
	return httpReq, nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	case []byte:
		return bytes.NewReader(b), "application/octet-stream", nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

// QueryValues flattens resolved params. Arrays become repeated keys and
// objects are sent as JSON.
func QueryValues(params map[string]any) url.Values {
	values := url.Values{}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
			continue
		case []any:
			for _, item := range v {
				values.Add(k, Stringify(item))
			}
		default:
			values.Add(k, Stringify(v))
		}
	}
	return values
}

// Stringify renders a resolved JSON value the way it is sent on the wire.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}
