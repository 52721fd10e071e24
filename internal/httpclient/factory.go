// Package httpclient builds the HTTP clients used for probes and fixture fetches.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
)

// ClientConfig configures a probe client.
type ClientConfig struct {
	Timeout time.Duration
	// BlockPrivateNetworks refuses to dial loopback, private and link-local
	// addresses, including redirect targets.
	BlockPrivateNetworks bool
	FollowRedirects      bool
	MaxRedirects         int
	InsecureSkipVerify   bool
	UserAgent            string
	// MaxConnsPerHost bounds open connections to one target. Zero means no limit.
	MaxConnsPerHost int
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:         15 * time.Second,
		FollowRedirects: false,
		MaxRedirects:    5,
		UserAgent:       "scout/1.0",
	}
}

// FromConfig maps the http section of the application config.
func FromConfig(cfg config.HTTPConfig) ClientConfig {
	cc := DefaultConfig()
	if cfg.Timeout > 0 {
		cc.Timeout = cfg.Timeout
	}
	cc.FollowRedirects = cfg.FollowRedirects
	if cfg.MaxRedirects > 0 {
		cc.MaxRedirects = cfg.MaxRedirects
	}
	cc.InsecureSkipVerify = cfg.InsecureSkipVerify
	if cfg.UserAgent != "" {
		cc.UserAgent = cfg.UserAgent
	}
	cc.BlockPrivateNetworks = cfg.BlockPrivateNetworks
	if cfg.MaxConnsPerHost > 0 {
		cc.MaxConnsPerHost = cfg.MaxConnsPerHost
	}
	return cc
}

// New creates an HTTP client with a hard per-request timeout.
// Redirects are not followed by default: probes classify the first response.
func New(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cfg.BlockPrivateNetworks {
				if err := validateAddress(ctx, addr); err != nil {
					return nil, fmt.Errorf("private network blocked: %w", err)
				}
			}
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for staging targets
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &userAgentTransport{base: transport, userAgent: cfg.UserAgent},
	}

	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if cfg.MaxRedirects > 0 && len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			if cfg.BlockPrivateNetworks {
				if err := validateURL(req.Context(), req.URL); err != nil {
					return fmt.Errorf("private network blocked on redirect: %w", err)
				}
			}
			return nil
		}
	}

	return client
}

// userAgentTransport sets a default User-Agent without overriding one the
// rule document chose.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

func validateAddress(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return fmt.Errorf("%s resolves to %s", host, ip.IP)
		}
	}
	return nil
}

func validateURL(ctx context.Context, u *url.URL) error {
	if u == nil || u.Hostname() == "" {
		return fmt.Errorf("redirect without host")
	}
	return validateAddress(ctx, u.Hostname())
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// Do performs req bound to ctx and reports context cancellation distinctly.
func Do(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// ReadBody reads at most limit bytes of the body and closes it. The rest is
// drained so the connection can be reused.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	defer CloseBody(resp)
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// CloseBody drains and closes a response body.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
