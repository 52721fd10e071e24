// Package fixtures fetches the identities a scan substitutes into rule
// documents. The application exposes them on endpoints named by its
// AUTH_TOKENS configuration.
package fixtures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/internal/rules"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/template"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

// Prober sends one request. *probe.Client implements it.
type Prober interface {
	Do(ctx context.Context, req *probe.Request) (*probe.Response, error)
}

// HTTPSource implements core.FixtureSource. Every failure short of a done
// context degrades to an empty mapping so that a scan still runs.
type HTTPSource struct {
	configs core.ConfigurationStore
	prober  Prober
	secret  string
	logger  *logger.Logger
}

func NewHTTPSource(configs core.ConfigurationStore, prober Prober, sharedSecret string, log *logger.Logger) *HTTPSource {
	return &HTTPSource{
		configs: configs,
		prober:  prober,
		secret:  sharedSecret,
		logger:  log.WithComponent("fixtures"),
	}
}

func (s *HTTPSource) FetchTokens(ctx context.Context, app *types.Application) (map[string]any, error) {
	return s.fetch(ctx, app, "tokens", func(d *rules.Document) string { return d.Endpoint })
}

func (s *HTTPSource) FetchUsers(ctx context.Context, app *types.Application) (map[string]any, error) {
	return s.fetch(ctx, app, "users", func(d *rules.Document) string { return d.UsersEndpoint })
}

func (s *HTTPSource) fetch(ctx context.Context, app *types.Application, kind string, path func(*rules.Document) string) (map[string]any, error) {
	log := s.logger.WithApplication(app.ID).WithFields("fixture", kind)

	cfg, err := s.configs.FindFixtureConfiguration(ctx, app.ID)
	if err != nil {
		if errors.Is(err, core.ErrFixtureNotFound) {
			log.Debugw("No fixture configuration for application")
		} else {
			log.Warnw("Failed to load fixture configuration", "error", err)
		}
		return empty(ctx)
	}

	doc, err := rules.Decode(types.CheckAuthTokens, cfg.Rules)
	if err != nil {
		log.Warnw("Invalid fixture configuration", "error", err, "config_id", cfg.ID)
		return empty(ctx)
	}

	endpoint := path(doc)
	if endpoint == "" {
		return empty(ctx)
	}

	req := &probe.Request{
		Method: http.MethodGet,
		URL:    strings.TrimRight(app.BaseURL, "/") + endpoint,
	}
	if h, ok := template.Resolve(doc.Headers, s.secret, nil, nil).(map[string]any); ok {
		req.Headers = h
	}

	resp, err := s.prober.Do(ctx, req)
	if err != nil {
		log.Warnw("Failed to fetch fixtures", "error", err, "url", req.URL)
		return empty(ctx)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warnw("Fixture endpoint returned an error status", "status", resp.StatusCode, "url", req.URL)
		return empty(ctx)
	}

	var out map[string]any
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		log.Warnw("Fixture response is not a JSON object", "error", err, "url", req.URL)
		return empty(ctx)
	}
	if out == nil {
		out = map[string]any{}
	}

	log.Infow("Fetched fixtures", "identities", len(out))
	return out, nil
}

func empty(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return map[string]any{}, fmt.Errorf("fetch fixtures: %w", err)
	}
	return map[string]any{}, nil
}

// Fetch loads both mappings for one scan.
func Fetch(ctx context.Context, src core.FixtureSource, app *types.Application) (types.Fixtures, error) {
	tokens, err := src.FetchTokens(ctx, app)
	if err != nil {
		return types.Fixtures{}, err
	}
	users, err := src.FetchUsers(ctx, app)
	if err != nil {
		return types.Fixtures{}, err
	}
	return types.Fixtures{Tokens: tokens, Users: users}, nil
}
