// Package catalog imports applications, endpoints, rule documents and
// notification recipients from a YAML file. The whole file is validated
// before anything is written, and re-importing the same file is idempotent.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/internal/rules"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

type File struct {
	Applications []Application `yaml:"applications"`
	Recipients   []Recipient   `yaml:"recipients"`
}

type Application struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	// Fixtures is the AUTH_TOKENS rule document.
	Fixtures  map[string]any `yaml:"fixtures"`
	Endpoints []Endpoint     `yaml:"endpoints"`
}

type Endpoint struct {
	ID         string  `yaml:"id"`
	Method     string  `yaml:"method"`
	Path       string  `yaml:"path"`
	Verified   bool    `yaml:"verified"`
	Deprecated bool    `yaml:"deprecated"`
	Checks     []Check `yaml:"checks"`
}

type Check struct {
	Type    types.CheckType `yaml:"type"`
	Enabled *bool           `yaml:"enabled"`
	Rules   map[string]any  `yaml:"rules"`
}

type Recipient struct {
	Email     string         `yaml:"email"`
	FirstName string         `yaml:"first_name"`
	LastName  string         `yaml:"last_name"`
	Role      types.UserRole `yaml:"role"`
}

// Summary counts what an import wrote.
type Summary struct {
	Applications   int
	Endpoints      int
	Configurations int
	Recipients     int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d applications, %d endpoints, %d configurations, %d recipients",
		s.Applications, s.Endpoints, s.Configurations, s.Recipients)
}

// Parse reads and validates a catalog file.
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("catalog is empty")
		}
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate reports every problem in the file at once.
func (f *File) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	apps := map[string]bool{}
	endpoints := map[string]bool{}
	for i, app := range f.Applications {
		where := fmt.Sprintf("applications[%d]", i)
		if app.ID == "" {
			add("%s: id is required", where)
		} else if apps[app.ID] {
			add("%s: duplicate application id %q", where, app.ID)
		}
		apps[app.ID] = true
		if app.Name == "" {
			add("%s: name is required", where)
		}
		if u, err := url.Parse(app.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			add("%s: base_url must be an absolute http(s) URL", where)
		}
		if app.Fixtures != nil {
			if _, err := decodeRules(types.CheckAuthTokens, app.Fixtures); err != nil {
				add("%s.fixtures: %w", where, err)
			}
		}

		for j, ep := range app.Endpoints {
			where := fmt.Sprintf("%s.endpoints[%d]", where, j)
			if ep.ID == "" {
				add("%s: id is required", where)
			} else if endpoints[ep.ID] {
				add("%s: duplicate endpoint id %q", where, ep.ID)
			}
			endpoints[ep.ID] = true
			if !isMethod(ep.Method) {
				add("%s: unsupported method %q", where, ep.Method)
			}
			if !strings.HasPrefix(ep.Path, "/") {
				add("%s: path must start with /", where)
			}

			seen := map[types.CheckType]bool{}
			for k, c := range ep.Checks {
				where := fmt.Sprintf("%s.checks[%d]", where, k)
				if c.Type == types.CheckAuthTokens {
					add("%s: AUTH_TOKENS belongs under the application fixtures", where)
					continue
				}
				if seen[c.Type] {
					add("%s: duplicate check %s", where, c.Type)
				}
				seen[c.Type] = true
				if _, err := decodeRules(c.Type, c.Rules); err != nil {
					add("%s: %w", where, err)
				}
			}
		}
	}

	for i, r := range f.Recipients {
		where := fmt.Sprintf("recipients[%d]", i)
		if !strings.Contains(r.Email, "@") {
			add("%s: email is invalid", where)
		}
		if r.Role != types.RoleAdmin && r.Role != types.RoleMember {
			add("%s: role must be %s or %s", where, types.RoleAdmin, types.RoleMember)
		}
	}

	return errors.Join(errs...)
}

type Store interface {
	core.ApplicationStore
	core.EndpointStore
	core.ConfigurationStore
	core.RecipientStore
}

// Importer writes a parsed catalog to the store.
type Importer struct {
	store  Store
	logger *logger.Logger
	now    func() time.Time
}

func NewImporter(store Store, log *logger.Logger) *Importer {
	return &Importer{store: store, logger: log.WithComponent("catalog"), now: time.Now}
}

// Import parses r and upserts its contents. Nothing is written unless the
// whole file is valid.
func (im *Importer) Import(ctx context.Context, r io.Reader) (Summary, error) {
	f, err := Parse(r)
	if err != nil {
		return Summary{}, err
	}
	return im.Apply(ctx, f)
}

func (im *Importer) Apply(ctx context.Context, f *File) (Summary, error) {
	var sum Summary
	now := im.now().UTC()

	for _, a := range f.Applications {
		if err := im.store.SaveApplication(ctx, &types.Application{
			ID: a.ID, Name: a.Name, BaseURL: a.BaseURL, CreatedAt: now,
		}); err != nil {
			return sum, fmt.Errorf("failed to save application %s: %w", a.ID, err)
		}
		sum.Applications++

		if a.Fixtures != nil {
			raw, _ := decodeRules(types.CheckAuthTokens, a.Fixtures)
			if err := im.store.SaveConfiguration(ctx, &types.SecurityConfiguration{
				ID:            configurationID(a.ID, types.CheckAuthTokens),
				ApplicationID: a.ID,
				CheckType:     types.CheckAuthTokens,
				IsEnabled:     true,
				Rules:         raw,
				CreatedAt:     now,
			}); err != nil {
				return sum, fmt.Errorf("failed to save fixtures for %s: %w", a.ID, err)
			}
			sum.Configurations++
		}

		for _, ep := range a.Endpoints {
			if err := im.store.SaveEndpoint(ctx, &types.APIEndpoint{
				ID:            ep.ID,
				ApplicationID: a.ID,
				Method:        strings.ToUpper(ep.Method),
				Path:          ep.Path,
				IsVerified:    ep.Verified,
				IsDeprecated:  ep.Deprecated,
				CreatedAt:     now,
			}); err != nil {
				return sum, fmt.Errorf("failed to save endpoint %s: %w", ep.ID, err)
			}
			sum.Endpoints++

			for _, c := range ep.Checks {
				raw, _ := decodeRules(c.Type, c.Rules)
				if err := im.store.SaveConfiguration(ctx, &types.SecurityConfiguration{
					ID:            configurationID(ep.ID, c.Type),
					ApplicationID: a.ID,
					EndpointID:    ep.ID,
					CheckType:     c.Type,
					IsEnabled:     c.Enabled == nil || *c.Enabled,
					Rules:         raw,
					CreatedAt:     now,
				}); err != nil {
					return sum, fmt.Errorf("failed to save %s for %s: %w", c.Type, ep.ID, err)
				}
				sum.Configurations++
			}
		}
	}

	for _, r := range f.Recipients {
		if err := im.store.SaveRecipient(ctx, &types.Recipient{
			ID:        recipientID(r.Email),
			Email:     r.Email,
			FirstName: r.FirstName,
			LastName:  r.LastName,
			Role:      r.Role,
			CreatedAt: now,
		}); err != nil {
			return sum, fmt.Errorf("failed to save recipient %s: %w", r.Email, err)
		}
		sum.Recipients++
	}

	im.logger.Infow("Catalog imported",
		"applications", sum.Applications,
		"endpoints", sum.Endpoints,
		"configurations", sum.Configurations,
		"recipients", sum.Recipients,
	)
	return sum, nil
}

// decodeRules converts a YAML rule mapping to JSON and validates it.
func decodeRules(checkType types.CheckType, doc map[string]any) (json.RawMessage, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("rules are not representable as JSON: %w", err)
	}
	if _, err := rules.Decode(checkType, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// configurationID is stable across imports so a re-import updates rows in place.
func configurationID(owner string, checkType types.CheckType) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("scout:"+owner+":"+string(checkType))).String()
}

func recipientID(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+strings.ToLower(email))).String()
}

func isMethod(m string) bool {
	switch strings.ToUpper(m) {
	case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS":
		return true
	}
	return false
}
