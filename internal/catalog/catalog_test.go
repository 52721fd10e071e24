package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/database"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

const shopCatalog = `
applications:
  - id: app-1
    name: Shop
    base_url: https://shop.example.com
    fixtures:
      endpoint: /internal/tokens
      usersEndpoint: /internal/users
      headers:
        X-Shared-Secret: "{{SHARED_SECRET}}"
    endpoints:
      - id: ep1
        method: get
        path: /profile
        verified: true
        checks:
          - type: SUCCESS_FLOW
            rules:
              headers:
                Authorization: "Bearer {{alice}}"
              expectations:
                code: 200
          - type: BROKEN_OBJECT_LEVEL_AUTHORIZATION
            rules:
              headers:
                Authorization: "Bearer {{bob}}"
              expectations:
                code: 403
          - type: SECURITY_MISCONFIGURATION
            enabled: false
recipients:
  - email: ada@example.com
    first_name: Ada
    last_name: Lovelace
    role: ADMIN
`

func newStore(t *testing.T) Store {
	t.Helper()
	store, err := database.NewStore(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestImport(t *testing.T) {
	store := newStore(t)
	im := NewImporter(store, logger.Nop())
	ctx := context.Background()

	sum, err := im.Import(ctx, strings.NewReader(shopCatalog))
	require.NoError(t, err)
	assert.Equal(t, Summary{Applications: 1, Endpoints: 1, Configurations: 4, Recipients: 1}, sum)

	eps, err := store.ListEndpoints(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "GET", eps[0].Method)
	assert.True(t, eps[0].IsVerified)

	cfgs, err := store.ListEnabledConfigurations(ctx, "ep1")
	require.NoError(t, err)
	require.Len(t, cfgs, 2, "disabled checks are stored but not listed")

	fixture, err := store.FindFixtureConfiguration(ctx, "app-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"endpoint":"/internal/tokens","usersEndpoint":"/internal/users","headers":{"X-Shared-Secret":"{{SHARED_SECRET}}"}}`, string(fixture.Rules))

	admin, err := store.FindAdmin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", admin.FullName())

	t.Run("reimport is idempotent", func(t *testing.T) {
		_, err := im.Import(ctx, strings.NewReader(shopCatalog))
		require.NoError(t, err)

		cfgs, err := store.ListEnabledConfigurations(ctx, "ep1")
		require.NoError(t, err)
		assert.Len(t, cfgs, 2)
		apps, err := store.ListApplications(ctx)
		require.NoError(t, err)
		assert.Len(t, apps, 1)
	})
}

func TestParseRejectsInvalidCatalog(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "empty",
			yaml:    "",
			wantErr: []string{"catalog is empty"},
		},
		{
			name:    "unknown field",
			yaml:    "applications:\n  - id: a\n    colour: red\n",
			wantErr: []string{"failed to parse catalog"},
		},
		{
			name: "every problem is reported",
			yaml: `
applications:
  - id: a
    name: A
    base_url: ftp://a
    endpoints:
      - id: e
        method: FETCH
        path: nope
        checks:
          - type: BROKEN_AUTHENTICATION
            rules: {}
          - type: AUTH_TOKENS
recipients:
  - email: nobody
    role: OWNER
`,
			wantErr: []string{
				"base_url must be an absolute http(s) URL",
				`unsupported method "FETCH"`,
				"path must start with /",
				"expectations.code",
				"AUTH_TOKENS belongs under the application fixtures",
				"email is invalid",
				"role must be ADMIN or MEMBER",
			},
		},
		{
			name: "duplicate ids",
			yaml: `
applications:
  - {id: a, name: A, base_url: "https://a.example.com", endpoints: [{id: e, method: GET, path: /x}]}
  - {id: a, name: B, base_url: "https://b.example.com", endpoints: [{id: e, method: GET, path: /y}]}
`,
			wantErr: []string{`duplicate application id "a"`, `duplicate endpoint id "e"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestImportWritesNothingWhenInvalid(t *testing.T) {
	store := newStore(t)
	_, err := NewImporter(store, logger.Nop()).Import(context.Background(), strings.NewReader(`
applications:
  - id: a
    name: A
    base_url: https://a.example.com
    endpoints:
      - id: e
        method: GET
        path: /x
        checks:
          - type: UNRESTRICTED_RESOURCE_CONSUMPTION
            rules: {limits: {payload: 0, rate: 0}}
`))
	require.Error(t, err)

	apps, err := store.ListApplications(context.Background())
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestConfigurationIDIsStable(t *testing.T) {
	a := configurationID("ep1", types.CheckSuccessFlow)
	assert.Equal(t, a, configurationID("ep1", types.CheckSuccessFlow))
	assert.NotEqual(t, a, configurationID("ep1", types.CheckBrokenAuthentication))
	assert.LessOrEqual(t, len(a), 64)
}
