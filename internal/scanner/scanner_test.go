package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/database"
	"github.com/CodeMonkeyCybersecurity/scout/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/internal/notify"
	"github.com/CodeMonkeyCybersecurity/scout/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/validators"
)

type staticFixtures struct {
	tokens map[string]any
	users  map[string]any
}

func (f staticFixtures) FetchTokens(ctx context.Context, app *types.Application) (map[string]any, error) {
	return f.tokens, nil
}

func (f staticFixtures) FetchUsers(ctx context.Context, app *types.Application) (map[string]any, error) {
	return f.users, nil
}

type harness struct {
	store core.Store
	queue *notify.MemoryQueue
	api   *APIScanner
	app   *AppScanner
}

func newHarness(t *testing.T, cfg config.ScannerConfig) *harness {
	t.Helper()
	store, err := database.NewStore(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queue := notify.NewMemoryQueue(16, 0, logger.Nop())
	t.Cleanup(func() { queue.Close() })

	prober := probe.NewClient(httpclient.New(httpclient.DefaultConfig()), logger.Nop())
	set := validators.NewSet(prober, validators.Options{SharedSecret: "s3cret"})
	composer := notify.Composer{BaseURL: "https://phalanx.example.com", Signature: "API Arsenal"}

	api := NewAPIScanner(store, set, notify.NewQueueNotifier(queue), composer, telemetry.Noop(), logger.Nop())
	fx := staticFixtures{
		tokens: map[string]any{"alice": "token-a", "bob": "token-b"},
		users:  map[string]any{"alice": map[string]any{"id": "1"}, "bob": map[string]any{"id": "2"}},
	}
	if cfg.MaxConcurrentEndpoints == 0 {
		cfg.MaxConcurrentEndpoints = 4
	}
	app := NewAppScanner(store, api, fx, cfg, telemetry.Noop(), logger.Nop())

	return &harness{store: store, queue: queue, api: api, app: app}
}

func (h *harness) seed(t *testing.T, app *types.Application, eps []*types.APIEndpoint, configs map[string]map[types.CheckType]string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.SaveApplication(ctx, app))
	for _, ep := range eps {
		ep.ApplicationID = app.ID
		require.NoError(t, h.store.SaveEndpoint(ctx, ep))
	}
	i := 0
	for epID, byType := range configs {
		for checkType, rules := range byType {
			i++
			require.NoError(t, h.store.SaveConfiguration(ctx, &types.SecurityConfiguration{
				ID:            fmt.Sprintf("%s-%s", epID, checkType),
				ApplicationID: app.ID,
				EndpointID:    epID,
				CheckType:     checkType,
				IsEnabled:     true,
				Rules:         json.RawMessage(rules),
				CreatedAt:     time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
			}))
		}
	}
}

func (h *harness) seedAdmin(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.SaveRecipient(context.Background(), &types.Recipient{
		ID: "admin", Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace", Role: types.RoleAdmin, CreatedAt: time.Now().UTC(),
	}))
}

// alwaysOK answers 200 to everything, including cross-user requests.
func alwaysOK(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":"1"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestScanApplicationReportsBrokenObjectLevelAuth(t *testing.T) {
	h := newHarness(t, config.ScannerConfig{ScanTimeout: time.Minute})
	h.seedAdmin(t)
	srv := alwaysOK(t)

	h.seed(t,
		&types.Application{ID: "app-1", Name: "Shop", BaseURL: srv.URL, CreatedAt: time.Now().UTC()},
		[]*types.APIEndpoint{{ID: "ep1", Method: "GET", Path: "/profile", IsVerified: true, CreatedAt: time.Now().UTC()}},
		map[string]map[types.CheckType]string{
			"ep1": {
				types.CheckSuccessFlow:           `{"headers":{"Authorization":"Bearer {{alice}}"},"expectations":{"code":200}}`,
				types.CheckBrokenObjectLevelAuth: `{"headers":{"Authorization":"Bearer {{bob}}"},"params":{"id":"{{alice.id}}"},"expectations":{"code":403}}`,
			},
		},
	)

	scanID, err := h.app.ScanApplication(context.Background(), "app-1")
	require.NoError(t, err)
	require.NotEmpty(t, scanID)

	scan, err := h.store.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusCompleted, scan.Status)
	assert.Equal(t,
		"## Scanned APIs: \n\n- `ep1` => GET /profile"+
			"\n\n\n## Results:"+
			"\n\n- API: `ep1`\n"+
			"\t- ✅ [SUCCESS_FLOW]: Success case validated\n"+
			"\t- ❌ [BROKEN_OBJECT_LEVEL_AUTHORIZATION][HIGH] Expected status code 403, got 200",
		scan.OutputSummary)

	issues, err := h.store.ListIssues(context.Background(), "app-1", 0)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, string(types.CheckBrokenObjectLevelAuth), issues[0].Title)
	assert.Equal(t, types.SeverityHigh, issues[0].Severity)
	assert.Equal(t, scanID, issues[0].ScanID)
	assert.Equal(t, Fingerprint("app-1", "ep1", types.CheckBrokenObjectLevelAuth), issues[0].Fingerprint)

	require.Equal(t, 1, h.queue.Len())
	n, err := h.queue.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", n.To)
	assert.Equal(t, "HIGH Vulnerability Detected in Shop API", n.Subject)
	assert.Contains(t, n.Body, "https://phalanx.example.com/issues/"+issues[0].ID)
}

func TestScanApplicationFailsOnTransportError(t *testing.T) {
	h := newHarness(t, config.ScannerConfig{ScanTimeout: time.Minute})
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL
	srv.Close()

	h.seed(t,
		&types.Application{ID: "app-1", Name: "Shop", BaseURL: deadURL, CreatedAt: time.Now().UTC()},
		[]*types.APIEndpoint{{ID: "ep1", Method: "GET", Path: "/profile", IsVerified: true, CreatedAt: time.Now().UTC()}},
		map[string]map[types.CheckType]string{
			"ep1": {types.CheckSuccessFlow: `{"expectations":{"code":200}}`},
		},
	)

	scanID, err := h.app.ScanApplication(context.Background(), "app-1")
	require.Error(t, err)
	require.NotEmpty(t, scanID)

	scanErr, ok := AsScanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeTransportFailure, scanErr.Code)
	assert.Equal(t, "ep1", scanErr.EndpointID)

	scan, err := h.store.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusFailed, scan.Status)
	assert.Equal(t, "## Scanned APIs: \n\n- `ep1` => GET /profile", scan.OutputSummary)
	assert.Equal(t, CodeTransportFailure, scan.ErrorCode)
	assert.Equal(t, "ep1", scan.ErrorEndpointID)
	assert.NotEmpty(t, scan.ErrorMessage)
}

func TestScanApplicationFailsOnDeadline(t *testing.T) {
	h := newHarness(t, config.ScannerConfig{ScanTimeout: 50 * time.Millisecond})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	h.seed(t,
		&types.Application{ID: "app-1", Name: "Shop", BaseURL: srv.URL, CreatedAt: time.Now().UTC()},
		[]*types.APIEndpoint{{ID: "ep1", Method: "GET", Path: "/slow", IsVerified: true, CreatedAt: time.Now().UTC()}},
		map[string]map[types.CheckType]string{
			"ep1": {types.CheckSuccessFlow: `{"expectations":{"code":200}}`},
		},
	)

	start := time.Now()
	scanID, err := h.app.ScanApplication(context.Background(), "app-1")
	require.Error(t, err)
	require.NotEmpty(t, scanID)
	assert.Less(t, time.Since(start), time.Second, "scan outlived its deadline")

	scanErr, ok := AsScanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeDeadlineExceeded, scanErr.Code)

	scan, err := h.store.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusFailed, scan.Status)
	assert.Equal(t, CodeDeadlineExceeded, scan.ErrorCode)
	assert.Equal(t, "## Scanned APIs: \n\n- `ep1` => GET /slow", scan.OutputSummary)
}

func TestScanApplicationUnknownApp(t *testing.T) {
	h := newHarness(t, config.ScannerConfig{})

	scanID, err := h.app.ScanApplication(context.Background(), "nope")
	assert.Empty(t, scanID)
	assert.ErrorIs(t, err, ErrApplicationNotFound)

	scans, err := h.store.ListScans(context.Background(), "nope", 0)
	require.NoError(t, err)
	assert.Empty(t, scans)
}

func TestScanApplicationEndpointSelection(t *testing.T) {
	h := newHarness(t, config.ScannerConfig{SkipDeprecated: true})
	srv := alwaysOK(t)

	h.seed(t,
		&types.Application{ID: "app-1", Name: "Shop", BaseURL: srv.URL, CreatedAt: time.Now().UTC()},
		[]*types.APIEndpoint{
			{ID: "ep1", Method: "GET", Path: "/a", IsVerified: true, CreatedAt: time.Now().UTC()},
			{ID: "ep2", Method: "GET", Path: "/b", IsVerified: false, CreatedAt: time.Now().UTC()},
			{ID: "ep3", Method: "GET", Path: "/c", IsVerified: true, IsDeprecated: true, CreatedAt: time.Now().UTC()},
		},
		nil,
	)

	scanID, err := h.app.ScanApplication(context.Background(), "app-1")
	require.NoError(t, err)

	scan, err := h.store.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	assert.Equal(t, "## Scanned APIs: \n\n- `ep1` => GET /a\n\n\n## Results:\n\n- API: `ep1`\n", scan.OutputSummary)
}

func TestScanEndpoint(t *testing.T) {
	srv := alwaysOK(t)
	app := &types.Application{ID: "app-1", Name: "Shop", BaseURL: srv.URL, CreatedAt: time.Now().UTC()}
	ep := &types.APIEndpoint{ID: "ep1", Method: "GET", Path: "/profile", IsVerified: true, CreatedAt: time.Now().UTC()}

	t.Run("latest configuration wins", func(t *testing.T) {
		h := newHarness(t, config.ScannerConfig{})
		h.seed(t, app, []*types.APIEndpoint{ep}, nil)
		ctx := context.Background()
		for i, code := range []int{404, 200} {
			require.NoError(t, h.store.SaveConfiguration(ctx, &types.SecurityConfiguration{
				ID: fmt.Sprintf("c%d", i), ApplicationID: app.ID, EndpointID: ep.ID,
				CheckType: types.CheckSuccessFlow, IsEnabled: true,
				Rules:     json.RawMessage(fmt.Sprintf(`{"expectations":{"code":%d}}`, code)),
				CreatedAt: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
			}))
		}

		fragment, err := h.api.ScanEndpoint(ctx, "scan", app, ep, types.Fixtures{})
		require.NoError(t, err)
		assert.Equal(t, "\t- ✅ [SUCCESS_FLOW]: Success case validated", fragment)
	})

	t.Run("invalid document is a warning", func(t *testing.T) {
		h := newHarness(t, config.ScannerConfig{})
		h.seed(t, app, []*types.APIEndpoint{ep}, map[string]map[types.CheckType]string{
			"ep1": {
				types.CheckSuccessFlow:           `{"expectations":{"code":200}}`,
				types.CheckSensitiveBusinessFlow: `{"expectations":{"code":429}}`,
			},
		})

		fragment, err := h.api.ScanEndpoint(context.Background(), "scan", app, ep, types.Fixtures{})
		require.NoError(t, err)
		lines := strings.Split(fragment, "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, "\t- ✅ [SUCCESS_FLOW]: Success case validated", lines[0])
		assert.True(t, strings.HasPrefix(lines[1], "\t- ⚠️ [UNRESTRICTED_ACCESS_TO_SENSITIVE_BUSINESS_FLOW]: invalid rule document: "), lines[1])

		issues, err := h.store.ListIssues(context.Background(), app.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("no configurations", func(t *testing.T) {
		h := newHarness(t, config.ScannerConfig{})
		fragment, err := h.api.ScanEndpoint(context.Background(), "scan", app, ep, types.Fixtures{})
		require.NoError(t, err)
		assert.Empty(t, fragment)
	})

	t.Run("side effect failures are swallowed", func(t *testing.T) {
		h := newHarness(t, config.ScannerConfig{})
		h.seed(t, app, []*types.APIEndpoint{ep}, map[string]map[types.CheckType]string{
			"ep1": {types.CheckBrokenFunctionLevelAuth: `{"expectations":{"code":403}}`},
		})
		scanner := NewAPIScanner(failingIssues{h.store}, validators.NewSet(probe.NewClient(http.DefaultClient, logger.Nop()), validators.Options{}),
			notify.NewQueueNotifier(h.queue), notify.Composer{}, telemetry.Noop(), logger.Nop())

		fragment, err := scanner.ScanEndpoint(context.Background(), "scan", app, ep, types.Fixtures{})
		require.NoError(t, err)
		assert.Equal(t, "\t- ❌ [BROKEN_FUNCTION_LEVEL_AUTHORIZATION][HIGH] Expected status code 403, got 200", fragment)
		assert.Zero(t, h.queue.Len())
	})
}

type failingIssues struct {
	core.Store
}

func (failingIssues) CreateIssue(ctx context.Context, issue *types.Issue) error {
	return errors.New("disk full")
}

// scriptedEndpoints fails every endpoint listed in broken with a transport
// error and succeeds elsewhere.
type scriptedEndpoints struct {
	broken map[string]bool
}

func (s scriptedEndpoints) ScanEndpoint(ctx context.Context, scanID string, app *types.Application, ep *types.APIEndpoint, fx types.Fixtures) (string, error) {
	if s.broken[ep.ID] {
		return "", &probe.TransportError{Method: ep.Method, URL: app.BaseURL + ep.Path, Err: errors.New("connection refused")}
	}
	return passLine(types.CheckSuccessFlow, "Success case validated"), nil
}

func TestSweepIsolatesFailures(t *testing.T) {
	h := newHarness(t, config.ScannerConfig{})
	now := time.Now().UTC()
	h.seed(t, &types.Application{ID: "app-1", Name: "Broken", BaseURL: "http://broken.invalid", CreatedAt: now},
		[]*types.APIEndpoint{{ID: "ep-broken", Method: "GET", Path: "/x", IsVerified: true, CreatedAt: now}}, nil)
	h.seed(t, &types.Application{ID: "app-2", Name: "Healthy", BaseURL: "http://healthy.invalid", CreatedAt: now.Add(time.Second)},
		[]*types.APIEndpoint{{ID: "ep-ok", Method: "GET", Path: "/y", IsVerified: true, CreatedAt: now}}, nil)

	sweeper := NewAppScanner(h.store, scriptedEndpoints{broken: map[string]bool{"ep-broken": true}},
		staticFixtures{}, config.ScannerConfig{MaxConcurrentEndpoints: 2}, telemetry.Noop(), logger.Nop())

	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "app-1", failed[0].ApplicationID)
	scanErr, ok := AsScanError(failed[0].Err)
	require.True(t, ok)
	assert.Equal(t, CodeTransportFailure, scanErr.Code)

	healthy := report.Results[1]
	assert.Equal(t, "app-2", healthy.ApplicationID)
	require.NoError(t, healthy.Err)
	scan, err := h.store.GetScan(context.Background(), healthy.ScanID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusCompleted, scan.Status)
}

func TestRunPeriodicallyStopsOnCancel(t *testing.T) {
	h := newHarness(t, config.ScannerConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.app.RunPeriodically(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Error(t, h.app.RunPeriodically(context.Background(), 0))
}

func TestNewScanErrorClassification(t *testing.T) {
	transport := &probe.TransportError{Method: "GET", URL: "http://x", Err: errors.New("refused")}

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want string
	}{
		{"transport", context.Background(), transport, CodeTransportFailure},
		{"deadline wins over transport", expired, transport, CodeDeadlineExceeded},
		{"cancelled", cancelled, transport, CodeScanCancelled},
		{"fallback", context.Background(), errors.New("db down"), CodeConfigurationLoad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := newScanError(tt.ctx, "ep1", CodeConfigurationLoad, tt.err)
			assert.Equal(t, tt.want, se.Code)
			assert.Equal(t, "ep1", se.EndpointID)
			assert.ErrorIs(t, se, tt.err)
		})
	}

	inner := &ScanError{Code: CodeTransportFailure, EndpointID: "ep9"}
	assert.Same(t, inner, newScanError(cancelled, "ep1", CodeConfigurationLoad, fmt.Errorf("wrapped: %w", inner)))
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("app", "ep", types.CheckSuccessFlow)
	assert.Len(t, a, 32)
	assert.Equal(t, a, Fingerprint("app", "ep", types.CheckSuccessFlow))
	assert.NotEqual(t, a, Fingerprint("app", "ep", types.CheckBrokenAuthentication))
}
