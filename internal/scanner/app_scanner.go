// Package scanner orchestrates scans. An application scan fans the endpoint
// scanner out over the application's verified endpoints, assembles the
// markdown report and finalizes the scan record exactly once.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/fixtures"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

const finalizeTimeout = 30 * time.Second

// EndpointScanner produces one endpoint's report fragment. *APIScanner
// implements it.
type EndpointScanner interface {
	ScanEndpoint(ctx context.Context, scanID string, app *types.Application, ep *types.APIEndpoint, fx types.Fixtures) (string, error)
}

// AppStore is the subset of the store the application scanner touches.
type AppStore interface {
	core.ApplicationStore
	core.EndpointStore
	core.ScanStore
}

type AppScanner struct {
	store     AppStore
	endpoints EndpointScanner
	fixtures  core.FixtureSource
	config    config.ScannerConfig
	telemetry core.Telemetry
	logger    *logger.Logger
	now       func() time.Time
}

func NewAppScanner(store AppStore, endpoints EndpointScanner, fx core.FixtureSource, cfg config.ScannerConfig, tel core.Telemetry, log *logger.Logger) *AppScanner {
	if cfg.MaxConcurrentEndpoints < 1 {
		cfg.MaxConcurrentEndpoints = 1
	}
	return &AppScanner{
		store:     store,
		endpoints: endpoints,
		fixtures:  fx,
		config:    cfg,
		telemetry: tel,
		logger:    log.WithComponent("app-scanner"),
		now:       time.Now,
	}
}

// ScanApplication scans every verified endpoint of the application and
// returns the scan id. When the scan fails the id is returned together with
// a *ScanError; an unknown application returns ErrApplicationNotFound and no
// scan is created.
func (s *AppScanner) ScanApplication(ctx context.Context, appID string) (string, error) {
	log := s.logger.WithApplication(appID)
	start := time.Now()

	app, err := s.store.GetApplication(ctx, appID)
	if err != nil {
		if errors.Is(err, core.ErrApplicationNotFound) {
			return "", fmt.Errorf("%w: %s", ErrApplicationNotFound, appID)
		}
		return "", fmt.Errorf("failed to load application: %w", err)
	}

	all, err := s.store.ListEndpoints(ctx, appID)
	if err != nil {
		return "", fmt.Errorf("failed to list endpoints: %w", err)
	}
	endpoints := s.selectEndpoints(all)

	scan := &types.Scan{
		ID:            uuid.New().String(),
		ApplicationID: app.ID,
		ScanDate:      s.now().UTC(),
		OutputSummary: summary(endpoints),
		Status:        types.ScanStatusPending,
	}
	if err := s.store.CreateScan(ctx, scan); err != nil {
		return "", fmt.Errorf("failed to create scan: %w", err)
	}

	log = log.WithScanID(scan.ID)
	log.Infow("Scan started",
		"application_name", app.Name,
		"endpoints", len(endpoints),
		"endpoints_skipped", len(all)-len(endpoints),
	)

	report, scanErr := s.run(ctx, log, scan, app, endpoints)

	if scanErr != nil {
		// The partial report is discarded; the summary and the cause remain.
		scan.Status = types.ScanStatusFailed
		scan.ErrorCode = scanErr.Code
		scan.ErrorMessage = scanErr.Message
		scan.ErrorEndpointID = scanErr.EndpointID
	} else {
		scan.Status = types.ScanStatusCompleted
		scan.OutputSummary = report
	}

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := s.store.FinalizeScan(finalizeCtx, scan); err != nil {
		log.LogError(ctx, err, "scanner.FinalizeScan", "status", scan.Status)
		if scanErr == nil {
			return scan.ID, fmt.Errorf("failed to finalize scan: %w", err)
		}
	}

	duration := time.Since(start)
	s.telemetry.RecordScan(ctx, scan.Status, duration.Seconds())

	if scanErr != nil {
		log.Errorw("Scan failed",
			"error_code", scanErr.Code,
			"error_endpoint_id", scanErr.EndpointID,
			"error", scanErr.Message,
			"duration_ms", duration.Milliseconds(),
		)
		return scan.ID, scanErr
	}

	log.Infow("Scan completed", "endpoints", len(endpoints), "duration_ms", duration.Milliseconds())
	return scan.ID, nil
}

func (s *AppScanner) selectEndpoints(all []*types.APIEndpoint) []*types.APIEndpoint {
	selected := make([]*types.APIEndpoint, 0, len(all))
	for _, ep := range all {
		if !ep.IsVerified {
			continue
		}
		if s.config.SkipDeprecated && ep.IsDeprecated {
			continue
		}
		selected = append(selected, ep)
	}
	return selected
}

// run fans out over the endpoints and returns the full report. Fragments are
// appended in completion order.
func (s *AppScanner) run(ctx context.Context, log *logger.Logger, scan *types.Scan, app *types.Application, endpoints []*types.APIEndpoint) (string, *ScanError) {
	fx, err := fixtures.Fetch(ctx, s.fixtures, app)
	if err != nil {
		return "", newScanError(ctx, "", CodeScanCancelled, err)
	}

	if s.config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ScanTimeout)
		defer cancel()
	}

	var (
		mu     sync.Mutex
		report strings.Builder
		done   int
	)
	report.WriteString(scan.OutputSummary)
	report.WriteString(resultsHeader)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrentEndpoints)

	for _, ep := range endpoints {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return newScanError(gctx, ep.ID, CodeScanCancelled, err)
			}

			fragment, err := s.endpoints.ScanEndpoint(gctx, scan.ID, app, ep, fx)
			if err != nil {
				return newScanError(gctx, ep.ID, CodeTransportFailure, err)
			}

			mu.Lock()
			defer mu.Unlock()
			report.WriteString(endpointSection(ep.ID, fragment))
			done++
			log.LogScanProgress(ctx, scan.ID, done, len(endpoints), string(types.ScanStatusPending))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", newScanError(ctx, "", CodeTransportFailure, err)
	}
	return report.String(), nil
}
