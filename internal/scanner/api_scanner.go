package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/internal/notify"
	"github.com/CodeMonkeyCybersecurity/scout/internal/rules"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/validators"
)

// APIStore is the subset of the store the endpoint scanner touches.
type APIStore interface {
	core.ConfigurationStore
	core.IssueStore
	core.RecipientStore
}

// APIScanner runs every configured check against one endpoint.
type APIScanner struct {
	store      APIStore
	validators *validators.Set
	notifier   core.Notifier
	composer   notify.Composer
	telemetry  core.Telemetry
	logger     *logger.Logger
	now        func() time.Time
}

func NewAPIScanner(store APIStore, set *validators.Set, notifier core.Notifier, composer notify.Composer, tel core.Telemetry, log *logger.Logger) *APIScanner {
	return &APIScanner{
		store:      store,
		validators: set,
		notifier:   notifier,
		composer:   composer,
		telemetry:  tel,
		logger:     log.WithComponent("api-scanner"),
		now:        time.Now,
	}
}

// ScanEndpoint returns the endpoint's report fragment. Failed checks become
// issues and notifications; only a request that could not be completed is
// returned as an error.
func (s *APIScanner) ScanEndpoint(ctx context.Context, scanID string, app *types.Application, ep *types.APIEndpoint, fx types.Fixtures) (string, error) {
	log := s.logger.WithScanID(scanID).WithApplication(app.ID).WithEndpoint(ep.ID)
	start := time.Now()
	ctx, span := log.StartOperation(ctx, "scanner.ScanEndpoint", "method", ep.Method, "path", ep.Path)

	fragment, err := s.scanEndpoint(ctx, log, scanID, app, ep, fx)

	log.FinishOperation(ctx, span, "scanner.ScanEndpoint", start, err)
	return fragment, err
}

func (s *APIScanner) scanEndpoint(ctx context.Context, log *logger.Logger, scanID string, app *types.Application, ep *types.APIEndpoint, fx types.Fixtures) (string, error) {
	configs, err := s.store.ListEnabledConfigurations(ctx, ep.ID)
	if err != nil {
		return "", newScanError(ctx, ep.ID, CodeConfigurationLoad, fmt.Errorf("failed to load configurations: %w", err))
	}

	// Rows come oldest first, so the latest configuration per check wins.
	latest := make(map[types.CheckType]*types.SecurityConfiguration, len(configs))
	for _, c := range configs {
		latest[c.CheckType] = c
	}

	docs := make(map[types.CheckType]*rules.Document, len(latest))
	invalid := make(map[types.CheckType]error)
	for checkType, c := range latest {
		doc, err := rules.Decode(checkType, c.Rules)
		if err != nil {
			log.Warnw("Invalid rule document", "check_type", checkType, "configuration_id", c.ID, "error", err)
			invalid[checkType] = err
			continue
		}
		docs[checkType] = doc
	}

	target := validators.Target{Application: app, Endpoint: ep}
	baseline := docs[types.CheckSuccessFlow]

	var lines []string
	for _, checkType := range types.CheckOrder {
		if err, ok := invalid[checkType]; ok {
			lines = append(lines, invalidLine(checkType, err))
			continue
		}
		doc, ok := docs[checkType]
		if !ok {
			continue
		}
		v, ok := s.validators.Get(checkType)
		if !ok {
			continue
		}

		result, err := v.Validate(ctx, validators.Input{
			Target:   target,
			Primary:  doc,
			Baseline: baseline,
			Fixtures: fx,
		})
		if err != nil {
			return "", newScanError(ctx, ep.ID, CodeTransportFailure, fmt.Errorf("%s: %w", checkType, err))
		}

		if result.Success {
			lines = append(lines, passLine(checkType, result.Message))
			continue
		}

		s.raise(ctx, log, scanID, app, ep, checkType, result)
		lines = append(lines, failLine(checkType, result.Severity, result.Message))
	}

	return strings.Join(lines, "\n"), nil
}

// raise persists an issue for a failed check and notifies the admin. Every
// failure here is logged and swallowed.
func (s *APIScanner) raise(ctx context.Context, log *logger.Logger, scanID string, app *types.Application, ep *types.APIEndpoint, checkType types.CheckType, result types.ScanResult) {
	log.LogVulnerability(ctx, string(checkType), string(result.Severity), result.Message)
	s.telemetry.RecordIssue(ctx, checkType, result.Severity)

	issue := &types.Issue{
		ID:            uuid.New().String(),
		ScanID:        scanID,
		EndpointID:    ep.ID,
		ApplicationID: app.ID,
		Title:         string(checkType),
		Description:   result.Message,
		Severity:      result.Severity,
		Fingerprint:   Fingerprint(app.ID, ep.ID, checkType),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateIssue(ctx, issue); err != nil {
		log.LogError(ctx, err, "scanner.CreateIssue", "check_type", checkType)
		return
	}

	admin, err := s.store.FindAdmin(ctx)
	if err != nil {
		log.Warnw("No notification recipient", "issue_id", issue.ID, "error", err)
		return
	}

	if err := s.notifier.Notify(ctx, s.composer.Compose(app, issue, admin)); err != nil {
		log.LogError(ctx, err, "scanner.Notify", "issue_id", issue.ID)
	}
}

// Fingerprint identifies the same finding across scans.
func Fingerprint(appID, endpointID string, checkType types.CheckType) string {
	h1, h2 := murmur3.Sum128([]byte(appID + "|" + endpointID + "|" + string(checkType)))
	return fmt.Sprintf("%016x%016x", h1, h2)
}
