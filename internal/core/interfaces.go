package core

import (
	"context"
	"errors"

	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrScanNotFound        = errors.New("scan not found")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrFixtureNotFound     = errors.New("fixture configuration not found")
)

type ApplicationStore interface {
	GetApplication(ctx context.Context, appID string) (*types.Application, error)
	ListApplications(ctx context.Context) ([]*types.Application, error)
	SaveApplication(ctx context.Context, app *types.Application) error
}

type EndpointStore interface {
	ListEndpoints(ctx context.Context, appID string) ([]*types.APIEndpoint, error)
	SaveEndpoint(ctx context.Context, endpoint *types.APIEndpoint) error
}

// ConfigurationStore serves rule documents. ListEnabledConfigurations returns
// rows oldest first so callers can let the latest one win.
type ConfigurationStore interface {
	ListEnabledConfigurations(ctx context.Context, endpointID string) ([]*types.SecurityConfiguration, error)
	FindFixtureConfiguration(ctx context.Context, appID string) (*types.SecurityConfiguration, error)
	SaveConfiguration(ctx context.Context, cfg *types.SecurityConfiguration) error
}

type ScanStore interface {
	CreateScan(ctx context.Context, scan *types.Scan) error
	FinalizeScan(ctx context.Context, scan *types.Scan) error
	GetScan(ctx context.Context, scanID string) (*types.Scan, error)
	ListScans(ctx context.Context, appID string, limit int) ([]*types.Scan, error)
}

type IssueStore interface {
	CreateIssue(ctx context.Context, issue *types.Issue) error
	ListIssues(ctx context.Context, appID string, limit int) ([]*types.Issue, error)
	ListScanIssues(ctx context.Context, scanID string) ([]*types.Issue, error)
}

type RecipientStore interface {
	FindAdmin(ctx context.Context) (*types.Recipient, error)
	SaveRecipient(ctx context.Context, recipient *types.Recipient) error
}

// Store bundles every repository. The SQL store implements all of them.
type Store interface {
	ApplicationStore
	EndpointStore
	ConfigurationStore
	ScanStore
	IssueStore
	RecipientStore
	Close() error
}

// FixtureSource fetches the identities for one application. Both methods may
// return empty mappings; they only return an error when the context is done.
type FixtureSource interface {
	FetchTokens(ctx context.Context, app *types.Application) (map[string]any, error)
	FetchUsers(ctx context.Context, app *types.Application) (map[string]any, error)
}

// Notifier hands a notification to the outbound pipeline. It must not block
// on delivery.
type Notifier interface {
	Notify(ctx context.Context, n *types.Notification) error
}

// NotificationQueue is the outbox between the scanner and the dispatcher.
type NotificationQueue interface {
	Push(ctx context.Context, n *types.Notification) error
	Pop(ctx context.Context) (*types.Notification, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, n *types.Notification, reason string) error
	Fail(ctx context.Context, n *types.Notification, reason string) error
	Close() error
}

type RateLimiter interface {
	WaitForHost(ctx context.Context, host string) error
}

type Telemetry interface {
	RecordScan(ctx context.Context, status types.ScanStatus, durationSeconds float64)
	RecordIssue(ctx context.Context, checkType types.CheckType, severity types.Severity)
	RecordProbe(ctx context.Context, method string, statusCode int)
	Close() error
}
