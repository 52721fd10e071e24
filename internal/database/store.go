package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type sqlStore struct {
	db      *sqlx.DB
	dialect dialect
	logger  *logger.Logger
}

// NewStore connects, applies migrations and returns the repository set.
func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (core.Store, error) {
	log = log.WithComponent("database")

	ctx, span := log.StartOperation(context.Background(), "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
	)
	start := time.Now()
	var err error
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	d, dsn, err := prepareDSN(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect(cfg.Driver, dsn)
	if err != nil {
		log.LogError(ctx, err, "database.Connect", "driver", cfg.Driver)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if d == dialectSQLite {
		// A single connection keeps :memory: databases coherent and avoids
		// SQLITE_BUSY on concurrent writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err = NewMigrationRunner(db, d, log).RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.WithContext(ctx).Infow("Database store initialized",
		"driver", cfg.Driver,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &sqlStore{db: db, dialect: d, logger: log}, nil
}

func prepareDSN(driver, dsn string) (dialect, string, error) {
	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = ":memory:"
		}
		return dialectSQLite, dsn, nil
	case "postgres":
		return dialectPostgres, dsn, nil
	case "mysql":
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		parsed.ParseTime = true
		parsed.Loc = time.UTC
		return dialectMySQL, parsed.FormatDSN(), nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// maskDSN hides credentials in logs.
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection. The health endpoint uses it.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SchemaVersion reports the applied and latest migration versions.
func (s *sqlStore) SchemaVersion(ctx context.Context) (current, latest int, err error) {
	return NewMigrationRunner(s.db, s.dialect, s.logger).Status(ctx)
}

func (s *sqlStore) exec(ctx context.Context, op, table, query string, args ...interface{}) error {
	start := time.Now()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		s.logger.LogError(ctx, err, "database."+op, "table", table)
		return fmt.Errorf("%s %s: %w", op, table, err)
	}
	rows, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, op, table, rows, time.Since(start))
	return nil
}

func (s *sqlStore) get(ctx context.Context, dest interface{}, notFound error, query string, args ...interface{}) error {
	err := s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return err
}

func (s *sqlStore) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// Applications

func (s *sqlStore) GetApplication(ctx context.Context, appID string) (*types.Application, error) {
	var app types.Application
	err := s.get(ctx, &app, core.ErrApplicationNotFound,
		`SELECT id, name, base_url, created_at FROM applications WHERE id = ?`, appID)
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", appID, err)
	}
	return &app, nil
}

func (s *sqlStore) ListApplications(ctx context.Context) ([]*types.Application, error) {
	var apps []*types.Application
	if err := s.selectAll(ctx, &apps,
		`SELECT id, name, base_url, created_at FROM applications ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return apps, nil
}

func (s *sqlStore) SaveApplication(ctx context.Context, app *types.Application) error {
	app.CreatedAt = utc(app.CreatedAt)
	return s.exec(ctx, "UPSERT", "applications",
		s.dialect.upsert("applications", []string{"id", "name", "base_url", "created_at"}),
		app.ID, app.Name, app.BaseURL, app.CreatedAt)
}

// Endpoints

func (s *sqlStore) ListEndpoints(ctx context.Context, appID string) ([]*types.APIEndpoint, error) {
	var endpoints []*types.APIEndpoint
	if err := s.selectAll(ctx, &endpoints, `
		SELECT id, application_id, method, path, is_verified, is_deprecated, created_at
		FROM api_endpoints WHERE application_id = ? ORDER BY created_at, id`, appID); err != nil {
		return nil, fmt.Errorf("list endpoints for %s: %w", appID, err)
	}
	return endpoints, nil
}

func (s *sqlStore) SaveEndpoint(ctx context.Context, ep *types.APIEndpoint) error {
	ep.CreatedAt = utc(ep.CreatedAt)
	return s.exec(ctx, "UPSERT", "api_endpoints",
		s.dialect.upsert("api_endpoints", []string{"id", "application_id", "method", "path", "is_verified", "is_deprecated", "created_at"}),
		ep.ID, ep.ApplicationID, ep.Method, ep.Path, ep.IsVerified, ep.IsDeprecated, ep.CreatedAt)
}

// Security configurations

// configRow scans rules as a string; TEXT columns do not scan into
// json.RawMessage on every driver.
type configRow struct {
	ID            string          `db:"id"`
	ApplicationID string          `db:"application_id"`
	EndpointID    string          `db:"endpoint_id"`
	CheckType     types.CheckType `db:"check_type"`
	IsEnabled     bool            `db:"is_enabled"`
	Rules         string          `db:"rules"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (r configRow) toType() *types.SecurityConfiguration {
	return &types.SecurityConfiguration{
		ID:            r.ID,
		ApplicationID: r.ApplicationID,
		EndpointID:    r.EndpointID,
		CheckType:     r.CheckType,
		IsEnabled:     r.IsEnabled,
		Rules:         []byte(r.Rules),
		CreatedAt:     r.CreatedAt,
	}
}

const configColumns = `id, application_id, endpoint_id, check_type, is_enabled, rules, created_at`

func (s *sqlStore) ListEnabledConfigurations(ctx context.Context, endpointID string) ([]*types.SecurityConfiguration, error) {
	var rows []configRow
	if err := s.selectAll(ctx, &rows, `SELECT `+configColumns+`
		FROM security_configurations
		WHERE endpoint_id = ? AND is_enabled = ?
		ORDER BY created_at, id`, endpointID, true); err != nil {
		return nil, fmt.Errorf("list configurations for %s: %w", endpointID, err)
	}

	out := make([]*types.SecurityConfiguration, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toType())
	}
	return out, nil
}

func (s *sqlStore) FindFixtureConfiguration(ctx context.Context, appID string) (*types.SecurityConfiguration, error) {
	var row configRow
	err := s.get(ctx, &row, core.ErrFixtureNotFound, `SELECT `+configColumns+`
		FROM security_configurations
		WHERE application_id = ? AND check_type = ? AND is_enabled = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, appID, types.CheckAuthTokens, true)
	if err != nil {
		return nil, fmt.Errorf("find fixture configuration for %s: %w", appID, err)
	}
	return row.toType(), nil
}

func (s *sqlStore) SaveConfiguration(ctx context.Context, cfg *types.SecurityConfiguration) error {
	cfg.CreatedAt = utc(cfg.CreatedAt)
	return s.exec(ctx, "UPSERT", "security_configurations",
		s.dialect.upsert("security_configurations", []string{"id", "application_id", "endpoint_id", "check_type", "is_enabled", "rules", "created_at"}),
		cfg.ID, cfg.ApplicationID, cfg.EndpointID, cfg.CheckType, cfg.IsEnabled, string(cfg.Rules), cfg.CreatedAt)
}

// Scans

const scanColumns = `id, application_id, scan_date, output_summary, status, error_code, error_message, error_endpoint_id, completed_at`

func (s *sqlStore) CreateScan(ctx context.Context, scan *types.Scan) error {
	scan.ScanDate = utc(scan.ScanDate)
	if scan.Status == "" {
		scan.Status = types.ScanStatusPending
	}
	return s.exec(ctx, "INSERT", "scans",
		`INSERT INTO scans (`+scanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scan.ID, scan.ApplicationID, scan.ScanDate, scan.OutputSummary, scan.Status,
		scan.ErrorCode, scan.ErrorMessage, scan.ErrorEndpointID, scan.CompletedAt)
}

// FinalizeScan moves a PENDING scan to its terminal state. It refuses to
// touch a scan that has already been finalized.
func (s *sqlStore) FinalizeScan(ctx context.Context, scan *types.Scan) error {
	if scan.CompletedAt == nil {
		now := time.Now().UTC()
		scan.CompletedAt = &now
	}

	start := time.Now()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE scans SET output_summary = ?, status = ?, error_code = ?, error_message = ?,
			error_endpoint_id = ?, completed_at = ?
		WHERE id = ? AND status = ?`),
		scan.OutputSummary, scan.Status, scan.ErrorCode, scan.ErrorMessage,
		scan.ErrorEndpointID, scan.CompletedAt, scan.ID, types.ScanStatusPending)
	if err != nil {
		s.logger.LogError(ctx, err, "database.FinalizeScan", "scan_id", scan.ID)
		return fmt.Errorf("finalize scan %s: %w", scan.ID, err)
	}

	rows, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "UPDATE", "scans", rows, time.Since(start), "scan_id", scan.ID)
	if rows == 0 {
		return fmt.Errorf("finalize scan %s: %w", scan.ID, core.ErrScanNotFound)
	}
	return nil
}

func (s *sqlStore) GetScan(ctx context.Context, scanID string) (*types.Scan, error) {
	var scan types.Scan
	if err := s.get(ctx, &scan, core.ErrScanNotFound,
		`SELECT `+scanColumns+` FROM scans WHERE id = ?`, scanID); err != nil {
		return nil, fmt.Errorf("get scan %s: %w", scanID, err)
	}
	return &scan, nil
}

func (s *sqlStore) ListScans(ctx context.Context, appID string, limit int) ([]*types.Scan, error) {
	if limit <= 0 {
		limit = 50
	}
	var scans []*types.Scan
	if err := s.selectAll(ctx, &scans, `SELECT `+scanColumns+`
		FROM scans WHERE application_id = ? ORDER BY scan_date DESC, id LIMIT ?`, appID, limit); err != nil {
		return nil, fmt.Errorf("list scans for %s: %w", appID, err)
	}
	return scans, nil
}

// Issues

func (s *sqlStore) CreateIssue(ctx context.Context, issue *types.Issue) error {
	issue.CreatedAt = utc(issue.CreatedAt)
	return s.exec(ctx, "INSERT", "issues", `
		INSERT INTO issues (id, scan_id, endpoint_id, application_id, title, description, severity, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.ScanID, issue.EndpointID, issue.ApplicationID, issue.Title,
		issue.Description, issue.Severity, issue.Fingerprint, issue.CreatedAt)
}

func (s *sqlStore) ListIssues(ctx context.Context, appID string, limit int) ([]*types.Issue, error) {
	if limit <= 0 {
		limit = 100
	}
	var issues []*types.Issue
	if err := s.selectAll(ctx, &issues, `
		SELECT id, scan_id, endpoint_id, application_id, title, description, severity, fingerprint, created_at
		FROM issues WHERE application_id = ? ORDER BY created_at DESC, id LIMIT ?`, appID, limit); err != nil {
		return nil, fmt.Errorf("list issues for %s: %w", appID, err)
	}
	return issues, nil
}

// ListScanIssues returns every issue one scan raised, unpaged.
func (s *sqlStore) ListScanIssues(ctx context.Context, scanID string) ([]*types.Issue, error) {
	var issues []*types.Issue
	if err := s.selectAll(ctx, &issues, `
		SELECT id, scan_id, endpoint_id, application_id, title, description, severity, fingerprint, created_at
		FROM issues WHERE scan_id = ? ORDER BY created_at, id`, scanID); err != nil {
		return nil, fmt.Errorf("list issues for scan %s: %w", scanID, err)
	}
	return issues, nil
}

// Recipients

func (s *sqlStore) FindAdmin(ctx context.Context) (*types.Recipient, error) {
	var r types.Recipient
	if err := s.get(ctx, &r, core.ErrRecipientNotFound, `
		SELECT id, email, first_name, last_name, role, created_at
		FROM recipients WHERE role = ? ORDER BY created_at, id LIMIT 1`, types.RoleAdmin); err != nil {
		return nil, fmt.Errorf("find admin recipient: %w", err)
	}
	return &r, nil
}

func (s *sqlStore) SaveRecipient(ctx context.Context, r *types.Recipient) error {
	r.CreatedAt = utc(r.CreatedAt)
	return s.exec(ctx, "UPSERT", "recipients",
		s.dialect.upsert("recipients", []string{"id", "email", "first_name", "last_name", "role", "created_at"}),
		r.ID, r.Email, r.FirstName, r.LastName, r.Role, r.CreatedAt)
}
