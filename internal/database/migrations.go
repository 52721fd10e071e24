package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/jmoiron/sqlx"
)

// Migration is one schema step. Statements run in order inside a single
// transaction; they are kept separate because not every driver accepts
// several statements per Exec.
type Migration struct {
	Version     int
	Description string
	Up          []string
}

// MigrationRunner applies pending migrations and records them in
// schema_migrations.
type MigrationRunner struct {
	db      *sqlx.DB
	dialect dialect
	log     *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, d dialect, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{db: db, dialect: d, log: log}
}

// GetAllMigrations returns every migration for the dialect, ordered by version.
func GetAllMigrations(d dialect) []Migration {
	ts := d.timestampType()

	return []Migration{
		{
			Version:     1,
			Description: "Create catalog tables",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS applications (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					base_url VARCHAR(2048) NOT NULL,
					created_at ` + ts + ` NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS api_endpoints (
					id VARCHAR(64) PRIMARY KEY,
					application_id VARCHAR(64) NOT NULL,
					method VARCHAR(16) NOT NULL,
					path VARCHAR(2048) NOT NULL,
					is_verified BOOLEAN NOT NULL DEFAULT FALSE,
					is_deprecated BOOLEAN NOT NULL DEFAULT FALSE,
					created_at ` + ts + ` NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS security_configurations (
					id VARCHAR(64) PRIMARY KEY,
					application_id VARCHAR(64) NOT NULL,
					endpoint_id VARCHAR(64) NOT NULL DEFAULT '',
					check_type VARCHAR(64) NOT NULL,
					is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
					rules TEXT NOT NULL,
					created_at ` + ts + ` NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS recipients (
					id VARCHAR(64) PRIMARY KEY,
					email VARCHAR(255) NOT NULL,
					first_name VARCHAR(255) NOT NULL,
					last_name VARCHAR(255) NOT NULL,
					role VARCHAR(16) NOT NULL,
					created_at ` + ts + ` NOT NULL
				)`,
			},
		},
		{
			Version:     2,
			Description: "Create scans and issues tables",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS scans (
					id VARCHAR(64) PRIMARY KEY,
					application_id VARCHAR(64) NOT NULL,
					scan_date ` + ts + ` NOT NULL,
					output_summary TEXT NOT NULL,
					status VARCHAR(16) NOT NULL,
					error_code VARCHAR(64) NOT NULL DEFAULT '',
					error_message TEXT NOT NULL,
					error_endpoint_id VARCHAR(64) NOT NULL DEFAULT '',
					completed_at ` + ts + ` NULL
				)`,
				`CREATE TABLE IF NOT EXISTS issues (
					id VARCHAR(64) PRIMARY KEY,
					scan_id VARCHAR(64) NOT NULL,
					endpoint_id VARCHAR(64) NOT NULL,
					application_id VARCHAR(64) NOT NULL,
					title VARCHAR(128) NOT NULL,
					description TEXT NOT NULL,
					severity VARCHAR(8) NOT NULL,
					fingerprint VARCHAR(32) NOT NULL,
					created_at ` + ts + ` NOT NULL
				)`,
			},
		},
		{
			Version:     3,
			Description: "Add lookup indexes",
			Up: []string{
				`CREATE INDEX idx_endpoints_application ON api_endpoints(application_id)`,
				`CREATE INDEX idx_configs_endpoint ON security_configurations(endpoint_id, check_type)`,
				`CREATE INDEX idx_configs_application ON security_configurations(application_id, check_type)`,
				`CREATE INDEX idx_scans_application ON scans(application_id, scan_date)`,
				`CREATE INDEX idx_issues_application ON issues(application_id, created_at)`,
				`CREATE INDEX idx_issues_fingerprint ON issues(fingerprint)`,
				`CREATE INDEX idx_recipients_role ON recipients(role)`,
			},
		},
		{
			Version:     4,
			Description: "Index issues by scan",
			Up: []string{
				`CREATE INDEX idx_issues_scan ON issues(scan_id)`,
			},
		},
	}
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description VARCHAR(255) NOT NULL,
		applied_at ` + mr.dialect.timestampType() + ` NOT NULL
	)`
	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}

	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// RunMigrations applies all pending migrations.
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	all := GetAllMigrations(mr.dialect)
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })

	pending := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if err := mr.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		pending++
	}

	if pending == 0 {
		mr.log.Debugw("Database schema is up to date", "latest_version", all[len(all)-1].Version)
		return nil
	}
	mr.log.Infow("Migrations applied", "migrations_applied", pending)
	return nil
}

func (mr *MigrationRunner) applyMigration(ctx context.Context, m Migration) error {
	mr.log.Infow("Applying migration", "version", m.Version, "description", m.Description)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range m.Up {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			mr.log.Errorw("Migration failed", "version", m.Version, "statement", i, "error", err)
			return fmt.Errorf("failed to execute statement %d: %w", i, err)
		}
	}

	record := tx.Rebind(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, record, m.Version, m.Description, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Status reports the applied and latest schema versions.
func (mr *MigrationRunner) Status(ctx context.Context) (current, latest int, err error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return 0, 0, err
	}
	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return 0, 0, err
	}
	for v := range applied {
		if v > current {
			current = v
		}
	}
	all := GetAllMigrations(mr.dialect)
	return current, all[len(all)-1].Version, nil
}

// dialect captures the handful of SQL differences between the drivers.
type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
	dialectMySQL    dialect = "mysql"
)

func (d dialect) timestampType() string {
	if d == dialectMySQL {
		return "DATETIME(6)"
	}
	return "TIMESTAMP"
}

// upsert builds an insert-or-update statement with ? placeholders.
func (d dialect) upsert(table string, columns []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)

	updates := make([]string, 0, len(columns)-1)
	for _, c := range columns[1:] {
		if d == dialectMySQL {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	if d == dialectMySQL {
		return query + " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	}
	return query + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", columns[0]) + strings.Join(updates, ", ")
}
