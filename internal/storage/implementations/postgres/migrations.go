package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/pkg/errors"
)

// Migration is one forward-only schema change
type Migration struct {
	Version    string
	Name       string
	Statements []string
}

// MigrationManager applies pending migrations in version order and records
// each one in a bookkeeping table.
type MigrationManager struct {
	tableName  string
	logger     *logrus.Logger
	migrations map[string]*Migration
	versions   []string
}

// NewMigrationManager creates a manager that tracks applied versions in tableName
func NewMigrationManager(tableName string, logger *logrus.Logger) *MigrationManager {
	if tableName == "" {
		tableName = "schema_migrations"
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MigrationManager{
		tableName:  tableName,
		logger:     logger,
		migrations: make(map[string]*Migration),
	}
}

// RegisterMigration registers a new migration
func (m *MigrationManager) RegisterMigration(migration *Migration) error {
	if migration.Version == "" {
		return errors.NewConfigurationError(errors.CodeInvalidValue, "Migration version cannot be empty")
	}
	if migration.Name == "" {
		return errors.NewConfigurationError(errors.CodeInvalidValue, "Migration name cannot be empty")
	}
	if len(migration.Statements) == 0 {
		return errors.NewConfigurationError(errors.CodeInvalidValue, "Migration has no statements")
	}
	if _, exists := m.migrations[migration.Version]; exists {
		return errors.NewConfigurationError(errors.CodeInvalidValue,
			fmt.Sprintf("Migration version %s already exists", migration.Version))
	}

	m.migrations[migration.Version] = migration
	m.versions = append(m.versions, migration.Version)
	sort.Strings(m.versions)
	return nil
}

// Versions returns the registered versions in apply order
func (m *MigrationManager) Versions() []string {
	return append([]string(nil), m.versions...)
}

// Pending returns the registered migrations not in applied, in order
func (m *MigrationManager) Pending(applied map[string]bool) []*Migration {
	var pending []*Migration
	for _, v := range m.versions {
		if !applied[v] {
			pending = append(pending, m.migrations[v])
		}
	}
	return pending
}

// Migrate applies every pending migration, each in its own transaction
func (m *MigrationManager) Migrate(ctx context.Context, db *sql.DB) (int, error) {
	table := pq.QuoteIdentifier(m.tableName)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		version VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, table)); err != nil {
		return 0, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "Failed to create migration table")
	}

	applied, err := m.applied(ctx, db, table)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, migration := range m.Pending(applied) {
		start := time.Now()
		if err := m.apply(ctx, db, table, migration); err != nil {
			return count, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError,
				fmt.Sprintf("Migration %s failed", migration.Version))
		}
		count++

		m.logger.WithFields(logrus.Fields{
			"version":        migration.Version,
			"name":           migration.Name,
			"execution_time": time.Since(start),
		}).Info("Migration completed successfully")
	}
	return count, nil
}

func (m *MigrationManager) applied(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s", table))
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to scan migration version")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *MigrationManager) apply(ctx context.Context, db *sql.DB, table string, migration *Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range migration.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", table),
		migration.Version, migration.Name); err != nil {
		return err
	}
	return tx.Commit()
}
