package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/pkg/errors"
	"github.com/inferloop/chatgru/pkg/interfaces"
	"github.com/inferloop/chatgru/pkg/models"
)

const backend = "postgres"

// PostgresConfig holds configuration for the PostgreSQL progress sink
type PostgresConfig struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	Database        string        `json:"database" mapstructure:"database"`
	Username        string        `json:"username" mapstructure:"username"`
	Password        string        `json:"password" mapstructure:"password"`
	SSLMode         string        `json:"ssl_mode" mapstructure:"ssl_mode"`
	Table           string        `json:"table" mapstructure:"table"`
	ConnectTimeout  time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	// Hypertable converts the metrics table with TimescaleDB when available
	Hypertable bool `json:"hypertable" mapstructure:"hypertable"`
}

// PostgresStorage writes one row per training iteration
type PostgresStorage struct {
	config     *PostgresConfig
	db         *sql.DB
	logger     *logrus.Logger
	migrations *MigrationManager
	mu         sync.RWMutex
	writeOps   int64
	errorCount int64
	lastError  string
}

// NewPostgresStorage creates a new PostgreSQL sink instance
func NewPostgresStorage(config *PostgresConfig, logger *logrus.Logger) (*PostgresStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Postgres config cannot be nil")
	}
	if config.Host == "" || config.Database == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Postgres host and database are required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.Table == "" {
		config.Table = "training_iterations"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	s := &PostgresStorage{
		config:     config,
		logger:     logger,
		migrations: NewMigrationManager("chatgru_schema_migrations", logger),
	}
	for _, m := range schemaMigrations(config.Table) {
		if err := s.migrations.RegisterMigration(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Connect opens the pool and brings the schema up to date
func (s *PostgresStorage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", s.connString())
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to open database connection")
	}

	if s.config.MaxConnections > 0 {
		db.SetMaxOpenConns(s.config.MaxConnections)
	}
	if s.config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(s.config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to ping database")
	}

	applied, err := s.migrations.Migrate(ctx, db)
	if err != nil {
		db.Close()
		return err
	}

	if s.config.Hypertable {
		s.createHypertable(ctx, db)
	}

	s.db = db
	s.logger.WithFields(logrus.Fields{
		"host":       s.config.Host,
		"port":       s.config.Port,
		"database":   s.config.Database,
		"migrations": applied,
	}).Info("Connected to PostgreSQL")
	return nil
}

// Close closes the connection pool
func (s *PostgresStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "Failed to close database")
	}
	s.logger.Info("PostgreSQL connection closed")
	return nil
}

// Ping tests the database connection
func (s *PostgresStorage) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Database ping failed")
	}
	return nil
}

// GetInfo returns information about the PostgreSQL sink
func (s *PostgresStorage) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	version := "unknown"
	if db, err := s.conn(); err == nil {
		var v string
		if err := db.QueryRowContext(ctx, "SHOW server_version").Scan(&v); err == nil {
			version = v
		}
	}

	return &interfaces.StorageInfo{
		Type:        backend,
		Version:     version,
		Name:        "PostgreSQL Progress Sink",
		Description: "Per-iteration training metrics as relational rows",
		Features:    []string{"sql", "migrations", "upsert", "timescaledb hypertables"},
		Configuration: map[string]interface{}{
			"host":       s.config.Host,
			"port":       s.config.Port,
			"database":   s.config.Database,
			"table":      s.config.Table,
			"hypertable": s.config.Hypertable,
		},
	}, nil
}

// Record upserts the row for (run_id, iteration)
func (s *PostgresStorage) Record(ctx context.Context, m *models.IterationMetrics) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	var valLoss sql.NullFloat64
	if m.HasValLoss {
		valLoss = sql.NullFloat64{Float64: m.ValLoss, Valid: true}
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	start := time.Now()
	_, err = db.ExecContext(ctx, s.insertQuery(),
		m.RunID, m.Iteration, ts, m.TrainLoss, valLoss,
		m.Batches, m.Tokens, m.MeanGradNorm, m.MaxGradNorm, m.Duration.Seconds())
	if err != nil {
		s.mu.Lock()
		s.errorCount++
		s.lastError = err.Error()
		s.mu.Unlock()
		if pqErr, ok := err.(*pq.Error); ok {
			s.logger.WithFields(logrus.Fields{
				"code":   pqErr.Code,
				"detail": pqErr.Detail,
			}).Debug("PostgreSQL rejected iteration row")
		}
		return errors.WrapStorageError(err, backend, "record", s.config.Table).WithDuration(time.Since(start))
	}

	s.mu.Lock()
	s.writeOps++
	s.mu.Unlock()
	return nil
}

// GetMetrics returns storage metrics
func (s *PostgresStorage) GetMetrics(ctx context.Context) (*interfaces.StorageMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &interfaces.StorageMetrics{
		WriteOperations: s.writeOps,
		ErrorCount:      s.errorCount,
		LastError:       s.lastError,
	}, nil
}

func (s *PostgresStorage) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.NewStorageError(errors.CodeConnectionFailed, "PostgreSQL not connected")
	}
	return s.db, nil
}

func (s *PostgresStorage) connString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		s.config.Host,
		s.config.Port,
		s.config.Username,
		s.config.Password,
		s.config.Database,
		s.config.SSLMode,
		int(s.config.ConnectTimeout.Seconds()),
	)
}

func (s *PostgresStorage) insertQuery() string {
	return fmt.Sprintf(`
	INSERT INTO %s (run_id, iteration, recorded_at, train_loss, val_loss, batches, tokens, mean_grad_norm, max_grad_norm, duration_seconds)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (run_id, iteration, recorded_at) DO UPDATE SET
		train_loss = EXCLUDED.train_loss,
		val_loss = EXCLUDED.val_loss,
		batches = EXCLUDED.batches,
		tokens = EXCLUDED.tokens,
		mean_grad_norm = EXCLUDED.mean_grad_norm,
		max_grad_norm = EXCLUDED.max_grad_norm,
		duration_seconds = EXCLUDED.duration_seconds`, pq.QuoteIdentifier(s.config.Table))
}

func (s *PostgresStorage) createHypertable(ctx context.Context, db *sql.DB) {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE"); err != nil {
		s.logger.WithError(err).Warn("TimescaleDB extension unavailable, keeping a plain table")
		return
	}
	if _, err := db.ExecContext(ctx,
		"SELECT create_hypertable($1, 'recorded_at', if_not_exists => TRUE, migrate_data => TRUE)",
		s.config.Table); err != nil {
		s.logger.WithError(err).Warn("Failed to create hypertable, table might already be one")
	}
}

// schemaMigrations returns the ordered schema for the metrics table
func schemaMigrations(table string) []*Migration {
	quoted := pq.QuoteIdentifier(table)
	index := pq.QuoteIdentifier("idx_" + table + "_run")
	return []*Migration{
		{
			Version: "0001",
			Name:    "create_" + table,
			Statements: []string{fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		run_id VARCHAR(64) NOT NULL,
		iteration INTEGER NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		train_loss DOUBLE PRECISION NOT NULL,
		val_loss DOUBLE PRECISION,
		batches INTEGER NOT NULL,
		tokens BIGINT NOT NULL,
		mean_grad_norm DOUBLE PRECISION NOT NULL,
		max_grad_norm DOUBLE PRECISION NOT NULL,
		duration_seconds DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, iteration, recorded_at)
	)`, quoted)},
		},
		{
			Version:    "0002",
			Name:       "index_" + table + "_run",
			Statements: []string{fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (run_id, iteration DESC)", index, quoted)},
		},
	}
}
