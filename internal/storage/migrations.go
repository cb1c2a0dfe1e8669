package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration is one forward schema step.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager applies archive schema migrations in version order.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a manager for the archive schema.
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: archiveMigrations(),
	}
}

// Latest returns the highest known migration version.
func (m *MigrationManager) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// MigrateToLatest applies every migration newer than the recorded version.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.run(ctx, mig); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.Version, err)
		}
		applied++
	}

	if applied > 0 {
		m.logger.Info("archive schema migrated", "from_version", current, "to_version", m.Latest(), "applied", applied)
	}
	return nil
}

// CurrentVersion returns the highest applied migration version.
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) run(ctx context.Context, mig Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := mig.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
		mig.Version, mig.Description, start.UTC()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Debug("migration applied", "version", mig.Version, "description", mig.Description, "duration", time.Since(start))
	return nil
}

func archiveMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create candles table",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				// Prices are stored as text so decimals round-trip exactly.
				_, err := tx.ExecContext(ctx, `
					CREATE TABLE IF NOT EXISTS candles (
						symbol VARCHAR NOT NULL,
						bar_interval VARCHAR NOT NULL,
						ts_ms BIGINT NOT NULL,
						open VARCHAR NOT NULL,
						high VARCHAR NOT NULL,
						low VARCHAR NOT NULL,
						close VARCHAR NOT NULL,
						volume VARCHAR NOT NULL,
						confirmed BOOLEAN NOT NULL DEFAULT TRUE,
						created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
						PRIMARY KEY (symbol, bar_interval, ts_ms),
						CHECK (ts_ms > 0)
					)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "index candles by time",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_candles_ts ON candles (ts_ms)")
				return err
			},
		},
	}
}
