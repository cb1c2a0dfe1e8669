package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-okx-trader/internal/models"
)

const (
	insertCandleSQL = `INSERT OR IGNORE INTO candles
		(symbol, bar_interval, ts_ms, open, high, low, close, volume, confirmed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectCandlesSQL = `SELECT ts_ms, open, high, low, close, volume, confirmed
		FROM candles
		WHERE symbol = ? AND bar_interval = ? AND ts_ms >= ? AND ts_ms < ?
		ORDER BY ts_ms ASC`

	selectLatestSQL = `SELECT ts_ms, open, high, low, close, volume, confirmed
		FROM candles
		WHERE symbol = ? AND bar_interval = ?
		ORDER BY ts_ms DESC
		LIMIT 1`
)

// DuckDBArchive stores candles in a DuckDB database file.
type DuckDBArchive struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewDuckDBArchive opens the database at dbPath. An empty path opens an
// in-memory database. Call Initialize before use.
func NewDuckDBArchive(dbPath string, logger *slog.Logger) (*DuckDBArchive, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("connect", "", "", fmt.Errorf("failed to open duckdb: %w", err))
	}

	// DuckDB is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBArchive{
		db:     db,
		path:   dbPath,
		logger: logger.With("component", "duckdb_archive"),
	}, nil
}

// Initialize verifies the connection and brings the schema up to date.
func (d *DuckDBArchive) Initialize(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return NewStorageError("initialize", "", "", fmt.Errorf("failed to ping database: %w", err))
	}
	if err := NewMigrationManager(db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("migrate", "schema_migrations", "", err)
	}

	d.logger.Info("candle archive ready", "path", d.path)
	return nil
}

func (d *DuckDBArchive) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, fmt.Errorf("database connection is closed")
	}
	return d.db, nil
}

// Store implements Archive.Store inside a single transaction.
func (d *DuckDBArchive) Store(ctx context.Context, symbol, interval string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return NewInsertError("candles", fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}

	db, err := d.conn()
	if err != nil {
		return NewInsertError("candles", err)
	}

	start := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError("candles", fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertCandleSQL)
	if err != nil {
		return NewStorageError("insert", "candles", insertCandleSQL, err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			symbol, interval, c.TimestampMs,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
			c.Confirmed,
		); err != nil {
			return NewStorageError("insert", "candles", insertCandleSQL, fmt.Errorf("candle %d: %w", c.TimestampMs, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("candles", fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("archived candles",
		"symbol", symbol,
		"interval", interval,
		"count", len(candles),
		"duration", time.Since(start))
	return nil
}

// Query implements Archive.Query.
func (d *DuckDBArchive) Query(ctx context.Context, symbol, interval string, fromMs, toMs int64) ([]models.Candle, error) {
	if err := validRange(fromMs, toMs); err != nil {
		return nil, NewQueryError("candles", selectCandlesSQL, err)
	}
	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError("candles", selectCandlesSQL, err)
	}

	rows, err := db.QueryContext(ctx, selectCandlesSQL, symbol, interval, fromMs, toMs)
	if err != nil {
		return nil, NewQueryError("candles", selectCandlesSQL, fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, NewQueryError("candles", selectCandlesSQL, err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("candles", selectCandlesSQL, fmt.Errorf("row iteration error: %w", err))
	}
	return candles, nil
}

// Latest implements Archive.Latest.
func (d *DuckDBArchive) Latest(ctx context.Context, symbol, interval string) (*models.Candle, error) {
	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError("candles", selectLatestSQL, err)
	}

	c, err := scanCandle(db.QueryRowContext(ctx, selectLatestSQL, symbol, interval))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("candles", selectLatestSQL, err)
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(row rowScanner) (models.Candle, error) {
	var (
		c                              models.Candle
		open, high, low, close, volume string
	)
	if err := row.Scan(&c.TimestampMs, &open, &high, &low, &close, &volume, &c.Confirmed); err != nil {
		return c, err
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.Open, open}, {&c.High, high}, {&c.Low, low}, {&c.Close, close}, {&c.Volume, volume},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return c, fmt.Errorf("corrupt price %q at %d: %w", f.src, c.TimestampMs, err)
		}
		*f.dst = v
	}
	return c, nil
}

// HealthCheck implements Archive.HealthCheck.
func (d *DuckDBArchive) HealthCheck(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

// Close implements Archive.Close. It is safe to call more than once.
func (d *DuckDBArchive) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}

var _ Archive = (*DuckDBArchive)(nil)
