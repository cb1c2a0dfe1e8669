// Package storage archives delivered candles.
//
// An Archive is keyed by symbol, interval and bar open time. Storing a bar that
// is already present is a no-op, so replays and re-backfills never duplicate
// rows. Two backends exist: an in-memory map used by tests and short runs, and
// a DuckDB file for anything that should survive a restart.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/johnayoung/go-okx-trader/internal/config"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

// Archive persists candles per symbol and interval.
type Archive interface {
	// Store inserts candles, silently skipping any whose timestamp is already
	// archived for the same symbol and interval.
	Store(ctx context.Context, symbol, interval string, candles []models.Candle) error

	// Query returns candles with fromMs <= timestamp < toMs in ascending order.
	Query(ctx context.Context, symbol, interval string, fromMs, toMs int64) ([]models.Candle, error)

	// Latest returns the newest archived candle, or nil when there is none.
	Latest(ctx context.Context, symbol, interval string) (*models.Candle, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// New builds the archive selected by cfg.Type. "none" returns a nil Archive
// and no error.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Archive, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryArchive(), nil
	case "duckdb":
		d, err := NewDuckDBArchive(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := d.Initialize(ctx); err != nil {
			d.Close()
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

// StorageError represents a failed storage operation.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL statement, when there is one
	Query string

	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return NewStorageError("query", table, query, err)
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return NewStorageError("insert", table, "", err)
}

// validRange rejects inverted query windows.
func validRange(fromMs, toMs int64) error {
	if fromMs >= toMs {
		return fmt.Errorf("invalid range: from %d must be before to %d", fromMs, toMs)
	}
	return nil
}
