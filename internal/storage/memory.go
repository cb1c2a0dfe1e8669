package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/johnayoung/go-okx-trader/internal/models"
)

type seriesKey struct {
	symbol   string
	interval string
}

// MemoryArchive keeps candles in process memory.
type MemoryArchive struct {
	mu     sync.RWMutex
	series map[seriesKey]map[int64]models.Candle
	closed bool
}

// NewMemoryArchive returns an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{series: make(map[seriesKey]map[int64]models.Candle)}
}

// Store implements Archive.Store. The first write for a timestamp wins.
func (m *MemoryArchive) Store(ctx context.Context, symbol, interval string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return NewInsertError("candles", fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewInsertError("candles", fmt.Errorf("archive is closed"))
	}

	key := seriesKey{symbol, interval}
	bars, ok := m.series[key]
	if !ok {
		bars = make(map[int64]models.Candle)
		m.series[key] = bars
	}
	for _, c := range candles {
		if _, exists := bars[c.TimestampMs]; !exists {
			bars[c.TimestampMs] = c
		}
	}
	return nil
}

// Query implements Archive.Query.
func (m *MemoryArchive) Query(ctx context.Context, symbol, interval string, fromMs, toMs int64) ([]models.Candle, error) {
	if err := validRange(fromMs, toMs); err != nil {
		return nil, NewQueryError("candles", "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewQueryError("candles", "", fmt.Errorf("archive is closed"))
	}

	var out []models.Candle
	for ts, c := range m.series[seriesKey{symbol, interval}] {
		if ts >= fromMs && ts < toMs {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out, nil
}

// Latest implements Archive.Latest.
func (m *MemoryArchive) Latest(ctx context.Context, symbol, interval string) (*models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewQueryError("candles", "", fmt.Errorf("archive is closed"))
	}

	var latest *models.Candle
	for _, c := range m.series[seriesKey{symbol, interval}] {
		if latest == nil || c.TimestampMs > latest.TimestampMs {
			c := c
			latest = &c
		}
	}
	return latest, nil
}

// Count returns the number of archived candles for a series.
func (m *MemoryArchive) Count(symbol, interval string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.series[seriesKey{symbol, interval}])
}

// HealthCheck implements Archive.HealthCheck.
func (m *MemoryArchive) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", "", fmt.Errorf("archive is closed"))
	}
	return nil
}

// Close implements Archive.Close.
func (m *MemoryArchive) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.series = make(map[seriesKey]map[int64]models.Candle)
	return nil
}

var _ Archive = (*MemoryArchive)(nil)
