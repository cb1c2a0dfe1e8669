// Package gaps finds missing bars in archived candle series.
//
// OKX omits bars for periods without trades and a live feed can miss bars
// while disconnected. A gap is a half-open range [StartMs, EndMs) in which at
// least one bar open time is absent.
package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-okx-trader/internal/models"
	"github.com/johnayoung/go-okx-trader/internal/storage"
)

// Gap is a run of missing bars.
type Gap struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	StartMs  int64  `json:"start_ms"`
	EndMs    int64  `json:"end_ms"`
	Missing  int    `json:"missing"`
}

// Duration returns the length of the gap.
func (g Gap) Duration() time.Duration {
	return time.Duration(g.EndMs-g.StartMs) * time.Millisecond
}

func (g Gap) String() string {
	return fmt.Sprintf("Gap{%s %s %s..%s missing=%d}", g.Symbol, g.Interval,
		time.UnixMilli(g.StartMs).UTC().Format(time.RFC3339),
		time.UnixMilli(g.EndMs).UTC().Format(time.RFC3339), g.Missing)
}

func newGap(symbol, interval string, startMs, endMs, stepMs int64) Gap {
	return Gap{
		Symbol:   symbol,
		Interval: interval,
		StartMs:  startMs,
		EndMs:    endMs,
		Missing:  int((endMs - startMs + stepMs - 1) / stepMs),
	}
}

// DetectInSequence reports the gaps between consecutive candles. Candles need
// not be sorted; the input slice is not modified.
func DetectInSequence(symbol, interval string, candles []models.Candle) ([]Gap, error) {
	step, err := stepMs(interval)
	if err != nil {
		return nil, err
	}
	return inSequence(symbol, interval, sorted(candles), step), nil
}

func inSequence(symbol, interval string, candles []models.Candle, step int64) []Gap {
	var gaps []Gap
	for i := 0; i+1 < len(candles); i++ {
		expectedNext := candles[i].TimestampMs + step
		if candles[i+1].TimestampMs > expectedNext {
			gaps = append(gaps, newGap(symbol, interval, expectedNext, candles[i+1].TimestampMs, step))
		}
	}
	return gaps
}

// Detector audits an archive for gaps.
type Detector struct {
	archive storage.Archive
	logger  *slog.Logger
}

// NewDetector creates a Detector over archive.
func NewDetector(archive storage.Archive, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{archive: archive, logger: logger.With("component", "gap_detector")}
}

// Detect reports the gaps in [fromMs, toMs). Bars are assumed to share the
// phase of the first archived bar, so a leading gap starts at the earliest
// slot at or after fromMs on that grid. An empty series is one gap covering
// the whole range.
func (d *Detector) Detect(ctx context.Context, symbol, interval string, fromMs, toMs int64) ([]Gap, error) {
	if fromMs >= toMs {
		return nil, fmt.Errorf("invalid range: from %d must be before to %d", fromMs, toMs)
	}
	step, err := stepMs(interval)
	if err != nil {
		return nil, err
	}

	candles, err := d.archive.Query(ctx, symbol, interval, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	if len(candles) == 0 {
		return []Gap{newGap(symbol, interval, fromMs, toMs, step)}, nil
	}

	var gaps []Gap
	first := candles[0].TimestampMs
	if first-step >= fromMs {
		start := first - ((first-fromMs)/step)*step
		gaps = append(gaps, newGap(symbol, interval, start, first, step))
	}

	gaps = append(gaps, inSequence(symbol, interval, candles, step)...)

	if next := candles[len(candles)-1].TimestampMs + step; next < toMs {
		gaps = append(gaps, newGap(symbol, interval, next, toMs, step))
	}

	missing := 0
	for _, g := range gaps {
		missing += g.Missing
	}
	d.logger.DebugContext(ctx, "gap detection complete",
		"symbol", symbol,
		"interval", interval,
		"candles", len(candles),
		"gaps", len(gaps),
		"missing", missing)
	return gaps, nil
}

func stepMs(interval string) (int64, error) {
	d, err := models.IntervalDuration(interval)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

func sorted(candles []models.Candle) []models.Candle {
	out := make([]models.Candle, len(candles))
	copy(out, candles)
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out
}
