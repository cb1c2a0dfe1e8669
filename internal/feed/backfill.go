package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/johnayoung/go-okx-trader/internal/errors"
	"github.com/johnayoung/go-okx-trader/internal/exchange"
	"github.com/johnayoung/go-okx-trader/internal/metrics"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

// DefaultPageSize is the number of candles requested per backfill page.
const DefaultPageSize = 100

// BackfillConfig selects the market and paging for a Backfiller.
type BackfillConfig struct {
	Symbol   string
	Interval string
	PageSize int
}

// Report summarises one backfill run.
type Report struct {
	FromMs   int64
	ToMs     int64
	Pages    int
	Accepted int
	Dropped  int
	// Cursor is the next timestamp that would have been requested.
	Cursor int64
	// Err is the gateway error that ended the run early, if any.
	Err      error
	Duration time.Duration
}

// Backfiller pages through a closed time range into a Buffer.
type Backfiller struct {
	fetcher exchange.CandleFetcher
	buffer  *Buffer
	cfg     BackfillConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewBackfiller creates a backfiller writing into buf.
func NewBackfiller(fetcher exchange.CandleFetcher, buf *Buffer, cfg BackfillConfig, m *metrics.Metrics, logger *slog.Logger) *Backfiller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{
		fetcher: fetcher,
		buffer:  buf,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "backfiller", "symbol", cfg.Symbol, "interval", cfg.Interval),
		now:     time.Now,
	}
}

// Backfill loads every candle in [fromMs, toMs) into the buffer.
//
// A range with fromMs >= toMs fails with an invalid_range error. Gateway
// errors end the run and are recorded in the report rather than returned.
// Candles at or below the buffer's high-water mark are dropped, so running
// the same range twice leaves the buffer unchanged.
func (b *Backfiller) Backfill(ctx context.Context, fromMs, toMs int64, pageSize int) (Report, error) {
	if fromMs >= toMs {
		return Report{FromMs: fromMs, ToMs: toMs}, apperrors.InvalidRange("backfiller", fromMs, toMs)
	}
	if pageSize <= 0 {
		pageSize = b.cfg.PageSize
	}

	start := time.Now()
	pager := b.newPager(fromMs, toMs, pageSize)
	for !pager.done {
		if err := ctx.Err(); err != nil {
			pager.report.Duration = time.Since(start)
			return pager.report, err
		}
		pager.next(ctx)
	}
	pager.report.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		return pager.report, err
	}

	b.logger.Info("backfill finished",
		"from", time.UnixMilli(fromMs).UTC().Format(time.RFC3339),
		"to", time.UnixMilli(toMs).UTC().Format(time.RFC3339),
		"pages", pager.report.Pages,
		"accepted", pager.report.Accepted,
		"dropped", pager.report.Dropped,
		"duration", pager.report.Duration)
	return pager.report, nil
}

// BackfillRecent loads the last bars intervals ending now.
func (b *Backfiller) BackfillRecent(ctx context.Context, bars int) (Report, error) {
	if bars <= 0 {
		return Report{}, apperrors.New(apperrors.ErrorTypeValidation, "backfiller", "backfill_recent",
			fmt.Errorf("bars must be positive, got %d", bars))
	}
	step, err := models.IntervalDuration(b.cfg.Interval)
	if err != nil {
		return Report{}, apperrors.New(apperrors.ErrorTypeValidation, "backfiller", "backfill_recent", err)
	}

	to := b.now()
	from := to.Add(-time.Duration(bars) * step)
	return b.Backfill(ctx, from.UnixMilli(), to.UnixMilli(), b.cfg.PageSize)
}

// Source returns a historical Source that replays [fromMs, toMs) one page
// per Fill.
func (b *Backfiller) Source(fromMs, toMs int64, pageSize int) (*HistoricalSource, error) {
	if fromMs >= toMs {
		return nil, apperrors.InvalidRange("backfiller", fromMs, toMs)
	}
	if pageSize <= 0 {
		pageSize = b.cfg.PageSize
	}
	return &HistoricalSource{pager: b.newPager(fromMs, toMs, pageSize)}, nil
}

func (b *Backfiller) newPager(fromMs, toMs int64, pageSize int) *pager {
	return &pager{
		b:        b,
		toMs:     toMs,
		pageSize: pageSize,
		report:   Report{FromMs: fromMs, ToMs: toMs, Cursor: fromMs},
	}
}

// pager holds the cursor of one backfill run.
type pager struct {
	b        *Backfiller
	toMs     int64
	pageSize int
	done     bool
	report   Report
}

// next fetches one page and returns the number of candles accepted.
func (p *pager) next(ctx context.Context) int {
	if p.done {
		return 0
	}
	if p.report.Cursor >= p.toMs {
		p.done = true
		return 0
	}

	candles, err := p.b.fetcher.FetchCandles(ctx, exchange.CandleRequest{
		Symbol:   p.b.cfg.Symbol,
		Interval: p.b.cfg.Interval,
		Since:    p.report.Cursor,
		Before:   p.toMs,
		Limit:    p.pageSize,
	})
	if err != nil {
		p.b.logger.Error("backfill page failed", "cursor", p.report.Cursor, "error", err)
		p.report.Err = err
		p.done = true
		return 0
	}
	if len(candles) == 0 {
		p.done = true
		return 0
	}

	p.report.Pages++
	p.b.metrics.BackfillPage()

	accepted := 0
	for _, c := range candles {
		if c.TimestampMs >= p.toMs {
			continue
		}
		ok := p.b.buffer.Append(c)
		p.b.metrics.CandleAppended(metrics.SourceBackfill, ok)
		if ok {
			accepted++
		} else {
			p.report.Dropped++
		}
	}
	p.report.Accepted += accepted
	p.b.metrics.SetBufferDepth(p.b.buffer.Len())

	last := candles[len(candles)-1].TimestampMs
	p.b.logger.Debug("fetched backfill page",
		"last", time.UnixMilli(last).UTC().Format("2006-01-02 15:04:05"),
		"count", len(candles),
		"accepted", accepted)

	if last+1 <= p.report.Cursor {
		// The exchange returned nothing past the cursor; stop instead of
		// requesting the same page forever.
		p.done = true
		return accepted
	}
	p.report.Cursor = last + 1
	if p.report.Cursor >= p.toMs {
		p.done = true
	}
	return accepted
}

// HistoricalSource replays a fixed range through the Adapter.
type HistoricalSource struct {
	pager *pager
}

var _ Source = (*HistoricalSource)(nil)

// Fill fetches the next page.
func (h *HistoricalSource) Fill(ctx context.Context) int {
	return h.pager.next(ctx)
}

// Exhausted reports whether the range has been fully read.
func (h *HistoricalSource) Exhausted() bool {
	return h.pager.done
}

// Name implements Source.
func (h *HistoricalSource) Name() string {
	return metrics.SourceBackfill
}

// Report returns the progress so far.
func (h *HistoricalSource) Report() Report {
	return h.pager.report
}
