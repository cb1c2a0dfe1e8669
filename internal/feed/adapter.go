package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/johnayoung/go-okx-trader/internal/errors"
	"github.com/johnayoung/go-okx-trader/internal/metrics"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

// DefaultPollInterval is the wait between unsuccessful polls.
const DefaultPollInterval = 2 * time.Second

// Clock abstracts time so the poll wait can be driven by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Sink receives every bar the Adapter delivers.
type Sink interface {
	Store(ctx context.Context, symbol, interval string, candles []models.Candle) error
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	Symbol       string
	Interval     string
	PollInterval time.Duration
	Clock        Clock
	Sink         Sink
}

// Adapter hands bars to a synchronous consumer one at a time.
//
// NextBar drains the Buffer and, while it is empty, asks the Source to
// refill it and then waits one poll interval. The stop signal is checked at
// the top of every iteration and also interrupts the wait.
type Adapter struct {
	buffer  *Buffer
	source  Source
	cfg     AdapterConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewAdapter creates an Adapter over buf refilled by src.
func NewAdapter(buf *Buffer, src Source, cfg AdapterConfig, m *metrics.Metrics, logger *slog.Logger) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		buffer:  buf,
		source:  src,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "feed", "source", src.Name(), "symbol", cfg.Symbol),
		stopCh:  make(chan struct{}),
	}
}

// NextBar blocks until a bar is available, the feed is stopped, or ctx is
// done. After Stop it returns ErrFeedClosed; a historical source that has
// run dry also closes the feed.
func (a *Adapter) NextBar(ctx context.Context) (models.Candle, error) {
	for {
		if a.Stopped() {
			return models.Candle{}, apperrors.ErrFeedClosed
		}
		if err := ctx.Err(); err != nil {
			return models.Candle{}, err
		}

		if c, ok := a.buffer.PopFront(); ok {
			a.deliver(ctx, c)
			return c, nil
		}

		a.source.Fill(ctx)
		if a.buffer.HasData() {
			continue
		}
		if a.source.Exhausted() {
			a.logger.Info("source exhausted, closing feed")
			a.Stop()
			continue
		}

		select {
		case <-a.cfg.Clock.After(a.cfg.PollInterval):
		case <-a.stopCh:
		case <-ctx.Done():
		}
	}
}

func (a *Adapter) deliver(ctx context.Context, c models.Candle) {
	a.metrics.BarDelivered()
	a.metrics.SetBufferDepth(a.buffer.Len())

	if a.cfg.Sink == nil {
		return
	}
	if err := a.cfg.Sink.Store(ctx, a.cfg.Symbol, a.cfg.Interval, []models.Candle{c}); err != nil {
		a.logger.Warn("failed to archive bar", "timestamp", c.TimestampMs, "error", err)
	}
}

// Stop closes the feed. It is safe to call more than once and from any
// goroutine.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
}

// Stopped reports whether Stop has been called.
func (a *Adapter) Stopped() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

// Buffer returns the underlying buffer.
func (a *Adapter) Buffer() *Buffer {
	return a.buffer
}
