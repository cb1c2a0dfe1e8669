package feed

import (
	"context"
	"log/slog"

	"github.com/johnayoung/go-okx-trader/internal/exchange"
	"github.com/johnayoung/go-okx-trader/internal/metrics"
)

// DefaultPollLimit is the number of recent candles requested per poll.
const DefaultPollLimit = 1

// PollerConfig selects the market a Poller watches.
type PollerConfig struct {
	Symbol   string
	Interval string
	Limit    int
	// ConfirmedOnly skips bars the exchange reports as still forming.
	ConfirmedOnly bool
	// Clock bounds each poll to bars that started before now.
	Clock Clock
}

// Poller fetches the most recent candles and appends them to a Buffer.
// It has no timer of its own; the Adapter decides when to poll.
type Poller struct {
	fetcher exchange.CandleFetcher
	buffer  *Buffer
	cfg     PollerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ Source = (*Poller)(nil)

// NewPoller creates a live poller writing into buf.
func NewPoller(fetcher exchange.CandleFetcher, buf *Buffer, cfg PollerConfig, m *metrics.Metrics, logger *slog.Logger) *Poller {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultPollLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		fetcher: fetcher,
		buffer:  buf,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "poller", "symbol", cfg.Symbol, "interval", cfg.Interval),
	}
}

// PollOnce requests the latest candles as of now and returns how many were
// accepted. Errors are logged and swallowed; the next poll retries naturally.
func (p *Poller) PollOnce(ctx context.Context) int {
	candles, err := p.fetcher.FetchCandles(ctx, exchange.CandleRequest{
		Symbol:   p.cfg.Symbol,
		Interval: p.cfg.Interval,
		Before:   p.cfg.Clock.Now().UnixMilli() + 1,
		Limit:    p.cfg.Limit,
	})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("poll failed", "error", err)
			p.metrics.PollError()
		}
		return 0
	}

	accepted := 0
	for _, c := range candles {
		if p.cfg.ConfirmedOnly && !c.Confirmed {
			continue
		}
		ok := p.buffer.Append(c)
		p.metrics.CandleAppended(metrics.SourceLive, ok)
		if ok {
			accepted++
			p.logger.Info("fetched new candle", "time", c.Time().Format("2006-01-02 15:04:05"))
		}
	}
	p.metrics.SetBufferDepth(p.buffer.Len())
	return accepted
}

// Fill implements Source.
func (p *Poller) Fill(ctx context.Context) int {
	return p.PollOnce(ctx)
}

// Exhausted implements Source. A live feed never runs out.
func (p *Poller) Exhausted() bool {
	return false
}

// Name implements Source.
func (p *Poller) Name() string {
	return metrics.SourceLive
}
