package feed

import (
	"context"
	"log/slog"

	"github.com/johnayoung/go-okx-trader/internal/exchange"
	"github.com/johnayoung/go-okx-trader/internal/metrics"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

// StreamFeed pushes closed candles from a websocket subscription into a
// Buffer. It runs alongside the Poller; the buffer's high-water mark merges
// both producers.
type StreamFeed struct {
	subscriber exchange.CandleSubscriber
	buffer     *Buffer
	symbol     string
	interval   string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewStreamFeed creates a stream producer for symbol/interval.
func NewStreamFeed(sub exchange.CandleSubscriber, buf *Buffer, symbol, interval string, m *metrics.Metrics, logger *slog.Logger) *StreamFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamFeed{
		subscriber: sub,
		buffer:     buf,
		symbol:     symbol,
		interval:   interval,
		metrics:    m,
		logger:     logger.With("component", "stream_feed", "symbol", symbol, "interval", interval),
	}
}

// Run blocks until ctx is done or the subscription fails permanently.
func (s *StreamFeed) Run(ctx context.Context) error {
	return s.subscriber.Subscribe(ctx, s.symbol, s.interval, s.handle)
}

func (s *StreamFeed) handle(c models.Candle) {
	ok := s.buffer.Append(c)
	s.metrics.CandleAppended(metrics.SourceStream, ok)
	s.metrics.SetBufferDepth(s.buffer.Len())
	if ok {
		s.logger.Debug("streamed candle", "time", c.Time().Format(CSVTimeLayout))
	}
}
