package feed

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-okx-trader/internal/exchange"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

const minute = int64(60_000)

func candleAt(ts int64) models.Candle {
	return models.Candle{
		TimestampMs: ts,
		Open:        decimal.NewFromInt(100),
		High:        decimal.NewFromInt(110),
		Low:         decimal.NewFromInt(90),
		Close:       decimal.NewFromInt(105),
		Volume:      decimal.NewFromInt(3),
		Confirmed:   true,
	}
}

func timestamps(candles []models.Candle) []int64 {
	out := make([]int64, len(candles))
	for i, c := range candles {
		out[i] = c.TimestampMs
	}
	return out
}

// historyFetcher serves pages from a fixed ascending dataset, the way the
// exchange answers since-based queries.
type historyFetcher struct {
	mu       sync.Mutex
	data     []models.Candle
	requests []exchange.CandleRequest
	failOn   int // 1-based call that returns err; 0 never
	err      error
}

func newHistoryFetcher(start int64, n int) *historyFetcher {
	f := &historyFetcher{}
	for i := 0; i < n; i++ {
		f.data = append(f.data, candleAt(start+int64(i)*minute))
	}
	return f
}

func (f *historyFetcher) FetchCandles(ctx context.Context, req exchange.CandleRequest) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.failOn > 0 && len(f.requests) == f.failOn {
		return nil, f.err
	}

	data := f.data
	if req.Before > 0 {
		data = nil
		for _, c := range f.data {
			if c.TimestampMs < req.Before {
				data = append(data, c)
			}
		}
	}

	var out []models.Candle
	if req.Since == 0 {
		start := len(data) - req.Limit
		if start < 0 {
			start = 0
		}
		return append(out, data[start:]...), nil
	}
	for _, c := range data {
		if c.TimestampMs >= req.Since {
			out = append(out, c)
			if len(out) == req.Limit {
				break
			}
		}
	}
	return out, nil
}

func (f *historyFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// scriptedFetcher returns one scripted response per call and then empty pages.
type scriptedFetcher struct {
	mu      sync.Mutex
	pages   [][]models.Candle
	errs    []error
	callCnt int
}

func (f *scriptedFetcher) FetchCandles(ctx context.Context, req exchange.CandleRequest) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.callCnt
	f.callCnt++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.pages) {
		return f.pages[i], nil
	}
	return nil, nil
}

func (f *scriptedFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCnt
}

// fakeClock hands out a wait channel that only fires when the test says so.
type fakeClock struct {
	now   time.Time
	waits chan time.Duration
	fire  chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		waits: make(chan time.Duration, 64),
		fire:  make(chan time.Time),
	}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	select {
	case c.waits <- d:
	default:
	}
	return c.fire
}

// tick releases one pending wait.
func (c *fakeClock) tick() {
	c.fire <- c.now
}

type recordingSink struct {
	mu      sync.Mutex
	stored  []models.Candle
	symbol  string
	failErr error
}

func (s *recordingSink) Store(ctx context.Context, symbol, interval string, candles []models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbol = symbol
	s.stored = append(s.stored, candles...)
	return s.failErr
}
