package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-okx-trader/internal/errors"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

func newLiveAdapter(fetcher *scriptedFetcher, clock Clock, sink Sink) (*Adapter, *Buffer) {
	buf := NewBuffer()
	poller := NewPoller(fetcher, buf, PollerConfig{Symbol: "BTC/USDT", Interval: "1m", Limit: 3}, nil, nil)
	return NewAdapter(buf, poller, AdapterConfig{
		Symbol:       "BTC/USDT",
		Interval:     "1m",
		PollInterval: 2 * time.Second,
		Clock:        clock,
		Sink:         sink,
	}, nil, nil), buf
}

func TestAdapter_EndToEndOverlap(t *testing.T) {
	fetcher := &scriptedFetcher{pages: [][]models.Candle{
		{candleAt(1000), candleAt(2000)},
		{candleAt(1500)},
	}}
	clock := newFakeClock()
	adapter, buf := newLiveAdapter(fetcher, clock, nil)

	var delivered []int64
	for i := 0; i < 2; i++ {
		c, err := adapter.NextBar(context.Background())
		require.NoError(t, err)
		delivered = append(delivered, c.TimestampMs)
	}

	// The next poll returns 1500, which is below the high-water mark, so the
	// adapter waits instead of delivering it.
	done := make(chan error, 1)
	go func() {
		_, err := adapter.NextBar(context.Background())
		done <- err
	}()
	select {
	case <-clock.waits:
	case <-time.After(time.Second):
		t.Fatal("adapter never waited")
	}
	adapter.Stop()
	assert.ErrorIs(t, <-done, apperrors.ErrFeedClosed)

	assert.Equal(t, []int64{1000, 2000}, delivered)
	assert.Equal(t, 2, fetcher.calls())
	assert.Equal(t, int64(2000), buf.LastSeen())
	assert.False(t, buf.HasData())
}

func TestAdapter_PollsUntilDataArrives(t *testing.T) {
	fetcher := &scriptedFetcher{
		errs:  []error{errors.New("timeout"), nil},
		pages: [][]models.Candle{nil, nil, {candleAt(3000)}},
	}
	clock := newFakeClock()
	adapter, _ := newLiveAdapter(fetcher, clock, nil)

	type result struct {
		c   models.Candle
		err error
	}
	out := make(chan result, 1)
	go func() {
		c, err := adapter.NextBar(context.Background())
		out <- result{c, err}
	}()

	// Two empty polls, each followed by a wait of exactly one interval.
	for i := 0; i < 2; i++ {
		select {
		case d := <-clock.waits:
			assert.Equal(t, 2*time.Second, d)
		case <-time.After(time.Second):
			t.Fatal("adapter never waited")
		}
		clock.tick()
	}

	select {
	case r := <-out:
		require.NoError(t, r.err)
		assert.Equal(t, int64(3000), r.c.TimestampMs)
	case <-time.After(time.Second):
		t.Fatal("NextBar did not return")
	}
	assert.Equal(t, 3, fetcher.calls())
}

func TestAdapter_StopInterruptsWait(t *testing.T) {
	fetcher := &scriptedFetcher{}
	clock := newFakeClock()
	adapter, _ := newLiveAdapter(fetcher, clock, nil)

	done := make(chan error, 1)
	go func() {
		_, err := adapter.NextBar(context.Background())
		done <- err
	}()

	select {
	case <-clock.waits:
	case <-time.After(time.Second):
		t.Fatal("adapter never waited")
	}

	// The clock never fires; only Stop can end the wait.
	adapter.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperrors.ErrFeedClosed)
	case <-time.After(time.Second):
		t.Fatal("NextBar did not observe Stop")
	}
	assert.True(t, adapter.Stopped())
}

func TestAdapter_StopWithinOneIntervalRealClock(t *testing.T) {
	buf := NewBuffer()
	poller := NewPoller(&scriptedFetcher{}, buf, PollerConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)
	interval := 50 * time.Millisecond
	adapter := NewAdapter(buf, poller, AdapterConfig{PollInterval: interval}, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := adapter.NextBar(context.Background())
		done <- err
	}()

	time.Sleep(3 * interval / 2)
	stoppedAt := time.Now()
	adapter.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperrors.ErrFeedClosed)
		assert.Less(t, time.Since(stoppedAt), interval)
	case <-time.After(time.Second):
		t.Fatal("NextBar did not observe Stop")
	}
}

func TestAdapter_StopIsIdempotent(t *testing.T) {
	adapter, buf := newLiveAdapter(&scriptedFetcher{}, newFakeClock(), nil)
	buf.Append(candleAt(1))

	adapter.Stop()
	adapter.Stop()

	_, err := adapter.NextBar(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrFeedClosed)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeFeedClosed))
}

func TestAdapter_ContextCancel(t *testing.T) {
	clock := newFakeClock()
	adapter, _ := newLiveAdapter(&scriptedFetcher{}, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := adapter.NextBar(ctx)
		done <- err
	}()

	<-clock.waits
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("NextBar ignored cancellation")
	}
}

func TestAdapter_SinkReceivesDeliveredBars(t *testing.T) {
	fetcher := &scriptedFetcher{pages: [][]models.Candle{{candleAt(10), candleAt(20)}}}
	sink := &recordingSink{failErr: errors.New("disk full")}
	adapter, _ := newLiveAdapter(fetcher, newFakeClock(), sink)

	for i := 0; i < 2; i++ {
		_, err := adapter.NextBar(context.Background())
		require.NoError(t, err, "sink errors must not reach the consumer")
	}

	assert.Equal(t, []int64{10, 20}, timestamps(sink.stored))
	assert.Equal(t, "BTC/USDT", sink.symbol)
}

func TestAdapter_HistoricalSourceCloses(t *testing.T) {
	fetcher := newHistoryFetcher(backfillBase, 10)
	buf := NewBuffer()
	b := NewBackfiller(fetcher, buf, BackfillConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)
	src, err := b.Source(backfillBase, backfillBase+6*minute, 4)
	require.NoError(t, err)

	adapter := NewAdapter(buf, src, AdapterConfig{Clock: newFakeClock()}, nil, nil)

	var got []int64
	for {
		c, err := adapter.NextBar(context.Background())
		if errors.Is(err, apperrors.ErrFeedClosed) {
			break
		}
		require.NoError(t, err)
		got = append(got, c.TimestampMs)
	}
	assert.Equal(t, expectedRange(backfillBase, backfillBase+6*minute), got)
}
