package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-okx-trader/internal/errors"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

const backfillBase = int64(1_700_000_000_000)

func expectedRange(from, to int64) []int64 {
	var out []int64
	for i := int64(0); i < 50; i++ {
		ts := backfillBase + i*minute
		if ts >= from && ts < to {
			out = append(out, ts)
		}
	}
	return out
}

func TestBackfill_CompleteForAnyPageSize(t *testing.T) {
	ranges := []struct {
		name     string
		from, to int64
	}{
		{"aligned", backfillBase + 5*minute, backfillBase + 30*minute},
		{"unaligned", backfillBase + 5*minute + 1, backfillBase + 30*minute - 1},
		{"past end of data", backfillBase + 40*minute, backfillBase + 90*minute},
		{"before start of data", backfillBase - 10*minute, backfillBase + 3*minute},
	}

	for _, r := range ranges {
		for _, pageSize := range []int{1, 2, 3, 7, 24, 100} {
			t.Run(fmt.Sprintf("%s/page=%d", r.name, pageSize), func(t *testing.T) {
				fetcher := newHistoryFetcher(backfillBase, 50)
				buf := NewBuffer()
				b := NewBackfiller(fetcher, buf, BackfillConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)

				report, err := b.Backfill(context.Background(), r.from, r.to, pageSize)
				require.NoError(t, err)
				require.NoError(t, report.Err)

				want := expectedRange(r.from, r.to)
				assert.Equal(t, want, timestamps(buf.Snapshot()))
				assert.Equal(t, len(want), report.Accepted)

				for _, req := range fetcher.requests {
					assert.Equal(t, pageSize, req.Limit)
					assert.Less(t, req.Since, r.to)
					assert.Equal(t, r.to, req.Before, "pages never reach past the range")
				}
			})
		}
	}
}

func TestBackfill_CursorAdvancesPastLastCandle(t *testing.T) {
	fetcher := newHistoryFetcher(backfillBase, 10)
	b := NewBackfiller(fetcher, NewBuffer(), BackfillConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)

	_, err := b.Backfill(context.Background(), backfillBase, backfillBase+10*minute, 4)
	require.NoError(t, err)

	// The last page ends one candle short of the range, so a final empty
	// page ends the run.
	require.Len(t, fetcher.requests, 4)
	assert.Equal(t, backfillBase, fetcher.requests[0].Since)
	assert.Equal(t, backfillBase+3*minute+1, fetcher.requests[1].Since)
	assert.Equal(t, backfillBase+7*minute+1, fetcher.requests[2].Since)
	assert.Equal(t, backfillBase+9*minute+1, fetcher.requests[3].Since)
}

func TestBackfill_Idempotent(t *testing.T) {
	fetcher := newHistoryFetcher(backfillBase, 50)
	buf := NewBuffer()
	b := NewBackfiller(fetcher, buf, BackfillConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)

	from, to := backfillBase+2*minute, backfillBase+20*minute

	first, err := b.Backfill(context.Background(), from, to, 5)
	require.NoError(t, err)
	once := timestamps(buf.Snapshot())

	second, err := b.Backfill(context.Background(), from, to, 5)
	require.NoError(t, err)

	assert.Equal(t, once, timestamps(buf.Snapshot()))
	assert.Equal(t, 18, first.Accepted)
	assert.Equal(t, 0, second.Accepted)
	assert.Equal(t, 18, second.Dropped)
}

func TestBackfill_InvalidRange(t *testing.T) {
	fetcher := newHistoryFetcher(backfillBase, 5)
	b := NewBackfiller(fetcher, NewBuffer(), BackfillConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)

	for _, tc := range []struct{ from, to int64 }{{100, 100}, {200, 100}} {
		_, err := b.Backfill(context.Background(), tc.from, tc.to, 10)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidRange))
	}
	assert.Equal(t, 0, fetcher.calls())

	_, err := b.Source(100, 100, 10)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidRange))
}

func TestBackfill_DefaultPageSize(t *testing.T) {
	fetcher := newHistoryFetcher(backfillBase, 5)
	b := NewBackfiller(fetcher, NewBuffer(), BackfillConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)

	_, err := b.Backfill(context.Background(), backfillBase, backfillBase+5*minute, 0)
	require.NoError(t, err)
	require.NotEmpty(t, fetcher.requests)
	assert.Equal(t, DefaultPageSize, fetcher.requests[0].Limit)
}

func TestBackfill_GatewayErrorIsAbsorbed(t *testing.T) {
	fetcher := newHistoryFetcher(backfillBase, 20)
	fetcher.failOn = 2
	fetcher.err = errors.New("bad gateway")

	buf := NewBuffer()
	b := NewBackfiller(fetcher, buf, BackfillConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)

	report, err := b.Backfill(context.Background(), backfillBase, backfillBase+20*minute, 5)
	require.NoError(t, err)
	assert.ErrorIs(t, report.Err, fetcher.err)
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, 5, buf.Len())
}

func TestBackfill_Cancelled(t *testing.T) {
	fetcher := newHistoryFetcher(backfillBase, 20)
	b := NewBackfiller(fetcher, NewBuffer(), BackfillConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Backfill(ctx, backfillBase, backfillBase+20*minute, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fetcher.calls())
}

func TestBackfill_StopsWhenCursorDoesNotAdvance(t *testing.T) {
	stale := &scriptedFetcher{pages: [][]models.Candle{
		{candleAt(backfillBase)},
		{candleAt(backfillBase - minute)},
		{candleAt(backfillBase - minute)},
	}}
	b := NewBackfiller(stale, NewBuffer(), BackfillConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)

	report, err := b.Backfill(context.Background(), backfillBase, backfillBase+10*minute, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, stale.calls())
	assert.Equal(t, 1, report.Accepted)
}

func TestBackfillRecent(t *testing.T) {
	now := time.UnixMilli(backfillBase + 30*minute)
	fetcher := newHistoryFetcher(backfillBase, 50)
	buf := NewBuffer()
	b := NewBackfiller(fetcher, buf, BackfillConfig{Symbol: "BTC/USDT", Interval: "1m", PageSize: 4}, nil, nil)
	b.now = func() time.Time { return now }

	report, err := b.BackfillRecent(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, backfillBase+25*minute, report.FromMs)
	assert.Equal(t, now.UnixMilli(), report.ToMs)
	assert.Equal(t, expectedRange(report.FromMs, report.ToMs), timestamps(buf.Snapshot()))

	_, err = b.BackfillRecent(context.Background(), 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	bad := NewBackfiller(fetcher, buf, BackfillConfig{Symbol: "BTC/USDT", Interval: "7m"}, nil, nil)
	_, err = bad.BackfillRecent(context.Background(), 5)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestHistoricalSource_OnePagePerFill(t *testing.T) {
	fetcher := newHistoryFetcher(backfillBase, 10)
	buf := NewBuffer()
	b := NewBackfiller(fetcher, buf, BackfillConfig{Symbol: "BTC/USDT", Interval: "1m"}, nil, nil)

	src, err := b.Source(backfillBase, backfillBase+9*minute+1, 4)
	require.NoError(t, err)

	assert.Equal(t, 4, src.Fill(context.Background()))
	assert.False(t, src.Exhausted())
	assert.Equal(t, 4, src.Fill(context.Background()))
	assert.Equal(t, 2, src.Fill(context.Background()))
	assert.True(t, src.Exhausted())
	assert.Equal(t, 0, src.Fill(context.Background()))

	assert.Equal(t, 3, fetcher.calls())
	assert.Equal(t, 10, src.Report().Accepted)
}
