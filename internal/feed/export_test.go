package feed

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-okx-trader/internal/models"
)

func TestWriteCSV(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC).UnixMilli()
	candles := []models.Candle{
		{
			TimestampMs: ts,
			Open:        decimal.RequireFromString("62000.1"),
			High:        decimal.RequireFromString("62100"),
			Low:         decimal.RequireFromString("61950.5"),
			Close:       decimal.RequireFromString("62050"),
			Volume:      decimal.RequireFromString("12.345"),
		},
		{
			TimestampMs: ts + minute,
			Open:        decimal.RequireFromString("62050"),
			High:        decimal.RequireFromString("62060"),
			Low:         decimal.RequireFromString("62000"),
			Close:       decimal.RequireFromString("62001"),
			Volume:      decimal.Zero,
		},
	}

	t.Run("utc", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteCSV(&buf, candles, nil))
		assert.Equal(t,
			"datetime,open,high,low,close,volume,openinterest\n"+
				"2024-03-01 08:30:00,62000.1,62100,61950.5,62050,12.345,0\n"+
				"2024-03-01 08:31:00,62050,62060,62000,62001,0,0\n",
			buf.String())
	})

	t.Run("location", func(t *testing.T) {
		shanghai := time.FixedZone("CST", 8*3600)
		var buf bytes.Buffer
		require.NoError(t, WriteCSV(&buf, candles[:1], shanghai))
		assert.Contains(t, buf.String(), "2024-03-01 16:30:00,")
	})

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteCSV(&buf, nil, time.UTC))
		assert.Equal(t, "datetime,open,high,low,close,volume,openinterest\n", buf.String())
	})
}

type fakeSubscriber struct {
	candles []models.Candle
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, symbol, interval string, fn func(models.Candle)) error {
	for _, c := range f.candles {
		fn(c)
	}
	return nil
}

func TestStreamFeed_MergesWithBuffer(t *testing.T) {
	buf := NewBuffer()
	buf.Append(candleAt(2000))

	sub := &fakeSubscriber{candles: []models.Candle{candleAt(1000), candleAt(2000), candleAt(3000), candleAt(4000)}}
	s := NewStreamFeed(sub, buf, "BTC/USDT", "1m", nil, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []int64{2000, 3000, 4000}, timestamps(buf.Snapshot()))
}
