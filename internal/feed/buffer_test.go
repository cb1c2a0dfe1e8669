package feed

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-okx-trader/internal/models"
)

func TestBuffer_AppendDedup(t *testing.T) {
	buf := NewBuffer()

	assert.False(t, buf.HasData())
	assert.True(t, buf.Append(candleAt(1000)))
	assert.True(t, buf.Append(candleAt(2000)))
	assert.False(t, buf.Append(candleAt(2000)), "duplicate")
	assert.False(t, buf.Append(candleAt(1500)), "out of order")
	assert.True(t, buf.HasData())
	assert.Equal(t, 2, buf.Len())
	assert.Equal(t, int64(2000), buf.LastSeen())
	assert.Equal(t, []int64{1000, 2000}, timestamps(buf.Snapshot()))
}

func TestBuffer_PopFront(t *testing.T) {
	buf := NewBuffer()

	_, ok := buf.PopFront()
	assert.False(t, ok)

	buf.Append(candleAt(1))
	buf.Append(candleAt(2))

	c, ok := buf.PopFront()
	require.True(t, ok)
	assert.Equal(t, int64(1), c.TimestampMs)
	assert.True(t, buf.HasData())

	c, ok = buf.PopFront()
	require.True(t, ok)
	assert.Equal(t, int64(2), c.TimestampMs)
	assert.False(t, buf.HasData())

	// The high-water mark outlives consumption.
	assert.False(t, buf.Append(candleAt(2)))
	assert.False(t, buf.Append(candleAt(1)))
	assert.True(t, buf.Append(candleAt(3)))
}

func TestBuffer_SnapshotIsCopy(t *testing.T) {
	buf := NewBuffer()
	buf.Append(candleAt(10))

	snap := buf.Snapshot()
	snap[0].TimestampMs = 99

	c, ok := buf.PopFront()
	require.True(t, ok)
	assert.Equal(t, int64(10), c.TimestampMs)
}

func TestBuffer_DedupProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		buf := NewBuffer()
		var expected []int64
		var hwm int64

		for i := 0; i < 200; i++ {
			ts := rng.Int63n(500) + 1
			accepted := buf.Append(candleAt(ts))
			if ts > hwm {
				expected = append(expected, ts)
				hwm = ts
				assert.True(t, accepted)
			} else {
				assert.False(t, accepted)
			}
		}

		got := timestamps(buf.Snapshot())
		assert.Equal(t, expected, got)
		for i := 1; i < len(got); i++ {
			require.Less(t, got[i-1], got[i])
		}
	}
}

func TestBuffer_OrderingWithInterleavedPops(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	buf := NewBuffer()

	var popped []int64
	for i := 0; i < 1000; i++ {
		if rng.Intn(3) == 0 {
			if c, ok := buf.PopFront(); ok {
				popped = append(popped, c.TimestampMs)
			}
			continue
		}
		buf.Append(candleAt(rng.Int63n(2000) + 1))
	}
	for c, ok := buf.PopFront(); ok; c, ok = buf.PopFront() {
		popped = append(popped, c.TimestampMs)
	}

	for i := 1; i < len(popped); i++ {
		require.Less(t, popped[i-1], popped[i])
	}
}

func TestBuffer_ConcurrentProducers(t *testing.T) {
	buf := NewBuffer()
	var wg sync.WaitGroup

	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ts := int64(1); ts <= 500; ts++ {
				buf.Append(candleAt(ts))
			}
		}()
	}

	var popped []models.Candle
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			if c, ok := buf.PopFront(); ok {
				popped = append(popped, c)
			}
		}
	}()

	wg.Wait()
	<-done
	popped = append(popped, buf.Snapshot()...)

	ts := timestamps(popped)
	for i := 1; i < len(ts); i++ {
		require.Less(t, ts[i-1], ts[i])
	}
	assert.Equal(t, int64(500), buf.LastSeen())
}
