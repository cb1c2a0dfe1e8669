// Package feed turns exchange candle data into a single ordered stream of bars.
//
// Producers (the live poller, the historical backfiller and the websocket
// stream) all write through one Buffer. The Adapter drains it one bar at a
// time for a synchronous consumer.
package feed

import (
	"sync"

	"github.com/johnayoung/go-okx-trader/internal/models"
)

// Buffer is a FIFO of candles with strictly increasing, unique timestamps.
//
// A candle is accepted only when its timestamp is greater than every
// timestamp seen so far. The high-water mark survives PopFront, so a bar
// that was already consumed is never delivered twice.
type Buffer struct {
	mu       sync.Mutex
	candles  []models.Candle
	lastSeen int64
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds c if it is newer than the high-water mark and reports
// whether it was accepted.
func (b *Buffer) Append(c models.Candle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.TimestampMs <= b.lastSeen {
		return false
	}
	b.lastSeen = c.TimestampMs
	b.candles = append(b.candles, c)
	return true
}

// PopFront removes and returns the earliest candle.
func (b *Buffer) PopFront() (models.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.candles) == 0 {
		return models.Candle{}, false
	}
	c := b.candles[0]
	b.candles[0] = models.Candle{}
	b.candles = b.candles[1:]
	if len(b.candles) == 0 {
		b.candles = nil
	}
	return c, true
}

// HasData reports whether a candle is waiting.
func (b *Buffer) HasData() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.candles) > 0
}

// Len returns the number of waiting candles.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.candles)
}

// LastSeen returns the high-water mark, or 0 if nothing was accepted.
func (b *Buffer) LastSeen() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// Snapshot returns a copy of the waiting candles without consuming them.
func (b *Buffer) Snapshot() []models.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.Candle, len(b.candles))
	copy(out, b.candles)
	return out
}
