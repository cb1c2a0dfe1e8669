// Package models provides the data structures shared by the feed, exchange and
// execution packages: candles, orders, price limits and balances.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents one OHLCV bar as reported by the exchange.
// TimestampMs is the bar open time in milliseconds since the Unix epoch.
// A Candle is treated as immutable once it has been created.
type Candle struct {
	TimestampMs int64           `json:"timestamp_ms" db:"timestamp_ms"`
	Open        decimal.Decimal `json:"open" db:"open"`
	High        decimal.Decimal `json:"high" db:"high"`
	Low         decimal.Decimal `json:"low" db:"low"`
	Close       decimal.Decimal `json:"close" db:"close"`
	Volume      decimal.Decimal `json:"volume" db:"volume"`
	// Confirmed reports whether the exchange considers the bar closed.
	Confirmed bool `json:"confirmed" db:"confirmed"`
}

// ValidationError represents a validation failure with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// NewCandle parses string prices as delivered by REST and websocket payloads.
func NewCandle(timestampMs int64, open, high, low, close, volume string, confirmed bool) (*Candle, error) {
	fields := []struct {
		name  string
		value string
	}{
		{"open", open}, {"high", high}, {"low", low}, {"close", close}, {"volume", volume},
	}

	parsed := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return nil, &ValidationError{Field: f.name, Message: fmt.Sprintf("invalid %s format: %v", f.name, err)}
		}
		parsed[i] = d
	}

	c := &Candle{
		TimestampMs: timestampMs,
		Open:        parsed[0],
		High:        parsed[1],
		Low:         parsed[2],
		Close:       parsed[3],
		Volume:      parsed[4],
		Confirmed:   confirmed,
	}
	return c, nil
}

// Validate checks that prices are positive, volume is non-negative and the
// OHLC relationships hold (high >= max(open, close), low <= min(open, close)).
func (c *Candle) Validate() error {
	if c.TimestampMs <= 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp must be greater than 0"}
	}

	zero := decimal.Zero
	if c.Open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if c.High.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if c.Low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if c.Close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if c.Volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(c.Open, c.Close)
	if c.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", c.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", c.Low, minOpenClose),
		}
	}

	return nil
}

// Time returns the bar open time in UTC.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.TimestampMs).UTC()
}

// IsBullish returns true when the close is above the open.
func (c Candle) IsBullish() bool {
	return c.Close.GreaterThan(c.Open)
}

// String returns a compact representation used in logs.
func (c Candle) String() string {
	return fmt.Sprintf("Candle{ts=%d O:%s H:%s L:%s C:%s V:%s}",
		c.TimestampMs, c.Open, c.High, c.Low, c.Close, c.Volume)
}
