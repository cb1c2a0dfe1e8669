// Package exchange defines the gateway the trader uses to reach an exchange and
// provides an OKX v5 REST implementation of it.
//
// The interfaces are small and composable: the feed only needs a CandleFetcher,
// the executor needs price limits, order placement and status, and startup
// checks need balances. Gateway bundles all of them.
package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/go-okx-trader/internal/errors"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

// CandleFetcher retrieves OHLCV candles.
type CandleFetcher interface {
	// FetchCandles returns up to req.Limit candles in ascending timestamp order.
	//
	// When req.Since is non-zero the page starts at the first candle with a
	// timestamp >= Since. Otherwise the most recent candles are returned.
	// A non-zero req.Before excludes candles at or after Before.
	// An empty slice with a nil error means no data is available.
	FetchCandles(ctx context.Context, req CandleRequest) ([]models.Candle, error)
}

// PriceLimitProvider returns the band of prices the exchange currently accepts.
type PriceLimitProvider interface {
	// FetchPriceLimit returns both sides of the limit for symbol. Callers
	// must not cache the result: limits move with the market.
	FetchPriceLimit(ctx context.Context, symbol string) (*models.PriceLimit, error)
}

// OrderPlacer submits orders.
type OrderPlacer interface {
	// SubmitOrder places an order and returns the exchange order id.
	//
	// A refusal by the exchange is returned as an exchange_rejected error;
	// network or server failures are returned as transient_transport errors.
	SubmitOrder(ctx context.Context, req SubmitRequest) (string, error)
}

// CodeDuplicateClientOrderID is the OKX rejection code for a client order id
// that is already in use.
const CodeDuplicateClientOrderID = "51016"

// IsDuplicateClientOrderID reports whether err is the exchange refusing a
// client order id it has already accepted.
func IsDuplicateClientOrderID(err error) bool {
	return apperrors.RejectionCode(err) == CodeDuplicateClientOrderID
}

// OrderStatusProvider reports the state of a previously placed order.
type OrderStatusProvider interface {
	FetchOrderStatus(ctx context.Context, orderID, symbol string) (*models.OrderStatus, error)
	// FetchOrderByClientID looks an order up by the id the caller assigned.
	FetchOrderByClientID(ctx context.Context, clientOrderID, symbol string) (*models.OrderStatus, error)
}

// BalanceProvider reports account balances.
type BalanceProvider interface {
	FetchBalance(ctx context.Context, currency string) (*models.Balance, error)
}

// Gateway is the full set of exchange operations used by the trader.
type Gateway interface {
	CandleFetcher
	PriceLimitProvider
	OrderPlacer
	OrderStatusProvider
	BalanceProvider
}

// HealthChecker is implemented by gateways that can probe connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CandleRequest describes one page of candles.
type CandleRequest struct {
	Symbol   string // BASE/QUOTE, e.g. BTC/USDT
	Interval string // e.g. 1m, 1h
	Since    int64  // inclusive lower bound in ms; 0 for latest
	Before   int64  // exclusive upper bound in ms; 0 for none
	Limit    int
}

// Validate checks the request before it is sent.
func (r CandleRequest) Validate() error {
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	if !models.IsValidInterval(r.Interval) {
		return &ValidationError{Field: "interval", Message: fmt.Sprintf("unsupported interval %q", r.Interval)}
	}
	if r.Limit <= 0 {
		return &ValidationError{Field: "limit", Message: "limit must be greater than 0"}
	}
	if r.Since < 0 {
		return &ValidationError{Field: "since", Message: "since cannot be negative"}
	}
	if r.Before < 0 {
		return &ValidationError{Field: "before", Message: "before cannot be negative"}
	}
	if r.Before > 0 && r.Before <= r.Since {
		return &ValidationError{Field: "before", Message: "before must be after since"}
	}
	return nil
}

// SubmitRequest is the exchange-facing form of an order.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Type          models.OrderType
	Size          decimal.Decimal
	Price         decimal.Decimal // ignored for market orders
}

// ValidationError represents a request validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

