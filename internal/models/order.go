package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"  // SideBuy opens or adds to a long position
	SideSell Side = "sell" // SideSell reduces or closes a position
)

// IsValid reports whether s is a known side.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// IsValid reports whether t is a known order type.
func (t OrderType) IsValid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket
}

// OrderState tracks an order through local submission.
type OrderState string

const (
	OrderStateRequested     OrderState = "requested"      // created from a trade decision
	OrderStatePriceAdjusted OrderState = "price_adjusted" // price checked against the exchange limit
	OrderStateSubmitting    OrderState = "submitting"     // request in flight
	OrderStateSubmitted     OrderState = "submitted"      // exchange accepted and returned an id
	OrderStateFailed        OrderState = "failed"         // every attempt failed
)

// orderTransitions lists the legal state changes. A failed submission loops
// back to price_adjusted because every attempt re-checks the price limit.
var orderTransitions = map[OrderState][]OrderState{
	OrderStateRequested:     {OrderStatePriceAdjusted, OrderStateFailed},
	OrderStatePriceAdjusted: {OrderStateSubmitting, OrderStateFailed},
	OrderStateSubmitting:    {OrderStateSubmitted, OrderStatePriceAdjusted, OrderStateFailed},
}

// Order is a locally tracked order. ClampedPrice holds the price actually sent
// on the latest attempt.
type Order struct {
	ClientOrderID   string          `json:"client_order_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	Size            decimal.Decimal `json:"size"`
	RequestedPrice  decimal.Decimal `json:"requested_price"`
	ClampedPrice    decimal.Decimal `json:"clamped_price"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	State           OrderState      `json:"state"`
	Attempts        int             `json:"attempts"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewOrder creates an order in the requested state.
func NewOrder(clientOrderID, symbol string, side Side, orderType OrderType, size, price decimal.Decimal) *Order {
	now := time.Now().UTC()
	return &Order{
		ClientOrderID:  clientOrderID,
		Symbol:         symbol,
		Side:           side,
		Type:           orderType,
		Size:           size,
		RequestedPrice: price,
		ClampedPrice:   price,
		State:          OrderStateRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Validate checks the fields needed before anything is sent to the exchange.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	if !o.Side.IsValid() {
		return &ValidationError{Field: "side", Message: fmt.Sprintf("invalid side '%s', must be one of: %s, %s", o.Side, SideBuy, SideSell)}
	}
	if !o.Type.IsValid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("invalid order type '%s', must be one of: %s, %s", o.Type, OrderTypeLimit, OrderTypeMarket)}
	}
	if !o.Size.IsPositive() {
		return &ValidationError{Field: "size", Message: "size must be greater than 0"}
	}
	if o.Type == OrderTypeLimit && !o.RequestedPrice.IsPositive() {
		return &ValidationError{Field: "price", Message: "limit orders require a price greater than 0"}
	}
	if o.RequestedPrice.IsNegative() {
		return &ValidationError{Field: "price", Message: "price cannot be negative"}
	}
	return nil
}

// TransitionTo moves the order to next, rejecting changes the lifecycle does not allow.
func (o *Order) TransitionTo(next OrderState) error {
	for _, allowed := range orderTransitions[o.State] {
		if allowed == next {
			o.State = next
			o.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot transition order %s from %s to %s", o.ClientOrderID, o.State, next)
}

// MarkSubmitted records the exchange order id.
func (o *Order) MarkSubmitted(exchangeOrderID string) error {
	if err := o.TransitionTo(OrderStateSubmitted); err != nil {
		return err
	}
	o.ExchangeOrderID = exchangeOrderID
	o.Error = ""
	return nil
}

// MarkFailed records the last error and moves the order to failed.
func (o *Order) MarkFailed(err error) error {
	if e := o.TransitionTo(OrderStateFailed); e != nil {
		return e
	}
	if err != nil {
		o.Error = err.Error()
	}
	return nil
}

// IsSubmitted reports whether the exchange accepted the order.
func (o *Order) IsSubmitted() bool {
	return o.State == OrderStateSubmitted
}

// RemoteState is the order state as reported by the exchange.
type RemoteState string

const (
	RemoteStateOpen            RemoteState = "open"
	RemoteStatePartiallyFilled RemoteState = "partially_filled"
	RemoteStateFilled          RemoteState = "filled"
	RemoteStateCancelled       RemoteState = "cancelled"
	RemoteStateRejected        RemoteState = "rejected"
)

// IsTerminal reports whether no further fills can happen.
func (s RemoteState) IsTerminal() bool {
	switch s {
	case RemoteStateFilled, RemoteStateCancelled, RemoteStateRejected:
		return true
	default:
		return false
	}
}

// OrderStatus is a snapshot of an order on the exchange.
type OrderStatus struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	State         RemoteState     `json:"state"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PriceLimit is the band the exchange accepts for new orders on a symbol.
// Buy orders must not exceed BuyLimit; sell orders must not go below SellLimit.
type PriceLimit struct {
	Symbol    string          `json:"symbol"`
	BuyLimit  decimal.Decimal `json:"buy_limit"`
	SellLimit decimal.Decimal `json:"sell_limit"`
}

// Balance is the account balance for one currency.
type Balance struct {
	Currency string          `json:"currency"`
	Free     decimal.Decimal `json:"free"`
	Used     decimal.Decimal `json:"used"`
	Total    decimal.Decimal `json:"total"`
}
