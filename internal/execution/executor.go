// Package execution places orders against the exchange.
//
// Every submission attempt re-reads the exchange price limit and clamps the
// order price to it. Submissions are retried a bounded number of times with a
// fixed delay; status queries are retried until they succeed or the caller
// cancels.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/go-okx-trader/internal/errors"
	"github.com/johnayoung/go-okx-trader/internal/exchange"
	"github.com/johnayoung/go-okx-trader/internal/logger"
	"github.com/johnayoung/go-okx-trader/internal/metrics"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

const (
	DefaultMaxAttempts      = 30
	DefaultRetryDelay       = 2 * time.Second
	DefaultStatusRetryDelay = 2 * time.Second

	component = "executor"
)

// Gateway is the part of the exchange the executor needs.
type Gateway interface {
	exchange.PriceLimitProvider
	exchange.OrderPlacer
	exchange.OrderStatusProvider
}

// Config controls retry behaviour.
type Config struct {
	MaxAttempts      int
	RetryDelay       time.Duration
	StatusRetryDelay time.Duration
}

// OrderRequest is a trade decision to be executed.
type OrderRequest struct {
	Symbol string
	Side   models.Side
	Type   models.OrderType
	Size   decimal.Decimal
	// Price is required for limit orders and ignored for market orders.
	Price decimal.Decimal
}

// Executor submits orders and tracks their status.
type Executor struct {
	gw      Gateway
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	newID   func() string
	after   func(time.Duration) <-chan time.Time
}

// New creates an Executor. Zero config values take the defaults.
func New(gw Gateway, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.StatusRetryDelay <= 0 {
		cfg.StatusRetryDelay = DefaultStatusRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		gw:      gw,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", component),
		newID:   newClientOrderID,
		after:   time.After,
	}
}

// newClientOrderID returns a UUID without dashes; OKX accepts up to 32
// alphanumeric characters.
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// AdjustPrice clamps price to the exchange's current limit for side. A buy
// above the buy limit is lowered to it; a sell below the sell limit is raised
// to it. Anything inside the band is returned unchanged.
func (e *Executor) AdjustPrice(ctx context.Context, symbol string, side models.Side, price decimal.Decimal) (decimal.Decimal, error) {
	limit, err := e.gw.FetchPriceLimit(ctx, symbol)
	if err != nil {
		return price, apperrors.WrapError(err, component, "adjust_price", "failed to fetch price limit")
	}

	switch side {
	case models.SideBuy:
		if limit.BuyLimit.IsPositive() && price.GreaterThan(limit.BuyLimit) {
			e.logger.WarnContext(ctx, "buy price above exchange limit, clamping",
				"symbol", symbol, "price", price.String(), "buy_limit", limit.BuyLimit.String())
			e.metrics.PriceClamped(string(side))
			return limit.BuyLimit, nil
		}
	case models.SideSell:
		if limit.SellLimit.IsPositive() && price.LessThan(limit.SellLimit) {
			e.logger.WarnContext(ctx, "sell price below exchange limit, clamping",
				"symbol", symbol, "price", price.String(), "sell_limit", limit.SellLimit.String())
			e.metrics.PriceClamped(string(side))
			return limit.SellLimit, nil
		}
	default:
		return price, apperrors.New(apperrors.ErrorTypeValidation, component, "adjust_price", fmt.Errorf("invalid side %q", side))
	}
	return price, nil
}

// ExecuteOrder validates req and submits it, retrying with a fixed delay up
// to MaxAttempts. Each attempt re-clamps the price and reuses the same client
// order id. When a failed attempt may still have reached the book, the order
// is looked up by that id and returned as submitted if the exchange has it.
// When every attempt fails the returned error is an
// *errors.ExecutionFailedError.
func (e *Executor) ExecuteOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	order := models.NewOrder(e.newID(), req.Symbol, req.Side, req.Type, req.Size, req.Price)
	if err := order.Validate(); err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, component, "execute_order", err)
	}

	ctx = logger.WithOperation(ctx, "execute_order")
	ctx = logger.WithSymbol(ctx, order.Symbol)
	ctx = logger.WithClientOrderID(ctx, order.ClientOrderID)
	log := e.logger.With("side", order.Side)
	side := string(order.Side)

	var lastErr error
	attempt := func() error {
		order.Attempts++
		e.metrics.OrderAttempt(side)

		price := order.RequestedPrice
		if order.Type == models.OrderTypeLimit {
			adjusted, err := e.AdjustPrice(ctx, order.Symbol, order.Side, order.RequestedPrice)
			if err != nil {
				lastErr = err
				return err
			}
			price = adjusted
		}
		order.ClampedPrice = price
		if err := order.TransitionTo(models.OrderStatePriceAdjusted); err != nil {
			return backoff.Permanent(err)
		}
		if err := order.TransitionTo(models.OrderStateSubmitting); err != nil {
			return backoff.Permanent(err)
		}

		id, err := e.gw.SubmitOrder(ctx, exchange.SubmitRequest{
			ClientOrderID: order.ClientOrderID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Type:          order.Type,
			Size:          order.Size,
			Price:         price,
		})
		if err != nil {
			lastErr = err
			if apperrors.IsType(err, apperrors.ErrorTypeValidation) {
				return backoff.Permanent(err)
			}
			if mayHavePlaced(err) {
				if found, ok := e.lookupPlaced(ctx, order); ok {
					return order.MarkSubmitted(found)
				}
			}
			return err
		}
		return order.MarkSubmitted(id)
	}

	notify := func(err error, wait time.Duration) {
		log.WarnContext(ctx, "order attempt failed, retrying",
			"attempt", order.Attempts, "max_attempts", e.cfg.MaxAttempts, "retry_in", wait, "error", err)
	}

	err := backoff.RetryNotify(attempt, apperrors.FixedRetryPolicy(ctx, e.cfg.RetryDelay, e.cfg.MaxAttempts), notify)
	if err == nil {
		e.metrics.OrderSubmitted(side)
		log.InfoContext(ctx, "order submitted",
			"order_id", order.ExchangeOrderID,
			"type", order.Type,
			"size", order.Size.String(),
			"price", order.ClampedPrice.String(),
			"attempts", order.Attempts)
		return order, nil
	}

	if lastErr == nil {
		lastErr = err
	}
	_ = order.MarkFailed(lastErr)
	e.metrics.OrderFailed(side)

	if ctxErr := ctx.Err(); ctxErr != nil {
		log.WarnContext(ctx, "order execution cancelled", "attempts", order.Attempts, "error", lastErr)
		return order, fmt.Errorf("order %s cancelled after %d attempts: %w", order.ClientOrderID, order.Attempts, ctxErr)
	}

	log.ErrorContext(ctx, "order execution failed", "attempts", order.Attempts, "error", lastErr)
	return order, &apperrors.ExecutionFailedError{Attempts: order.Attempts, Last: lastErr}
}

// mayHavePlaced reports whether a failed submission could still have left an
// order on the book: the outcome of a transport failure is unknown, and a
// duplicate client id means an earlier attempt got through.
func mayHavePlaced(err error) bool {
	return apperrors.IsType(err, apperrors.ErrorTypeTransientTransport) || exchange.IsDuplicateClientOrderID(err)
}

// lookupPlaced asks the exchange for order by its client id and returns the
// exchange order id when it exists.
func (e *Executor) lookupPlaced(ctx context.Context, order *models.Order) (string, bool) {
	status, err := e.gw.FetchOrderByClientID(ctx, order.ClientOrderID, order.Symbol)
	if err != nil || status == nil || status.OrderID == "" {
		e.logger.DebugContext(ctx, "order not found by client id", "error", err)
		return "", false
	}
	e.logger.InfoContext(ctx, "order found on exchange after failed attempt",
		"order_id", status.OrderID, "state", status.State)
	return status.OrderID, true
}

// FetchOrder queries the order's status, retrying with a fixed delay until it
// succeeds. Only ctx ends the retries.
func (e *Executor) FetchOrder(ctx context.Context, orderID, symbol string) (*models.OrderStatus, error) {
	attempts := 0
	query := func() (*models.OrderStatus, error) {
		attempts++
		return e.gw.FetchOrderStatus(ctx, orderID, symbol)
	}
	notify := func(err error, wait time.Duration) {
		e.logger.WarnContext(ctx, "order status query failed, retrying",
			"order_id", orderID, "attempt", attempts, "retry_in", wait, "error", err)
	}

	status, err := backoff.RetryNotifyWithData(query, apperrors.FixedRetryPolicy(ctx, e.cfg.StatusRetryDelay, 0), notify)
	if err != nil {
		return nil, fmt.Errorf("order status for %s abandoned after %d attempts: %w", orderID, attempts, err)
	}
	e.metrics.OrderStatus(string(status.State))
	return status, nil
}

// AwaitTerminal polls FetchOrder every interval until the order is filled,
// cancelled or rejected.
func (e *Executor) AwaitTerminal(ctx context.Context, orderID, symbol string, every time.Duration) (*models.OrderStatus, error) {
	if every <= 0 {
		every = e.cfg.StatusRetryDelay
	}
	for {
		status, err := e.FetchOrder(ctx, orderID, symbol)
		if err != nil {
			return nil, err
		}
		if status.State.IsTerminal() {
			e.logger.InfoContext(ctx, "order reached terminal state",
				"order_id", orderID, "state", status.State, "filled", status.FilledSize.String())
			return status, nil
		}
		e.logger.DebugContext(ctx, "order still working", "order_id", orderID, "state", status.State)

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-e.after(every):
		}
	}
}

// VerifyFunds fails with a configuration error when the free balance of
// currency is below cash. A non-positive cash skips the check.
func VerifyFunds(ctx context.Context, bp exchange.BalanceProvider, currency string, cash decimal.Decimal) error {
	if !cash.IsPositive() {
		return nil
	}
	balance, err := bp.FetchBalance(ctx, currency)
	if err != nil {
		return apperrors.New(apperrors.ErrorTypeConfiguration, component, "verify_funds",
			fmt.Errorf("unable to read %s balance: %w", currency, err))
	}
	if balance.Free.LessThan(cash) {
		return apperrors.Configuration(component, "insufficient funds: %s %s free, %s required",
			balance.Free.String(), currency, cash.String())
	}
	return nil
}
