package exchange

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/johnayoung/go-okx-trader/internal/models"
)

// observedGateway wraps a Gateway with a span and a debug log per call.
type observedGateway struct {
	next   Gateway
	tracer trace.Tracer
	logger *slog.Logger
}

var _ Gateway = (*observedGateway)(nil)

// WithTracing wraps gw so every call is traced and logged.
func WithTracing(gw Gateway, tracer trace.Tracer, logger *slog.Logger) Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &observedGateway{next: gw, tracer: tracer, logger: logger}
}

func (g *observedGateway) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, "exchange."+name, trace.WithAttributes(attrs...))
}

func (g *observedGateway) finish(ctx context.Context, span trace.Span, op string, err error, args ...interface{}) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.DebugContext(ctx, "gateway call failed", append([]interface{}{"operation", op, "error", err}, args...)...)
	} else {
		g.logger.DebugContext(ctx, "gateway call succeeded", append([]interface{}{"operation", op}, args...)...)
	}
	span.End()
}

func (g *observedGateway) FetchCandles(ctx context.Context, req CandleRequest) ([]models.Candle, error) {
	ctx, span := g.start(ctx, "FetchCandles",
		attribute.String("symbol", req.Symbol),
		attribute.String("interval", req.Interval),
		attribute.Int64("since", req.Since),
		attribute.Int64("before", req.Before),
		attribute.Int("limit", req.Limit))

	candles, err := g.next.FetchCandles(ctx, req)
	span.SetAttributes(attribute.Int("candles", len(candles)))
	g.finish(ctx, span, "fetch_candles", err, "symbol", req.Symbol, "count", len(candles))
	return candles, err
}

func (g *observedGateway) FetchPriceLimit(ctx context.Context, symbol string) (*models.PriceLimit, error) {
	ctx, span := g.start(ctx, "FetchPriceLimit", attribute.String("symbol", symbol))

	limit, err := g.next.FetchPriceLimit(ctx, symbol)
	g.finish(ctx, span, "fetch_price_limit", err, "symbol", symbol)
	return limit, err
}

func (g *observedGateway) SubmitOrder(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, span := g.start(ctx, "SubmitOrder",
		attribute.String("symbol", req.Symbol),
		attribute.String("side", string(req.Side)),
		attribute.String("type", string(req.Type)),
		attribute.String("size", req.Size.String()),
		attribute.String("price", req.Price.String()),
		attribute.String("client_order_id", req.ClientOrderID))

	id, err := g.next.SubmitOrder(ctx, req)
	span.SetAttributes(attribute.String("order_id", id))
	g.finish(ctx, span, "submit_order", err, "symbol", req.Symbol, "order_id", id)
	return id, err
}

func (g *observedGateway) FetchOrderStatus(ctx context.Context, orderID, symbol string) (*models.OrderStatus, error) {
	ctx, span := g.start(ctx, "FetchOrderStatus",
		attribute.String("order_id", orderID),
		attribute.String("symbol", symbol))

	status, err := g.next.FetchOrderStatus(ctx, orderID, symbol)
	if status != nil {
		span.SetAttributes(attribute.String("state", string(status.State)))
	}
	g.finish(ctx, span, "fetch_order_status", err, "order_id", orderID)
	return status, err
}

func (g *observedGateway) FetchOrderByClientID(ctx context.Context, clientOrderID, symbol string) (*models.OrderStatus, error) {
	ctx, span := g.start(ctx, "FetchOrderByClientID",
		attribute.String("client_order_id", clientOrderID),
		attribute.String("symbol", symbol))

	status, err := g.next.FetchOrderByClientID(ctx, clientOrderID, symbol)
	if status != nil {
		span.SetAttributes(attribute.String("order_id", status.OrderID), attribute.String("state", string(status.State)))
	}
	g.finish(ctx, span, "fetch_order_by_client_id", err, "client_order_id", clientOrderID)
	return status, err
}

func (g *observedGateway) FetchBalance(ctx context.Context, currency string) (*models.Balance, error) {
	ctx, span := g.start(ctx, "FetchBalance", attribute.String("currency", currency))

	balance, err := g.next.FetchBalance(ctx, currency)
	g.finish(ctx, span, "fetch_balance", err, "currency", currency)
	return balance, err
}
