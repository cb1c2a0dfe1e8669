package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-okx-trader/internal/errors"
	"github.com/johnayoung/go-okx-trader/internal/exchange"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

type fakeGateway struct {
	mu sync.Mutex

	buyLimit, sellLimit decimal.Decimal
	limitErrs           []error
	limitCalls          int

	submitErrs []error // per call; calls past the end succeed
	submits    []exchange.SubmitRequest
	alwaysFail error

	statuses    []models.RemoteState
	statusErrs  []error
	statusCalls int

	placed     *models.OrderStatus // returned by client id lookups once lookupErrs run out
	lookupErrs []error
	lookups    int

	balance    *models.Balance
	balanceErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		buyLimit:  decimal.NewFromInt(100),
		sellLimit: decimal.NewFromInt(100),
	}
}

func (f *fakeGateway) FetchPriceLimit(ctx context.Context, symbol string) (*models.PriceLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.limitCalls
	f.limitCalls++
	if i < len(f.limitErrs) && f.limitErrs[i] != nil {
		return nil, f.limitErrs[i]
	}
	return &models.PriceLimit{Symbol: symbol, BuyLimit: f.buyLimit, SellLimit: f.sellLimit}, nil
}

func (f *fakeGateway) SubmitOrder(ctx context.Context, req exchange.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.submits)
	f.submits = append(f.submits, req)
	if f.alwaysFail != nil {
		return "", f.alwaysFail
	}
	if i < len(f.submitErrs) && f.submitErrs[i] != nil {
		return "", f.submitErrs[i]
	}
	return "okx-123", nil
}

func (f *fakeGateway) FetchOrderStatus(ctx context.Context, orderID, symbol string) (*models.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.statusCalls
	f.statusCalls++
	if i < len(f.statusErrs) && f.statusErrs[i] != nil {
		return nil, f.statusErrs[i]
	}
	state := models.RemoteStateFilled
	if len(f.statuses) > 0 {
		state = f.statuses[len(f.statuses)-1]
		if j := i - len(f.statusErrs); j >= 0 && j < len(f.statuses) {
			state = f.statuses[j]
		}
	}
	return &models.OrderStatus{OrderID: orderID, Symbol: symbol, State: state}, nil
}

func (f *fakeGateway) FetchOrderByClientID(ctx context.Context, clientOrderID, symbol string) (*models.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.lookups
	f.lookups++
	if i < len(f.lookupErrs) && f.lookupErrs[i] != nil {
		return nil, f.lookupErrs[i]
	}
	if f.placed == nil {
		return nil, errOrderNotFound
	}
	status := *f.placed
	status.ClientOrderID = clientOrderID
	return &status, nil
}

func (f *fakeGateway) FetchBalance(ctx context.Context, currency string) (*models.Balance, error) {
	return f.balance, f.balanceErr
}

func (f *fakeGateway) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

var (
	errOrderNotFound = apperrors.Rejected("okx", "fetch_order_by_client_id", "51603", "order does not exist")
	errDuplicateID   = apperrors.Rejected("okx", "submit_order", exchange.CodeDuplicateClientOrderID, "duplicated clOrdId")
)

func fastExecutor(gw Gateway) *Executor {
	return New(gw, Config{MaxAttempts: 30, RetryDelay: time.Millisecond, StatusRetryDelay: time.Millisecond}, nil, nil)
}

func TestAdjustPrice(t *testing.T) {
	tests := []struct {
		name  string
		side  models.Side
		price int64
		want  int64
	}{
		{"buy above limit is clamped down", models.SideBuy, 101, 100},
		{"buy at limit passes", models.SideBuy, 100, 100},
		{"buy below limit passes", models.SideBuy, 95, 95},
		{"sell below limit is clamped up", models.SideSell, 99, 100},
		{"sell at limit passes", models.SideSell, 100, 100},
		{"sell above limit passes", models.SideSell, 105, 105},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := fastExecutor(newFakeGateway())
			got, err := e.AdjustPrice(context.Background(), "BTC/USDT", tt.side, decimal.NewFromInt(tt.price))
			require.NoError(t, err)
			assert.True(t, decimal.NewFromInt(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestAdjustPrice_FetchesLimitEveryTime(t *testing.T) {
	gw := newFakeGateway()
	e := fastExecutor(gw)

	for i := 0; i < 3; i++ {
		_, err := e.AdjustPrice(context.Background(), "BTC/USDT", models.SideBuy, decimal.NewFromInt(1))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, gw.limitCalls)

	gw.buyLimit = decimal.NewFromInt(50)
	got, err := e.AdjustPrice(context.Background(), "BTC/USDT", models.SideBuy, decimal.NewFromInt(60))
	require.NoError(t, err)
	assert.Equal(t, "50", got.String())
}

func TestAdjustPrice_Errors(t *testing.T) {
	gw := newFakeGateway()
	gw.limitErrs = []error{errors.New("timeout")}
	e := fastExecutor(gw)

	_, err := e.AdjustPrice(context.Background(), "BTC/USDT", models.SideBuy, decimal.NewFromInt(1))
	assert.Error(t, err)

	_, err = e.AdjustPrice(context.Background(), "BTC/USDT", models.Side("hold"), decimal.NewFromInt(1))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestExecuteOrder_SubmitsClampedPrice(t *testing.T) {
	gw := newFakeGateway()
	e := fastExecutor(gw)

	order, err := e.ExecuteOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT",
		Side:   models.SideBuy,
		Type:   models.OrderTypeLimit,
		Size:   decimal.RequireFromString("0.01"),
		Price:  decimal.NewFromInt(101),
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStateSubmitted, order.State)
	assert.Equal(t, "okx-123", order.ExchangeOrderID)
	assert.Equal(t, 1, order.Attempts)
	assert.Equal(t, "101", order.RequestedPrice.String())
	assert.Equal(t, "100", order.ClampedPrice.String())
	assert.Len(t, order.ClientOrderID, 32)

	require.Len(t, gw.submits, 1)
	assert.Equal(t, "100", gw.submits[0].Price.String())
	assert.Equal(t, order.ClientOrderID, gw.submits[0].ClientOrderID)
}

func TestExecuteOrder_RetriesThenSucceeds(t *testing.T) {
	gw := newFakeGateway()
	gw.submitErrs = []error{
		apperrors.Transport("okx", "submit_order", errors.New("connection reset")),
		apperrors.Rejected("okx", "submit_order", "51008", "insufficient balance"),
	}
	gw.limitErrs = []error{nil, nil, errors.New("limit unavailable")}
	e := fastExecutor(gw)

	order, err := e.ExecuteOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideSell, Type: models.OrderTypeLimit,
		Size: decimal.NewFromInt(1), Price: decimal.NewFromInt(95),
	})
	require.NoError(t, err)

	// Attempt three failed fetching the limit, attempt four submitted.
	assert.Equal(t, 4, order.Attempts)
	assert.Equal(t, 4, gw.limitCalls)
	require.Len(t, gw.submits, 3)
	for _, s := range gw.submits {
		assert.Equal(t, order.ClientOrderID, s.ClientOrderID)
		assert.Equal(t, "100", s.Price.String())
	}
}

func TestExecuteOrder_BoundedRetry(t *testing.T) {
	for _, attempts := range []int{1, 5, 30} {
		gw := newFakeGateway()
		gw.alwaysFail = apperrors.Rejected("okx", "submit_order", "51000", "parameter error")
		e := New(gw, Config{MaxAttempts: attempts, RetryDelay: time.Millisecond}, nil, nil)

		start := time.Now()
		order, err := e.ExecuteOrder(context.Background(), OrderRequest{
			Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeLimit,
			Size: decimal.NewFromInt(1), Price: decimal.NewFromInt(90),
		})
		elapsed := time.Since(start)

		var failed *apperrors.ExecutionFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, attempts, failed.Attempts)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExchangeRejected))
		assert.Equal(t, attempts, gw.submitCount())
		assert.Equal(t, attempts, gw.limitCalls)
		assert.Equal(t, 0, gw.lookups, "plain rejections never reach the book")
		assert.Equal(t, models.OrderStateFailed, order.State)
		assert.NotEmpty(t, order.Error)
		assert.GreaterOrEqual(t, elapsed, time.Duration(attempts-1)*time.Millisecond)
	}
}

func TestExecuteOrder_RecoversOrderPlacedDespiteTimeout(t *testing.T) {
	gw := newFakeGateway()
	// The first submit times out after reaching the exchange; every resubmit
	// of the same client id is refused as a duplicate.
	gw.submitErrs = []error{
		apperrors.Transport("okx", "submit_order", errors.New("i/o timeout")),
		errDuplicateID,
		errDuplicateID,
	}
	gw.lookupErrs = []error{errOrderNotFound}
	gw.placed = &models.OrderStatus{OrderID: "okx-777", Symbol: "BTC/USDT", State: models.RemoteStateOpen}
	e := fastExecutor(gw)

	order, err := e.ExecuteOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeLimit,
		Size: decimal.NewFromInt(1), Price: decimal.NewFromInt(90),
	})
	require.NoError(t, err)
	assert.True(t, order.IsSubmitted())
	assert.Equal(t, "okx-777", order.ExchangeOrderID)
	assert.Equal(t, 2, order.Attempts)
	assert.Equal(t, 2, gw.submitCount())
	assert.Equal(t, 2, gw.lookups)
}

func TestExecuteOrder_TimeoutLookupFindsOrder(t *testing.T) {
	gw := newFakeGateway()
	gw.alwaysFail = apperrors.Transport("okx", "submit_order", errors.New("i/o timeout"))
	gw.placed = &models.OrderStatus{OrderID: "okx-9", Symbol: "BTC/USDT", State: models.RemoteStateFilled}

	order, err := fastExecutor(gw).ExecuteOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideSell, Type: models.OrderTypeMarket, Size: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, "okx-9", order.ExchangeOrderID)
	assert.Equal(t, 1, gw.submitCount(), "no resubmit once the order is known")
}

func TestExecuteOrder_DuplicateWithoutOrderStillFails(t *testing.T) {
	gw := newFakeGateway()
	gw.alwaysFail = errDuplicateID
	e := New(gw, Config{MaxAttempts: 3, RetryDelay: time.Millisecond}, nil, nil)

	order, err := e.ExecuteOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Size: decimal.NewFromInt(1),
	})
	var failed *apperrors.ExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, 3, gw.lookups)
	assert.Equal(t, models.OrderStateFailed, order.State)
}

func TestExecuteOrder_DefaultAttempts(t *testing.T) {
	gw := newFakeGateway()
	gw.alwaysFail = errors.New("boom")
	e := New(gw, Config{RetryDelay: time.Millisecond}, nil, nil)

	_, err := e.ExecuteOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Size: decimal.NewFromInt(1),
	})
	var failed *apperrors.ExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, DefaultMaxAttempts, failed.Attempts)
	assert.Equal(t, DefaultMaxAttempts, gw.submitCount())
}

func TestExecuteOrder_MarketSkipsClamp(t *testing.T) {
	gw := newFakeGateway()
	e := fastExecutor(gw)

	order, err := e.ExecuteOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Size: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, gw.limitCalls)
	assert.True(t, order.IsSubmitted())
}

func TestExecuteOrder_ValidationFailsFast(t *testing.T) {
	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"missing symbol", OrderRequest{Side: models.SideBuy, Type: models.OrderTypeMarket, Size: decimal.NewFromInt(1)}},
		{"bad side", OrderRequest{Symbol: "BTC/USDT", Side: "hold", Type: models.OrderTypeMarket, Size: decimal.NewFromInt(1)}},
		{"zero size", OrderRequest{Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeMarket}},
		{"limit without price", OrderRequest{Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Size: decimal.NewFromInt(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			_, err := fastExecutor(gw).ExecuteOrder(context.Background(), tt.req)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
			assert.Equal(t, 0, gw.submitCount())
			assert.Equal(t, 0, gw.limitCalls)
		})
	}
}

func TestExecuteOrder_PermanentValidationFromGateway(t *testing.T) {
	gw := newFakeGateway()
	gw.alwaysFail = apperrors.New(apperrors.ErrorTypeValidation, "okx", "submit_order", errors.New("bad payload"))
	_, err := fastExecutor(gw).ExecuteOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Size: decimal.NewFromInt(1),
	})

	var failed *apperrors.ExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, 1, gw.submitCount())
}

func TestExecuteOrder_Cancelled(t *testing.T) {
	gw := newFakeGateway()
	gw.alwaysFail = errors.New("boom")
	e := New(gw, Config{MaxAttempts: 30, RetryDelay: time.Hour}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for gw.submitCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	order, err := e.ExecuteOrder(ctx, OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Size: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.OrderStateFailed, order.State)
	assert.Equal(t, 1, gw.submitCount())
}

func TestFetchOrder_RetriesUntilSuccess(t *testing.T) {
	gw := newFakeGateway()
	gw.statusErrs = make([]error, 45)
	for i := range gw.statusErrs {
		gw.statusErrs[i] = errors.New("timeout")
	}
	gw.statuses = []models.RemoteState{models.RemoteStatePartiallyFilled}

	status, err := fastExecutor(gw).FetchOrder(context.Background(), "okx-1", "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, models.RemoteStatePartiallyFilled, status.State)
	assert.Equal(t, 46, gw.statusCalls, "status retries are not bounded by MaxAttempts")
}

func TestFetchOrder_StopsOnCancel(t *testing.T) {
	gw := newFakeGateway()
	gw.statusErrs = make([]error, 100_000)
	for i := range gw.statusErrs {
		gw.statusErrs[i] = errors.New("down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := fastExecutor(gw).FetchOrder(ctx, "okx-1", "BTC/USDT")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitTerminal(t *testing.T) {
	gw := newFakeGateway()
	gw.statuses = []models.RemoteState{models.RemoteStateOpen, models.RemoteStatePartiallyFilled, models.RemoteStateFilled}

	e := fastExecutor(gw)
	var waits []time.Duration
	e.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	status, err := e.AwaitTerminal(context.Background(), "okx-1", "BTC/USDT", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, models.RemoteStateFilled, status.State)
	assert.Equal(t, 3, gw.statusCalls)
	assert.Equal(t, []time.Duration{time.Hour, time.Hour}, waits)
}

func TestAwaitTerminal_Cancelled(t *testing.T) {
	gw := newFakeGateway()
	gw.statuses = []models.RemoteState{models.RemoteStateOpen}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	e := fastExecutor(gw)
	e.after = func(time.Duration) <-chan time.Time { return nil }

	_, err := e.AwaitTerminal(ctx, "okx-1", "BTC/USDT", time.Millisecond)
	assert.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVerifyFunds(t *testing.T) {
	tests := []struct {
		name    string
		balance *models.Balance
		err     error
		cash    string
		wantErr bool
	}{
		{"enough", &models.Balance{Currency: "USDT", Free: decimal.NewFromInt(1000)}, nil, "500", false},
		{"exact", &models.Balance{Currency: "USDT", Free: decimal.NewFromInt(500)}, nil, "500", false},
		{"short", &models.Balance{Currency: "USDT", Free: decimal.NewFromInt(499)}, nil, "500", true},
		{"balance unavailable", nil, errors.New("401"), "500", true},
		{"check disabled", nil, errors.New("never called"), "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			gw.balance = tt.balance
			gw.balanceErr = tt.err

			err := VerifyFunds(context.Background(), gw, "USDT", decimal.RequireFromString(tt.cash))
			if tt.wantErr {
				assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type mockBalanceProvider struct {
	mock.Mock
}

func (m *mockBalanceProvider) FetchBalance(ctx context.Context, currency string) (*models.Balance, error) {
	args := m.Called(ctx, currency)
	if b := args.Get(0); b != nil {
		return b.(*models.Balance), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestVerifyFunds_QueriesConfiguredCurrency(t *testing.T) {
	bp := &mockBalanceProvider{}
	bp.On("FetchBalance", mock.Anything, "BTC").
		Return(&models.Balance{Currency: "BTC", Free: decimal.RequireFromString("0.5")}, nil).
		Once()

	require.NoError(t, VerifyFunds(context.Background(), bp, "BTC", decimal.RequireFromString("0.25")))
	bp.AssertExpectations(t)

	skipped := &mockBalanceProvider{}
	require.NoError(t, VerifyFunds(context.Background(), skipped, "BTC", decimal.Zero))
	skipped.AssertNotCalled(t, "FetchBalance", mock.Anything, mock.Anything)
}
