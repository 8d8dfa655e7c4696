package advanced

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-core/internal/database"
	"github.com/ksred/klear-core/internal/ledger"
	"github.com/ksred/klear-core/internal/trading"
	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/pkg/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlacer struct {
	mu     sync.Mutex
	orders map[string]*trading.Order
	placed []trading.PlaceOrderRequest
	fail   error
}

func newFakePlacer() *fakePlacer {
	return &fakePlacer{orders: make(map[string]*trading.Order)}
}

func (p *fakePlacer) PlaceOrder(_ context.Context, req trading.PlaceOrderRequest) (*trading.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	p.placed = append(p.placed, req)
	o := &trading.Order{
		OrderID:   uuid.New().String(),
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: req.OrderType,
		Amount:    req.Amount,
		Remaining: req.Amount,
		Price:     req.Price,
		Status:    trading.StatusPending,
		Source:    req.Source,
	}
	p.orders[o.OrderID] = o
	cp := *o
	return &cp, nil
}

func (p *fakePlacer) GetOrder(_ context.Context, orderID string) (*trading.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (p *fakePlacer) CancelOrder(_ context.Context, orderID, userID string) (*trading.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if o.UserID != userID {
		return nil, apperr.ErrNotOwner
	}
	if o.Status != trading.StatusPending {
		return nil, apperr.ErrOrderNotActive
	}
	o.Status = trading.StatusCancelled
	cp := *o
	return &cp, nil
}

func (p *fakePlacer) fill(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.orders[orderID]
	o.Remaining = decimal.Zero
	o.Status = trading.StatusFilled
}

func (p *fakePlacer) requests() []trading.PlaceOrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]trading.PlaceOrderRequest(nil), p.placed...)
}

type testFeed struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (f *testFeed) Price(symbol string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	return p, ok
}

func (f *testFeed) set(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = d(price)
}

type fixture struct {
	svc    *Service
	placer *fakePlacer
	feed   *testFeed
	ledger *ledger.Ledger
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(database.MemoryDSN())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledger.Balance{}, &ledger.Entry{}, &AdvancedOrder{}, &ScheduledTask{}))

	f := &fixture{
		placer: newFakePlacer(),
		feed:   &testFeed{prices: make(map[string]decimal.Decimal)},
		ledger: ledger.New(db),
		clock:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(db, f.placer, f.ledger, f.feed)
	f.svc.now = func() time.Time { return f.clock }

	ctx := context.Background()
	require.NoError(t, f.ledger.Credit(ctx, "alice", "USD", d("100000"), "funding"))
	require.NoError(t, f.ledger.Credit(ctx, "alice", "BTC", d("10"), "funding"))
	require.NoError(t, f.ledger.Credit(ctx, "alice", "ETH", d("1000"), "funding"))
	return f
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(s))
}

func intPtr(i int) *int {
	return &i
}

func (f *fixture) create(t *testing.T, req CreateOrderRequest) *AdvancedOrder {
	t.Helper()
	if req.UserID == "" {
		req.UserID = "alice"
	}
	if req.Symbol == "" {
		req.Symbol = "BTC-USD"
	}
	o, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	return o
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Tick(context.Background()))
}

func (f *fixture) reload(t *testing.T, orderID string) *AdvancedOrder {
	t.Helper()
	o, err := f.svc.GetOrder(context.Background(), orderID, "alice")
	require.NoError(t, err)
	return o
}

func (f *fixture) advance(dur time.Duration) {
	f.clock = f.clock.Add(dur)
}

func TestStopLossTriggersMarketOrder(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, CreateOrderRequest{
		Type: TypeStopLoss, Side: types.SideSell, Amount: d("1"), TriggerPrice: nd("90"),
	})
	assert.Equal(t, StatusPending, o.Status)

	f.feed.set("BTC-USD", "100")
	f.tick(t)
	assert.Empty(t, f.placer.requests())
	assert.Equal(t, StatusPending, f.reload(t, o.OrderID).Status)

	f.feed.set("BTC-USD", "89")
	f.tick(t)

	reqs := f.placer.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, trading.OrderTypeMarket, reqs[0].OrderType)
	assert.True(t, d("89").Equal(reqs[0].Price))
	assert.True(t, d("1").Equal(reqs[0].Amount))
	assert.Equal(t, "advanced", reqs[0].Source)

	got := f.reload(t, o.OrderID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.NotEmpty(t, got.ExecutedOrderID)
	assert.NotNil(t, got.TriggeredAt)
	assert.True(t, got.FilledAmount.Equal(got.Amount))
}

func TestStopLimitUsesLimitPrice(t *testing.T) {
	f := newFixture(t)
	f.create(t, CreateOrderRequest{
		Type: TypeStopLoss, Side: types.SideSell, Amount: d("1"), TriggerPrice: nd("90"), LimitPrice: nd("88"),
	})

	f.feed.set("BTC-USD", "90")
	f.tick(t)

	reqs := f.placer.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, trading.OrderTypeLimit, reqs[0].OrderType)
	assert.True(t, d("88").Equal(reqs[0].Price))
}

func TestTakeProfitBuy(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, CreateOrderRequest{
		Type: TypeTakeProfit, Side: types.SideBuy, Amount: d("1"), TriggerPrice: nd("80"),
	})

	f.feed.set("BTC-USD", "85")
	f.tick(t)
	assert.Empty(t, f.placer.requests())

	f.feed.set("BTC-USD", "80")
	f.tick(t)
	assert.Len(t, f.placer.requests(), 1)
	assert.Equal(t, StatusFilled, f.reload(t, o.OrderID).Status)
}

func TestNoPriceSkipsEvaluation(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, CreateOrderRequest{
		Type: TypeStopLoss, Side: types.SideSell, Amount: d("1"), TriggerPrice: nd("90"),
	})

	f.tick(t)
	assert.Empty(t, f.placer.requests())
	assert.Equal(t, StatusPending, f.reload(t, o.OrderID).Status)
}

func TestTrailingStopSellRatchetsUpOnly(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, CreateOrderRequest{
		Type: TypeTrailingStop, Side: types.SideSell, Amount: d("1"), TrailAmount: nd("5"),
	})

	steps := []struct {
		price   string
		trigger string
	}{
		{"100", "95"},
		{"110", "105"},
		{"107", "105"},
		{"106", "105"},
	}
	for _, step := range steps {
		f.feed.set("BTC-USD", step.price)
		f.tick(t)
		got := f.reload(t, o.OrderID)
		require.True(t, got.TriggerPrice.Valid)
		assert.True(t, d(step.trigger).Equal(got.TriggerPrice.Decimal),
			"price %s: trigger %s, want %s", step.price, got.TriggerPrice.Decimal, step.trigger)
		assert.Equal(t, StatusPending, got.Status)
	}
	assert.Empty(t, f.placer.requests())

	f.feed.set("BTC-USD", "104")
	f.tick(t)
	assert.Len(t, f.placer.requests(), 1)
	assert.Equal(t, StatusFilled, f.reload(t, o.OrderID).Status)
}

func TestTrailingStopBuyPercentRatchetsDownOnly(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, CreateOrderRequest{
		Type: TypeTrailingStop, Side: types.SideBuy, Amount: d("1"), TrailPercent: nd("10"),
	})

	f.feed.set("BTC-USD", "100")
	f.tick(t)
	assert.True(t, d("110").Equal(f.reload(t, o.OrderID).TriggerPrice.Decimal))

	f.feed.set("BTC-USD", "90")
	f.tick(t)
	assert.True(t, d("99").Equal(f.reload(t, o.OrderID).TriggerPrice.Decimal))

	f.feed.set("BTC-USD", "95")
	f.tick(t)
	assert.True(t, d("99").Equal(f.reload(t, o.OrderID).TriggerPrice.Decimal))
	assert.Empty(t, f.placer.requests())

	f.feed.set("BTC-USD", "100")
	f.tick(t)
	assert.Len(t, f.placer.requests(), 1)
	assert.Equal(t, StatusFilled, f.reload(t, o.OrderID).Status)
}

func TestOCOFiresOneLegAndCancelsTheOther(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, CreateOrderRequest{
		Type: TypeOCO, Side: types.SideSell, Amount: d("2"), StopPrice: nd("90"), LimitPrice: nd("110"),
	})

	f.feed.set("BTC-USD", "100")
	f.tick(t)
	assert.Empty(t, f.placer.requests())

	f.feed.set("BTC-USD", "111")
	f.tick(t)
	reqs := f.placer.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, trading.OrderTypeLimit, reqs[0].OrderType)
	assert.True(t, d("110").Equal(reqs[0].Price))

	got := f.reload(t, o.OrderID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, LegLimit, got.TriggeredLeg)
	assert.Equal(t, LegStop, got.CancelledLeg)

	// the stop leg can no longer fire
	f.feed.set("BTC-USD", "80")
	f.tick(t)
	assert.Len(t, f.placer.requests(), 1)
}

func TestOCOStopLeg(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, CreateOrderRequest{
		Type: TypeOCO, Side: types.SideSell, Amount: d("1"), StopPrice: nd("90"), LimitPrice: nd("110"),
	})

	f.feed.set("BTC-USD", "85")
	f.tick(t)

	reqs := f.placer.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, trading.OrderTypeMarket, reqs[0].OrderType)
	got := f.reload(t, o.OrderID)
	assert.Equal(t, LegStop, got.TriggeredLeg)
	assert.Equal(t, LegLimit, got.CancelledLeg)
}

func TestIcebergReleasesSlices(t *testing.T) {
	f := newFixture(t)
	f.feed.set("BTC-USD", "100")
	o := f.create(t, CreateOrderRequest{
		Type: TypeIceberg, Side: types.SideSell, Amount: d("10"), VisibleSize: nd("4"), LimitPrice: nd("101"),
	})

	f.tick(t)
	reqs := f.placer.requests()
	require.Len(t, reqs, 1)
	assert.True(t, d("4").Equal(reqs[0].Amount))
	assert.Equal(t, trading.OrderTypeLimit, reqs[0].OrderType)
	got := f.reload(t, o.OrderID)
	assert.Equal(t, StatusActive, got.Status)
	first := got.CurrentSliceID
	require.NotEmpty(t, first)

	// nothing new while the visible slice rests
	f.tick(t)
	assert.Len(t, f.placer.requests(), 1)

	f.placer.fill(first)
	f.tick(t)
	reqs = f.placer.requests()
	require.Len(t, reqs, 2)
	assert.True(t, d("4").Equal(reqs[1].Amount))

	f.placer.fill(f.reload(t, o.OrderID).CurrentSliceID)
	f.tick(t)
	reqs = f.placer.requests()
	require.Len(t, reqs, 3)
	assert.True(t, d("2").Equal(reqs[2].Amount))

	f.placer.fill(f.reload(t, o.OrderID).CurrentSliceID)
	f.tick(t)

	got = f.reload(t, o.OrderID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.True(t, d("10").Equal(got.FilledAmount))
	assert.Equal(t, 3, got.SlicesExecuted)
	assert.Len(t, f.placer.requests(), 3)
}

func TestCancelIcebergPullsRestingSlice(t *testing.T) {
	f := newFixture(t)
	f.feed.set("BTC-USD", "100")
	o := f.create(t, CreateOrderRequest{
		Type: TypeIceberg, Side: types.SideSell, Amount: d("10"), VisibleSize: nd("4"), LimitPrice: nd("101"),
	})
	f.tick(t)
	sliceID := f.reload(t, o.OrderID).CurrentSliceID

	cancelled, err := f.svc.CancelOrder(context.Background(), o.OrderID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Empty(t, cancelled.CurrentSliceID)

	slice, err := f.placer.GetOrder(context.Background(), sliceID)
	require.NoError(t, err)
	assert.Equal(t, trading.StatusCancelled, slice.Status)
}

func TestTWAPExecutesScheduledSlices(t *testing.T) {
	f := newFixture(t)
	f.feed.set("ETH-USD", "10")
	o := f.create(t, CreateOrderRequest{
		Symbol: "ETH-USD", Type: TypeTWAP, Side: types.SideSell, Amount: d("1000"),
		Duration: intPtr(5), Intervals: intPtr(5),
	})
	assert.Equal(t, StatusActive, o.Status)

	tasks, err := f.svc.Tasks(context.Background(), o.OrderID)
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	for i, task := range tasks {
		assert.Equal(t, i+1, task.Sequence)
		assert.True(t, d("200").Equal(task.Amount))
		assert.True(t, task.DueAt.Equal(f.clock.Add(time.Duration(i+1)*time.Minute)))
	}

	f.tick(t)
	assert.Empty(t, f.placer.requests())

	f.advance(time.Minute)
	f.tick(t)
	require.Len(t, f.placer.requests(), 1)
	got := f.reload(t, o.OrderID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, got.SlicesExecuted)

	f.advance(4 * time.Minute)
	f.tick(t)
	reqs := f.placer.requests()
	require.Len(t, reqs, 5)
	for _, req := range reqs {
		assert.Equal(t, trading.OrderTypeMarket, req.OrderType)
		assert.True(t, d("200").Equal(req.Amount))
	}

	got = f.reload(t, o.OrderID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, 5, got.SlicesExecuted)
	assert.True(t, d("1000").Equal(got.FilledAmount))
}

func TestTWAPCancelStopsRemainingSlices(t *testing.T) {
	f := newFixture(t)
	f.feed.set("ETH-USD", "10")
	o := f.create(t, CreateOrderRequest{
		Symbol: "ETH-USD", Type: TypeTWAP, Side: types.SideSell, Amount: d("1000"),
		Duration: intPtr(5), Intervals: intPtr(5),
	})

	f.advance(time.Minute)
	f.tick(t)
	require.Len(t, f.placer.requests(), 1)

	_, err := f.svc.CancelOrder(context.Background(), o.OrderID, "alice")
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	f.tick(t)
	assert.Len(t, f.placer.requests(), 1)

	tasks, err := f.svc.Tasks(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, TaskDone, tasks[0].Status)
	for _, task := range tasks[1:] {
		assert.Equal(t, TaskCancelled, task.Status)
	}
}

func TestTWAPSliceFailureCancelsOrder(t *testing.T) {
	f := newFixture(t)
	f.feed.set("ETH-USD", "10")
	o := f.create(t, CreateOrderRequest{
		Symbol: "ETH-USD", Type: TypeTWAP, Side: types.SideSell, Amount: d("300"),
		Duration: intPtr(3), Intervals: intPtr(3),
	})

	f.advance(time.Minute)
	f.tick(t)
	f.placer.fail = apperr.ErrInsufficientBalance

	f.advance(time.Minute)
	f.tick(t)

	got := f.reload(t, o.OrderID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Contains(t, got.FailureReason, "slice 2 failed")

	tasks, err := f.svc.Tasks(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, TaskDone, tasks[0].Status)
	assert.Equal(t, TaskFailed, tasks[1].Status)
	assert.Equal(t, TaskCancelled, tasks[2].Status)
}

func TestExecutionFailureCancelsOrder(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, CreateOrderRequest{
		Type: TypeStopLoss, Side: types.SideSell, Amount: d("1"), TriggerPrice: nd("90"),
	})
	f.placer.fail = errors.New("engine unavailable")

	f.feed.set("BTC-USD", "80")
	f.tick(t)

	got := f.reload(t, o.OrderID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "engine unavailable", got.FailureReason)

	// not retried
	f.placer.fail = nil
	f.tick(t)
	assert.Empty(t, f.placer.requests())
}

func TestExecutedOrderClosesWithoutResubmitting(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, CreateOrderRequest{
		Type: TypeStopLoss, Side: types.SideSell, Amount: d("1"), TriggerPrice: nd("90"),
	})

	// Execution recorded but the close never landed
	o.ExecutedOrderID = "placed-earlier"
	o.FilledAmount = o.Amount
	require.NoError(t, NewDatabase(f.svc.db).UpdateOrder(o))

	f.feed.set("BTC-USD", "80")
	f.tick(t)
	f.tick(t)

	assert.Empty(t, f.placer.requests())
	got := f.reload(t, o.OrderID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, "placed-earlier", got.ExecutedOrderID)
}

func TestExpiry(t *testing.T) {
	f := newFixture(t)
	expires := f.clock.Add(time.Minute)
	o := f.create(t, CreateOrderRequest{
		Type: TypeStopLoss, Side: types.SideSell, Amount: d("1"), TriggerPrice: nd("90"), ExpiresAt: &expires,
	})

	f.feed.set("BTC-USD", "100")
	f.tick(t)
	assert.Equal(t, StatusPending, f.reload(t, o.OrderID).Status)

	f.advance(2 * time.Minute)
	f.feed.set("BTC-USD", "80")
	f.tick(t)
	assert.Equal(t, StatusExpired, f.reload(t, o.OrderID).Status)
	assert.Empty(t, f.placer.requests())
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, CreateOrderRequest{
		Type: TypeTakeProfit, Side: types.SideSell, Amount: d("1"), TriggerPrice: nd("120"),
	})
	ctx := context.Background()

	_, err := f.svc.CancelOrder(ctx, o.OrderID, "mallory")
	assert.ErrorIs(t, err, apperr.ErrNotOwner)

	_, err = f.svc.CancelOrder(ctx, "missing", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	cancelled, err := f.svc.CancelOrder(ctx, o.OrderID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.svc.CancelOrder(ctx, o.OrderID, "alice")
	assert.ErrorIs(t, err, apperr.ErrOrderNotActive)

	// a cancelled order never triggers
	f.feed.set("BTC-USD", "130")
	f.tick(t)
	assert.Empty(t, f.placer.requests())
}

func TestCreateOrderBalanceCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, CreateOrderRequest{
		UserID: "alice", Symbol: "BTC-USD", Type: TypeStopLoss, Side: types.SideSell,
		Amount: d("11"), TriggerPrice: nd("90"),
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	_, err = f.svc.CreateOrder(ctx, CreateOrderRequest{
		UserID: "alice", Symbol: "BTC-USD", Type: TypeStopLoss, Side: types.SideBuy,
		Amount: d("2"), TriggerPrice: nd("60000"),
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	_, err = f.svc.CreateOrder(ctx, CreateOrderRequest{
		UserID: "alice", Symbol: "BTC-USD", Type: TypeTWAP, Side: types.SideBuy,
		Amount: d("1"), Duration: intPtr(5), Intervals: intPtr(5),
	})
	assert.ErrorIs(t, err, apperr.ErrPriceUnavailable)

	// balances are checked, not reserved
	b, err := f.ledger.GetBalance(ctx, "alice", "USD")
	require.NoError(t, err)
	assert.True(t, b.Locked.IsZero())
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	past := f.clock.Add(-time.Minute)

	tests := []struct {
		name  string
		req   CreateOrderRequest
		field string
	}{
		{"unknown type", CreateOrderRequest{Type: "moon", Side: types.SideSell, Amount: d("1")}, "type"},
		{"bad side", CreateOrderRequest{Type: TypeStopLoss, Side: "hold", Amount: d("1"), TriggerPrice: nd("1")}, "side"},
		{"zero amount", CreateOrderRequest{Type: TypeStopLoss, Side: types.SideSell, TriggerPrice: nd("1")}, "amount"},
		{"missing trigger", CreateOrderRequest{Type: TypeStopLoss, Side: types.SideSell, Amount: d("1")}, "trigger_price"},
		{"foreign parameter", CreateOrderRequest{Type: TypeTakeProfit, Side: types.SideSell, Amount: d("1"), TriggerPrice: nd("1"), VisibleSize: nd("1")}, "visible_size"},
		{"both trail kinds", CreateOrderRequest{Type: TypeTrailingStop, Side: types.SideSell, Amount: d("1"), TrailAmount: nd("1"), TrailPercent: nd("1")}, "trail_amount"},
		{"no trail", CreateOrderRequest{Type: TypeTrailingStop, Side: types.SideSell, Amount: d("1")}, "trail_amount"},
		{"trail percent too big", CreateOrderRequest{Type: TypeTrailingStop, Side: types.SideSell, Amount: d("1"), TrailPercent: nd("100")}, "trail_percent"},
		{"visible above amount", CreateOrderRequest{Type: TypeIceberg, Side: types.SideSell, Amount: d("1"), VisibleSize: nd("2"), LimitPrice: nd("1")}, "visible_size"},
		{"zero intervals", CreateOrderRequest{Type: TypeTWAP, Side: types.SideSell, Amount: d("1"), Duration: intPtr(5), Intervals: intPtr(0)}, "intervals"},
		{"sell oco inverted", CreateOrderRequest{Type: TypeOCO, Side: types.SideSell, Amount: d("1"), StopPrice: nd("110"), LimitPrice: nd("90")}, "stop_price"},
		{"buy oco inverted", CreateOrderRequest{Type: TypeOCO, Side: types.SideBuy, Amount: d("1"), StopPrice: nd("90"), LimitPrice: nd("110")}, "stop_price"},
		{"expired", CreateOrderRequest{Type: TypeStopLoss, Side: types.SideSell, Amount: d("1"), TriggerPrice: nd("1"), ExpiresAt: &past}, "expires_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.UserID = "alice"
			tt.req.Symbol = "BTC-USD"
			_, err := f.svc.CreateOrder(context.Background(), tt.req)
			require.Error(t, err)

			var appErr *apperr.Error
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, apperr.KindValidation, appErr.Kind)
			assert.Contains(t, appErr.Fields, tt.field)
		})
	}
}

func TestTWAPSlicesCarryRemainder(t *testing.T) {
	slices := twapSlices(d("1"), 3)
	require.Len(t, slices, 3)
	assert.True(t, d("0.33333333").Equal(slices[0]))
	assert.True(t, d("0.33333333").Equal(slices[1]))
	assert.True(t, d("0.33333334").Equal(slices[2]))
}
