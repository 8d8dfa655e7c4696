package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ksred/klear-core/internal/database"
	"github.com/ksred/klear-core/internal/ledger"
	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/pkg/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFeed map[string]decimal.Decimal

func (f staticFeed) Price(symbol string) (decimal.Decimal, bool) {
	p, ok := f[symbol]
	return p, ok
}

type fixture struct {
	svc    *Service
	ledger *ledger.Ledger
}

func newFixture(t *testing.T, feed staticFeed) *fixture {
	t.Helper()
	db, err := database.Open(database.MemoryDSN())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledger.Balance{}, &ledger.Entry{}, &Order{}, &Trade{}, &IdempotencyRecord{}))

	l := ledger.New(db)
	svc := NewService(db, l, feed, 0.01)
	return &fixture{svc: svc, ledger: l}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) fund(t *testing.T, user, asset, amount string) {
	t.Helper()
	require.NoError(t, f.ledger.Credit(context.Background(), user, asset, d(amount), "funding"))
}

func (f *fixture) balance(t *testing.T, user, asset string) ledger.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), user, asset)
	require.NoError(t, err)
	return b
}

func (f *fixture) limit(t *testing.T, user string, side types.Side, amount, price string) *Order {
	t.Helper()
	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:    user,
		Symbol:    "BTC-USD",
		Side:      side,
		OrderType: OrderTypeLimit,
		Amount:    d(amount),
		Price:     d(price),
	})
	require.NoError(t, err)
	return o
}

func TestPlaceOrderLocksReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", "USD", "1000")
	f.fund(t, "bob", "BTC", "2")

	f.limit(t, "alice", types.SideBuy, "2", "100")
	f.limit(t, "bob", types.SideSell, "1.5", "500")
	f.svc.Wait()

	usd := f.balance(t, "alice", "USD")
	assert.True(t, usd.Available.Equal(d("800")), "available %s", usd.Available)
	assert.True(t, usd.Locked.Equal(d("200")), "locked %s", usd.Locked)

	btc := f.balance(t, "bob", "BTC")
	assert.True(t, btc.Available.Equal(d("0.5")))
	assert.True(t, btc.Locked.Equal(d("1.5")))
}

func TestPlaceOrderInsufficientBalanceTakesNoLock(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", "USD", "100")

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: types.SideBuy, Amount: d("2"), Price: d("60"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientBalance))

	usd := f.balance(t, "alice", "USD")
	assert.True(t, usd.Available.Equal(d("100")))
	assert.True(t, usd.Locked.IsZero())

	orders, err := f.svc.ListOrders(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  PlaceOrderRequest
		want *apperr.Error
	}{
		{"bad type", PlaceOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: types.SideBuy, OrderType: "fok", Amount: d("1"), Price: d("1")}, apperr.ErrInvalidOrderType},
		{"missing price", PlaceOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: types.SideBuy, Amount: d("1")}, apperr.ErrMissingRequiredParam},
		{"bad side", PlaceOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: "hold", Amount: d("1"), Price: d("1")}, apperr.ErrValidation},
		{"bad symbol", PlaceOrderRequest{UserID: "u", Symbol: "BTCUSD", Side: types.SideBuy, Amount: d("1"), Price: d("1")}, apperr.ErrValidation},
		{"zero amount", PlaceOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: types.SideBuy, Price: d("1")}, apperr.ErrValidation},
		{"market without price", PlaceOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: types.SideBuy, OrderType: OrderTypeMarket, Amount: d("1")}, apperr.ErrPriceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestCrossingOrdersTradeAtRestingSellPrice(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", "USD", "1000")
	f.fund(t, "bob", "BTC", "1")

	var hooked []Trade
	var mu sync.Mutex
	f.svc.OnTrade(func(_ context.Context, tr Trade) {
		mu.Lock()
		hooked = append(hooked, tr)
		mu.Unlock()
	})

	sell := f.limit(t, "bob", types.SideSell, "1", "90")
	buy := f.limit(t, "alice", types.SideBuy, "1", "100")
	f.svc.Wait()

	trades, err := f.svc.ListTrades(context.Background(), "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, buy.OrderID, trades[0].BuyOrderID)
	assert.Equal(t, sell.OrderID, trades[0].SellOrderID)
	assert.True(t, trades[0].Price.Equal(d("90")))
	assert.True(t, trades[0].Amount.Equal(d("1")))
	require.Len(t, hooked, 1)

	aliceUSD := f.balance(t, "alice", "USD")
	assert.True(t, aliceUSD.Available.Equal(d("910")), "price improvement returned, got %s", aliceUSD.Available)
	assert.True(t, aliceUSD.Locked.IsZero())
	assert.True(t, f.balance(t, "alice", "BTC").Available.Equal(d("1")))

	bobUSD := f.balance(t, "bob", "USD")
	assert.True(t, bobUSD.Available.Equal(d("90")))
	bobBTC := f.balance(t, "bob", "BTC")
	assert.True(t, bobBTC.Total().IsZero())

	for _, id := range []string{buy.OrderID, sell.OrderID} {
		o, err := f.svc.GetOrder(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusFilled, o.Status)
		assert.True(t, o.Remaining.IsZero())
	}
}

func TestPartialFillKeepsRemainderPending(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", "USD", "1000")
	f.fund(t, "bob", "BTC", "3")

	sell := f.limit(t, "bob", types.SideSell, "3", "100")
	f.limit(t, "alice", types.SideBuy, "1", "100")
	f.svc.Wait()

	o, err := f.svc.GetOrder(context.Background(), sell.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.True(t, o.Remaining.Equal(d("2")))
	assert.True(t, o.Filled().Equal(d("1")))

	bobBTC := f.balance(t, "bob", "BTC")
	assert.True(t, bobBTC.Locked.Equal(d("2")))
	assert.True(t, bobBTC.Available.IsZero())
}

func TestNoSelfTrade(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", "USD", "1000")
	f.fund(t, "alice", "BTC", "1")

	f.limit(t, "alice", types.SideSell, "1", "90")
	f.limit(t, "alice", types.SideBuy, "1", "100")
	f.svc.Wait()

	trades, err := f.svc.ListTrades(context.Background(), "BTC-USD", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "buyer", "USD", "10000")
	for _, u := range []string{"s1", "s2", "s3"} {
		f.fund(t, u, "BTC", "1")
	}

	first := f.limit(t, "s1", types.SideSell, "1", "100")
	second := f.limit(t, "s2", types.SideSell, "1", "100")
	cheaper := f.limit(t, "s3", types.SideSell, "1", "95")
	f.svc.Wait()

	f.limit(t, "buyer", types.SideBuy, "2", "100")
	f.svc.Wait()

	trades, err := f.svc.ListTrades(context.Background(), "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	filled := map[string]bool{}
	for _, tr := range trades {
		filled[tr.SellOrderID] = true
	}
	assert.True(t, filled[cheaper.OrderID], "best price fills first")
	assert.True(t, filled[first.OrderID], "earlier order wins the tie")
	assert.False(t, filled[second.OrderID])
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "alice", "USD", "1000")

	o := f.limit(t, "alice", types.SideBuy, "3", "100")
	f.svc.Wait()

	_, err := f.svc.CancelOrder(ctx, o.OrderID, "mallory")
	assert.True(t, errors.Is(err, apperr.ErrNotOwner))

	_, err = f.svc.CancelOrder(ctx, "missing", "alice")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	cancelled, err := f.svc.CancelOrder(ctx, o.OrderID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	usd := f.balance(t, "alice", "USD")
	assert.True(t, usd.Available.Equal(d("1000")))
	assert.True(t, usd.Locked.IsZero())

	_, err = f.svc.CancelOrder(ctx, o.OrderID, "alice")
	assert.True(t, errors.Is(err, apperr.ErrOrderNotActive))
	assert.True(t, f.balance(t, "alice", "USD").Available.Equal(d("1000")), "second cancel must not unlock again")
}

func TestCancelPartiallyFilledOrderUnlocksRemainder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "alice", "USD", "1000")
	f.fund(t, "bob", "BTC", "1")

	buy := f.limit(t, "alice", types.SideBuy, "4", "100")
	f.limit(t, "bob", types.SideSell, "1", "80")
	f.svc.Wait()

	_, err := f.svc.CancelOrder(ctx, buy.OrderID, "alice")
	require.NoError(t, err)

	usd := f.balance(t, "alice", "USD")
	assert.True(t, usd.Locked.IsZero())
	assert.True(t, usd.Available.Equal(d("920")), "paid 80 for one BTC, got %s", usd.Available)
}

func TestFractionalOrderCancelRestoresExactBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "alice", "USD", "1000000")

	o := f.limit(t, "alice", types.SideBuy, "1.23456789", "65432.12345678")
	f.svc.Wait()

	stored, err := f.svc.GetOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(d("1.23456789")), "got %s", stored.Amount)
	assert.True(t, stored.Remaining.Equal(d("1.23456789")), "got %s", stored.Remaining)
	assert.True(t, stored.Price.Equal(d("65432.12345678")), "got %s", stored.Price)

	usd := f.balance(t, "alice", "USD")
	assert.True(t, usd.Locked.Equal(d("80780.3985942563907942")), "got %s", usd.Locked)

	cancelled, err := f.svc.CancelOrder(ctx, o.OrderID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	usd = f.balance(t, "alice", "USD")
	assert.True(t, usd.Locked.IsZero(), "got %s", usd.Locked)
	assert.True(t, usd.Available.Equal(d("1000000")), "got %s", usd.Available)
}

func TestFractionalOrdersMatchAndConserveBalances(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "alice", "USD", "1000000")
	f.fund(t, "bob", "BTC", "2")

	buy := f.limit(t, "alice", types.SideBuy, "1.23456789", "65432.12345678")
	f.svc.Wait()
	sell := f.limit(t, "bob", types.SideSell, "1.23456789", "65000.87654321")
	f.svc.Wait()

	trades, err := f.svc.ListTrades(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Amount.Equal(d("1.23456789")))
	assert.True(t, trades[0].Price.Equal(d("65000.87654321")))

	for _, id := range []string{buy.OrderID, sell.OrderID} {
		o, err := f.svc.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFilled, o.Status)
		assert.True(t, o.Remaining.IsZero(), "got %s", o.Remaining)
	}

	aliceUSD := f.balance(t, "alice", "USD")
	assert.True(t, aliceUSD.Locked.IsZero(), "got %s", aliceUSD.Locked)
	assert.True(t, aliceUSD.Available.Equal(d("919752.0049978987364731")), "got %s", aliceUSD.Available)
	assert.True(t, f.balance(t, "alice", "BTC").Available.Equal(d("1.23456789")))

	bobUSD := f.balance(t, "bob", "USD")
	assert.True(t, bobUSD.Available.Equal(d("80247.9950021012635269")), "got %s", bobUSD.Available)
	bobBTC := f.balance(t, "bob", "BTC")
	assert.True(t, bobBTC.Locked.IsZero(), "got %s", bobBTC.Locked)
	assert.True(t, bobBTC.Available.Equal(d("0.76543211")), "got %s", bobBTC.Available)

	// Nothing created or destroyed across both users
	assert.True(t, aliceUSD.Total().Add(bobUSD.Total()).Equal(d("1000000")))
	assert.True(t, f.balance(t, "alice", "BTC").Total().Add(bobBTC.Total()).Equal(d("2")))
}

func TestMarketOrderUsesSlippageBoundedPrice(t *testing.T) {
	f := newFixture(t, staticFeed{"BTC-USD": d("100")})
	f.fund(t, "alice", "USD", "1000")
	f.fund(t, "bob", "BTC", "1")

	buy, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "alice", Symbol: "btc-usd", Side: types.SideBuy, OrderType: OrderTypeMarket, Amount: d("2"),
	})
	require.NoError(t, err)
	assert.True(t, buy.Price.Equal(d("101")), "got %s", buy.Price)

	sell, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "bob", Symbol: "BTC-USD", Side: types.SideSell, OrderType: OrderTypeMarket, Amount: d("1"),
	})
	require.NoError(t, err)
	assert.True(t, sell.Price.Equal(d("99")))
	f.svc.Wait()

	usd := f.balance(t, "alice", "USD")
	assert.True(t, usd.Locked.Equal(d("101")), "one unit still reserved, got %s", usd.Locked)
	assert.True(t, usd.Available.Equal(d("800")), "paid 99, got %s", usd.Available)
}

func TestIdempotentPlacement(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", "USD", "1000")
	req := PlaceOrderRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: types.SideBuy, Amount: d("1"), Price: d("100"),
		IdempotencyKey: "key-1",
	}

	first, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, f.balance(t, "alice", "USD").Locked.Equal(d("100")))

	req.UserID = "mallory"
	_, err = f.svc.PlaceOrder(context.Background(), req)
	assert.Error(t, err)
	f.svc.Wait()
}

func TestPreTradeCheckRejectsBeforeLocking(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", "USD", "1000")
	f.svc.SetPreTradeCheck(func(_ context.Context, in OrderIntent) error {
		if in.Notional().GreaterThan(d("500")) {
			return apperr.ErrManualReviewRequired
		}
		return nil
	})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: types.SideBuy, Amount: d("6"), Price: d("100"),
	})
	assert.True(t, errors.Is(err, apperr.ErrManualReviewRequired))
	assert.True(t, f.balance(t, "alice", "USD").Locked.IsZero())
}

func TestConcurrentPlacementConservesBalances(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	users := []string{"u0", "u1", "u2", "u3"}
	for _, u := range users {
		f.fund(t, u, "USD", "10000")
		f.fund(t, u, "BTC", "10")
	}

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := types.SideBuy
			if i%2 == 1 {
				side = types.SideSell
			}
			_, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
				UserID: users[i%len(users)],
				Symbol: "BTC-USD",
				Side:   side,
				Amount: d("1"),
				Price:  d(fmt.Sprintf("%d", 95+i%10)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	f.svc.Wait()

	trades, err := f.svc.ListTrades(ctx, "BTC-USD", 500)
	require.NoError(t, err)

	filled := map[string]decimal.Decimal{}
	for _, tr := range trades {
		assert.NotEqual(t, tr.BuyerID, tr.SellerID)
		filled[tr.BuyOrderID] = filled[tr.BuyOrderID].Add(tr.Amount)
		filled[tr.SellOrderID] = filled[tr.SellOrderID].Add(tr.Amount)
	}
	for id, qty := range filled {
		assert.True(t, qty.LessThanOrEqual(d("1")), "order %s overfilled: %s", id, qty)
	}

	totalUSD, totalBTC := decimal.Zero, decimal.Zero
	for _, u := range users {
		totalUSD = totalUSD.Add(f.balance(t, u, "USD").Total())
		totalBTC = totalBTC.Add(f.balance(t, u, "BTC").Total())
	}
	assert.True(t, totalUSD.Equal(d("40000")), "usd %s", totalUSD)
	assert.True(t, totalBTC.Equal(d("40")), "btc %s", totalBTC)
}
