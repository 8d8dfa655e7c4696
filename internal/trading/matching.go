package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-core/internal/ledger"
	"github.com/ksred/klear-core/internal/metrics"
	"github.com/ksred/klear-core/internal/types"
	"github.com/shopspring/decimal"
)

// errStaleOrder means an order left the book between the scan and the match
var errStaleOrder = errors.New("order no longer open")

// enqueue schedules a matching pass for symbol. While a pass is running,
// further requests collapse into a single follow-up pass.
func (s *Service) enqueue(symbol string) {
	s.qmu.Lock()
	defer s.qmu.Unlock()

	if s.running[symbol] {
		s.dirty[symbol] = true
		return
	}
	s.running[symbol] = true
	s.wg.Add(1)
	go s.drain(symbol)
}

func (s *Service) drain(symbol string) {
	defer s.wg.Done()

	for {
		if _, err := s.matchPass(context.Background(), symbol); err != nil {
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("matching pass failed")
		}

		s.qmu.Lock()
		if !s.dirty[symbol] {
			delete(s.running, symbol)
			s.qmu.Unlock()
			return
		}
		delete(s.dirty, symbol)
		s.qmu.Unlock()
	}
}

// Wait blocks until every queued matching pass has finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// Resume queues a pass for every symbol with open orders, used after a restart
func (s *Service) Resume(ctx context.Context) error {
	var symbols []string
	err := s.db.WithContext(ctx).
		Model(&Order{}).
		Where("status = ?", StatusPending).
		Distinct("symbol").
		Pluck("symbol", &symbols).Error
	if err != nil {
		return fmt.Errorf("listing open symbols: %w", err)
	}
	for _, symbol := range symbols {
		s.enqueue(symbol)
	}
	s.logger.Info().Int("symbols", len(symbols)).Msg("resumed matching for open orders")
	return nil
}

// matchPass crosses the open orders of one symbol by price-time priority
func (s *Service) matchPass(ctx context.Context, symbol string) ([]Trade, error) {
	start := time.Now()
	defer func() {
		metrics.MatchingPassDuration.WithLabelValues(symbol).Observe(time.Since(start).Seconds())
	}()

	orders, err := NewDatabase(s.db.WithContext(ctx)).ListOpenOrders(symbol)
	if err != nil {
		return nil, fmt.Errorf("loading open orders: %w", err)
	}

	var buys, sells []*Order
	for i := range orders {
		if orders[i].Side == types.SideBuy {
			buys = append(buys, &orders[i])
		} else {
			sells = append(sells, &orders[i])
		}
	}
	// Stable sorts keep arrival order for equal prices
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Price.GreaterThan(buys[j].Price) })
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Price.LessThan(sells[j].Price) })

	var trades []Trade
	for _, buy := range buys {
		for _, sell := range sells {
			if buy.Status != StatusPending || !buy.Remaining.IsPositive() {
				break
			}
			if sell.Status != StatusPending || !sell.Remaining.IsPositive() {
				continue
			}
			if sell.UserID == buy.UserID {
				continue
			}
			if sell.Price.GreaterThan(buy.Price) {
				break
			}

			trade, err := s.execute(ctx, buy, sell)
			if errors.Is(err, errStaleOrder) {
				continue
			}
			if err != nil {
				s.logger.Error().
					Err(err).
					Str("buy_order_id", buy.OrderID).
					Str("sell_order_id", sell.OrderID).
					Msg("failed to execute match")
				continue
			}
			trades = append(trades, *trade)
			s.notify(ctx, *trade)
		}
	}
	return trades, nil
}

// execute settles one match in a single ledger transaction. Both orders are
// re-read inside the transaction and the in-memory copies refreshed afterwards.
func (s *Service) execute(ctx context.Context, buy, sell *Order) (*Trade, error) {
	base, quote, err := types.SplitSymbol(buy.Symbol)
	if err != nil {
		return nil, err
	}

	var (
		trade               *Trade
		freshBuy, freshSell *Order
	)
	err = s.ledger.Transact(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB())
		var err error
		if freshBuy, err = db.GetOrder(buy.OrderID); err != nil {
			return err
		}
		if freshSell, err = db.GetOrder(sell.OrderID); err != nil {
			return err
		}
		if freshBuy == nil || freshSell == nil ||
			freshBuy.Status != StatusPending || freshSell.Status != StatusPending {
			return errStaleOrder
		}

		qty := decimal.Min(freshBuy.Remaining, freshSell.Remaining)
		if !qty.IsPositive() {
			return errStaleOrder
		}
		price := freshSell.Price
		notional := qty.Mul(price)
		tradeID := uuid.New().String()

		// Buyer releases the reserve for qty at their own limit and pays the trade price
		if err := tx.Unlock(freshBuy.UserID, quote, qty.Mul(freshBuy.Price), tradeID); err != nil {
			return err
		}
		if err := tx.Debit(freshBuy.UserID, quote, notional, tradeID); err != nil {
			return err
		}
		if err := tx.Credit(freshBuy.UserID, base, qty, tradeID); err != nil {
			return err
		}

		if err := tx.Unlock(freshSell.UserID, base, qty, tradeID); err != nil {
			return err
		}
		if err := tx.Debit(freshSell.UserID, base, qty, tradeID); err != nil {
			return err
		}
		if err := tx.Credit(freshSell.UserID, quote, notional, tradeID); err != nil {
			return err
		}

		now := s.now()
		for _, o := range []*Order{freshBuy, freshSell} {
			o.Remaining = o.Remaining.Sub(qty)
			if o.Remaining.IsZero() {
				o.Status = StatusFilled
			}
			o.UpdatedAt = now
			if err := db.UpdateOrder(o); err != nil {
				return fmt.Errorf("updating order %s: %w", o.OrderID, err)
			}
		}

		trade = &Trade{
			TradeID:     tradeID,
			BuyOrderID:  freshBuy.OrderID,
			SellOrderID: freshSell.OrderID,
			BuyerID:     freshBuy.UserID,
			SellerID:    freshSell.UserID,
			Symbol:      freshBuy.Symbol,
			Amount:      qty,
			Price:       price,
			CreatedAt:   now,
		}
		if err := db.CreateTrade(trade); err != nil {
			return fmt.Errorf("creating trade: %w", err)
		}
		return nil
	})

	if errors.Is(err, errStaleOrder) {
		refresh(buy, freshBuy)
		refresh(sell, freshSell)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	*buy = *freshBuy
	*sell = *freshSell
	metrics.TradesExecuted.WithLabelValues(trade.Symbol).Inc()
	s.logger.Info().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Str("amount", trade.Amount.String()).
		Str("price", trade.Price.String()).
		Str("buy_order_id", trade.BuyOrderID).
		Str("sell_order_id", trade.SellOrderID).
		Msg("trade executed")
	return trade, nil
}

// refresh copies the latest stored state into the scan copy, or drops it from the book
func refresh(scan, fresh *Order) {
	if fresh == nil {
		scan.Status = StatusCancelled
		return
	}
	*scan = *fresh
}

func (s *Service) notify(ctx context.Context, trade Trade) {
	s.hookMu.RLock()
	hooks := append([]TradeHook(nil), s.hooks...)
	s.hookMu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().
						Interface("panic", r).
						Str("trade_id", trade.TradeID).
						Msg("trade hook panicked")
				}
			}()
			hook(ctx, trade)
		}()
	}
}
