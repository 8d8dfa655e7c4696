package advanced

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-core/internal/metrics"
	"github.com/ksred/klear-core/internal/trading"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const sourceAdvanced = "advanced"

// Monitor drives advanced orders on a fixed tick
type Monitor struct {
	service  *Service
	interval time.Duration
}

func NewMonitor(service *Service, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		service:  service,
		interval: interval,
	}
}

// Start runs the evaluation loop until ctx is cancelled. Pending TWAP slices
// left over from a previous run are picked up on the first tick.
func (m *Monitor) Start(ctx context.Context) error {
	logger := log.With().Str("component", "advanced_monitor").Logger()

	open, err := NewDatabase(m.service.db.WithContext(ctx)).ListOpenOrders()
	if err != nil {
		return fmt.Errorf("loading open advanced orders: %w", err)
	}
	logger.Info().Int("open_orders", len(open)).Dur("interval", m.interval).Msg("starting advanced order monitor")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.service.Tick(ctx); err != nil {
			logger.Error().Err(err).Msg("advanced order tick failed")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down advanced order monitor")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick expires due orders, evaluates every open order against the current
// price and releases due TWAP slices. One order failing never stops the rest.
func (s *Service) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.MonitorTickDuration.Observe(time.Since(start).Seconds())
	}()

	orders, err := NewDatabase(s.db.WithContext(ctx)).ListOpenOrders()
	if err != nil {
		return fmt.Errorf("loading open advanced orders: %w", err)
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.evaluate(ctx, o.OrderID); err != nil {
			s.logger.Error().Err(err).Str("order_id", o.OrderID).Str("type", string(o.Type)).Msg("failed to evaluate advanced order")
		}
	}

	return s.runDueTasks(ctx)
}

// evaluate reloads one order under its lock and acts on it
func (s *Service) evaluate(ctx context.Context, orderID string) (err error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic evaluating order: %v", r)
		}
	}()

	db := NewDatabase(s.db.WithContext(ctx))
	order, err := db.GetOrder(orderID)
	if err != nil || order == nil || order.Status.Terminal() {
		return err
	}

	// Placed on an earlier tick whose close did not persist
	if order.ExecutedOrderID != "" && order.Type != TypeTWAP && order.Type != TypeIceberg {
		s.logger.Warn().
			Str("order_id", order.OrderID).
			Str("executed_order_id", order.ExecutedOrderID).
			Msg("advanced order already executed, closing without resubmitting")
		return s.close(ctx, order, StatusFilled, "")
	}

	if order.ExpiresAt != nil && !order.ExpiresAt.After(s.now()) {
		s.pullSlice(ctx, order)
		if err := s.close(ctx, order, StatusExpired, ""); err != nil {
			return err
		}
		metrics.AdvancedTriggers.WithLabelValues(string(order.Type), "expired").Inc()
		s.logger.Info().Str("order_id", order.OrderID).Msg("advanced order expired")
		return nil
	}

	// TWAP slices run on their own schedule
	if order.Type == TypeTWAP {
		return nil
	}

	if s.feed == nil {
		return nil
	}
	price, ok := s.feed.Price(order.Symbol)
	if !ok {
		return nil
	}

	switch order.Type {
	case TypeStopLoss:
		if stopHit(order.Side, price, order.TriggerPrice.Decimal) {
			if order.LimitPrice.Valid {
				return s.fire(ctx, order, limitOrder(order.LimitPrice.Decimal), "")
			}
			return s.fire(ctx, order, marketOrder(price), "")
		}
	case TypeTakeProfit:
		if takeProfitHit(order.Side, price, order.TriggerPrice.Decimal) {
			return s.fire(ctx, order, marketOrder(price), "")
		}
	case TypeTrailingStop:
		if ratchet(order, price) {
			order.UpdatedAt = s.now()
			if err := db.UpdateOrder(order); err != nil {
				return fmt.Errorf("saving trailing trigger: %w", err)
			}
			s.logger.Debug().
				Str("order_id", order.OrderID).
				Str("trigger_price", order.TriggerPrice.Decimal.String()).
				Msg("trailing stop moved")
		}
		if stopHit(order.Side, price, order.TriggerPrice.Decimal) {
			return s.fire(ctx, order, marketOrder(price), "")
		}
	case TypeOCO:
		switch {
		case stopHit(order.Side, price, order.StopPrice.Decimal):
			return s.fire(ctx, order, marketOrder(price), LegStop)
		case takeProfitHit(order.Side, price, order.LimitPrice.Decimal):
			return s.fire(ctx, order, limitOrder(order.LimitPrice.Decimal), LegLimit)
		}
	case TypeIceberg:
		return s.advanceIceberg(ctx, order)
	}
	return nil
}

type placement struct {
	orderType trading.OrderType
	price     decimal.Decimal
}

// marketOrder uses price as the reference the engine bounds slippage against
func marketOrder(price decimal.Decimal) placement {
	return placement{orderType: trading.OrderTypeMarket, price: price}
}

func limitOrder(price decimal.Decimal) placement {
	return placement{orderType: trading.OrderTypeLimit, price: price}
}

func (s *Service) submit(ctx context.Context, order *AdvancedOrder, amount decimal.Decimal, p placement) (*trading.Order, error) {
	return s.placer.PlaceOrder(ctx, trading.PlaceOrderRequest{
		UserID:    order.UserID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		OrderType: p.orderType,
		Amount:    amount,
		Price:     p.price,
		Source:    sourceAdvanced,
	})
}

// fire converts the whole order into one plain order. For OCO, leg names
// the side that triggered and the other leg is cancelled in the same write.
// The executed order id is saved before closing so a failed close is
// finished on the next tick instead of placing a second order.
func (s *Service) fire(ctx context.Context, order *AdvancedOrder, p placement, leg string) error {
	placed, err := s.submit(ctx, order, order.Remaining(), p)
	recordTrigger(order, err)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("order_id", order.OrderID).
			Str("type", string(order.Type)).
			Msg("advanced order execution failed")
		return s.close(ctx, order, StatusCancelled, err.Error())
	}

	now := s.now()
	order.ExecutedOrderID = placed.OrderID
	order.FilledAmount = order.Amount
	order.TriggeredAt = &now
	if leg != "" {
		order.TriggeredLeg = leg
		order.CancelledLeg = LegLimit
		if leg == LegLimit {
			order.CancelledLeg = LegStop
		}
	}
	order.UpdatedAt = now
	if err := NewDatabase(s.db.WithContext(ctx)).UpdateOrder(order); err != nil {
		s.logger.Error().
			Err(err).
			Str("order_id", order.OrderID).
			Str("executed_order_id", placed.OrderID).
			Msg("failed to record executed order")
		return fmt.Errorf("recording execution of %s: %w", order.OrderID, err)
	}
	if err := s.close(ctx, order, StatusFilled, ""); err != nil {
		return err
	}

	s.logger.Info().
		Str("order_id", order.OrderID).
		Str("type", string(order.Type)).
		Str("executed_order_id", placed.OrderID).
		Str("triggered_leg", order.TriggeredLeg).
		Msg("advanced order triggered")
	return nil
}

// advanceIceberg keeps one visible slice on the book until the full amount has filled
func (s *Service) advanceIceberg(ctx context.Context, order *AdvancedOrder) error {
	db := NewDatabase(s.db.WithContext(ctx))

	if order.CurrentSliceID != "" {
		slice, err := s.placer.GetOrder(ctx, order.CurrentSliceID)
		if err != nil {
			return fmt.Errorf("loading iceberg slice %s: %w", order.CurrentSliceID, err)
		}
		switch slice.Status {
		case trading.StatusPending:
			return nil
		case trading.StatusCancelled:
			order.FilledAmount = order.FilledAmount.Add(slice.Filled())
			order.CurrentSliceID = ""
			return s.close(ctx, order, StatusCancelled, "visible slice was cancelled")
		case trading.StatusFilled:
			order.FilledAmount = order.FilledAmount.Add(slice.Amount)
			order.SlicesExecuted++
			order.CurrentSliceID = ""
		}
	}

	remaining := order.Remaining()
	if !remaining.IsPositive() {
		if err := s.close(ctx, order, StatusFilled, ""); err != nil {
			return err
		}
		metrics.AdvancedTriggers.WithLabelValues(string(order.Type), "executed").Inc()
		s.logger.Info().Str("order_id", order.OrderID).Int("slices", order.SlicesExecuted).Msg("iceberg order filled")
		return nil
	}

	size := decimal.Min(order.VisibleSize.Decimal, remaining)
	placed, err := s.submit(ctx, order, size, limitOrder(order.LimitPrice.Decimal))
	if err != nil {
		recordTrigger(order, err)
		s.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to release iceberg slice")
		return s.close(ctx, order, StatusCancelled, err.Error())
	}

	now := s.now()
	if order.TriggeredAt == nil {
		order.TriggeredAt = &now
	}
	order.CurrentSliceID = placed.OrderID
	order.Status = StatusActive
	order.UpdatedAt = now
	if err := db.UpdateOrder(order); err != nil {
		return fmt.Errorf("saving iceberg slice: %w", err)
	}
	metrics.AdvancedTriggers.WithLabelValues(string(order.Type), "slice").Inc()
	s.logger.Info().
		Str("order_id", order.OrderID).
		Str("slice_id", placed.OrderID).
		Str("size", size.String()).
		Msg("iceberg slice released")
	return nil
}

// runDueTasks executes every TWAP slice whose time has come
func (s *Service) runDueTasks(ctx context.Context) error {
	tasks, err := NewDatabase(s.db.WithContext(ctx)).ListPendingTasks()
	if err != nil {
		return fmt.Errorf("loading scheduled slices: %w", err)
	}

	now := s.now()
	for i := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tasks[i].DueAt.After(now) {
			continue
		}
		if err := s.runTask(ctx, &tasks[i]); err != nil {
			s.logger.Error().Err(err).Str("task_id", tasks[i].TaskID).Str("order_id", tasks[i].OrderID).Msg("failed to run scheduled slice")
		}
	}
	return nil
}

func (s *Service) runTask(ctx context.Context, task *ScheduledTask) error {
	unlock := s.locks.Lock(task.OrderID)
	defer unlock()

	db := NewDatabase(s.db.WithContext(ctx))
	order, err := db.GetOrder(task.OrderID)
	if err != nil {
		return err
	}

	now := s.now()
	if order == nil || order.Status != StatusActive {
		task.Status = TaskCancelled
		task.UpdatedAt = now
		return db.UpdateTask(task)
	}

	if s.feed == nil {
		return nil
	}
	price, ok := s.feed.Price(order.Symbol)
	if !ok {
		// retried on the next tick
		return nil
	}

	placed, err := s.submit(ctx, order, task.Amount, marketOrder(price))
	if err != nil {
		recordTrigger(order, err)
		task.Status = TaskFailed
		task.Error = err.Error()
		task.UpdatedAt = now
		if err := db.CompleteTask(task, order); err != nil {
			return err
		}
		s.logger.Error().
			Err(err).
			Str("order_id", order.OrderID).
			Int("sequence", task.Sequence).
			Msg("twap slice failed, cancelling order")
		return s.close(ctx, order, StatusCancelled, fmt.Sprintf("slice %d failed: %v", task.Sequence, err))
	}

	task.Status = TaskDone
	task.PlacedOrderID = placed.OrderID
	task.UpdatedAt = now
	order.SlicesExecuted++
	order.FilledAmount = order.FilledAmount.Add(task.Amount)
	order.ExecutedOrderID = placed.OrderID
	if order.TriggeredAt == nil {
		order.TriggeredAt = &now
	}
	order.UpdatedAt = now
	if order.SlicesExecuted >= *order.Intervals {
		order.Status = StatusFilled
	}
	if err := db.CompleteTask(task, order); err != nil {
		return fmt.Errorf("recording slice %d: %w", task.Sequence, err)
	}

	if order.Status == StatusFilled {
		metrics.AdvancedTriggers.WithLabelValues(string(order.Type), "executed").Inc()
		s.logger.Info().Str("order_id", order.OrderID).Int("slices", order.SlicesExecuted).Msg("twap order completed")
	} else {
		s.logger.Info().
			Str("order_id", order.OrderID).
			Int("sequence", task.Sequence).
			Str("amount", task.Amount.String()).
			Msg("twap slice executed")
	}
	return nil
}
