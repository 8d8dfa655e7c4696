package advanced

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-core/internal/auth"
	"github.com/ksred/klear-core/internal/ledger"
	"github.com/ksred/klear-core/internal/market"
	"github.com/ksred/klear-core/internal/metrics"
	"github.com/ksred/klear-core/internal/trading"
	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/pkg/apperr"
	"github.com/ksred/klear-core/pkg/keylock"
	"github.com/ksred/klear-core/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderPlacer submits and inspects plain orders on the matching engine
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req trading.PlaceOrderRequest) (*trading.Order, error)
	GetOrder(ctx context.Context, orderID string) (*trading.Order, error)
	CancelOrder(ctx context.Context, orderID, userID string) (*trading.Order, error)
}

// Balances reads account balances for the creation pre-check
type Balances interface {
	GetBalance(ctx context.Context, userID, asset string) (ledger.Balance, error)
}

// Service manages advanced orders and converts them into plain orders once
// their conditions hold
type Service struct {
	db       *gorm.DB
	placer   OrderPlacer
	balances Balances
	feed     market.PriceFeed
	locks    *keylock.Locker
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(gormDB *gorm.DB, placer OrderPlacer, balances Balances, feed market.PriceFeed) *Service {
	return &Service{
		db:       gormDB,
		placer:   placer,
		balances: balances,
		feed:     feed,
		locks:    keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.With().Str("component", "advanced_orders").Logger(),
	}
}

// CreateOrder validates and stores an advanced order. TWAP orders start
// active with their slices scheduled; everything else waits as pending.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*AdvancedOrder, error) {
	req.Symbol = types.NormalizeSymbol(req.Symbol)
	now := s.now()
	if err := req.Validate(now); err != nil {
		return nil, err
	}
	if err := s.checkBalance(ctx, req); err != nil {
		return nil, err
	}

	order := &AdvancedOrder{
		OrderID:      uuid.New().String(),
		UserID:       req.UserID,
		Type:         req.Type,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Amount:       req.Amount,
		Status:       StatusPending,
		TriggerPrice: req.TriggerPrice,
		TrailAmount:  req.TrailAmount,
		TrailPercent: req.TrailPercent,
		VisibleSize:  req.VisibleSize,
		Duration:     req.Duration,
		Intervals:    req.Intervals,
		StopPrice:    req.StopPrice,
		LimitPrice:   req.LimitPrice,
		FilledAmount: decimal.Zero,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var tasks []ScheduledTask
	if order.Type == TypeTWAP {
		order.Status = StatusActive
		tasks = schedule(order)
	}

	if err := NewDatabase(s.db.WithContext(ctx)).CreateOrder(order, tasks); err != nil {
		return nil, fmt.Errorf("creating advanced order: %w", err)
	}

	s.logger.Info().
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("type", string(order.Type)).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("amount", order.Amount.String()).
		Int("scheduled_slices", len(tasks)).
		Msg("advanced order created")
	return order, nil
}

// schedule spreads a TWAP order over its duration: slice i is due at
// createdAt + (i+1)*duration/intervals
func schedule(order *AdvancedOrder) []ScheduledTask {
	intervals := *order.Intervals
	step := time.Duration(*order.Duration) * time.Minute / time.Duration(intervals)
	amounts := twapSlices(order.Amount, intervals)

	tasks := make([]ScheduledTask, intervals)
	for i := range tasks {
		tasks[i] = ScheduledTask{
			TaskID:    uuid.New().String(),
			OrderID:   order.OrderID,
			Sequence:  i + 1,
			Amount:    amounts[i],
			DueAt:     order.CreatedAt.Add(step * time.Duration(i+1)),
			Status:    TaskPending,
			CreatedAt: order.CreatedAt,
			UpdatedAt: order.CreatedAt,
		}
	}
	return tasks
}

// checkBalance verifies available funds without reserving them. Buys are
// priced at the highest of the order's own prices and the market.
func (s *Service) checkBalance(ctx context.Context, req CreateOrderRequest) error {
	base, quote, err := types.SplitSymbol(req.Symbol)
	if err != nil {
		return apperr.Validation("symbol", "%v", err)
	}

	asset, required := base, req.Amount
	if req.Side == types.SideBuy {
		ref := decimal.Zero
		for _, p := range []decimal.NullDecimal{req.LimitPrice, req.TriggerPrice, req.StopPrice} {
			if p.Valid {
				ref = decimal.Max(ref, p.Decimal)
			}
		}
		if s.feed != nil {
			if price, ok := s.feed.Price(req.Symbol); ok {
				ref = decimal.Max(ref, price)
			}
		}
		if !ref.IsPositive() {
			return apperr.ErrPriceUnavailable.WithMessage("no reference price for %s", req.Symbol)
		}
		asset, required = quote, req.Amount.Mul(ref)
	}

	balance, err := s.balances.GetBalance(ctx, req.UserID, asset)
	if err != nil {
		return fmt.Errorf("loading balance: %w", err)
	}
	if balance.Available.LessThan(required) {
		return apperr.ErrInsufficientBalance.
			WithDetail("asset", asset).
			WithDetail("available", balance.Available.String()).
			WithDetail("required", required.String())
	}
	return nil
}

// CancelOrder cancels a live advanced order owned by userID. A resting
// iceberg slice is pulled from the book and unexecuted TWAP slices dropped.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (*AdvancedOrder, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	db := NewDatabase(s.db.WithContext(ctx))
	order, err := db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperr.ErrNotFound.WithMessage("advanced order %s not found", orderID)
	}
	if order.UserID != userID {
		return nil, apperr.ErrNotOwner
	}
	if order.Status.Terminal() {
		return nil, apperr.ErrOrderNotActive.WithMessage("advanced order %s is already %s", orderID, order.Status)
	}

	s.pullSlice(ctx, order)
	if err := s.close(ctx, order, StatusCancelled, ""); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", orderID).
		Str("user_id", userID).
		Str("filled", order.FilledAmount.String()).
		Msg("advanced order cancelled")
	return order, nil
}

// pullSlice cancels the resting iceberg slice, if any, and counts what it filled
func (s *Service) pullSlice(ctx context.Context, order *AdvancedOrder) {
	if order.CurrentSliceID == "" {
		return
	}
	sliceID := order.CurrentSliceID
	if _, err := s.placer.CancelOrder(ctx, sliceID, order.UserID); err != nil && !errors.Is(err, apperr.ErrOrderNotActive) {
		s.logger.Error().Err(err).Str("order_id", order.OrderID).Str("slice_id", sliceID).Msg("failed to cancel iceberg slice")
	}
	if slice, err := s.placer.GetOrder(ctx, sliceID); err == nil {
		order.FilledAmount = order.FilledAmount.Add(slice.Filled())
		if slice.Status == trading.StatusFilled {
			order.SlicesExecuted++
		}
	}
	order.CurrentSliceID = ""
}

// close moves the order to a terminal status and cancels its pending slices
func (s *Service) close(ctx context.Context, order *AdvancedOrder, status Status, reason string) error {
	if !CanTransition(order.Status, status) {
		return apperr.ErrInvalidTransition.WithMessage("cannot move advanced order from %s to %s", order.Status, status)
	}
	now := s.now()
	order.Status = status
	order.FailureReason = reason
	order.UpdatedAt = now
	if err := NewDatabase(s.db.WithContext(ctx)).CloseOrder(order, now); err != nil {
		return fmt.Errorf("closing advanced order %s: %w", order.OrderID, err)
	}
	return nil
}

// GetOrder returns an advanced order only when userID owns it
func (s *Service) GetOrder(ctx context.Context, orderID, userID string) (*AdvancedOrder, error) {
	order, err := NewDatabase(s.db.WithContext(ctx)).GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.UserID != userID {
		return nil, apperr.ErrNotFound.WithMessage("advanced order %s not found", orderID)
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, userID string, status Status, limit int) ([]AdvancedOrder, error) {
	return NewDatabase(s.db.WithContext(ctx)).ListUserOrders(userID, status, limit)
}

// Tasks returns the scheduled slices of a TWAP order
func (s *Service) Tasks(ctx context.Context, orderID string) ([]ScheduledTask, error) {
	return NewDatabase(s.db.WithContext(ctx)).ListOrderTasks(orderID)
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "executed"
}

func recordTrigger(order *AdvancedOrder, err error) {
	metrics.AdvancedTriggers.WithLabelValues(string(order.Type), outcome(err)).Inc()
}

// GinHandlers contains HTTP handlers for advanced order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to create advanced orders
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.UserID = auth.UserID(c)

		order, err := h.service.CreateOrder(c.Request.Context(), req)
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler lists the caller's advanced orders, optionally filtered by ?status=
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.service.ListOrders(
			c.Request.Context(),
			auth.UserID(c),
			Status(c.Query("status")),
			trading.QueryLimit(c),
		)
		response.Handle(c, orders, err)
	}
}

// GetOrderHandler returns one advanced order with its TWAP schedule
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		order, err := h.service.GetOrder(ctx, c.Param("order_id"), auth.UserID(c))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		tasks, err := h.service.Tasks(ctx, order.OrderID)
		response.Handle(c, gin.H{"order": order, "slices": tasks}, err)
	}
}

// CancelOrderHandler cancels one of the caller's advanced orders
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), c.Param("order_id"), auth.UserID(c))
		response.Handle(c, order, err)
	}
}
