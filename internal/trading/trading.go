package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-core/internal/auth"
	"github.com/ksred/klear-core/internal/ledger"
	"github.com/ksred/klear-core/internal/market"
	"github.com/ksred/klear-core/internal/metrics"
	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/pkg/apperr"
	"github.com/ksred/klear-core/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const idempotencyTTL = 24 * time.Hour

var errIdempotencyKeyReused = &apperr.Error{
	Kind:    apperr.KindConflict,
	Code:    "IdempotencyKeyReused",
	Message: "idempotency key belongs to another request",
}

// OrderIntent is what a pre-trade check sees before any funds are reserved
type OrderIntent struct {
	UserID     string
	Symbol     string
	Side       types.Side
	Amount     decimal.Decimal
	Price      decimal.Decimal
	QuoteAsset string
}

// Notional is amount times price, in the quote asset
func (i OrderIntent) Notional() decimal.Decimal {
	return i.Amount.Mul(i.Price)
}

// PreTradeCheck may reject an order before it reaches the book
type PreTradeCheck func(ctx context.Context, intent OrderIntent) error

// TradeHook is called after each trade commits
type TradeHook func(ctx context.Context, trade Trade)

// PlaceOrderRequest describes a new plain order
type PlaceOrderRequest struct {
	UserID         string          `json:"-"`
	Symbol         string          `json:"symbol" binding:"required"`
	Side           types.Side      `json:"side" binding:"required"`
	OrderType      OrderType       `json:"order_type"`
	Amount         decimal.Decimal `json:"amount"`
	Price          decimal.Decimal `json:"price"`
	Source         string          `json:"-"`
	IdempotencyKey string          `json:"-"`
}

// Service handles order placement, cancellation and matching
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	feed     market.PriceFeed
	slippage decimal.Decimal
	now      func() time.Time
	logger   zerolog.Logger

	hookMu   sync.RWMutex
	hooks    []TradeHook
	preTrade PreTradeCheck

	qmu     sync.Mutex
	running map[string]bool
	dirty   map[string]bool
	wg      sync.WaitGroup
}

// NewService creates a trading service. feed may be nil, in which case market
// orders must carry their own reference price.
func NewService(gormDB *gorm.DB, l *ledger.Ledger, feed market.PriceFeed, marketSlippage float64) *Service {
	return &Service{
		db:       gormDB,
		ledger:   l,
		feed:     feed,
		slippage: decimal.NewFromFloat(marketSlippage),
		now:      time.Now,
		logger:   log.With().Str("component", "matching_engine").Logger(),
		running:  make(map[string]bool),
		dirty:    make(map[string]bool),
	}
}

// SetPreTradeCheck installs a check run before funds are locked
func (s *Service) SetPreTradeCheck(check PreTradeCheck) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.preTrade = check
}

// OnTrade registers a hook called for every committed trade
func (s *Service) OnTrade(hook TradeHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// PlaceOrder validates the order, locks its reservation and persists it as
// pending in one critical section, then queues the symbol for matching.
// A repeated idempotency key returns the original order.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	order, intent, err := s.prepare(req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(errorCode(err)).Inc()
		return nil, err
	}

	s.hookMu.RLock()
	check := s.preTrade
	s.hookMu.RUnlock()
	if check != nil {
		if err := check(ctx, intent); err != nil {
			metrics.OrdersRejected.WithLabelValues(errorCode(err)).Inc()
			return nil, err
		}
	}

	asset, reserve, err := reservation(order, order.Amount)
	if err != nil {
		return nil, err
	}

	var existing *Order
	err = s.ledger.Transact(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB())

		if req.IdempotencyKey != "" {
			record, err := db.GetIdempotencyRecord(req.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("loading idempotency record: %w", err)
			}
			if record != nil && record.ExpiresAt.After(s.now()) {
				if record.UserID != req.UserID {
					return errIdempotencyKeyReused
				}
				existing, err = db.GetOrder(record.ResourceID)
				if err != nil {
					return err
				}
				if existing == nil {
					return apperr.ErrNotFound.WithMessage("order %s not found", record.ResourceID)
				}
				return nil
			}
			if record != nil {
				if err := db.DeleteIdempotencyRecord(record); err != nil {
					return err
				}
			}
		}

		if err := tx.Lock(order.UserID, asset, reserve, order.OrderID); err != nil {
			return err
		}
		if err := db.CreateOrder(order); err != nil {
			return fmt.Errorf("creating order: %w", err)
		}
		if req.IdempotencyKey != "" {
			record := &IdempotencyRecord{
				IdempotencyKey: req.IdempotencyKey,
				UserID:         req.UserID,
				ResourceID:     order.OrderID,
				ResourceType:   "order",
				ExpiresAt:      s.now().Add(idempotencyTTL),
			}
			if err := db.CreateIdempotencyRecord(record); err != nil {
				return fmt.Errorf("creating idempotency record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(errorCode(err)).Inc()
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	metrics.OrdersPlaced.WithLabelValues(order.Symbol, string(order.Side), string(order.OrderType)).Inc()
	s.logger.Info().
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("amount", order.Amount.String()).
		Str("price", order.Price.String()).
		Msg("order placed")

	s.enqueue(order.Symbol)
	return order, nil
}

func (s *Service) prepare(req PlaceOrderRequest) (*Order, OrderIntent, error) {
	if req.UserID == "" {
		return nil, OrderIntent{}, apperr.MissingParam("user_id")
	}
	symbol := types.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, OrderIntent{}, apperr.MissingParam("symbol")
	}
	_, quote, err := types.SplitSymbol(symbol)
	if err != nil {
		return nil, OrderIntent{}, apperr.Validation("symbol", "%v", err)
	}
	if !req.Side.Valid() {
		return nil, OrderIntent{}, apperr.Validation("side", "side must be buy or sell, got %q", req.Side)
	}
	if !req.Amount.IsPositive() {
		return nil, OrderIntent{}, apperr.Validation("amount", "amount must be positive")
	}
	if req.Price.IsNegative() {
		return nil, OrderIntent{}, apperr.Validation("price", "price must not be negative")
	}

	orderType := req.OrderType
	if orderType == "" {
		orderType = OrderTypeLimit
	}

	var price decimal.Decimal
	switch orderType {
	case OrderTypeLimit:
		if !req.Price.IsPositive() {
			return nil, OrderIntent{}, apperr.MissingParam("price")
		}
		price = req.Price
	case OrderTypeMarket:
		ref := req.Price
		if !ref.IsPositive() {
			var ok bool
			if s.feed != nil {
				ref, ok = s.feed.Price(symbol)
			}
			if !ok {
				return nil, OrderIntent{}, apperr.ErrPriceUnavailable.WithMessage("no reference price for %s", symbol)
			}
		}
		price = s.marketPrice(req.Side, ref)
	default:
		return nil, OrderIntent{}, apperr.ErrInvalidOrderType.
			WithMessage("order_type must be limit or market, got %q", orderType).
			WithFields("order_type")
	}

	now := s.now()
	order := &Order{
		OrderID:   uuid.New().String(),
		UserID:    req.UserID,
		Symbol:    symbol,
		Side:      req.Side,
		OrderType: orderType,
		Amount:    req.Amount,
		Remaining: req.Amount,
		Price:     price,
		Status:    StatusPending,
		Source:    req.Source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	intent := OrderIntent{
		UserID:     req.UserID,
		Symbol:     symbol,
		Side:       req.Side,
		Amount:     req.Amount,
		Price:      price,
		QuoteAsset: quote,
	}
	return order, intent, nil
}

// marketPrice bounds a market order at the reference price plus slippage
func (s *Service) marketPrice(side types.Side, ref decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == types.SideBuy {
		return ref.Mul(one.Add(s.slippage)).Round(8)
	}
	return ref.Mul(one.Sub(s.slippage)).Round(8)
}

// reservation is the asset and amount locked for qty of the order:
// quote asset qty*price for buys, base asset qty for sells
func reservation(o *Order, qty decimal.Decimal) (string, decimal.Decimal, error) {
	base, quote, err := types.SplitSymbol(o.Symbol)
	if err != nil {
		return "", decimal.Zero, err
	}
	if o.Side == types.SideBuy {
		return quote, qty.Mul(o.Price), nil
	}
	return base, qty, nil
}

// CancelOrder cancels a pending order owned by userID and unlocks what is still reserved
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (*Order, error) {
	var cancelled *Order
	err := s.ledger.Transact(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB())
		order, err := db.GetOrder(orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return apperr.ErrNotFound.WithMessage("order %s not found", orderID)
		}
		if order.UserID != userID {
			return apperr.ErrNotOwner
		}
		if order.Status != StatusPending {
			return apperr.ErrOrderNotActive.WithMessage("order %s is already %s", orderID, order.Status)
		}

		asset, amount, err := reservation(order, order.Remaining)
		if err != nil {
			return err
		}
		if err := tx.Unlock(order.UserID, asset, amount, order.OrderID); err != nil {
			return err
		}

		order.Status = StatusCancelled
		order.UpdatedAt = s.now()
		if err := db.UpdateOrder(order); err != nil {
			return fmt.Errorf("updating order: %w", err)
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", orderID).
		Str("user_id", userID).
		Str("remaining", cancelled.Remaining.String()).
		Msg("order cancelled")
	return cancelled, nil
}

// GetOrder returns an order by id
func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	order, err := NewDatabase(s.db.WithContext(ctx)).GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperr.ErrNotFound.WithMessage("order %s not found", orderID)
	}
	return order, nil
}

// GetUserOrder returns an order only when userID owns it
func (s *Service) GetUserOrder(ctx context.Context, orderID, userID string) (*Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperr.ErrNotFound.WithMessage("order %s not found", orderID)
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, userID string, status OrderStatus, limit int) ([]Order, error) {
	return NewDatabase(s.db.WithContext(ctx)).ListUserOrders(userID, status, limit)
}

func (s *Service) ListTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	return NewDatabase(s.db.WithContext(ctx)).ListTrades(types.NormalizeSymbol(symbol), limit)
}

// OrderTrades returns the trades an order took part in, oldest first
func (s *Service) OrderTrades(ctx context.Context, orderID string) ([]Trade, error) {
	return NewDatabase(s.db.WithContext(ctx)).ListOrderTrades(orderID)
}

func errorCode(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "internal"
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to place orders.
// An optional Idempotency-Key header makes retries return the original order.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.UserID = auth.UserID(c)
		req.Source = "api"
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")

		order, err := h.service.PlaceOrder(c.Request.Context(), req)
		response.Handle(c, order, err)
	}
}

// GetOrderStatusHandler returns one of the caller's orders
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetUserOrder(c.Request.Context(), c.Param("order_id"), auth.UserID(c))
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler lists the caller's orders, optionally filtered by ?status=
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.service.ListOrders(
			c.Request.Context(),
			auth.UserID(c),
			OrderStatus(c.Query("status")),
			QueryLimit(c),
		)
		response.Handle(c, orders, err)
	}
}

// CancelOrderHandler cancels one of the caller's orders
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), c.Param("order_id"), auth.UserID(c))
		response.Handle(c, order, err)
	}
}

// ListTradesHandler lists recent trades, optionally for ?symbol=
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trades, err := h.service.ListTrades(c.Request.Context(), c.Query("symbol"), QueryLimit(c))
		response.Handle(c, trades, err)
	}
}

// QueryLimit reads ?limit=, defaulting to 100 and capped at 500
func QueryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}
