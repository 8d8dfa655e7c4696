// Package market keeps the latest price tick per symbol.
package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/pkg/apperr"
	"github.com/ksred/klear-core/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PriceFeed supplies the current price of a symbol. ok is false when there is no data this tick.
type PriceFeed interface {
	Price(symbol string) (price decimal.Decimal, ok bool)
}

// ErrInvalidTick is returned for ticks without a symbol or with a non-positive price
var ErrInvalidTick = errors.New("invalid tick")

// PriceStore is an in-memory PriceFeed fed by Update
type PriceStore struct {
	mu      sync.RWMutex
	tickers map[string]types.Tick
	maxAge  time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewPriceStore creates a store. Ticks older than maxAge are reported as unavailable; zero disables the check.
func NewPriceStore(maxAge time.Duration) *PriceStore {
	return &PriceStore{
		tickers: make(map[string]types.Tick),
		maxAge:  maxAge,
		now:     time.Now,
		logger:  log.With().Str("component", "price_store").Logger(),
	}
}

// Update records a tick. Missing 24h high/low are carried from the previous tick.
func (s *PriceStore) Update(tick types.Tick) error {
	tick.Symbol = types.NormalizeSymbol(tick.Symbol)
	if tick.Symbol == "" || !tick.Price.IsPositive() {
		return fmt.Errorf("%w: symbol %q price %s", ErrInvalidTick, tick.Symbol, tick.Price)
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.tickers[tick.Symbol]
	if tick.High24h.IsZero() {
		tick.High24h = tick.Price
		if seen && prev.High24h.GreaterThan(tick.High24h) {
			tick.High24h = prev.High24h
		}
	}
	if tick.Low24h.IsZero() {
		tick.Low24h = tick.Price
		if seen && prev.Low24h.IsPositive() && prev.Low24h.LessThan(tick.Low24h) {
			tick.Low24h = prev.Low24h
		}
	}
	if tick.Volume24h.IsZero() && seen {
		tick.Volume24h = prev.Volume24h
	}

	s.tickers[tick.Symbol] = tick
	s.logger.Debug().
		Str("symbol", tick.Symbol).
		Str("price", tick.Price.String()).
		Msg("tick updated")
	return nil
}

// Price implements PriceFeed
func (s *PriceStore) Price(symbol string) (decimal.Decimal, bool) {
	tick, ok := s.Ticker(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return tick.Price, true
}

// Ticker returns the latest tick for symbol, if it is fresh enough
func (s *PriceStore) Ticker(symbol string) (types.Tick, bool) {
	s.mu.RLock()
	tick, ok := s.tickers[types.NormalizeSymbol(symbol)]
	s.mu.RUnlock()
	if !ok {
		return types.Tick{}, false
	}
	if s.maxAge > 0 && s.now().Sub(tick.Timestamp) > s.maxAge {
		return types.Tick{}, false
	}
	return tick, true
}

// Tickers returns every known tick sorted by symbol
func (s *PriceStore) Tickers() []types.Tick {
	s.mu.RLock()
	out := make([]types.Tick, 0, len(s.tickers))
	for _, t := range s.tickers {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GinHandlers contains HTTP handlers for market data endpoints
type GinHandlers struct {
	store *PriceStore
}

func NewGinHandlers(store *PriceStore) *GinHandlers {
	return &GinHandlers{store: store}
}

// ListTickersHandler returns all latest ticks
func (h *GinHandlers) ListTickersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.store.Tickers())
	}
}

// GetTickerHandler returns the latest tick for :symbol
func (h *GinHandlers) GetTickerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tick, ok := h.store.Ticker(c.Param("symbol"))
		if !ok {
			response.Handle(c, nil, apperr.ErrPriceUnavailable.WithMessage("no price for %s", c.Param("symbol")))
			return
		}
		response.Success(c, tick)
	}
}

// PublishTickHandler accepts a tick from an external feed. Internal only.
func (h *GinHandlers) PublishTickHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var tick types.Tick
		if err := c.ShouldBindJSON(&tick); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.store.Update(tick); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		stored, _ := h.store.Ticker(tick.Symbol)
		response.Success(c, stored)
	}
}
