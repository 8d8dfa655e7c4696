package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-core/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Venue represents a mock trading venue quoting prices
type Venue struct {
	ID              string
	Name            string
	MinLatency      int // in milliseconds
	MaxLatency      int
	LiquidityFactor float64 // 0-1, represents available liquidity
	SuccessRate     float64 // 0-1, probability the venue answers this round
	Spread          float64 // max relative deviation from the reference price
}

// DefaultVenues are the mock venues the simulator polls
func DefaultVenues() []*Venue {
	return []*Venue{
		{
			ID:              "EXCH1",
			Name:            "Primary Exchange",
			MinLatency:      5,
			MaxLatency:      30,
			LiquidityFactor: 0.9,
			SuccessRate:     0.95,
			Spread:          0.001,
		},
		{
			ID:              "EXCH2",
			Name:            "Secondary Exchange",
			MinLatency:      10,
			MaxLatency:      50,
			LiquidityFactor: 0.7,
			SuccessRate:     0.90,
			Spread:          0.002,
		},
		{
			ID:              "EXCH3",
			Name:            "Regional Exchange",
			MinLatency:      15,
			MaxLatency:      70,
			LiquidityFactor: 0.5,
			SuccessRate:     0.85,
			Spread:          0.003,
		},
		{
			ID:              "EXCH4",
			Name:            "Dark Pool",
			MinLatency:      20,
			MaxLatency:      100,
			LiquidityFactor: 0.3,
			SuccessRate:     0.75,
			Spread:          0.004,
		},
	}
}

// Quote is one venue's answer for a symbol
type Quote struct {
	VenueID string
	Symbol  string
	Price   decimal.Decimal
	Volume  decimal.Decimal
	Latency time.Duration
}

// Quote simulates asking the venue for its current price around ref
func (v *Venue) Quote(symbol string, ref decimal.Decimal, rng *rand.Rand) (*Quote, error) {
	logger := log.With().
		Str("venue_id", v.ID).
		Str("symbol", symbol).
		Logger()

	latency := time.Duration(rng.Intn(v.MaxLatency-v.MinLatency+1)+v.MinLatency) * time.Millisecond

	if rng.Float64() > v.SuccessRate {
		logger.Debug().
			Float64("success_rate", v.SuccessRate).
			Msg("venue did not answer")
		return nil, fmt.Errorf("no quote from venue %s", v.ID)
	}

	variance := decimal.NewFromFloat(1 + (rng.Float64()*2-1)*v.Spread)
	price := ref.Mul(variance).Round(8)
	volume := decimal.NewFromFloat(rng.Float64() * v.LiquidityFactor * 1000).Round(4)

	logger.Debug().
		Str("price", price.String()).
		Dur("latency", latency).
		Msg("venue quoted")

	return &Quote{
		VenueID: v.ID,
		Symbol:  symbol,
		Price:   price,
		Volume:  volume,
		Latency: latency,
	}, nil
}

// Publisher receives aggregated ticks
type Publisher interface {
	Update(tick types.Tick) error
}

// Simulator random-walks a reference price per symbol, polls the venues around it and
// publishes the median quote as the symbol's tick
type Simulator struct {
	venues    []*Venue
	publisher Publisher
	interval  time.Duration
	logger    zerolog.Logger

	mu   sync.Mutex
	refs map[string]decimal.Decimal
	rng  *rand.Rand

	sleep func(time.Duration)
	now   func() time.Time
}

func NewSimulator(publisher Publisher, initialPrices map[string]float64, interval time.Duration) *Simulator {
	refs := make(map[string]decimal.Decimal, len(initialPrices))
	for symbol, price := range initialPrices {
		refs[types.NormalizeSymbol(symbol)] = decimal.NewFromFloat(price)
	}
	return &Simulator{
		venues:    DefaultVenues(),
		publisher: publisher,
		interval:  interval,
		logger:    log.With().Str("component", "feed_simulator").Logger(),
		refs:      refs,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

// Start publishes a round of ticks every interval until ctx is cancelled
func (s *Simulator) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Int("symbols", len(s.refs)).
		Msg("starting feed simulator")

	s.Round()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("stopping feed simulator")
			return nil
		case <-ticker.C:
			s.Round()
		}
	}
}

// Round moves every reference price one step and publishes the aggregated ticks
func (s *Simulator) Round() {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbols := make([]string, 0, len(s.refs))
	for symbol := range s.refs {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		ref := s.step(s.refs[symbol])
		s.refs[symbol] = ref

		tick, ok := s.aggregate(symbol, ref)
		if !ok {
			s.logger.Warn().Str("symbol", symbol).Msg("no venue quoted this round")
			continue
		}
		if err := s.publisher.Update(tick); err != nil {
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to publish tick")
		}
	}
}

// step applies a small gaussian move, never letting the price reach zero
func (s *Simulator) step(ref decimal.Decimal) decimal.Decimal {
	move := s.rng.NormFloat64() * 0.002
	if move < -0.05 {
		move = -0.05
	}
	return ref.Mul(decimal.NewFromFloat(1 + move)).Round(8)
}

func (s *Simulator) aggregate(symbol string, ref decimal.Decimal) (types.Tick, bool) {
	var (
		prices []decimal.Decimal
		volume = decimal.Zero
		high   decimal.Decimal
		low    decimal.Decimal
	)
	for _, v := range s.venues {
		q, err := v.Quote(symbol, ref, s.rng)
		if err != nil {
			continue
		}
		s.sleep(q.Latency)

		prices = append(prices, q.Price)
		volume = volume.Add(q.Volume)
		if high.IsZero() || q.Price.GreaterThan(high) {
			high = q.Price
		}
		if low.IsZero() || q.Price.LessThan(low) {
			low = q.Price
		}
	}
	if len(prices) == 0 {
		return types.Tick{}, false
	}

	return types.Tick{
		Symbol:    symbol,
		Price:     median(prices),
		High24h:   high,
		Low24h:    low,
		Volume24h: volume,
		Timestamp: s.now(),
	}, true
}

func median(values []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
