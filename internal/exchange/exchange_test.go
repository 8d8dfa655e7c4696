package exchange

import (
	"math/rand"
	"testing"
	"time"

	"github.com/ksred/klear-core/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	ticks []types.Tick
}

func (p *recordingPublisher) Update(tick types.Tick) error {
	p.ticks = append(p.ticks, tick)
	return nil
}

func newTestSimulator(pub Publisher, venues []*Venue) *Simulator {
	s := NewSimulator(pub, map[string]float64{"btc-usd": 65000, "ETH-USD": 3500}, time.Second)
	s.venues = venues
	s.rng = rand.New(rand.NewSource(42))
	s.sleep = func(time.Duration) {}
	return s
}

func TestRoundPublishesOneTickPerSymbol(t *testing.T) {
	pub := &recordingPublisher{}
	venues := DefaultVenues()
	for _, v := range venues {
		v.SuccessRate = 1
	}
	s := newTestSimulator(pub, venues)

	s.Round()

	require.Len(t, pub.ticks, 2)
	assert.Equal(t, "BTC-USD", pub.ticks[0].Symbol)
	assert.Equal(t, "ETH-USD", pub.ticks[1].Symbol)
	for _, tick := range pub.ticks {
		assert.True(t, tick.Price.IsPositive())
		assert.True(t, tick.Low24h.LessThanOrEqual(tick.Price))
		assert.True(t, tick.High24h.GreaterThanOrEqual(tick.Price))
	}

	btc := pub.ticks[0].Price.InexactFloat64()
	assert.InDelta(t, 65000, btc, 65000*0.06)
}

func TestRoundSkipsSymbolsWithoutQuotes(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestSimulator(pub, []*Venue{{ID: "DOWN", MinLatency: 1, MaxLatency: 1, SuccessRate: 0}})

	s.Round()

	assert.Empty(t, pub.ticks)
}

func TestMedian(t *testing.T) {
	vals := []decimal.Decimal{decimal.NewFromInt(3), decimal.NewFromInt(1), decimal.NewFromInt(2)}
	assert.True(t, median(vals).Equal(decimal.NewFromInt(2)))

	vals = append(vals, decimal.NewFromInt(4))
	assert.True(t, median(vals).Equal(decimal.RequireFromString("2.5")))
}
