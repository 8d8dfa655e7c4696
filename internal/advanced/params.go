package advanced

import (
	"time"

	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/pkg/apperr"
	"github.com/shopspring/decimal"
)

const maxIntervals = 1440

// CreateOrderRequest describes a new advanced order. Exactly the parameters
// belonging to Type may be set.
type CreateOrderRequest struct {
	UserID       string              `json:"-"`
	Type         OrderType           `json:"type" binding:"required"`
	Symbol       string              `json:"symbol" binding:"required"`
	Side         types.Side          `json:"side" binding:"required"`
	Amount       decimal.Decimal     `json:"amount"`
	TriggerPrice decimal.NullDecimal `json:"trigger_price"`
	TrailAmount  decimal.NullDecimal `json:"trail_amount"`
	TrailPercent decimal.NullDecimal `json:"trail_percent"`
	VisibleSize  decimal.NullDecimal `json:"visible_size"`
	Duration     *int                `json:"duration"`
	Intervals    *int                `json:"intervals"`
	StopPrice    decimal.NullDecimal `json:"stop_price"`
	LimitPrice   decimal.NullDecimal `json:"limit_price"`
	ExpiresAt    *time.Time          `json:"expires_at"`
}

type paramSet struct {
	required []string
	optional []string
}

var paramSets = map[OrderType]paramSet{
	TypeStopLoss:     {required: []string{"trigger_price"}, optional: []string{"limit_price"}},
	TypeTakeProfit:   {required: []string{"trigger_price"}},
	TypeTrailingStop: {optional: []string{"trail_amount", "trail_percent", "trigger_price"}},
	TypeIceberg:      {required: []string{"visible_size", "limit_price"}},
	TypeTWAP:         {required: []string{"duration", "intervals"}},
	TypeOCO:          {required: []string{"stop_price", "limit_price"}},
}

func (r *CreateOrderRequest) present() map[string]bool {
	return map[string]bool{
		"trigger_price": r.TriggerPrice.Valid,
		"trail_amount":  r.TrailAmount.Valid,
		"trail_percent": r.TrailPercent.Valid,
		"visible_size":  r.VisibleSize.Valid,
		"duration":      r.Duration != nil,
		"intervals":     r.Intervals != nil,
		"stop_price":    r.StopPrice.Valid,
		"limit_price":   r.LimitPrice.Valid,
	}
}

// Validate checks the request shape, returning the first problem found
func (r *CreateOrderRequest) Validate(now time.Time) error {
	if r.UserID == "" {
		return apperr.MissingParam("user_id")
	}
	set, ok := paramSets[r.Type]
	if !ok {
		return apperr.ErrInvalidOrderType.
			WithMessage("unsupported advanced order type %q", r.Type).
			WithFields("type")
	}
	if _, _, err := types.SplitSymbol(r.Symbol); err != nil {
		return apperr.Validation("symbol", "%v", err)
	}
	if !r.Side.Valid() {
		return apperr.Validation("side", "side must be buy or sell, got %q", r.Side)
	}
	if !r.Amount.IsPositive() {
		return apperr.Validation("amount", "amount must be positive")
	}

	present := r.present()
	allowed := map[string]bool{}
	for _, p := range set.required {
		if !present[p] {
			return apperr.MissingParam(p)
		}
		allowed[p] = true
	}
	for _, p := range set.optional {
		allowed[p] = true
	}
	for _, p := range []string{"trigger_price", "trail_amount", "trail_percent", "visible_size", "duration", "intervals", "stop_price", "limit_price"} {
		if present[p] && !allowed[p] {
			return apperr.Validation(p, "%s is not a parameter of %s orders", p, r.Type)
		}
	}

	for name, v := range map[string]decimal.NullDecimal{
		"trigger_price": r.TriggerPrice,
		"trail_amount":  r.TrailAmount,
		"trail_percent": r.TrailPercent,
		"visible_size":  r.VisibleSize,
		"stop_price":    r.StopPrice,
		"limit_price":   r.LimitPrice,
	} {
		if v.Valid && !v.Decimal.IsPositive() {
			return apperr.Validation(name, "%s must be positive", name)
		}
	}

	switch r.Type {
	case TypeTrailingStop:
		if r.TrailAmount.Valid == r.TrailPercent.Valid {
			return apperr.MissingParam("trail_amount").
				WithMessage("exactly one of trail_amount or trail_percent is required").
				WithFields("trail_amount", "trail_percent")
		}
		if r.TrailPercent.Valid && r.TrailPercent.Decimal.GreaterThanOrEqual(decimal.NewFromInt(100)) {
			return apperr.Validation("trail_percent", "trail_percent must be below 100")
		}
	case TypeIceberg:
		if r.VisibleSize.Decimal.GreaterThan(r.Amount) {
			return apperr.Validation("visible_size", "visible_size must not exceed amount")
		}
	case TypeTWAP:
		if *r.Duration <= 0 {
			return apperr.Validation("duration", "duration must be a positive number of minutes")
		}
		if *r.Intervals <= 0 || *r.Intervals > maxIntervals {
			return apperr.Validation("intervals", "intervals must be between 1 and %d", maxIntervals)
		}
	case TypeOCO:
		// The stop leg sits on the losing side of the limit leg
		if r.Side == types.SideSell && !r.StopPrice.Decimal.LessThan(r.LimitPrice.Decimal) {
			return apperr.Validation("stop_price", "stop_price must be below limit_price for sell OCO orders")
		}
		if r.Side == types.SideBuy && !r.StopPrice.Decimal.GreaterThan(r.LimitPrice.Decimal) {
			return apperr.Validation("stop_price", "stop_price must be above limit_price for buy OCO orders")
		}
	}

	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return apperr.Validation("expires_at", "expires_at must be in the future")
	}
	return nil
}

// stopHit is the stop-loss condition: a sell stops out when price falls to the
// trigger, a buy when it rises to it
func stopHit(side types.Side, price, trigger decimal.Decimal) bool {
	if side == types.SideSell {
		return price.LessThanOrEqual(trigger)
	}
	return price.GreaterThanOrEqual(trigger)
}

// takeProfitHit is the inverse comparison of stopHit
func takeProfitHit(side types.Side, price, trigger decimal.Decimal) bool {
	if side == types.SideSell {
		return price.GreaterThanOrEqual(trigger)
	}
	return price.LessThanOrEqual(trigger)
}

// ratchet moves a trailing trigger in the holder's favour only: up for sells,
// down for buys. It reports whether the trigger changed.
func ratchet(o *AdvancedOrder, price decimal.Decimal) bool {
	distance := o.TrailAmount.Decimal
	if !o.TrailAmount.Valid {
		distance = price.Mul(o.TrailPercent.Decimal).Div(decimal.NewFromInt(100))
	}

	if o.Side == types.SideSell {
		candidate := price.Sub(distance)
		if !o.TriggerPrice.Valid || candidate.GreaterThan(o.TriggerPrice.Decimal) {
			o.TriggerPrice = decimal.NewNullDecimal(candidate)
			return true
		}
		return false
	}

	candidate := price.Add(distance)
	if !o.TriggerPrice.Valid || candidate.LessThan(o.TriggerPrice.Decimal) {
		o.TriggerPrice = decimal.NewNullDecimal(candidate)
		return true
	}
	return false
}

// twapSlices splits amount into intervals equal slices; the last takes the rounding remainder
func twapSlices(amount decimal.Decimal, intervals int) []decimal.Decimal {
	slices := make([]decimal.Decimal, intervals)
	each := amount.Div(decimal.NewFromInt(int64(intervals))).RoundDown(8)
	allocated := decimal.Zero
	for i := 0; i < intervals-1; i++ {
		slices[i] = each
		allocated = allocated.Add(each)
	}
	slices[intervals-1] = amount.Sub(allocated)
	return slices
}
