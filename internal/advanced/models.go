package advanced

import (
	"time"

	"github.com/ksred/klear-core/internal/types"
	"github.com/shopspring/decimal"
)

type OrderType string

const (
	TypeStopLoss     OrderType = "stop_loss"
	TypeTakeProfit   OrderType = "take_profit"
	TypeTrailingStop OrderType = "trailing_stop"
	TypeIceberg      OrderType = "iceberg"
	TypeTWAP         OrderType = "twap"
	TypeOCO          OrderType = "oco"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusFilled, StatusCancelled, StatusExpired},
	StatusActive:  {StatusFilled, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from -> to moves the lifecycle forward
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OCO legs
const (
	LegStop  = "stop"
	LegLimit = "limit"
)

// AdvancedOrder is a conditional or scheduled order that the monitor turns
// into plain orders on the matching engine
type AdvancedOrder struct {
	ID      uint            `gorm:"primaryKey" json:"-"`
	OrderID string          `gorm:"uniqueIndex;not null" json:"order_id"`
	UserID  string          `gorm:"index;not null" json:"user_id"`
	Type    OrderType       `gorm:"not null" json:"type"`
	Symbol  string          `gorm:"not null" json:"symbol"`
	Side    types.Side      `gorm:"not null" json:"side"`
	Amount  decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Status  Status          `gorm:"index;not null" json:"status"`

	TriggerPrice decimal.NullDecimal `gorm:"type:text" json:"trigger_price"`
	TrailAmount  decimal.NullDecimal `gorm:"type:text" json:"trail_amount"`
	TrailPercent decimal.NullDecimal `gorm:"type:text" json:"trail_percent"`
	VisibleSize  decimal.NullDecimal `gorm:"type:text" json:"visible_size"`
	Duration     *int                `json:"duration,omitempty"` // minutes
	Intervals    *int                `json:"intervals,omitempty"`
	StopPrice    decimal.NullDecimal `gorm:"type:text" json:"stop_price"`
	LimitPrice   decimal.NullDecimal `gorm:"type:text" json:"limit_price"`

	FilledAmount    decimal.Decimal `gorm:"type:text;not null" json:"filled_amount"`
	SlicesExecuted  int             `json:"slices_executed"`
	CurrentSliceID  string          `json:"current_slice_id,omitempty"`
	ExecutedOrderID string          `json:"executed_order_id,omitempty"`
	TriggeredLeg    string          `json:"triggered_leg,omitempty"`
	CancelledLeg    string          `json:"cancelled_leg,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`

	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Remaining is the part of the order not yet executed
func (o *AdvancedOrder) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// ScheduledTask is one durable TWAP slice. Pending tasks are picked up by the
// monitor once DueAt has passed, including after a restart.
type ScheduledTask struct {
	ID            uint            `gorm:"primaryKey" json:"-"`
	TaskID        string          `gorm:"uniqueIndex;not null" json:"task_id"`
	OrderID       string          `gorm:"index;not null" json:"order_id"`
	Sequence      int             `gorm:"not null" json:"sequence"`
	Amount        decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	DueAt         time.Time       `gorm:"not null" json:"due_at"`
	Status        TaskStatus      `gorm:"index;not null" json:"status"`
	PlacedOrderID string          `json:"placed_order_id,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
