package trading

import (
	"time"

	"github.com/ksred/klear-core/internal/types"
	"github.com/shopspring/decimal"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Order is a plain order resting in the book. Market orders carry the
// slippage-bounded price their funds were reserved at.
type Order struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	OrderID   string          `gorm:"uniqueIndex;not null" json:"order_id"`
	UserID    string          `gorm:"index;not null" json:"user_id"`
	Symbol    string          `gorm:"index:idx_orders_symbol_status;not null" json:"symbol"`
	Side      types.Side      `gorm:"not null" json:"side"`
	OrderType OrderType       `gorm:"not null" json:"order_type"`
	Amount    decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Remaining decimal.Decimal `gorm:"type:text;not null" json:"remaining"`
	Price     decimal.Decimal `gorm:"type:text;not null" json:"price"`
	Status    OrderStatus     `gorm:"index:idx_orders_symbol_status;not null" json:"status"`
	Source    string          `json:"source,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Filled is the executed part of the order
func (o *Order) Filled() decimal.Decimal {
	return o.Amount.Sub(o.Remaining)
}

// Trade is an immutable record of one match
type Trade struct {
	ID          uint            `gorm:"primaryKey" json:"-"`
	TradeID     string          `gorm:"uniqueIndex;not null" json:"trade_id"`
	BuyOrderID  string          `gorm:"index;not null" json:"buy_order_id"`
	SellOrderID string          `gorm:"index;not null" json:"sell_order_id"`
	BuyerID     string          `gorm:"not null" json:"buyer_id"`
	SellerID    string          `gorm:"not null" json:"seller_id"`
	Symbol      string          `gorm:"index;not null" json:"symbol"`
	Amount      decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Price       decimal.Decimal `gorm:"type:text;not null" json:"price"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Notional is amount times price, in the quote asset
func (t Trade) Notional() decimal.Decimal {
	return t.Amount.Mul(t.Price)
}

type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	IdempotencyKey string    `gorm:"uniqueIndex;not null" json:"idempotency_key"`
	UserID         string    `gorm:"not null" json:"user_id"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}
