package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is a user's holding of one asset, split into available and locked funds
type Balance struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	UserID    string          `gorm:"uniqueIndex:idx_balance_user_asset;not null" json:"user_id"`
	Asset     string          `gorm:"uniqueIndex:idx_balance_user_asset;not null" json:"asset"`
	Available decimal.Decimal `gorm:"type:text;not null" json:"available"`
	Locked    decimal.Decimal `gorm:"type:text;not null" json:"locked"`
	CreatedAt time.Time       `json:"-"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Total is available plus locked
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// EntryKind names a balance movement
type EntryKind string

const (
	EntryLock   EntryKind = "lock"
	EntryUnlock EntryKind = "unlock"
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// Entry is an append-only journal line for every balance movement
type Entry struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	EntryID   string          `gorm:"uniqueIndex;not null" json:"entry_id"`
	UserID    string          `gorm:"index;not null" json:"user_id"`
	Asset     string          `gorm:"not null" json:"asset"`
	Kind      EntryKind       `gorm:"not null" json:"kind"`
	Amount    decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Reference string          `gorm:"index" json:"reference"`
	CreatedAt time.Time       `json:"created_at"`
}
