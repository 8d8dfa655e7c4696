package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-core/internal/auth"
	"github.com/ksred/klear-core/pkg/apperr"
	"github.com/ksred/klear-core/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Ledger holds per-user, per-asset balances. Every mutation runs inside Transact,
// which serializes callers and wraps them in a single database transaction.
type Ledger struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger zerolog.Logger
}

func New(gormDB *gorm.DB) *Ledger {
	return &Ledger{
		db:     gormDB,
		logger: log.With().Str("component", "ledger").Logger(),
	}
}

// Tx is a ledger view bound to an open transaction
type Tx struct {
	gtx *gorm.DB
	db  *Database
}

// Transact runs fn as one critical section. A non-nil error from fn rolls back every
// balance movement and every write made through tx.DB().
// fn must not call Transact again and must not touch the database outside tx.DB().
func (l *Ledger) Transact(ctx context.Context, fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Tx{gtx: gtx, db: NewDatabase(gtx)})
	})
}

// DB exposes the transaction handle for co-transactional writes
func (t *Tx) DB() *gorm.DB {
	return t.gtx
}

// Balance returns the user's balance, zero when the asset was never held
func (t *Tx) Balance(userID, asset string) (Balance, error) {
	b, err := t.db.GetBalance(userID, normalizeAsset(asset))
	if err != nil {
		return Balance{}, fmt.Errorf("loading balance: %w", err)
	}
	if b == nil {
		return Balance{UserID: userID, Asset: normalizeAsset(asset)}, nil
	}
	return *b, nil
}

func (t *Tx) account(userID, asset string) (*Balance, error) {
	b, err := t.db.GetBalance(userID, asset)
	if err != nil {
		return nil, fmt.Errorf("loading balance: %w", err)
	}
	if b != nil {
		return b, nil
	}
	b = &Balance{UserID: userID, Asset: asset, Available: decimal.Zero, Locked: decimal.Zero}
	if err := t.db.CreateBalance(b); err != nil {
		return nil, fmt.Errorf("creating balance: %w", err)
	}
	return b, nil
}

// Lock moves amount from available to locked, failing without mutation when available is short
func (t *Tx) Lock(userID, asset string, amount decimal.Decimal, reference string) error {
	return t.move(userID, asset, amount, EntryLock, reference, func(b *Balance) error {
		if b.Available.LessThan(amount) {
			return apperr.ErrInsufficientBalance.
				WithMessage("insufficient %s: available %s, required %s", b.Asset, b.Available, amount).
				WithDetail("asset", b.Asset).
				WithDetail("available", b.Available.String()).
				WithDetail("required", amount.String())
		}
		b.Available = b.Available.Sub(amount)
		b.Locked = b.Locked.Add(amount)
		return nil
	})
}

// Unlock moves amount from locked back to available
func (t *Tx) Unlock(userID, asset string, amount decimal.Decimal, reference string) error {
	return t.move(userID, asset, amount, EntryUnlock, reference, func(b *Balance) error {
		if b.Locked.LessThan(amount) {
			return fmt.Errorf("unlock %s %s for %s exceeds locked %s", amount, b.Asset, userID, b.Locked)
		}
		b.Locked = b.Locked.Sub(amount)
		b.Available = b.Available.Add(amount)
		return nil
	})
}

// Credit adds amount to available
func (t *Tx) Credit(userID, asset string, amount decimal.Decimal, reference string) error {
	return t.move(userID, asset, amount, EntryCredit, reference, func(b *Balance) error {
		b.Available = b.Available.Add(amount)
		return nil
	})
}

// Debit removes amount from available
func (t *Tx) Debit(userID, asset string, amount decimal.Decimal, reference string) error {
	return t.move(userID, asset, amount, EntryDebit, reference, func(b *Balance) error {
		if b.Available.LessThan(amount) {
			return apperr.ErrInsufficientBalance.
				WithMessage("insufficient %s: available %s, required %s", b.Asset, b.Available, amount)
		}
		b.Available = b.Available.Sub(amount)
		return nil
	})
}

func (t *Tx) move(userID, asset string, amount decimal.Decimal, kind EntryKind, reference string, apply func(*Balance) error) error {
	if userID == "" {
		return apperr.MissingParam("user_id")
	}
	if amount.IsNegative() {
		return apperr.Validation("amount", "%s amount must not be negative, got %s", kind, amount)
	}
	if amount.IsZero() {
		return nil
	}

	b, err := t.account(userID, normalizeAsset(asset))
	if err != nil {
		return err
	}
	if err := apply(b); err != nil {
		return err
	}
	if err := t.db.UpdateBalance(b); err != nil {
		return fmt.Errorf("saving balance: %w", err)
	}

	entry := &Entry{
		EntryID:   uuid.New().String(),
		UserID:    userID,
		Asset:     b.Asset,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
	}
	if err := t.db.CreateEntry(entry); err != nil {
		return fmt.Errorf("journaling %s: %w", kind, err)
	}
	return nil
}

// GetBalance returns a single balance
func (l *Ledger) GetBalance(ctx context.Context, userID, asset string) (Balance, error) {
	var b Balance
	err := l.Transact(ctx, func(tx *Tx) error {
		var err error
		b, err = tx.Balance(userID, asset)
		return err
	})
	return b, err
}

// Balances lists every asset the user holds
func (l *Ledger) Balances(ctx context.Context, userID string) ([]Balance, error) {
	return NewDatabase(l.db.WithContext(ctx)).ListBalances(userID)
}

// Entries returns the most recent journal lines for a user, newest first
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	return NewDatabase(l.db.WithContext(ctx)).ListEntries(userID, limit)
}

func (l *Ledger) Lock(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) error {
	return l.Transact(ctx, func(tx *Tx) error { return tx.Lock(userID, asset, amount, reference) })
}

func (l *Ledger) Unlock(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) error {
	return l.Transact(ctx, func(tx *Tx) error { return tx.Unlock(userID, asset, amount, reference) })
}

func (l *Ledger) Credit(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) error {
	return l.Transact(ctx, func(tx *Tx) error { return tx.Credit(userID, asset, amount, reference) })
}

func (l *Ledger) Debit(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) error {
	return l.Transact(ctx, func(tx *Tx) error { return tx.Debit(userID, asset, amount, reference) })
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// GinHandlers contains HTTP handlers for balance endpoints
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{ledger: ledger}
}

// GetBalancesHandler returns the caller's balances
func (h *GinHandlers) GetBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		balances, err := h.ledger.Balances(c.Request.Context(), auth.UserID(c))
		response.Handle(c, balances, err)
	}
}

type creditRequest struct {
	UserID    string          `json:"user_id" binding:"required"`
	Asset     string          `json:"asset" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// CreditHandler funds an account. Internal only.
func (h *GinHandlers) CreditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req creditRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if !req.Amount.IsPositive() {
			response.BadRequest(c, "amount must be positive")
			return
		}
		if req.Reference == "" {
			req.Reference = "funding"
		}

		ctx := c.Request.Context()
		if err := h.ledger.Credit(ctx, req.UserID, req.Asset, req.Amount, req.Reference); err != nil {
			response.Handle(c, nil, err)
			return
		}
		h.ledger.logger.Info().
			Str("user_id", req.UserID).
			Str("asset", req.Asset).
			Str("amount", req.Amount.String()).
			Msg("account credited")

		balance, err := h.ledger.GetBalance(ctx, req.UserID, req.Asset)
		response.Handle(c, balance, err)
	}
}
