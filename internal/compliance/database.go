package compliance

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateTransaction(tx *TransactionMonitor) error {
	return d.db.Create(tx).Error
}

// GetTransaction returns nil when the transaction does not exist
func (d *Database) GetTransaction(txID string) (*TransactionMonitor, error) {
	var tx TransactionMonitor
	if err := d.db.Where("tx_id = ?", txID).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tx, nil
}

func (d *Database) UpdateTransaction(tx *TransactionMonitor) error {
	return d.db.Save(tx).Error
}

// ListTransactions filters by user and status when given, newest first
func (d *Database) ListTransactions(userID string, status TxStatus, limit int) ([]TransactionMonitor, error) {
	var txs []TransactionMonitor
	q := d.db
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("id desc").Find(&txs).Error
	return txs, err
}

// RecentTransactions returns the user's transactions created at or after since,
// oldest first. Timestamps are stored as UTC text so the bound value is UTC too.
func (d *Database) RecentTransactions(userID string, since time.Time) ([]TransactionMonitor, error) {
	var txs []TransactionMonitor
	err := d.db.Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Order("id asc").
		Find(&txs).Error
	return txs, err
}

// ListUnscreened returns transactions awaiting AML screening, oldest first
func (d *Database) ListUnscreened(limit int) ([]TransactionMonitor, error) {
	var txs []TransactionMonitor
	q := d.db.Where("screened = ? AND status IN ?", false, []TxStatus{TxMonitoring, TxBlocked})
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("id asc").Find(&txs).Error
	return txs, err
}

// GetCustomer returns nil when no profile exists
func (d *Database) GetCustomer(userID string) (*CustomerProfile, error) {
	var c CustomerProfile
	if err := d.db.Where("user_id = ?", userID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (d *Database) SaveCustomer(c *CustomerProfile) error {
	return d.db.Save(c).Error
}
