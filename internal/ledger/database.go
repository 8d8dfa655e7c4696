package ledger

import (
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetBalance returns nil when the user has never held the asset
func (d *Database) GetBalance(userID, asset string) (*Balance, error) {
	var balance Balance
	if err := d.db.Where("user_id = ? AND asset = ?", userID, asset).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}

func (d *Database) ListBalances(userID string) ([]Balance, error) {
	var balances []Balance
	if err := d.db.Where("user_id = ?", userID).Order("asset asc").Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}

func (d *Database) CreateBalance(balance *Balance) error {
	return d.db.Create(balance).Error
}

func (d *Database) UpdateBalance(balance *Balance) error {
	return d.db.Save(balance).Error
}

func (d *Database) CreateEntry(entry *Entry) error {
	return d.db.Create(entry).Error
}

func (d *Database) ListEntries(userID string, limit int) ([]Entry, error) {
	var entries []Entry
	q := d.db.Where("user_id = ?", userID).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
