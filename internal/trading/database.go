package trading

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

func (d *Database) CreateOrder(order *Order) error {
	return d.db.Create(order).Error
}

// GetOrder returns nil when the order does not exist
func (d *Database) GetOrder(orderID string) (*Order, error) {
	var order Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *Order) error {
	return d.db.Save(order).Error
}

// ListOpenOrders returns the pending orders of a symbol in arrival order
func (d *Database) ListOpenOrders(symbol string) ([]Order, error) {
	var orders []Order
	err := d.db.
		Where("symbol = ? AND status = ?", symbol, StatusPending).
		Order("id asc").
		Find(&orders).Error
	return orders, err
}

func (d *Database) ListUserOrders(userID string, status OrderStatus, limit int) ([]Order, error) {
	var orders []Order
	q := d.db.Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("id desc").Find(&orders).Error
	return orders, err
}

func (d *Database) CreateTrade(trade *Trade) error {
	return d.db.Create(trade).Error
}

func (d *Database) ListTrades(symbol string, limit int) ([]Trade, error) {
	var trades []Trade
	q := d.db.Model(&Trade{})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("id desc").Find(&trades).Error
	return trades, err
}

func (d *Database) ListOrderTrades(orderID string) ([]Trade, error) {
	var trades []Trade
	err := d.db.
		Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("id asc").
		Find(&trades).Error
	return trades, err
}

// GetIdempotencyRecord returns nil when the key has not been used
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) CreateIdempotencyRecord(record *IdempotencyRecord) error {
	return d.db.Create(record).Error
}

func (d *Database) DeleteIdempotencyRecord(record *IdempotencyRecord) error {
	return d.db.Delete(record).Error
}
