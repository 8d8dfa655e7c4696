package advanced

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

// CreateOrder stores the order and its scheduled slices together
func (d *Database) CreateOrder(order *AdvancedOrder, tasks []ScheduledTask) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		return tx.Create(&tasks).Error
	})
}

// GetOrder returns nil when the order does not exist
func (d *Database) GetOrder(orderID string) (*AdvancedOrder, error) {
	var order AdvancedOrder
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *AdvancedOrder) error {
	return d.db.Save(order).Error
}

// CloseOrder saves a terminal order and cancels its outstanding slices in one transaction
func (d *Database) CloseOrder(order *AdvancedOrder, now time.Time) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		return tx.Model(&ScheduledTask{}).
			Where("order_id = ? AND status = ?", order.OrderID, TaskPending).
			Updates(map[string]interface{}{"status": TaskCancelled, "updated_at": now}).Error
	})
}

// ListOpenOrders returns pending and active orders in creation order
func (d *Database) ListOpenOrders() ([]AdvancedOrder, error) {
	var orders []AdvancedOrder
	err := d.db.
		Where("status IN ?", []Status{StatusPending, StatusActive}).
		Order("id asc").
		Find(&orders).Error
	return orders, err
}

func (d *Database) ListUserOrders(userID string, status Status, limit int) ([]AdvancedOrder, error) {
	var orders []AdvancedOrder
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

// ListPendingTasks returns every unexecuted slice ordered by order and sequence
func (d *Database) ListPendingTasks() ([]ScheduledTask, error) {
	var tasks []ScheduledTask
	err := d.db.
		Where("status = ?", TaskPending).
		Order("order_id asc, sequence asc").
		Find(&tasks).Error
	return tasks, err
}

func (d *Database) ListOrderTasks(orderID string) ([]ScheduledTask, error) {
	var tasks []ScheduledTask
	err := d.db.Where("order_id = ?", orderID).Order("sequence asc").Find(&tasks).Error
	return tasks, err
}

func (d *Database) UpdateTask(task *ScheduledTask) error {
	return d.db.Save(task).Error
}

// CompleteTask records a slice outcome together with the parent order
func (d *Database) CompleteTask(task *ScheduledTask, order *AdvancedOrder) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(task).Error; err != nil {
			return err
		}
		return tx.Save(order).Error
	})
}
