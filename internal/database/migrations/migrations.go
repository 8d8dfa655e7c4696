package migrations

import (
	"fmt"

	"github.com/ksred/klear-core/internal/advanced"
	"github.com/ksred/klear-core/internal/aml"
	"github.com/ksred/klear-core/internal/compliance"
	"github.com/ksred/klear-core/internal/ledger"
	"github.com/ksred/klear-core/internal/trading"
	"gorm.io/gorm"
)

// Run creates or updates every table the services use, then the extra indexes
func Run(db *gorm.DB) error {
	models := []interface{}{
		&ledger.Balance{},
		&ledger.Entry{},
		&trading.Order{},
		&trading.Trade{},
		&trading.IdempotencyRecord{},
		&advanced.AdvancedOrder{},
		&advanced.ScheduledTask{},
		&compliance.TransactionMonitor{},
		&compliance.CustomerProfile{},
		&aml.ComplianceRule{},
		&aml.AMLAlert{},
		&aml.SARReport{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto-migrating models: %w", err)
	}
	return addIndexes(db)
}

// addIndexes creates the composite indexes AutoMigrate cannot express from tags
func addIndexes(db *gorm.DB) error {
	indexes := []string{
		// Trades by symbol, newest first
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_created
		 ON trades(symbol, created_at)`,

		// A user's orders filtered by status
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status
		 ON orders(user_id, status)`,

		// Due TWAP slices
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status_due
		 ON scheduled_tasks(status, due_at)`,

		// AML screening queue and velocity lookups
		`CREATE INDEX IF NOT EXISTS idx_transaction_monitors_screening
		 ON transaction_monitors(screened, status)`,
		`CREATE INDEX IF NOT EXISTS idx_transaction_monitors_user_created
		 ON transaction_monitors(user_id, created_at)`,

		// Case queue by status and severity
		`CREATE INDEX IF NOT EXISTS idx_aml_alerts_status_severity
		 ON aml_alerts(status, severity)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}
