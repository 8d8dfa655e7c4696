package aml

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

// UpsertRule inserts the rule or overwrites the stored rule with the same id
func (d *Database) UpsertRule(rule *ComplianceRule) error {
	var existing ComplianceRule
	err := d.db.Where("rule_id = ?", rule.RuleID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return d.db.Create(rule).Error
	case err != nil:
		return err
	}
	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	return d.db.Save(rule).Error
}

func (d *Database) ListRules() ([]ComplianceRule, error) {
	var rules []ComplianceRule
	err := d.db.Order("priority asc, id asc").Find(&rules).Error
	return rules, err
}

func (d *Database) CreateAlert(alert *AMLAlert) error {
	return d.db.Create(alert).Error
}

// GetAlert returns nil when the alert does not exist
func (d *Database) GetAlert(alertID string) (*AMLAlert, error) {
	var alert AMLAlert
	if err := d.db.Where("alert_id = ?", alertID).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &alert, nil
}

func (d *Database) UpdateAlert(alert *AMLAlert) error {
	return d.db.Save(alert).Error
}

func (d *Database) ListAlerts(statuses []AlertStatus, userID string) ([]AMLAlert, error) {
	var alerts []AMLAlert
	q := d.db
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	err := q.Order("id desc").Find(&alerts).Error
	return alerts, err
}

func (d *Database) CreateSAR(sar *SARReport) error {
	return d.db.Create(sar).Error
}

// GetSAR returns nil when the report does not exist
func (d *Database) GetSAR(sarID string) (*SARReport, error) {
	var sar SARReport
	if err := d.db.Where("sar_id = ?", sarID).First(&sar).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sar, nil
}

func (d *Database) UpdateSAR(sar *SARReport) error {
	return d.db.Save(sar).Error
}

func (d *Database) ListSARs(status SARStatus) ([]SARReport, error) {
	var sars []SARReport
	q := d.db
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("id desc").Find(&sars).Error
	return sars, err
}
