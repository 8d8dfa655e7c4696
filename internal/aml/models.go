package aml

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type RuleType string

const (
	RuleThreshold RuleType = "threshold"
	RuleVelocity  RuleType = "velocity"
	RulePattern   RuleType = "pattern"
	RuleSanctions RuleType = "sanctions"
	RuleGeography RuleType = "geography"
)

type RuleAction string

const (
	ActionFlag   RuleAction = "flag"
	ActionBlock  RuleAction = "block"
	ActionReview RuleAction = "review"
	ActionReport RuleAction = "report"
)

// WatchlistPEP selects the PEP list for a sanctions rule instead of the sanctions list
const WatchlistPEP = "pep"

// RuleParameters are the type-specific settings of a rule. TimeWindow is in seconds.
type RuleParameters struct {
	Amount     decimal.Decimal `json:"amount"`
	Count      int             `json:"count,omitempty"`
	TimeWindow int             `json:"timeWindow,omitempty"`
	Threshold  decimal.Decimal `json:"threshold"`
	Epsilon    decimal.Decimal `json:"epsilon"`
	Watchlist  string          `json:"watchlist,omitempty"`
}

func (p RuleParameters) window() time.Duration {
	return time.Duration(p.TimeWindow) * time.Second
}

// ComplianceRule is loaded at startup and read-only during evaluation.
// Priority 0 is the highest.
type ComplianceRule struct {
	ID         uint           `gorm:"primaryKey" json:"-"`
	RuleID     string         `gorm:"uniqueIndex;not null" json:"id"`
	Name       string         `json:"name"`
	Type       RuleType       `gorm:"not null" json:"type"`
	Enabled    bool           `json:"enabled"`
	Parameters datatypes.JSON `gorm:"type:TEXT" json:"parameters"`
	Action     RuleAction     `gorm:"not null" json:"action"`
	Priority   int            `json:"priority"`
	RiskPoints int            `json:"risk_points"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Params decodes the rule parameters
func (r *ComplianceRule) Params() (RuleParameters, error) {
	var p RuleParameters
	if len(r.Parameters) > 0 {
		if err := json.Unmarshal(r.Parameters, &p); err != nil {
			return RuleParameters{}, fmt.Errorf("decoding parameters of rule %s: %w", r.RuleID, err)
		}
	}
	return p, nil
}

// SetParams encodes p into the rule
func (r *ComplianceRule) SetParams(p RuleParameters) {
	b, _ := json.Marshal(p)
	r.Parameters = datatypes.JSON(b)
}

type AlertType string

const (
	AlertStructuring    AlertType = "structuring"
	AlertVelocity       AlertType = "velocity"
	AlertHighValue      AlertType = "high_value"
	AlertSanctions      AlertType = "sanctions"
	AlertPEP            AlertType = "pep"
	AlertUnusualPattern AlertType = "unusual_pattern"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// SeverityFor grades an alert from the transaction's cumulative score and the rule priority
func SeverityFor(score, priority int) Severity {
	switch {
	case score >= 100 || priority == 0:
		return SeverityCritical
	case score >= 60 || priority == 1:
		return SeverityHigh
	case score >= 30:
		return SeverityMedium
	}
	return SeverityLow
}

type AlertStatus string

const (
	AlertOpen          AlertStatus = "open"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertOpen:          {AlertInvestigating, AlertResolved, AlertFalsePositive},
	AlertInvestigating: {AlertResolved, AlertFalsePositive},
}

func canMoveAlert(from, to AlertStatus) bool {
	for _, s := range alertTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AMLAlert is opened by a triggered rule and worked by case officers
type AMLAlert struct {
	ID                  uint           `gorm:"primaryKey" json:"-"`
	AlertID             string         `gorm:"uniqueIndex;not null" json:"id"`
	UserID              string         `gorm:"index;not null" json:"user_id"`
	AlertType           AlertType      `gorm:"not null" json:"alert_type"`
	Severity            Severity       `gorm:"index;not null" json:"severity"`
	RiskScore           int            `json:"risk_score"`
	RuleID              string         `json:"rule_id"`
	Description         string         `json:"description"`
	RelatedTransactions datatypes.JSON `gorm:"type:TEXT" json:"related_transactions"`
	Status              AlertStatus    `gorm:"index;not null" json:"status"`
	AssignedTo          string         `json:"assigned_to,omitempty"`
	Notes               datatypes.JSON `gorm:"type:TEXT" json:"notes"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (a *AMLAlert) NoteList() []string {
	return decodeStrings(a.Notes, "notes", a.AlertID)
}

func (a *AMLAlert) Related() []string {
	return decodeStrings(a.RelatedTransactions, "related_transactions", a.AlertID)
}

type SARStatus string

const (
	SARDraft        SARStatus = "draft"
	SARSubmitted    SARStatus = "submitted"
	SARAcknowledged SARStatus = "acknowledged"
)

// sarFilingWindow is the time allowed between filing and the regulator deadline
const sarFilingWindow = 30 * 24 * time.Hour

// SARReport is generated for critical alerts and frozen once submitted
type SARReport struct {
	ID                  uint            `gorm:"primaryKey" json:"-"`
	SARID               string          `gorm:"uniqueIndex;not null" json:"id"`
	AlertID             string          `gorm:"index;not null" json:"alert_id"`
	UserID              string          `gorm:"index;not null" json:"user_id"`
	Amount              decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Currency            string          `json:"currency"`
	SuspiciousActivity  datatypes.JSON  `gorm:"type:TEXT" json:"suspicious_activity"`
	RelatedTransactions datatypes.JSON  `gorm:"type:TEXT" json:"related_transactions"`
	Status              SARStatus       `gorm:"index;not null" json:"status"`
	FilingDate          time.Time       `json:"filing_date"`
	DueDate             time.Time       `json:"due_date"`
	SubmittedBy         string          `json:"submitted_by,omitempty"`
	SubmittedAt         *time.Time      `json:"submitted_at,omitempty"`
	AcknowledgedAt      *time.Time      `json:"acknowledged_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (r *SARReport) Activity() []string {
	return decodeStrings(r.SuspiciousActivity, "suspicious_activity", r.SARID)
}

func encodeStrings(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return datatypes.JSON(b)
}

// decodeStrings reads a JSON string list column; a corrupt column is
// logged against its owner and read as empty
func decodeStrings(data datatypes.JSON, column, owner string) []string {
	var values []string
	if len(data) == 0 {
		return values
	}
	if err := json.Unmarshal(data, &values); err != nil {
		log.Warn().Err(err).Str("column", column).Str("id", owner).Msg("corrupt string list column")
		return nil
	}
	return values
}
