package compliance

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TxType string

const (
	TxDeposit    TxType = "deposit"
	TxWithdrawal TxType = "withdrawal"
	TxTrade      TxType = "trade"
	TxTransfer   TxType = "transfer"
)

func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxTrade, TxTransfer:
		return true
	}
	return false
}

type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxMonitoring TxStatus = "monitoring"
	TxApproved   TxStatus = "approved"
	TxFlagged    TxStatus = "flagged"
	TxBlocked    TxStatus = "blocked"
)

// Flags raised by evaluation
const (
	FlagLowKYC                 = "low_kyc_level"
	FlagHighRiskJurisdiction   = "high_risk_jurisdiction"
	FlagHighValue              = "high_value"
	FlagWithdrawal             = "withdrawal"
	FlagHighRiskCounterparty   = "high_risk_counterparty"
	FlagSanctionedCounterparty = "sanctioned_counterparty"
	FlagSanctionedUser         = "sanctioned_user"
	FlagHighVelocity           = "high_velocity"
	FlagTravelRuleMissing      = "travel_rule_missing"
	FlagManualReview           = "manual_review"
)

// TravelRuleInfo identifies both ends of a transfer at or above the reporting threshold
type TravelRuleInfo struct {
	OriginatorName     string `json:"originatorName"`
	OriginatorAddress  string `json:"originatorAddress"`
	BeneficiaryName    string `json:"beneficiaryName"`
	BeneficiaryAddress string `json:"beneficiaryAddress"`
	TransactionPurpose string `json:"transactionPurpose,omitempty"`
}

// missing returns the first mandatory field left empty. The purpose is optional.
func (t *TravelRuleInfo) missing() string {
	switch {
	case t.OriginatorName == "":
		return "originatorName"
	case t.OriginatorAddress == "":
		return "originatorAddress"
	case t.BeneficiaryName == "":
		return "beneficiaryName"
	case t.BeneficiaryAddress == "":
		return "beneficiaryAddress"
	}
	return ""
}

// TransactionMonitor is the evaluated record of one transaction. Status and
// flags are fixed once evaluation completes, except through manual review and
// the AML screening pass.
type TransactionMonitor struct {
	ID                 uint            `gorm:"primaryKey" json:"-"`
	TxID               string          `gorm:"uniqueIndex;not null" json:"id"`
	UserID             string          `gorm:"index;not null" json:"user_id"`
	Type               TxType          `gorm:"not null" json:"type"`
	Amount             decimal.Decimal `gorm:"type:text;not null" json:"amount"` // USD
	OriginalAmount     decimal.Decimal `gorm:"type:text;not null" json:"original_amount"`
	Currency           string          `gorm:"not null" json:"currency"`
	FromAddress        string          `json:"from_address,omitempty"`
	ToAddress          string          `json:"to_address,omitempty"`
	Reference          string          `gorm:"index" json:"reference,omitempty"`
	Status             TxStatus        `gorm:"index;not null" json:"status"`
	RiskScore          int             `json:"risk_score"`
	AMLScore           int             `json:"aml_score"`
	Flags              datatypes.JSON  `gorm:"type:TEXT" json:"flags"`
	TravelRuleRequired bool            `json:"travel_rule_required"`
	TravelRule         datatypes.JSON  `gorm:"type:TEXT" json:"travel_rule,omitempty"`
	Screened           bool            `gorm:"index" json:"screened"`
	ReviewedBy         string          `json:"reviewed_by,omitempty"`
	ReviewNote         string          `json:"review_note,omitempty"`
	CreatedAt          time.Time       `json:"timestamp"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// FlagList decodes the stored flags
func (t *TransactionMonitor) FlagList() []string {
	var flags []string
	if len(t.Flags) == 0 {
		return flags
	}
	if err := json.Unmarshal(t.Flags, &flags); err != nil {
		log.Warn().Err(err).Str("tx_id", t.TxID).Msg("corrupt flags column")
		return nil
	}
	return flags
}

// SetFlags replaces the stored flags, dropping duplicates
func (t *TransactionMonitor) SetFlags(flags []string) {
	seen := make(map[string]bool, len(flags))
	unique := make([]string, 0, len(flags))
	for _, f := range flags {
		if !seen[f] {
			seen[f] = true
			unique = append(unique, f)
		}
	}
	b, _ := json.Marshal(unique)
	t.Flags = datatypes.JSON(b)
}

// AddFlags appends to the stored flags
func (t *TransactionMonitor) AddFlags(flags ...string) {
	t.SetFlags(append(t.FlagList(), flags...))
}

// TravelRuleInfo decodes the stored travel rule payload, nil when absent
func (t *TransactionMonitor) TravelRuleInfo() *TravelRuleInfo {
	if len(t.TravelRule) == 0 {
		return nil
	}
	var info TravelRuleInfo
	if err := json.Unmarshal(t.TravelRule, &info); err != nil {
		log.Warn().Err(err).Str("tx_id", t.TxID).Msg("corrupt travel rule column")
		return nil
	}
	return &info
}

// CustomerProfile holds the KYC facts evaluation relies on
type CustomerProfile struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	UserID       string    `gorm:"uniqueIndex;not null" json:"user_id" binding:"required"`
	FullName     string    `json:"full_name"`
	KYCLevel     int       `json:"kyc_level"`
	Jurisdiction string    `json:"jurisdiction"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
