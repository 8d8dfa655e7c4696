// Package compliance evaluates prospective transactions for risk and Travel
// Rule completeness and records completed trades for AML screening.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-core/internal/auth"
	"github.com/ksred/klear-core/internal/metrics"
	"github.com/ksred/klear-core/internal/screening"
	"github.com/ksred/klear-core/internal/trading"
	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/pkg/apperr"
	"github.com/ksred/klear-core/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxRiskScore = 10

// Options holds the evaluation thresholds
type Options struct {
	TravelRuleThreshold decimal.Decimal
	HighValueThreshold  decimal.Decimal
	ManualReviewScore   int
	VelocityLimit       int
	VelocityWindow      time.Duration
}

// DefaultOptions returns the standard thresholds: Travel Rule at $1,000,
// high value above $3,000, manual review from score 8, more than 5 transactions a day
func DefaultOptions() Options {
	return Options{
		TravelRuleThreshold: decimal.NewFromInt(1000),
		HighValueThreshold:  decimal.NewFromInt(3000),
		ManualReviewScore:   8,
		VelocityLimit:       5,
		VelocityWindow:      24 * time.Hour,
	}
}

// Lookups are the reference data sources evaluation consults
type Lookups struct {
	Sanctions     screening.SanctionsList
	FX            screening.FxRateProvider
	Jurisdictions screening.JurisdictionRiskTable
}

// EvaluateRequest is a prospective transaction
type EvaluateRequest struct {
	UserID      string          `json:"-"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" binding:"required"`
	Type        TxType          `json:"type" binding:"required"`
	FromAddress string          `json:"fromAddress"`
	ToAddress   string          `json:"toAddress"`
	TravelRule  *TravelRuleInfo `json:"travelRule"`
	Reference   string          `json:"reference"`
}

type Service struct {
	db      *gorm.DB
	opts    Options
	lookups Lookups
	now     func() time.Time
	logger  zerolog.Logger
}

func NewService(gormDB *gorm.DB, opts Options, lookups Lookups) *Service {
	return &Service{
		db:      gormDB,
		opts:    opts,
		lookups: lookups,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  log.With().Str("component", "compliance").Logger(),
	}
}

// assessment is the outcome of scoring one transaction
type assessment struct {
	score      int
	flags      []string
	sanctioned bool
}

type subject struct {
	userID       string
	usd          decimal.Decimal
	txType       TxType
	counterparty []string
}

// assess scores a transaction against the customer's profile and recent activity
func (s *Service) assess(db *Database, sub subject, priorInWindow int) (assessment, error) {
	var a assessment
	customer, err := db.GetCustomer(sub.userID)
	if err != nil {
		return a, fmt.Errorf("loading customer profile: %w", err)
	}

	kyc, jurisdiction := 0, ""
	if customer != nil {
		kyc, jurisdiction = customer.KYCLevel, customer.Jurisdiction
	}
	if kyc < 2 {
		a.score += 2
		a.flags = append(a.flags, FlagLowKYC)
	}
	if jurisdiction != "" && s.lookups.Jurisdictions.IsHighRisk(jurisdiction) {
		a.score += 3
		a.flags = append(a.flags, FlagHighRiskJurisdiction)
	}
	if sub.usd.GreaterThan(s.opts.HighValueThreshold) {
		a.score += 2
		a.flags = append(a.flags, FlagHighValue)
	}
	if sub.txType == TxWithdrawal {
		a.score++
		a.flags = append(a.flags, FlagWithdrawal)
	}

	if s.lookups.Sanctions.IsSanctioned(sub.userID) {
		a.sanctioned = true
		a.flags = append(a.flags, FlagSanctionedUser)
	}
	for _, cp := range sub.counterparty {
		if cp == "" {
			continue
		}
		if s.lookups.Sanctions.IsSanctioned(cp) {
			a.sanctioned = true
			a.flags = append(a.flags, FlagSanctionedCounterparty)
			break
		}
		if s.lookups.Sanctions.IsHighRisk(cp) {
			a.score += 3
			a.flags = append(a.flags, FlagHighRiskCounterparty)
			break
		}
	}

	if priorInWindow+1 > s.opts.VelocityLimit {
		a.score += 2
		a.flags = append(a.flags, FlagHighVelocity)
	}

	if a.sanctioned || a.score > maxRiskScore {
		a.score = maxRiskScore
	}
	return a, nil
}

func (s *Service) toUSD(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	rate, ok := s.lookups.FX.RateToUSD(currency)
	if !ok {
		return decimal.Zero, apperr.Validation("currency", "no USD rate for currency %q", currency)
	}
	return amount.Mul(rate).Round(2), nil
}

// EvaluateTransaction scores a prospective transaction, applies the Travel
// Rule gate and persists the result. A blocked or incomplete transaction is
// persisted and returned together with the structured rejection.
func (s *Service) EvaluateTransaction(ctx context.Context, req EvaluateRequest) (*TransactionMonitor, error) {
	if req.UserID == "" {
		return nil, apperr.MissingParam("user_id")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "amount must be positive")
	}
	if !req.Type.Valid() {
		return nil, apperr.Validation("type", "type must be one of deposit, withdrawal, trade, transfer")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, apperr.MissingParam("currency")
	}
	if req.TravelRule != nil {
		if field := req.TravelRule.missing(); field != "" {
			return nil, apperr.ErrInvalidTravelRuleData.
				WithMessage("travel rule payload is missing %s", field).
				WithFields(field)
		}
	}

	usd, err := s.toUSD(req.Amount, currency)
	if err != nil {
		return nil, err
	}

	now := s.now()
	db := NewDatabase(s.db.WithContext(ctx))
	recent, err := db.RecentTransactions(req.UserID, now.Add(-s.opts.VelocityWindow))
	if err != nil {
		return nil, fmt.Errorf("loading recent transactions: %w", err)
	}
	a, err := s.assess(db, subject{
		userID:       req.UserID,
		usd:          usd,
		txType:       req.Type,
		counterparty: []string{req.ToAddress, req.FromAddress},
	}, len(recent))
	if err != nil {
		return nil, err
	}

	record := &TransactionMonitor{
		TxID:               uuid.New().String(),
		UserID:             req.UserID,
		Type:               req.Type,
		Amount:             usd,
		OriginalAmount:     req.Amount,
		Currency:           currency,
		FromAddress:        req.FromAddress,
		ToAddress:          req.ToAddress,
		Reference:          req.Reference,
		Status:             TxMonitoring,
		RiskScore:          a.score,
		TravelRuleRequired: usd.GreaterThanOrEqual(s.opts.TravelRuleThreshold),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.TravelRule != nil {
		b, err := json.Marshal(req.TravelRule)
		if err != nil {
			return nil, fmt.Errorf("encoding travel rule payload: %w", err)
		}
		record.TravelRule = datatypes.JSON(b)
	}

	flags := a.flags
	travelRuleMissing := record.TravelRuleRequired && req.TravelRule == nil
	reviewRequired := a.sanctioned || a.score >= s.opts.ManualReviewScore
	if travelRuleMissing {
		record.Status = TxPending
		flags = append(flags, FlagTravelRuleMissing)
	}
	if reviewRequired {
		record.Status = TxBlocked
		flags = append(flags, FlagManualReview)
	}
	record.SetFlags(flags)

	if err := db.CreateTransaction(record); err != nil {
		return nil, fmt.Errorf("recording transaction: %w", err)
	}
	metrics.TransactionEvaluations.WithLabelValues(string(record.Type), string(record.Status)).Inc()

	s.logger.Info().
		Str("tx_id", record.TxID).
		Str("user_id", record.UserID).
		Str("type", string(record.Type)).
		Str("usd_amount", usd.String()).
		Int("risk_score", record.RiskScore).
		Strs("flags", record.FlagList()).
		Str("status", string(record.Status)).
		Bool("travel_rule_required", record.TravelRuleRequired).
		Msg("transaction evaluated")

	switch {
	case reviewRequired:
		e := apperr.ErrManualReviewRequired.
			WithMessage("transaction %s blocked pending manual review", record.TxID).
			WithDetail("transactionId", record.TxID).
			WithDetail("riskScore", record.RiskScore).
			WithDetail("flags", record.FlagList())
		if travelRuleMissing {
			e = e.WithDetail("travelRuleFields", apperr.TravelRuleFields)
		}
		return record, e
	case travelRuleMissing:
		return record, apperr.ErrTravelRuleRequired.
			WithDetail("transactionId", record.TxID).
			WithDetail("threshold", s.opts.TravelRuleThreshold.String())
	}
	return record, nil
}

// CheckTrade is the pre-trade gate for orders: a sanctioned user or a score at
// the manual review level rejects the order before any funds are locked.
// The Travel Rule does not apply to trades matched on the venue.
func (s *Service) CheckTrade(ctx context.Context, intent trading.OrderIntent) error {
	usd, err := s.toUSD(intent.Notional(), intent.QuoteAsset)
	if err != nil {
		// Unknown quote assets are scored at face value
		usd = intent.Notional()
	}

	db := NewDatabase(s.db.WithContext(ctx))
	recent, err := db.RecentTransactions(intent.UserID, s.now().Add(-s.opts.VelocityWindow))
	if err != nil {
		return fmt.Errorf("loading recent transactions: %w", err)
	}
	a, err := s.assess(db, subject{userID: intent.UserID, usd: usd, txType: TxTrade}, len(recent))
	if err != nil {
		return err
	}
	if !a.sanctioned && a.score < s.opts.ManualReviewScore {
		return nil
	}

	s.logger.Warn().
		Str("user_id", intent.UserID).
		Str("symbol", intent.Symbol).
		Int("risk_score", a.score).
		Strs("flags", a.flags).
		Msg("order rejected by pre-trade check")
	return apperr.ErrManualReviewRequired.
		WithMessage("order blocked pending manual review").
		WithDetail("riskScore", a.score).
		WithDetail("flags", a.flags)
}

// RecordTrade stores both legs of a completed trade for AML screening
func (s *Service) RecordTrade(ctx context.Context, trade trading.Trade) {
	_, quote, err := types.SplitSymbol(trade.Symbol)
	if err != nil {
		s.logger.Error().Err(err).Str("trade_id", trade.TradeID).Msg("cannot record trade")
		return
	}
	notional := trade.Notional()
	usd, err := s.toUSD(notional, quote)
	if err != nil {
		usd = notional
	}

	legs := []struct {
		userID, counterparty string
	}{
		{trade.BuyerID, trade.SellerID},
		{trade.SellerID, trade.BuyerID},
	}
	for _, leg := range legs {
		if err := s.recordLeg(ctx, trade, leg.userID, leg.counterparty, usd, notional, quote); err != nil {
			s.logger.Error().
				Err(err).
				Str("trade_id", trade.TradeID).
				Str("user_id", leg.userID).
				Msg("failed to record completed trade")
		}
	}
}

func (s *Service) recordLeg(ctx context.Context, trade trading.Trade, userID, counterparty string, usd, notional decimal.Decimal, quote string) error {
	now := s.now()
	db := NewDatabase(s.db.WithContext(ctx))
	recent, err := db.RecentTransactions(userID, now.Add(-s.opts.VelocityWindow))
	if err != nil {
		return err
	}
	a, err := s.assess(db, subject{
		userID:       userID,
		usd:          usd,
		txType:       TxTrade,
		counterparty: []string{counterparty},
	}, len(recent))
	if err != nil {
		return err
	}

	record := &TransactionMonitor{
		TxID:           uuid.New().String(),
		UserID:         userID,
		Type:           TxTrade,
		Amount:         usd,
		OriginalAmount: notional,
		Currency:       quote,
		Reference:      trade.TradeID,
		Status:         TxMonitoring,
		RiskScore:      a.score,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	record.SetFlags(a.flags)
	if err := db.CreateTransaction(record); err != nil {
		return err
	}
	metrics.TransactionEvaluations.WithLabelValues(string(record.Type), string(record.Status)).Inc()
	return nil
}

// ReviewRequest is a compliance officer's decision on a held transaction
type ReviewRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note"`
}

// Review is the only way to change an evaluated transaction's status by hand
func (s *Service) Review(ctx context.Context, txID, reviewer string, req ReviewRequest) (*TransactionMonitor, error) {
	db := NewDatabase(s.db.WithContext(ctx))
	record, err := db.GetTransaction(txID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperr.ErrNotFound.WithMessage("transaction %s not found", txID)
	}
	switch record.Status {
	case TxPending, TxFlagged, TxBlocked:
	default:
		return nil, apperr.ErrInvalidTransition.WithMessage("transaction %s is %s and not awaiting review", txID, record.Status)
	}

	record.Status = TxBlocked
	if req.Approve {
		record.Status = TxApproved
	}
	record.ReviewedBy = reviewer
	record.ReviewNote = req.Note
	record.UpdatedAt = s.now()
	if err := db.UpdateTransaction(record); err != nil {
		return nil, fmt.Errorf("saving review: %w", err)
	}

	s.logger.Info().
		Str("tx_id", txID).
		Str("reviewer", reviewer).
		Str("status", string(record.Status)).
		Msg("transaction reviewed")
	return record, nil
}

// UpsertCustomer creates or replaces a customer's KYC profile
func (s *Service) UpsertCustomer(ctx context.Context, profile CustomerProfile) (*CustomerProfile, error) {
	if profile.UserID == "" {
		return nil, apperr.MissingParam("user_id")
	}
	if profile.KYCLevel < 0 || profile.KYCLevel > 3 {
		return nil, apperr.Validation("kyc_level", "kyc_level must be between 0 and 3")
	}
	profile.Jurisdiction = strings.ToUpper(strings.TrimSpace(profile.Jurisdiction))

	db := NewDatabase(s.db.WithContext(ctx))
	existing, err := db.GetCustomer(profile.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		profile.ID = existing.ID
		profile.CreatedAt = existing.CreatedAt
	}
	if err := db.SaveCustomer(&profile); err != nil {
		return nil, fmt.Errorf("saving customer profile: %w", err)
	}
	return &profile, nil
}

func (s *Service) GetTransaction(ctx context.Context, txID string) (*TransactionMonitor, error) {
	record, err := NewDatabase(s.db.WithContext(ctx)).GetTransaction(txID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperr.ErrNotFound.WithMessage("transaction %s not found", txID)
	}
	return record, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, status TxStatus, limit int) ([]TransactionMonitor, error) {
	return NewDatabase(s.db.WithContext(ctx)).ListTransactions(userID, status, limit)
}

// GinHandlers contains HTTP handlers for compliance endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// EvaluateHandler evaluates a transaction for the caller
func (h *GinHandlers) EvaluateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EvaluateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.UserID = auth.UserID(c)

		record, err := h.service.EvaluateTransaction(c.Request.Context(), req)
		response.Handle(c, record, err)
	}
}

// ListOwnTransactionsHandler lists the caller's evaluated transactions
func (h *GinHandlers) ListOwnTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		txs, err := h.service.ListTransactions(c.Request.Context(), auth.UserID(c), TxStatus(c.Query("status")), trading.QueryLimit(c))
		response.Handle(c, txs, err)
	}
}

// ListTransactionsHandler lists all transactions, filtered by ?user_id= and ?status=
func (h *GinHandlers) ListTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		txs, err := h.service.ListTransactions(c.Request.Context(), c.Query("user_id"), TxStatus(c.Query("status")), trading.QueryLimit(c))
		response.Handle(c, txs, err)
	}
}

// GetTransactionHandler returns one transaction
// URL parameter: tx_id
func (h *GinHandlers) GetTransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := h.service.GetTransaction(c.Request.Context(), c.Param("tx_id"))
		response.Handle(c, record, err)
	}
}

// ReviewHandler records a manual review decision
// URL parameter: tx_id
func (h *GinHandlers) ReviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		record, err := h.service.Review(c.Request.Context(), c.Param("tx_id"), auth.UserID(c), req)
		response.Handle(c, record, err)
	}
}

// UpsertCustomerHandler creates or updates a customer profile
func (h *GinHandlers) UpsertCustomerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var profile CustomerProfile
		if err := c.ShouldBindJSON(&profile); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		saved, err := h.service.UpsertCustomer(c.Request.Context(), profile)
		response.Handle(c, saved, err)
	}
}
