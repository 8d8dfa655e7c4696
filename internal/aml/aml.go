// Package aml screens monitored transactions against the compliance rule set,
// opens alerts for case officers and drafts suspicious activity reports.
package aml

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-core/internal/auth"
	"github.com/ksred/klear-core/internal/compliance"
	"github.com/ksred/klear-core/internal/metrics"
	"github.com/ksred/klear-core/pkg/apperr"
	"github.com/ksred/klear-core/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const minHistoryWindow = 24 * time.Hour

type Service struct {
	db     *gorm.DB
	lists  Watchlists
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.RWMutex
	engine *Engine
}

func NewService(gormDB *gorm.DB, lists Watchlists) *Service {
	return &Service{
		db:     gormDB,
		lists:  lists,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.With().Str("component", "aml").Logger(),
		engine: NewEngine(nil, lists),
	}
}

// SeedRules stores rules, replacing any with the same id, and reloads the engine
func (s *Service) SeedRules(ctx context.Context, rules []ComplianceRule) error {
	db := NewDatabase(s.db.WithContext(ctx))
	for i := range rules {
		if err := db.UpsertRule(&rules[i]); err != nil {
			return fmt.Errorf("seeding rule %s: %w", rules[i].RuleID, err)
		}
	}
	return s.LoadRules(ctx)
}

// LoadRules rebuilds the engine from the persisted rules
func (s *Service) LoadRules(ctx context.Context) error {
	rules, err := NewDatabase(s.db.WithContext(ctx)).ListRules()
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	engine := NewEngine(rules, s.lists)

	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()

	s.logger.Info().Int("rules", len(rules)).Int("enabled", len(engine.rules)).Msg("compliance rules loaded")
	return nil
}

func (s *Service) currentEngine() *Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// ListRules returns every stored rule, enabled or not
func (s *Service) ListRules(ctx context.Context) ([]ComplianceRule, error) {
	return NewDatabase(s.db.WithContext(ctx)).ListRules()
}

// ScreenResult is what one screening pass produced
type ScreenResult struct {
	Transaction *compliance.TransactionMonitor `json:"transaction"`
	Alerts      []AMLAlert                     `json:"alerts"`
	SAR         *SARReport                     `json:"sar,omitempty"`
}

// Screen runs the rule set over one monitored transaction and stores the new
// status, alerts and SAR in a single transaction. Screening an already
// screened transaction returns it unchanged.
func (s *Service) Screen(ctx context.Context, txID string) (*ScreenResult, error) {
	engine := s.currentEngine()
	result := &ScreenResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cdb := compliance.NewDatabase(tx)
		record, err := cdb.GetTransaction(txID)
		if err != nil {
			return err
		}
		if record == nil {
			return apperr.ErrNotFound.WithMessage("transaction %s not found", txID)
		}
		result.Transaction = record
		if record.Screened {
			return nil
		}
		if record.Status == compliance.TxPending {
			return apperr.ErrInvalidTransition.WithMessage("transaction %s is awaiting travel rule information", txID)
		}

		customer, err := cdb.GetCustomer(record.UserID)
		if err != nil {
			return err
		}
		current := toTransaction(*record, customer)

		since := record.CreatedAt.Add(-historyWindow(engine.rules))
		recent, err := cdb.RecentTransactions(record.UserID, since)
		if err != nil {
			return fmt.Errorf("loading history: %w", err)
		}
		history := make([]Transaction, 0, len(recent))
		for _, r := range recent {
			if r.TxID == record.TxID || r.Status == compliance.TxPending {
				continue
			}
			history = append(history, toTransaction(r, customer))
		}

		res := engine.Evaluate(current, history)

		now := s.now()
		record.Status = res.Status
		record.AMLScore = res.Score
		record.AddFlags(res.Flags...)
		record.Screened = true
		record.UpdatedAt = now
		if err := cdb.UpdateTransaction(record); err != nil {
			return fmt.Errorf("saving screening result: %w", err)
		}

		db := NewDatabase(tx)
		for _, draft := range res.Alerts {
			alert := AMLAlert{
				AlertID:             uuid.New().String(),
				UserID:              record.UserID,
				AlertType:           draft.Hit.AlertType,
				Severity:            draft.Severity,
				RiskScore:           res.Score,
				RuleID:              draft.Hit.Rule.RuleID,
				Description:         draft.Hit.Flag,
				RelatedTransactions: encodeStrings(draft.Hit.Related),
				Status:              AlertOpen,
				Notes:               encodeStrings(nil),
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := db.CreateAlert(&alert); err != nil {
				return fmt.Errorf("creating alert: %w", err)
			}
			result.Alerts = append(result.Alerts, alert)
		}

		if critical := res.Critical(); len(critical) > 0 {
			sar := draftSAR(record, result.Alerts, res, now)
			if err := db.CreateSAR(sar); err != nil {
				return fmt.Errorf("creating SAR: %w", err)
			}
			result.SAR = sar
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range result.Alerts {
		metrics.AMLAlerts.WithLabelValues(string(a.AlertType), string(a.Severity)).Inc()
		s.logger.Warn().
			Str("alert_id", a.AlertID).
			Str("user_id", a.UserID).
			Str("alert_type", string(a.AlertType)).
			Str("severity", string(a.Severity)).
			Msg("AML alert opened")
	}
	if result.SAR != nil {
		metrics.SARsGenerated.Inc()
		s.logger.Warn().
			Str("sar_id", result.SAR.SARID).
			Str("user_id", result.SAR.UserID).
			Time("due_date", result.SAR.DueDate).
			Msg("SAR drafted")
	}
	return result, nil
}

// draftSAR files one report per screening against the first critical alert,
// listing every triggered rule as suspicious activity
func draftSAR(record *compliance.TransactionMonitor, alerts []AMLAlert, res Result, now time.Time) *SARReport {
	var alert *AMLAlert
	related := map[string]bool{}
	var relatedIDs []string
	for i := range alerts {
		if alerts[i].Severity != SeverityCritical {
			continue
		}
		if alert == nil {
			alert = &alerts[i]
		}
		for _, id := range alerts[i].Related() {
			if !related[id] {
				related[id] = true
				relatedIDs = append(relatedIDs, id)
			}
		}
	}

	return &SARReport{
		SARID:               uuid.New().String(),
		AlertID:             alert.AlertID,
		UserID:              record.UserID,
		Amount:              record.Amount,
		Currency:            "USD",
		SuspiciousActivity:  encodeStrings(res.Flags),
		RelatedTransactions: encodeStrings(relatedIDs),
		Status:              SARDraft,
		FilingDate:          now,
		DueDate:             now.Add(sarFilingWindow),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func historyWindow(rules []ComplianceRule) time.Duration {
	w := minHistoryWindow
	for _, r := range rules {
		p, err := r.Params()
		if err != nil {
			continue
		}
		if d := p.window(); d > w {
			w = d
		}
	}
	return w
}

func toTransaction(m compliance.TransactionMonitor, customer *compliance.CustomerProfile) Transaction {
	t := Transaction{
		ID:          m.TxID,
		UserID:      m.UserID,
		Amount:      m.Amount,
		FromAddress: m.FromAddress,
		ToAddress:   m.ToAddress,
		Status:      m.Status,
		Timestamp:   m.CreatedAt,
	}
	if customer != nil {
		t.CustomerName = customer.FullName
		t.Jurisdiction = customer.Jurisdiction
	}
	return t
}

// AlertFilter narrows ListAlerts. No statuses means open and investigating.
type AlertFilter struct {
	Statuses []AlertStatus
	UserID   string
}

// ListAlerts returns alerts ordered by severity, most severe first, then newest first
func (s *Service) ListAlerts(ctx context.Context, filter AlertFilter) ([]AMLAlert, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []AlertStatus{AlertOpen, AlertInvestigating}
	}
	alerts, err := NewDatabase(s.db.WithContext(ctx)).ListAlerts(statuses, filter.UserID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.rank(), alerts[j].Severity.rank()
		if ri != rj {
			return ri > rj
		}
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID > alerts[j].ID
	})
	return alerts, nil
}

// UpdateAlertRequest changes an alert's case state. Nil fields are left alone.
type UpdateAlertRequest struct {
	Status     *AlertStatus `json:"status"`
	AssignedTo *string      `json:"assigned_to"`
	Note       string       `json:"note"`
}

// UpdateAlert applies a case officer's change. Notes are only ever appended.
func (s *Service) UpdateAlert(ctx context.Context, alertID, actor string, req UpdateAlertRequest) (*AMLAlert, error) {
	db := NewDatabase(s.db.WithContext(ctx))
	alert, err := db.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, apperr.ErrNotFound.WithMessage("alert %s not found", alertID)
	}

	now := s.now()
	notes := alert.NoteList()
	stamp := func(msg string) string {
		return fmt.Sprintf("%s %s: %s", now.Format(time.RFC3339), actor, msg)
	}

	if req.Status != nil && *req.Status != alert.Status {
		if !canMoveAlert(alert.Status, *req.Status) {
			return nil, apperr.ErrInvalidTransition.WithMessage("alert %s cannot move from %s to %s", alertID, alert.Status, *req.Status)
		}
		notes = append(notes, stamp(fmt.Sprintf("status %s -> %s", alert.Status, *req.Status)))
		alert.Status = *req.Status
	}
	if req.AssignedTo != nil && *req.AssignedTo != alert.AssignedTo {
		alert.AssignedTo = strings.TrimSpace(*req.AssignedTo)
		notes = append(notes, stamp("assigned to "+alert.AssignedTo))
	}
	if note := strings.TrimSpace(req.Note); note != "" {
		notes = append(notes, stamp(note))
	}

	alert.Notes = encodeStrings(notes)
	alert.UpdatedAt = now
	if err := db.UpdateAlert(alert); err != nil {
		return nil, fmt.Errorf("saving alert: %w", err)
	}

	s.logger.Info().
		Str("alert_id", alertID).
		Str("actor", actor).
		Str("status", string(alert.Status)).
		Str("assigned_to", alert.AssignedTo).
		Msg("alert updated")
	return alert, nil
}

func (s *Service) ListSARs(ctx context.Context, status SARStatus) ([]SARReport, error) {
	return NewDatabase(s.db.WithContext(ctx)).ListSARs(status)
}

// SubmitSAR files a draft report. Submitted reports are immutable apart from acknowledgement.
func (s *Service) SubmitSAR(ctx context.Context, sarID, actor string) (*SARReport, error) {
	return s.moveSAR(ctx, sarID, SARDraft, SARSubmitted, func(sar *SARReport, now time.Time) {
		sar.SubmittedBy = actor
		sar.SubmittedAt = &now
	})
}

// AcknowledgeSAR records the regulator's receipt of a submitted report
func (s *Service) AcknowledgeSAR(ctx context.Context, sarID string) (*SARReport, error) {
	return s.moveSAR(ctx, sarID, SARSubmitted, SARAcknowledged, func(sar *SARReport, now time.Time) {
		sar.AcknowledgedAt = &now
	})
}

func (s *Service) moveSAR(ctx context.Context, sarID string, from, to SARStatus, apply func(*SARReport, time.Time)) (*SARReport, error) {
	db := NewDatabase(s.db.WithContext(ctx))
	sar, err := db.GetSAR(sarID)
	if err != nil {
		return nil, err
	}
	if sar == nil {
		return nil, apperr.ErrNotFound.WithMessage("SAR %s not found", sarID)
	}
	if sar.Status != from {
		return nil, apperr.ErrInvalidTransition.WithMessage("SAR %s is %s, expected %s", sarID, sar.Status, from)
	}

	now := s.now()
	sar.Status = to
	sar.UpdatedAt = now
	apply(sar, now)
	if err := db.UpdateSAR(sar); err != nil {
		return nil, fmt.Errorf("saving SAR: %w", err)
	}
	s.logger.Info().Str("sar_id", sarID).Str("status", string(to)).Msg("SAR status changed")
	return sar, nil
}

// GinHandlers contains HTTP handlers for AML case management
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListAlertsHandler lists alerts; ?status= may repeat, ?user_id= filters
func (h *GinHandlers) ListAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var statuses []AlertStatus
		for _, st := range c.QueryArray("status") {
			statuses = append(statuses, AlertStatus(st))
		}
		alerts, err := h.service.ListAlerts(c.Request.Context(), AlertFilter{
			Statuses: statuses,
			UserID:   c.Query("user_id"),
		})
		response.Handle(c, alerts, err)
	}
}

// UpdateAlertHandler changes status, assignee or appends a note
// URL parameter: alert_id
func (h *GinHandlers) UpdateAlertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateAlertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		alert, err := h.service.UpdateAlert(c.Request.Context(), c.Param("alert_id"), auth.UserID(c), req)
		response.Handle(c, alert, err)
	}
}

// ListSARsHandler lists reports, optionally filtered by ?status=
func (h *GinHandlers) ListSARsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sars, err := h.service.ListSARs(c.Request.Context(), SARStatus(c.Query("status")))
		response.Handle(c, sars, err)
	}
}

// SubmitSARHandler submits a draft report
// URL parameter: sar_id
func (h *GinHandlers) SubmitSARHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sar, err := h.service.SubmitSAR(c.Request.Context(), c.Param("sar_id"), auth.UserID(c))
		response.Handle(c, sar, err)
	}
}

// AcknowledgeSARHandler marks a submitted report acknowledged
// URL parameter: sar_id
func (h *GinHandlers) AcknowledgeSARHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sar, err := h.service.AcknowledgeSAR(c.Request.Context(), c.Param("sar_id"))
		response.Handle(c, sar, err)
	}
}

func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rules, err := h.service.ListRules(c.Request.Context())
		response.Handle(c, rules, err)
	}
}

// ScreenHandler screens one transaction immediately
// URL parameter: tx_id
func (h *GinHandlers) ScreenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.Screen(c.Request.Context(), c.Param("tx_id"))
		response.Handle(c, result, err)
	}
}
