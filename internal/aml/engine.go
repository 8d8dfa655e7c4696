package aml

import (
	"fmt"
	"sort"
	"time"

	"github.com/ksred/klear-core/internal/compliance"
	"github.com/ksred/klear-core/internal/screening"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Transaction is the view of a monitored transaction the rules work on. Amount is in USD.
type Transaction struct {
	ID           string
	UserID       string
	Amount       decimal.Decimal
	FromAddress  string
	ToAddress    string
	CustomerName string
	Jurisdiction string
	Status       compliance.TxStatus
	Timestamp    time.Time
}

// Watchlists are the lookups sanctions and geography rules consult
type Watchlists struct {
	Sanctions     screening.SanctionsList
	PEP           screening.PEPList
	Jurisdictions screening.JurisdictionRiskTable
}

// Hit is one triggered rule
type Hit struct {
	Rule      ComplianceRule
	AlertType AlertType
	Flag      string
	Related   []string
}

// AlertDraft is an alert the caller should open
type AlertDraft struct {
	Hit      Hit
	Severity Severity
}

// Result is the outcome of running every rule against one transaction
type Result struct {
	Status compliance.TxStatus
	Score  int
	Flags  []string
	Hits   []Hit
	Alerts []AlertDraft
}

// Critical returns the critical alerts, which require a SAR
func (r Result) Critical() []AlertDraft {
	var out []AlertDraft
	for _, a := range r.Alerts {
		if a.Severity == SeverityCritical {
			out = append(out, a)
		}
	}
	return out
}

// Engine evaluates transactions against a fixed rule set. It has no side effects.
type Engine struct {
	rules []ComplianceRule
	lists Watchlists
}

// NewEngine keeps the enabled rules ordered by priority, 0 first
func NewEngine(rules []ComplianceRule, lists Watchlists) *Engine {
	enabled := make([]ComplianceRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Priority < enabled[j].Priority })
	return &Engine{rules: enabled, lists: lists}
}

func (e *Engine) Rules() []ComplianceRule {
	return append([]ComplianceRule(nil), e.rules...)
}

// Evaluate runs the rules over tx. history holds the user's other recorded
// transactions; tx itself is always counted by the windowed rules.
func (e *Engine) Evaluate(tx Transaction, history []Transaction) Result {
	res := Result{Status: tx.Status}
	if res.Status == "" {
		res.Status = compliance.TxMonitoring
	}
	touched := false

	for _, rule := range e.rules {
		hit, ok := e.check(rule, tx, history)
		if !ok {
			continue
		}
		touched = true
		res.Score += rule.RiskPoints
		res.Flags = append(res.Flags, hit.Flag)
		res.Hits = append(res.Hits, hit)

		switch rule.Action {
		case ActionBlock:
			res.Status = compliance.TxBlocked
		case ActionFlag, ActionReview, ActionReport:
			if res.Status != compliance.TxBlocked {
				res.Status = compliance.TxFlagged
			}
		}
	}

	// Severity depends on the final score, so alerts are graded after every rule ran
	for _, hit := range res.Hits {
		if hit.Rule.Priority <= 1 || hit.Rule.Action == ActionReport {
			res.Alerts = append(res.Alerts, AlertDraft{
				Hit:      hit,
				Severity: SeverityFor(res.Score, hit.Rule.Priority),
			})
		}
	}

	if res.Status == compliance.TxMonitoring && !touched && res.Score < 30 {
		res.Status = compliance.TxApproved
	}
	return res
}

func (e *Engine) check(rule ComplianceRule, tx Transaction, history []Transaction) (Hit, bool) {
	p, err := rule.Params()
	if err != nil {
		log.Warn().Err(err).Str("rule_id", rule.RuleID).Msg("skipping rule with corrupt parameters")
		return Hit{}, false
	}
	hit := Hit{Rule: rule, Related: []string{tx.ID}}

	switch rule.Type {
	case RuleThreshold:
		if tx.Amount.LessThan(p.Amount) {
			return hit, false
		}
		hit.AlertType = AlertHighValue
		hit.Flag = fmt.Sprintf("%s: amount %s USD at or above %s USD", rule.Name, tx.Amount.StringFixed(2), p.Amount.String())
		return hit, true

	case RuleVelocity:
		matched := window(tx, history, p.window(), func(t Transaction) bool {
			return t.Amount.GreaterThanOrEqual(p.Amount)
		})
		if !tx.Amount.GreaterThanOrEqual(p.Amount) || len(matched) < p.Count {
			return hit, false
		}
		hit.AlertType = AlertVelocity
		hit.Related = ids(matched)
		hit.Flag = fmt.Sprintf("%s: %d transactions of at least %s USD within %s", rule.Name, len(matched), p.Amount.String(), p.window())
		return hit, true

	case RulePattern:
		floor := p.Threshold.Sub(p.Epsilon)
		inBand := func(t Transaction) bool {
			return t.Amount.GreaterThanOrEqual(floor) && t.Amount.LessThan(p.Threshold)
		}
		if !inBand(tx) {
			return hit, false
		}
		matched := window(tx, history, p.window(), inBand)
		if len(matched) < p.Count {
			return hit, false
		}
		hit.AlertType = AlertStructuring
		hit.Related = ids(matched)
		hit.Flag = fmt.Sprintf("%s: %d transactions just under %s USD within %s", rule.Name, len(matched), p.Threshold.String(), p.window())
		return hit, true

	case RuleSanctions:
		if p.Watchlist == WatchlistPEP {
			if e.lists.PEP == nil {
				return hit, false
			}
			name, ok := e.lists.PEP.MatchPEP(tx.CustomerName)
			if !ok {
				return hit, false
			}
			hit.AlertType = AlertPEP
			hit.Flag = fmt.Sprintf("%s: customer matches politically exposed person %q", rule.Name, name)
			return hit, true
		}
		if e.lists.Sanctions == nil {
			return hit, false
		}
		for _, subject := range []string{tx.FromAddress, tx.ToAddress, tx.UserID} {
			if subject != "" && e.lists.Sanctions.IsSanctioned(subject) {
				hit.AlertType = AlertSanctions
				hit.Flag = fmt.Sprintf("%s: %s is on the sanctions list", rule.Name, subject)
				return hit, true
			}
		}
		return hit, false

	case RuleGeography:
		if e.lists.Jurisdictions == nil || tx.Jurisdiction == "" || !e.lists.Jurisdictions.IsHighRisk(tx.Jurisdiction) {
			return hit, false
		}
		hit.AlertType = AlertUnusualPattern
		hit.Flag = fmt.Sprintf("%s: customer jurisdiction %s is high risk", rule.Name, tx.Jurisdiction)
		return hit, true
	}
	return hit, false
}

// window returns tx and the history entries in (tx.Timestamp-w, tx.Timestamp] that match
func window(tx Transaction, history []Transaction, w time.Duration, match func(Transaction) bool) []Transaction {
	var out []Transaction
	if match(tx) {
		out = append(out, tx)
	}
	since := tx.Timestamp.Add(-w)
	for _, h := range history {
		if h.ID == tx.ID || h.UserID != tx.UserID {
			continue
		}
		if h.Timestamp.After(tx.Timestamp) || !h.Timestamp.After(since) {
			continue
		}
		if match(h) {
			out = append(out, h)
		}
	}
	return out
}

func ids(txs []Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.ID
	}
	return out
}
