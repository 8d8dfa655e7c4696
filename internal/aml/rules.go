package aml

import (
	"github.com/ksred/klear-core/internal/config"
	"github.com/shopspring/decimal"
)

func newRule(id, name string, typ RuleType, action RuleAction, priority, points int, p RuleParameters) ComplianceRule {
	r := ComplianceRule{
		RuleID:     id,
		Name:       name,
		Type:       typ,
		Enabled:    true,
		Action:     action,
		Priority:   priority,
		RiskPoints: points,
	}
	r.SetParams(p)
	return r
}

// DefaultRules is the built-in rule set used when the configuration defines none
func DefaultRules() []ComplianceRule {
	return []ComplianceRule{
		newRule("sanctions-screening", "Sanctions screening", RuleSanctions, ActionBlock, 0, 100, RuleParameters{}),
		newRule("rapid-movement", "Rapid movement of funds", RuleVelocity, ActionFlag, 1, 25, RuleParameters{
			Amount:     decimal.NewFromInt(1000),
			Count:      5,
			TimeWindow: 3600,
		}),
		newRule("structuring", "Structuring below reporting threshold", RulePattern, ActionFlag, 1, 50, RuleParameters{
			Threshold:  decimal.NewFromInt(10000),
			Epsilon:    decimal.NewFromInt(1000),
			Count:      3,
			TimeWindow: 86400,
		}),
		newRule("pep-screening", "PEP screening", RuleSanctions, ActionReview, 1, 35, RuleParameters{
			Watchlist: WatchlistPEP,
		}),
		newRule("large-transaction", "Large transaction", RuleThreshold, ActionFlag, 2, 40, RuleParameters{
			Amount: decimal.NewFromInt(10000),
		}),
		newRule("high-risk-geography", "High-risk jurisdiction", RuleGeography, ActionFlag, 3, 20, RuleParameters{}),
	}
}

// RulesFromConfig converts configured rules, falling back to DefaultRules when none are set
func RulesFromConfig(cfg []config.RuleConfig) []ComplianceRule {
	if len(cfg) == 0 {
		return DefaultRules()
	}
	rules := make([]ComplianceRule, 0, len(cfg))
	for _, c := range cfg {
		rules = append(rules, newRule(c.ID, c.Name, RuleType(c.Type), RuleAction(c.Action), c.Priority, int(c.RiskPoints), RuleParameters{
			Amount:     decimal.NewFromFloat(c.Amount),
			Count:      c.Count,
			TimeWindow: c.TimeWindow,
			Threshold:  decimal.NewFromFloat(c.Threshold),
			Epsilon:    decimal.NewFromFloat(c.Epsilon),
			Watchlist:  c.Watchlist,
		}))
		rules[len(rules)-1].Enabled = c.Enabled
	}
	return rules
}
