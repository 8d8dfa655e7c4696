// Package screening provides the watchlist and reference-data lookups used by
// transaction risk evaluation and AML rules. Implementations here are static
// and config backed; real data sources plug in behind the same interfaces.
package screening

import (
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

// SanctionsList answers exact-match watchlist queries for addresses and user ids
type SanctionsList interface {
	IsSanctioned(subject string) bool
	IsHighRisk(subject string) bool
}

// PEPList matches customer names against politically exposed persons
type PEPList interface {
	MatchPEP(name string) (string, bool)
}

// FxRateProvider converts currency amounts to USD
type FxRateProvider interface {
	RateToUSD(currency string) (decimal.Decimal, bool)
}

// JurisdictionRiskTable flags high-risk country codes
type JurisdictionRiskTable interface {
	IsHighRisk(countryCode string) bool
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Watchlist is a static SanctionsList
type Watchlist struct {
	mu         sync.RWMutex
	sanctioned map[string]struct{}
	highRisk   map[string]struct{}
}

// NewWatchlist builds a watchlist from sanctioned subjects (addresses or user ids) and high-risk counterparties
func NewWatchlist(sanctioned, highRisk []string) *Watchlist {
	return &Watchlist{
		sanctioned: toSet(sanctioned),
		highRisk:   toSet(highRisk),
	}
}

func (w *Watchlist) IsSanctioned(subject string) bool {
	n := normalize(subject)
	if n == "" {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.sanctioned[n]
	return ok
}

func (w *Watchlist) IsHighRisk(subject string) bool {
	n := normalize(subject)
	if n == "" {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.highRisk[n]
	return ok
}

// AddSanctioned adds subjects to the sanctions list
func (w *Watchlist) AddSanctioned(subjects ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range subjects {
		if n := normalize(s); n != "" {
			w.sanctioned[n] = struct{}{}
		}
	}
}

// FuzzyPEPList matches names within a Levenshtein distance of a listed PEP
type FuzzyPEPList struct {
	names       []string
	maxDistance int
}

func NewFuzzyPEPList(names []string, maxDistance int) *FuzzyPEPList {
	normalized := make([]string, 0, len(names))
	for _, n := range names {
		if v := normalizeName(n); v != "" {
			normalized = append(normalized, v)
		}
	}
	if maxDistance < 0 {
		maxDistance = 0
	}
	return &FuzzyPEPList{names: normalized, maxDistance: maxDistance}
}

// MatchPEP returns the closest listed name when it is within the configured distance
func (p *FuzzyPEPList) MatchPEP(name string) (string, bool) {
	candidate := normalizeName(name)
	if candidate == "" {
		return "", false
	}
	best, bestDistance := "", -1
	for _, listed := range p.names {
		d := levenshtein.ComputeDistance(candidate, listed)
		if bestDistance == -1 || d < bestDistance {
			best, bestDistance = listed, d
		}
	}
	if bestDistance == -1 || bestDistance > p.maxDistance {
		return "", false
	}
	return best, true
}

// normalizeName lower-cases and collapses whitespace so "John  SMITH" matches "john smith"
func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// StaticFxRates is a fixed conversion table
type StaticFxRates struct {
	rates map[string]decimal.Decimal
}

func NewStaticFxRates(rates map[string]float64) *StaticFxRates {
	table := make(map[string]decimal.Decimal, len(rates))
	for currency, rate := range rates {
		table[strings.ToUpper(currency)] = decimal.NewFromFloat(rate)
	}
	return &StaticFxRates{rates: table}
}

func (f *StaticFxRates) RateToUSD(currency string) (decimal.Decimal, bool) {
	rate, ok := f.rates[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return rate, true
}

// JurisdictionList is a static JurisdictionRiskTable
type JurisdictionList struct {
	highRisk map[string]struct{}
}

func NewJurisdictionList(codes []string) *JurisdictionList {
	return &JurisdictionList{highRisk: toSet(codes)}
}

func (j *JurisdictionList) IsHighRisk(countryCode string) bool {
	_, ok := j.highRisk[normalize(countryCode)]
	return ok && countryCode != ""
}
