package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// NormalizeSymbol upper-cases and trims a BASE-QUOTE symbol
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SplitSymbol splits a BASE-QUOTE symbol such as BTC-USD into its assets
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(NormalizeSymbol(symbol), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol %q, expected BASE-QUOTE", symbol)
	}
	return parts[0], parts[1], nil
}

// Tick is a single market data update for a symbol
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	High24h   decimal.Decimal `json:"high24h"`
	Low24h    decimal.Decimal `json:"low24h"`
	Volume24h decimal.Decimal `json:"volume24h"`
	Timestamp time.Time       `json:"timestamp"`
}
