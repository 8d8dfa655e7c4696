package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  env: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Env)
	assert.Equal(t, defaultPort, cfg.App.Port)
	assert.Equal(t, defaultMonitorTick, cfg.Monitor.Interval)
	assert.Equal(t, defaultAMLBatch, cfg.AML.BatchSize)
	assert.Equal(t, 1000.0, cfg.Compliance.TravelRuleThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Compliance.VelocityWindow)
	assert.Contains(t, cfg.Compliance.HighRiskJurisdictions, "KP")
	assert.Equal(t, 1.0, cfg.Compliance.FXRates["USD"])
	assert.Equal(t, 65000.0, cfg.Feed.InitialPrices["BTC-USD"])
	assert.Empty(t, cfg.AML.Rules)
	assert.Len(t, cfg.Auth.Credentials, 3)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
app:
  port: "9090"
monitor:
  interval: 250ms
trading:
  market_slippage: 0.01
feed:
  simulate: false
  symbols: [" sol-usd "]
  initial_prices:
    SOL-USD: 150
aml:
  rules:
    - id: big
      name: Big transfers
      type: threshold
      enabled: true
      action: flag
      priority: 2
      risk_points: 40
      amount: 50000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.App.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.Interval)
	assert.Equal(t, 0.01, cfg.Trading.MarketSlippage)
	assert.False(t, cfg.Feed.Simulate)
	assert.Equal(t, []string{"SOL-USD"}, cfg.Feed.Symbols)
	assert.Equal(t, 150.0, cfg.Feed.InitialPrices["SOL-USD"])

	require.Len(t, cfg.AML.Rules, 1)
	rule := cfg.AML.Rules[0]
	assert.Equal(t, "big", rule.ID)
	assert.Equal(t, "threshold", rule.Type)
	assert.True(t, rule.Enabled)
	assert.Equal(t, 50000.0, rule.Amount)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KLEAR_APP_PORT", "7070")
	t.Setenv("KLEAR_DATABASE_DSN", "file:test.db")

	cfg, err := Load(writeConfig(t, "app:\n  port: \"9090\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.App.Port)
	assert.Equal(t, "file:test.db", cfg.Database.DSN)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"slippage out of range", "trading:\n  market_slippage: 1.5\n"},
		{"non-positive monitor interval", "monitor:\n  interval: 0s\n"},
		{"non-positive travel rule threshold", "compliance:\n  travel_rule_threshold: 0\n"},
		{"rule without type", "aml:\n  rules:\n    - id: broken\n      name: Broken\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
