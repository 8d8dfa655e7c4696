package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	defaultEnv            = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultJWTSecret      = "klear-secret-key"
	defaultDSN            = "klear.db"
	defaultMarketSlippage = 0.005
	defaultMonitorTick    = 5 * time.Second
	defaultAMLTick        = 30 * time.Second
	defaultAMLBatch       = 200
	defaultFeedTick       = 2 * time.Second
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", defaultEnv)
	v.SetDefault("app.port", defaultPort)
	v.SetDefault("app.log_level", defaultLogLevel)
	v.SetDefault("app.jwt_secret", defaultJWTSecret)

	v.SetDefault("database.dsn", defaultDSN)

	v.SetDefault("trading.market_slippage", defaultMarketSlippage)

	v.SetDefault("monitor.interval", defaultMonitorTick)

	v.SetDefault("compliance.travel_rule_threshold", 1000.0)
	v.SetDefault("compliance.high_value_threshold", 3000.0)
	v.SetDefault("compliance.manual_review_score", 8.0)
	v.SetDefault("compliance.velocity_limit", 5)
	v.SetDefault("compliance.velocity_window", 24*time.Hour)
	v.SetDefault("compliance.high_risk_jurisdictions", []string{"KP", "IR", "SY", "CU", "MM", "AF"})
	v.SetDefault("compliance.fx_rates", map[string]float64{
		"USD":  1,
		"USDT": 1,
		"USDC": 1,
		"EUR":  1.08,
		"GBP":  1.27,
		"BTC":  65000,
		"ETH":  3500,
	})
	v.SetDefault("compliance.sanctioned_addresses", []string{
		"0x8589427373d6d84e98730d7795d8f6f8731fda16",
		"0x722122df12d4e14e13ac3b6895a86e84145b6967",
	})
	v.SetDefault("compliance.sanctioned_users", []string{})
	v.SetDefault("compliance.high_risk_addresses", []string{})
	v.SetDefault("compliance.pep_names", []string{})
	v.SetDefault("compliance.pep_max_distance", 2)

	v.SetDefault("aml.interval", defaultAMLTick)
	v.SetDefault("aml.batch_size", defaultAMLBatch)
	v.SetDefault("aml.rules", []map[string]interface{}{})

	v.SetDefault("feed.simulate", true)
	v.SetDefault("feed.interval", defaultFeedTick)
	v.SetDefault("feed.symbols", []string{"BTC-USD", "ETH-USD"})
	v.SetDefault("feed.initial_prices", map[string]float64{
		"BTC-USD": 65000,
		"ETH-USD": 3500,
	})

	v.SetDefault("auth.credentials", []map[string]interface{}{
		{
			"api_key":     "test-api-key",
			"api_secret":  "test-api-secret",
			"user_id":     "test-user",
			"permissions": []string{"trade"},
		},
		{
			"api_key":     "compliance-api-key",
			"api_secret":  "compliance-api-secret",
			"user_id":     "compliance-officer",
			"permissions": []string{"trade", "compliance"},
		},
		{
			"api_key":     "internal-api-key",
			"api_secret":  "internal-api-secret",
			"user_id":     "internal-service",
			"permissions": []string{"internal"},
		},
	})
}
