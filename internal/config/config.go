package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	AML        AMLConfig        `mapstructure:"aml"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

type AppConfig struct {
	Env       string `mapstructure:"env"`
	Port      string `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TradingConfig struct {
	// MarketSlippage bounds the price of market orders relative to their reference price
	MarketSlippage float64 `mapstructure:"market_slippage"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ComplianceConfig struct {
	TravelRuleThreshold   float64            `mapstructure:"travel_rule_threshold"`
	HighValueThreshold    float64            `mapstructure:"high_value_threshold"`
	ManualReviewScore     float64            `mapstructure:"manual_review_score"`
	VelocityLimit         int                `mapstructure:"velocity_limit"`
	VelocityWindow        time.Duration      `mapstructure:"velocity_window"`
	HighRiskJurisdictions []string           `mapstructure:"high_risk_jurisdictions"`
	FXRates               map[string]float64 `mapstructure:"fx_rates"`
	SanctionedAddresses   []string           `mapstructure:"sanctioned_addresses"`
	SanctionedUsers       []string           `mapstructure:"sanctioned_users"`
	HighRiskAddresses     []string           `mapstructure:"high_risk_addresses"`
	PEPNames              []string           `mapstructure:"pep_names"`
	PEPMaxDistance        int                `mapstructure:"pep_max_distance"`
}

type AMLConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	Rules     []RuleConfig  `mapstructure:"rules"`
}

// RuleConfig overrides the built-in AML rule set when non-empty
type RuleConfig struct {
	ID         string  `mapstructure:"id"`
	Name       string  `mapstructure:"name"`
	Type       string  `mapstructure:"type"`
	Enabled    bool    `mapstructure:"enabled"`
	Action     string  `mapstructure:"action"`
	Priority   int     `mapstructure:"priority"`
	RiskPoints float64 `mapstructure:"risk_points"`
	Amount     float64 `mapstructure:"amount"`
	Count      int     `mapstructure:"count"`
	TimeWindow int     `mapstructure:"time_window"`
	Threshold  float64 `mapstructure:"threshold"`
	Epsilon    float64 `mapstructure:"epsilon"`
	Watchlist  string  `mapstructure:"watchlist"`
}

type FeedConfig struct {
	Simulate      bool               `mapstructure:"simulate"`
	Interval      time.Duration      `mapstructure:"interval"`
	Symbols       []string           `mapstructure:"symbols"`
	InitialPrices map[string]float64 `mapstructure:"initial_prices"`
}

type AuthConfig struct {
	Credentials []CredentialConfig `mapstructure:"credentials"`
}

type CredentialConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	APISecret   string   `mapstructure:"api_secret"`
	UserID      string   `mapstructure:"user_id"`
	Permissions []string `mapstructure:"permissions"`
}

// Load reads configuration from path (optional) and KLEAR_* environment variables
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("KLEAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config failed: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize restores the casing viper folds away in map keys
func (c *Config) normalize() {
	rates := make(map[string]float64, len(c.Compliance.FXRates))
	for k, v := range c.Compliance.FXRates {
		rates[strings.ToUpper(k)] = v
	}
	c.Compliance.FXRates = rates

	prices := make(map[string]float64, len(c.Feed.InitialPrices))
	for k, v := range c.Feed.InitialPrices {
		prices[strings.ToUpper(k)] = v
	}
	c.Feed.InitialPrices = prices

	for i, s := range c.Feed.Symbols {
		c.Feed.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// Validate checks the loaded configuration for values the services cannot run with
func (c *Config) Validate() error {
	if c.App.JWTSecret == "" {
		return errors.New("app.jwt_secret must be set")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn must be set")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.AML.Interval <= 0 {
		return fmt.Errorf("aml.interval must be positive, got %s", c.AML.Interval)
	}
	if c.Trading.MarketSlippage < 0 || c.Trading.MarketSlippage >= 1 {
		return fmt.Errorf("trading.market_slippage must be in [0,1), got %v", c.Trading.MarketSlippage)
	}
	if c.Compliance.TravelRuleThreshold <= 0 {
		return errors.New("compliance.travel_rule_threshold must be positive")
	}
	if _, ok := c.Compliance.FXRates["USD"]; !ok {
		return errors.New("compliance.fx_rates must include USD")
	}
	for _, r := range c.AML.Rules {
		if r.ID == "" || r.Type == "" {
			return fmt.Errorf("aml rule %q: id and type are required", r.Name)
		}
	}
	return nil
}
