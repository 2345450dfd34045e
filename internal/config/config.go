// Package config loads and validates the trader YAML configuration.
package config

import "time"

// Config is the root configuration for the trader binary.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	News      NewsConfig      `yaml:"news"`
	Detection DetectionConfig `yaml:"detection"`
	Risk      RiskConfig      `yaml:"risk"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Store     StoreConfig     `yaml:"store"`
	Health    HealthConfig    `yaml:"health"`
}

// BrokerConfig holds TWS/Gateway session parameters.
type BrokerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ClientID       int           `yaml:"client_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// NewsConfig holds the news subscription parameters.
type NewsConfig struct {
	ProviderCode string `yaml:"provider_code"`
}

// DetectionConfig tunes the shock-detection stage.
type DetectionConfig struct {
	WorkerCount int     `yaml:"worker_count"`
	PriceMult   float64 `yaml:"price_mult"`
	VolMult     float64 `yaml:"vol_mult"`
	CooldownSec int     `yaml:"cooldown_sec"`
}

// RiskConfig tunes position sizing and exits.
type RiskConfig struct {
	PerTradeFraction  float64 `yaml:"per_trade_fraction"`
	TakeProfitPct     float64 `yaml:"take_profit_pct"`
	MaxHoldSec        int     `yaml:"max_hold_sec"`
	AccountValueBasis string  `yaml:"account_value_basis"`
}

// ExtractorConfig points at the ticker-extractor collaborator.
type ExtractorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig holds trade-store database parameters.
type StoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig configures the health/stats HTTP endpoint.
type HealthConfig struct {
	Port int `yaml:"port"`
}
