package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBrokerHost        = "127.0.0.1"
	DefaultBrokerPort        = 7497
	DefaultConnectTimeout    = 10 * time.Second
	DefaultProviderCode      = "BZ"
	DefaultWorkerCount       = 4
	DefaultPriceMult         = 3.0
	DefaultVolMult           = 5.0
	DefaultCooldownSec       = 300
	DefaultPerTradeFraction  = 0.01
	DefaultTakeProfitPct     = 0.02
	DefaultMaxHoldSec        = 600
	DefaultAccountValueBasis = "net_liquidation"
	DefaultExtractorTimeout  = 1 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultHealthPort        = 8080
)

func (c *Config) applyDefaults() {
	// Broker defaults
	if c.Broker.Host == "" {
		c.Broker.Host = DefaultBrokerHost
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = DefaultBrokerPort
	}
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = DefaultConnectTimeout
	}

	// News defaults
	if c.News.ProviderCode == "" {
		c.News.ProviderCode = DefaultProviderCode
	}

	// Detection defaults
	if c.Detection.WorkerCount == 0 {
		c.Detection.WorkerCount = DefaultWorkerCount
	}
	if c.Detection.PriceMult == 0 {
		c.Detection.PriceMult = DefaultPriceMult
	}
	if c.Detection.VolMult == 0 {
		c.Detection.VolMult = DefaultVolMult
	}
	if c.Detection.CooldownSec == 0 {
		c.Detection.CooldownSec = DefaultCooldownSec
	}

	// Risk defaults
	if c.Risk.PerTradeFraction == 0 {
		c.Risk.PerTradeFraction = DefaultPerTradeFraction
	}
	if c.Risk.TakeProfitPct == 0 {
		c.Risk.TakeProfitPct = DefaultTakeProfitPct
	}
	if c.Risk.MaxHoldSec == 0 {
		c.Risk.MaxHoldSec = DefaultMaxHoldSec
	}
	if c.Risk.AccountValueBasis == "" {
		c.Risk.AccountValueBasis = DefaultAccountValueBasis
	}

	// Extractor defaults
	if c.Extractor.Timeout == 0 {
		c.Extractor.Timeout = DefaultExtractorTimeout
	}

	// Store defaults
	if c.Store.Port == 0 {
		c.Store.Port = DefaultDBPort
	}
	if c.Store.SSLMode == "" {
		c.Store.SSLMode = DefaultDBSSLMode
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = DefaultMaxConns
	}
	if c.Store.MinConns == 0 {
		c.Store.MinConns = DefaultMinConns
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}
