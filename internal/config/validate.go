package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return errors.New("broker.host is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be between 1 and 65535, got %d", c.Broker.Port)
	}
	if c.Broker.ClientID < 0 {
		return errors.New("broker.client_id must be >= 0")
	}

	if c.News.ProviderCode == "" {
		return errors.New("news.provider_code is required")
	}

	if c.Detection.WorkerCount < 1 {
		return errors.New("detection.worker_count must be >= 1")
	}
	if c.Detection.PriceMult <= 0 {
		return errors.New("detection.price_mult must be > 0")
	}
	if c.Detection.VolMult <= 0 {
		return errors.New("detection.vol_mult must be > 0")
	}
	if c.Detection.CooldownSec < 0 {
		return errors.New("detection.cooldown_sec must be >= 0")
	}

	if c.Risk.PerTradeFraction <= 0 || c.Risk.PerTradeFraction > 1 {
		return fmt.Errorf("risk.per_trade_fraction must be in (0, 1], got %g", c.Risk.PerTradeFraction)
	}
	if c.Risk.TakeProfitPct <= 0 {
		return errors.New("risk.take_profit_pct must be > 0")
	}
	if c.Risk.MaxHoldSec < 1 {
		return errors.New("risk.max_hold_sec must be >= 1")
	}
	switch c.Risk.AccountValueBasis {
	case "net_liquidation", "total_cash", "equity_with_loan":
	default:
		return fmt.Errorf("risk.account_value_basis must be one of net_liquidation, total_cash, equity_with_loan, got %q", c.Risk.AccountValueBasis)
	}

	if c.Extractor.URL == "" {
		return errors.New("extractor.url is required")
	}

	if err := c.Store.validate("store"); err != nil {
		return err
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *StoreConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
