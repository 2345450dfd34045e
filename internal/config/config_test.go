package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trader.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
broker:
  host: 127.0.0.1
  port: 7497
  client_id: 7
extractor:
  url: http://localhost:9000
store:
  host: localhost
  name: trader
  user: trader
  password: secret
`

func TestLoadAndValidate_Minimal(t *testing.T) {
	cfg, err := LoadAndValidate(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.News.ProviderCode != "BZ" {
		t.Errorf("ProviderCode = %q, want BZ", cfg.News.ProviderCode)
	}
	if cfg.Detection.WorkerCount != 4 {
		t.Errorf("WorkerCount = %d, want 4", cfg.Detection.WorkerCount)
	}
	if cfg.Detection.PriceMult != 3.0 {
		t.Errorf("PriceMult = %g, want 3.0", cfg.Detection.PriceMult)
	}
	if cfg.Detection.VolMult != 5.0 {
		t.Errorf("VolMult = %g, want 5.0", cfg.Detection.VolMult)
	}
	if cfg.Detection.CooldownSec != 300 {
		t.Errorf("CooldownSec = %d, want 300", cfg.Detection.CooldownSec)
	}
	if cfg.Risk.PerTradeFraction != 0.01 {
		t.Errorf("PerTradeFraction = %g, want 0.01", cfg.Risk.PerTradeFraction)
	}
	if cfg.Risk.TakeProfitPct != 0.02 {
		t.Errorf("TakeProfitPct = %g, want 0.02", cfg.Risk.TakeProfitPct)
	}
	if cfg.Risk.MaxHoldSec != 600 {
		t.Errorf("MaxHoldSec = %d, want 600", cfg.Risk.MaxHoldSec)
	}
	if cfg.Risk.AccountValueBasis != "net_liquidation" {
		t.Errorf("AccountValueBasis = %q, want net_liquidation", cfg.Risk.AccountValueBasis)
	}
	if cfg.Broker.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", cfg.Broker.ConnectTimeout)
	}
	if cfg.Store.Port != 5432 {
		t.Errorf("Store.Port = %d, want 5432", cfg.Store.Port)
	}
	if cfg.Store.SSLMode != "prefer" {
		t.Errorf("Store.SSLMode = %q, want prefer", cfg.Store.SSLMode)
	}
	if cfg.Health.Port != 8080 {
		t.Errorf("Health.Port = %d, want 8080", cfg.Health.Port)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TRADER_DB_PASSWORD", "s3cret")

	cfg, err := Load(writeConfig(t, `
store:
  password: ${TRADER_DB_PASSWORD}
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Password != "s3cret" {
		t.Errorf("Password = %q, want s3cret", cfg.Store.Password)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing extractor url", func(c *Config) { c.Extractor.URL = "" }, "extractor.url"},
		{"bad broker port", func(c *Config) { c.Broker.Port = 70000 }, "broker.port"},
		{"zero workers", func(c *Config) { c.Detection.WorkerCount = 0 }, "worker_count"},
		{"negative cooldown", func(c *Config) { c.Detection.CooldownSec = -1 }, "cooldown_sec"},
		{"risk fraction too large", func(c *Config) { c.Risk.PerTradeFraction = 1.5 }, "per_trade_fraction"},
		{"bad account basis", func(c *Config) { c.Risk.AccountValueBasis = "margin" }, "account_value_basis"},
		{"missing store host", func(c *Config) { c.Store.Host = "" }, "store.host"},
		{"missing store password", func(c *Config) { c.Store.Password = "" }, "store.password"},
		{"min conns exceed max", func(c *Config) { c.Store.MinConns = 20 }, "min_conns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %q, want substring %q", err, tt.wantSub)
			}
		})
	}
}
