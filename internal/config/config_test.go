package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{Markets: []MarketConfig{{Name: "eth"}}}
}

func TestMarketDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	m := cfg.Markets[0]
	if m.Name != "ETH" {
		t.Fatalf("expected upper-cased market name, got %q", m.Name)
	}
	if m.K != 0.0005 || m.Alpha != 0.5 || m.Beta != 0.25 || m.BaseSpread != 0.001 {
		t.Fatalf("unexpected pricing defaults: %+v", m)
	}
	if m.QuoteNotionalCapUSD != 50 || m.MinOrderSize != 0.001 {
		t.Fatalf("unexpected sizing defaults: %+v", m)
	}
	if !m.PostOnlyValue() {
		t.Fatalf("expected post_only default true")
	}
	if m.ReplaceThresholdBps != 2 || m.ReplaceCoalesce != 400*time.Millisecond {
		t.Fatalf("unexpected replace defaults: %v %v", m.ReplaceThresholdBps, m.ReplaceCoalesce)
	}
	if m.BookDepth != 25 || m.SigmaWindow != 120 || m.SigmaCap != 0.01 || m.ValidAfter != 3 {
		t.Fatalf("unexpected book defaults: %+v", m)
	}
	if m.STP != "ACCOUNT" {
		t.Fatalf("expected stp ACCOUNT, got %q", m.STP)
	}
}

func TestMarketInheritsGlobalRisk(t *testing.T) {
	cfg := baseConfig()
	cfg.Risk = RiskConfig{MaxNetPositionUSD: 500, MaxOpenOrders: 4}
	cfg.Markets = append(cfg.Markets, MarketConfig{Name: "BTC", Risk: RiskConfig{MaxNetPositionUSD: 1000}})
	applyDefaults(cfg)
	if got := cfg.Markets[0].Risk; got.MaxNetPositionUSD != 500 || got.MaxOpenOrders != 4 || got.MinBalanceUSD != 50 {
		t.Fatalf("unexpected inherited risk: %+v", got)
	}
	if got := cfg.Markets[1].Risk.MaxNetPositionUSD; got != 1000 {
		t.Fatalf("expected market override 1000, got %v", got)
	}
}

func TestQuotingDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if cfg.Quoting.QuoteInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms quote interval, got %v", cfg.Quoting.QuoteInterval)
	}
	if cfg.Quoting.DeadMansSwitch != 120*time.Second {
		t.Fatalf("expected 120s dead man's switch, got %v", cfg.Quoting.DeadMansSwitch)
	}
	if cfg.Breaker.MaxRejections != 5 || cfg.Breaker.MaxInvalidFor != 30*time.Second {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
}

func TestMetricsDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if cfg.Metrics.Enabled == nil || !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if cfg.Metrics.Address != "127.0.0.1:9001" {
		t.Fatalf("expected metrics address default, got %q", cfg.Metrics.Address)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestWSURLDerivedFromREST(t *testing.T) {
	cfg := &Config{REST: RESTConfig{BaseURL: "https://example.com"}}
	applyDefaults(cfg)
	if cfg.WS.URL != "wss://example.com/ws" {
		t.Fatalf("expected derived ws url, got %q", cfg.WS.URL)
	}
}

func TestWSURLDerivedFromRESTHTTP(t *testing.T) {
	cfg := &Config{REST: RESTConfig{BaseURL: "http://example.com"}}
	applyDefaults(cfg)
	if cfg.WS.URL != "ws://example.com/ws" {
		t.Fatalf("expected derived ws url, got %q", cfg.WS.URL)
	}
}

func TestWSURLRespectsExplicitValue(t *testing.T) {
	cfg := &Config{
		REST: RESTConfig{BaseURL: "https://example.com"},
		WS:   WSConfig{URL: "wss://override.example/ws"},
	}
	applyDefaults(cfg)
	if cfg.WS.URL != "wss://override.example/ws" {
		t.Fatalf("expected explicit ws url, got %q", cfg.WS.URL)
	}
}

func TestValidateRequiresMarkets(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing markets")
	}
}

func TestValidateRejectsDuplicateMarkets(t *testing.T) {
	cfg := &Config{Markets: []MarketConfig{{Name: "ETH"}, {Name: "eth"}}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for duplicate market")
	}
}

func TestValidateRejectsMetricsPathWithoutSlash(t *testing.T) {
	cfg := baseConfig()
	cfg.Metrics.Path = "metrics"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for metrics path without leading slash")
	}
}

func TestValidateRejectsTelegramEnabledWithoutConfig(t *testing.T) {
	t.Setenv("HL_TELEGRAM_TOKEN", "")
	t.Setenv("HL_TELEGRAM_CHAT_ID", "")
	cfg := baseConfig()
	cfg.Telegram = TelegramConfig{Enabled: true}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing telegram token/chat_id")
	}
}

func TestTelegramEnvOverridesConfig(t *testing.T) {
	t.Setenv("HL_TELEGRAM_TOKEN", "env-token")
	t.Setenv("HL_TELEGRAM_CHAT_ID", "123")
	cfg := baseConfig()
	cfg.Telegram = TelegramConfig{Enabled: true, Token: "config-token", ChatID: "999"}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("expected env token override, got %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.ChatID != "123" {
		t.Fatalf("expected env chat id override, got %q", cfg.Telegram.ChatID)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config with env overrides, got %v", err)
	}
}

func TestValidateRejectsShortDeadMansSwitch(t *testing.T) {
	cfg := baseConfig()
	cfg.Quoting.DeadMansSwitch = time.Second
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for dead man's switch below 5s")
	}
}

func TestValidateRequiresKafkaBrokers(t *testing.T) {
	cfg := baseConfig()
	cfg.Kafka.Enabled = true
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for kafka without brokers")
	}
}

func TestMarketValidateDefaultsPass(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if err := cfg.Markets[0].Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestMarketValidateRejects(t *testing.T) {
	cases := map[string]func(m *MarketConfig){
		"negative k":        func(m *MarketConfig) { m.K = -0.1 },
		"negative spread":   func(m *MarketConfig) { m.BaseSpread = -0.001 },
		"negative alpha":    func(m *MarketConfig) { m.Alpha = -1 },
		"inverted sizes":    func(m *MarketConfig) { m.MinOrderSize = 1; m.MaxOrderSize = 0.5 },
		"negative cap":      func(m *MarketConfig) { m.QuoteNotionalCapUSD = -5 },
		"negative bps":      func(m *MarketConfig) { m.ReplaceThresholdBps = -1 },
		"short sigma":       func(m *MarketConfig) { m.SigmaWindow = 1 },
		"negative position": func(m *MarketConfig) { m.Risk.MaxNetPositionUSD = -1 },
		"negative balance":  func(m *MarketConfig) { m.Risk.MinBalanceUSD = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig()
			applyDefaults(cfg)
			m := cfg.Markets[0]
			mutate(&m)
			err := m.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !errors.Is(err, ErrConfigInvalid) {
				t.Fatalf("expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
quoting:
  quote_interval: 500ms
risk:
  max_net_position_usd: 300
markets:
  - name: ETH
    base_spread: 0.002
    replace_coalesce: 1s
  - name: BTC
    enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Quoting.QuoteInterval != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %v", cfg.Quoting.QuoteInterval)
	}
	if len(cfg.Markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(cfg.Markets))
	}
	eth := cfg.Markets[0]
	if eth.BaseSpread != 0.002 || eth.ReplaceCoalesce != time.Second {
		t.Fatalf("unexpected eth config: %+v", eth)
	}
	if eth.Risk.MaxNetPositionUSD != 300 {
		t.Fatalf("expected inherited 300, got %v", eth.Risk.MaxNetPositionUSD)
	}
	if cfg.Markets[1].EnabledValue() {
		t.Fatalf("expected BTC disabled")
	}
}
