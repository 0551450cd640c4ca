package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid marks a market whose settings cannot be quoted safely.
// It only disables that market.
var ErrConfigInvalid = errors.New("config invalid")

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Quoting   QuotingConfig   `yaml:"quoting"`
	Risk      RiskConfig      `yaml:"risk"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Markets   []MarketConfig  `yaml:"markets"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	QueueSize int      `yaml:"queue_size"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type QuotingConfig struct {
	QuoteInterval  time.Duration `yaml:"quote_interval"`
	FundingRefresh time.Duration `yaml:"funding_refresh"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	InboxSize      int           `yaml:"inbox_size"`
	SnapshotEvery  int           `yaml:"snapshot_every"`
	// DeadMansSwitch arms a venue-side cancel-all that fires if the bot
	// stops refreshing it. Negative disables it.
	DeadMansSwitch time.Duration `yaml:"dead_mans_switch"`
}

// RiskConfig holds USD-denominated limits. Each market gets its own copy.
type RiskConfig struct {
	MaxNetPositionUSD float64 `yaml:"max_net_position_usd"`
	MaxOpenOrders     int     `yaml:"max_open_orders"`
	MinBalanceUSD     float64 `yaml:"min_balance_usd"`
}

type BreakerConfig struct {
	MaxRejections int           `yaml:"max_rejections"`
	MaxInvalidFor time.Duration `yaml:"max_invalid_for"`
	MaxLatency    time.Duration `yaml:"max_latency"`
	MaxSigma      float64       `yaml:"max_sigma"`
}

type MarketConfig struct {
	Name                 string        `yaml:"name"`
	Enabled              *bool         `yaml:"enabled"`
	K                    float64       `yaml:"k"`
	Alpha                float64       `yaml:"alpha"`
	Beta                 float64       `yaml:"beta"`
	BaseSpread           float64       `yaml:"base_spread"`
	QuoteNotionalCapUSD  float64       `yaml:"quote_notional_cap_usd"`
	MinOrderSize         float64       `yaml:"min_order_size"`
	MaxOrderSize         float64       `yaml:"max_order_size"`
	InventorySensitivity float64       `yaml:"inventory_sensitivity"`
	PostOnly             *bool         `yaml:"post_only"`
	ReplaceThresholdBps  float64       `yaml:"replace_threshold_bps"`
	ReplaceCoalesce      time.Duration `yaml:"replace_coalesce"`
	BookDepth            int           `yaml:"book_depth"`
	SigmaWindow          int           `yaml:"sigma_window"`
	SigmaCap             float64       `yaml:"sigma_cap"`
	ValidAfter           int           `yaml:"valid_after"`
	Leverage             int           `yaml:"leverage"`
	STP                  string        `yaml:"stp"`
	Risk                 RiskConfig    `yaml:"risk"`
}

func (m MarketConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

func (m MarketConfig) PostOnlyValue() bool {
	return m.PostOnly == nil || *m.PostOnly
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("HL_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("HL_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("HL_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = deriveWSURL(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.WS.MaxBackoff == 0 {
		cfg.WS.MaxBackoff = 8 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-mm-bot.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "hl-mm-bot.pnl"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Quoting.QuoteInterval == 0 {
		cfg.Quoting.QuoteInterval = 250 * time.Millisecond
	}
	if cfg.Quoting.FundingRefresh == 0 {
		cfg.Quoting.FundingRefresh = 30 * time.Second
	}
	if cfg.Quoting.CommandTimeout == 0 {
		cfg.Quoting.CommandTimeout = 5 * time.Second
	}
	if cfg.Quoting.InboxSize == 0 {
		cfg.Quoting.InboxSize = 1024
	}
	if cfg.Quoting.SnapshotEvery == 0 {
		cfg.Quoting.SnapshotEvery = 4
	}
	if cfg.Quoting.DeadMansSwitch == 0 {
		cfg.Quoting.DeadMansSwitch = 120 * time.Second
	}
	if cfg.Risk.MaxNetPositionUSD == 0 {
		cfg.Risk.MaxNetPositionUSD = 200
	}
	if cfg.Risk.MaxOpenOrders == 0 {
		cfg.Risk.MaxOpenOrders = 30
	}
	if cfg.Risk.MinBalanceUSD == 0 {
		cfg.Risk.MinBalanceUSD = 50
	}
	if cfg.Breaker.MaxRejections == 0 {
		cfg.Breaker.MaxRejections = 5
	}
	if cfg.Breaker.MaxInvalidFor == 0 {
		cfg.Breaker.MaxInvalidFor = 30 * time.Second
	}
	for i := range cfg.Markets {
		applyMarketDefaults(&cfg.Markets[i], cfg.Risk)
	}
}

func applyMarketDefaults(m *MarketConfig, risk RiskConfig) {
	m.Name = strings.ToUpper(strings.TrimSpace(m.Name))
	if m.K == 0 {
		m.K = 0.0005
	}
	if m.Alpha == 0 {
		m.Alpha = 0.5
	}
	if m.Beta == 0 {
		m.Beta = 0.25
	}
	if m.BaseSpread == 0 {
		m.BaseSpread = 0.001
	}
	if m.QuoteNotionalCapUSD == 0 {
		m.QuoteNotionalCapUSD = 50
	}
	if m.MinOrderSize == 0 {
		m.MinOrderSize = 0.001
	}
	if m.PostOnly == nil {
		postOnly := true
		m.PostOnly = &postOnly
	}
	if m.ReplaceThresholdBps == 0 {
		m.ReplaceThresholdBps = 2
	}
	if m.ReplaceCoalesce == 0 {
		m.ReplaceCoalesce = 400 * time.Millisecond
	}
	if m.BookDepth == 0 {
		m.BookDepth = 25
	}
	if m.SigmaWindow == 0 {
		m.SigmaWindow = 120
	}
	if m.SigmaCap == 0 {
		m.SigmaCap = 0.01
	}
	if m.ValidAfter == 0 {
		m.ValidAfter = 3
	}
	if m.Leverage == 0 {
		m.Leverage = 5
	}
	if m.STP == "" {
		m.STP = "ACCOUNT"
	}
	if m.Risk.MaxNetPositionUSD == 0 {
		m.Risk.MaxNetPositionUSD = risk.MaxNetPositionUSD
	}
	if m.Risk.MaxOpenOrders == 0 {
		m.Risk.MaxOpenOrders = risk.MaxOpenOrders
	}
	if m.Risk.MinBalanceUSD == 0 {
		m.Risk.MinBalanceUSD = risk.MinBalanceUSD
	}
}

func deriveWSURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		return "wss://" + strings.TrimPrefix(trimmed, "https://") + "/ws"
	case strings.HasPrefix(trimmed, "http://"):
		return "ws://" + strings.TrimPrefix(trimmed, "http://") + "/ws"
	default:
		return "wss://api.hyperliquid.xyz/ws"
	}
}

// validate checks process-wide settings only. Market settings are checked
// per market so one bad market does not stop the others.
func validate(cfg *Config) error {
	if len(cfg.Markets) == 0 {
		return errors.New("at least one market is required")
	}
	seen := make(map[string]struct{}, len(cfg.Markets))
	for _, m := range cfg.Markets {
		if m.Name == "" {
			return errors.New("markets[].name is required")
		}
		if _, ok := seen[m.Name]; ok {
			return fmt.Errorf("market %s configured twice", m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	if cfg.Quoting.QuoteInterval < 10*time.Millisecond {
		return errors.New("quoting.quote_interval must be >= 10ms")
	}
	if cfg.Quoting.DeadMansSwitch > 0 && cfg.Quoting.DeadMansSwitch < 5*time.Second {
		return errors.New("quoting.dead_mans_switch must be >= 5s")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Breaker.MaxRejections < 0 || cfg.Breaker.MaxInvalidFor < 0 || cfg.Breaker.MaxLatency < 0 || cfg.Breaker.MaxSigma < 0 {
		return errors.New("breaker settings must be >= 0")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

// Validate reports whether the market can be quoted. Errors wrap
// ErrConfigInvalid.
func (m MarketConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("market %s: %s: %w", m.Name, fmt.Sprintf(format, args...), ErrConfigInvalid)
	}
	for name, v := range map[string]float64{
		"k": m.K, "alpha": m.Alpha, "beta": m.Beta, "base_spread": m.BaseSpread,
		"quote_notional_cap_usd": m.QuoteNotionalCapUSD, "min_order_size": m.MinOrderSize,
		"max_order_size": m.MaxOrderSize, "inventory_sensitivity": m.InventorySensitivity,
		"replace_threshold_bps": m.ReplaceThresholdBps, "sigma_cap": m.SigmaCap,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("%s must be finite", name)
		}
	}
	switch {
	case m.Name == "":
		return invalid("name is required")
	case m.K <= 0:
		return invalid("k must be > 0")
	case m.BaseSpread <= 0 || m.BaseSpread >= 1:
		return invalid("base_spread must be in (0, 1)")
	case m.Alpha < 0:
		return invalid("alpha must be >= 0")
	case m.QuoteNotionalCapUSD <= 0:
		return invalid("quote_notional_cap_usd must be > 0")
	case m.MinOrderSize <= 0:
		return invalid("min_order_size must be > 0")
	case m.MaxOrderSize < 0:
		return invalid("max_order_size must be >= 0")
	case m.MaxOrderSize > 0 && m.MaxOrderSize < m.MinOrderSize:
		return invalid("max_order_size %g below min_order_size %g", m.MaxOrderSize, m.MinOrderSize)
	case m.InventorySensitivity < 0:
		return invalid("inventory_sensitivity must be >= 0")
	case m.ReplaceThresholdBps < 0:
		return invalid("replace_threshold_bps must be >= 0")
	case m.ReplaceCoalesce < 0:
		return invalid("replace_coalesce must be >= 0")
	case m.SigmaWindow < 2:
		return invalid("sigma_window must be >= 2")
	case m.SigmaCap <= 0:
		return invalid("sigma_cap must be > 0")
	case m.ValidAfter < 1:
		return invalid("valid_after must be >= 1")
	case m.BookDepth < 1:
		return invalid("book_depth must be >= 1")
	}
	if err := m.Risk.validate(); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func (r RiskConfig) validate() error {
	switch {
	case r.MaxNetPositionUSD <= 0:
		return errors.New("risk.max_net_position_usd must be > 0")
	case r.MaxOpenOrders < 1:
		return errors.New("risk.max_open_orders must be >= 1")
	case r.MinBalanceUSD < 0:
		return errors.New("risk.min_balance_usd must be >= 0")
	}
	return nil
}
