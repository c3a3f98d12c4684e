package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hl-rsi-bot/internal/strategy"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Exec      ExecConfig      `yaml:"exec"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Redis     RedisConfig     `yaml:"redis"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type StrategyConfig struct {
	Symbols           []string      `yaml:"symbols"`
	Interval          time.Duration `yaml:"interval"`
	Period            int           `yaml:"period"`
	Low               float64       `yaml:"low"`
	High              float64       `yaml:"high"`
	NotionalUSD       float64       `yaml:"notional_usd"`
	MaxOrdersPerCycle int           `yaml:"max_orders_per_cycle"`
	CloseRetention    int           `yaml:"close_retention"`
	QueueSize         int           `yaml:"queue_size"`
	Paper             bool          `yaml:"paper"`
	Tif               string        `yaml:"tif"`
	SlippageBps       float64       `yaml:"slippage_bps"`
}

type ExecConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
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

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
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
		cfg.WS.URL = wsURLFromREST(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-rsi-bot.db"
	}
	for i, symbol := range cfg.Strategy.Symbols {
		cfg.Strategy.Symbols[i] = strings.ToUpper(strings.TrimSpace(symbol))
	}
	if cfg.Strategy.Interval == 0 {
		cfg.Strategy.Interval = time.Minute
	}
	if cfg.Strategy.Period == 0 {
		cfg.Strategy.Period = 14
	}
	if cfg.Strategy.Low == 0 && cfg.Strategy.High == 0 {
		cfg.Strategy.Low = 30
		cfg.Strategy.High = 70
	}
	if cfg.Strategy.MaxOrdersPerCycle == 0 {
		cfg.Strategy.MaxOrdersPerCycle = 2
	}
	if cfg.Strategy.CloseRetention == 0 {
		cfg.Strategy.CloseRetention = 500
	}
	if cfg.Strategy.QueueSize == 0 {
		cfg.Strategy.QueueSize = 1024
	}
	if cfg.Strategy.Tif == "" {
		cfg.Strategy.Tif = "Ioc"
	}
	if cfg.Exec.MaxAttempts == 0 {
		cfg.Exec.MaxAttempts = 3
	}
	if cfg.Exec.RetryBackoff == 0 {
		cfg.Exec.RetryBackoff = 200 * time.Millisecond
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
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "hl-rsi-bot:events"
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := strings.TrimSpace(os.Getenv("HL_TELEGRAM_TOKEN")); val != "" {
		cfg.Telegram.Token = val
	}
	if val := strings.TrimSpace(os.Getenv("HL_TELEGRAM_CHAT_ID")); val != "" {
		cfg.Telegram.ChatID = val
	}
	if val := strings.TrimSpace(os.Getenv("HL_TIMESCALE_DSN")); val != "" {
		cfg.Timescale.DSN = val
	}
	if val := strings.TrimSpace(os.Getenv("HL_REDIS_PASSWORD")); val != "" {
		cfg.Redis.Password = val
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	if len(s.Symbols) == 0 {
		return errors.New("strategy.symbols is required")
	}
	seen := make(map[string]struct{}, len(s.Symbols))
	for _, symbol := range s.Symbols {
		if symbol == "" {
			return errors.New("strategy.symbols contains an empty symbol")
		}
		if _, ok := seen[symbol]; ok {
			return fmt.Errorf("strategy.symbols contains duplicate %s", symbol)
		}
		seen[symbol] = struct{}{}
	}
	if s.Interval < 0 {
		return errors.New("strategy.interval must be > 0")
	}
	if s.Period < 1 {
		return errors.New("strategy.period must be >= 1")
	}
	if s.Low < 0 || s.High > 100 || s.Low >= s.High {
		return errors.New("strategy.low and strategy.high must satisfy 0 <= low < high <= 100")
	}
	if s.NotionalUSD <= 0 {
		return fmt.Errorf("strategy.notional_usd must be > 0: %w", strategy.ErrInvalidSizing)
	}
	if s.MaxOrdersPerCycle < 1 {
		return errors.New("strategy.max_orders_per_cycle must be >= 1")
	}
	if s.CloseRetention < s.Period+1 {
		return fmt.Errorf("strategy.close_retention must be >= period+1 (%d)", s.Period+1)
	}
	if s.QueueSize < 1 {
		return errors.New("strategy.queue_size must be >= 1")
	}
	switch s.Tif {
	case "Ioc", "Gtc", "Alo":
	default:
		return fmt.Errorf("strategy.tif must be one of Ioc, Gtc, Alo, got %q", s.Tif)
	}
	if s.SlippageBps < 0 {
		return errors.New("strategy.slippage_bps must be >= 0")
	}
	if cfg.Exec.MaxAttempts < 1 {
		return errors.New("exec.max_attempts must be >= 1")
	}
	if cfg.Exec.RetryBackoff < 0 {
		return errors.New("exec.retry_backoff must be >= 0")
	}
	if cfg.WS.ReconnectDelay < 0 {
		return errors.New("ws.reconnect_delay must be >= 0")
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}

func wsURLFromREST(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return "wss://api.hyperliquid.xyz/ws"
	}
}
