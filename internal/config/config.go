package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log           LoggingConfig    `yaml:"log"`
	Exchange      ExchangeConfig   `yaml:"exchange"`
	PortfoliosDir string           `yaml:"portfolios_dir"`
	Hedging       HedgingConfig    `yaml:"hedging"`
	State         StateConfig      `yaml:"state"`
	Metrics       MetricsConfig    `yaml:"metrics"`
	Timeseries    TimeseriesConfig `yaml:"timeseries"`
	Telegram      TelegramConfig   `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ExchangeConfig struct {
	Key          string        `yaml:"key"`
	Secret       string        `yaml:"secret"`
	Testnet      bool          `yaml:"testnet"`
	URL          string        `yaml:"url"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	OrderTimeout time.Duration `yaml:"order_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	MaxReconnect time.Duration `yaml:"max_reconnect_interval"`
}

type HedgingConfig struct {
	TargetDelta        float64       `yaml:"target_delta"`
	MinTriggerDelta    float64       `yaml:"min_trigger_delta"`
	StepMode           string        `yaml:"step_mode"`
	StepSize           float64       `yaml:"step_size"`
	PriceCheckInterval time.Duration `yaml:"price_check_interval"`
	MinHedgeUSD        float64       `yaml:"min_hedge_usd"`
	MaxHedgeInterval   time.Duration `yaml:"max_hedge_interval"`
	Cooldown           time.Duration `yaml:"cooldown"`
	StopTimeout        time.Duration `yaml:"stop_timeout"`
	Volatility         float64       `yaml:"volatility"`
	RiskFreeRate       float64       `yaml:"risk_free_rate"`
	PnLPublishInterval time.Duration `yaml:"pnl_publish_interval"`
	PnLHistoryDepth    int           `yaml:"pnl_history_depth"`
	SubscriptionLinger time.Duration `yaml:"subscription_linger"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TimeseriesConfig struct {
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

const (
	StepModeAbsolute   = "absolute"
	StepModePercentage = "percentage"
)

const (
	mainnetURL = "wss://www.deribit.com/ws/api/v2"
	testnetURL = "wss://test.deribit.com/ws/api/v2"
)

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
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXCHANGE_KEY"); v != "" {
		cfg.Exchange.Key = v
	}
	if v := os.Getenv("EXCHANGE_SECRET"); v != "" {
		cfg.Exchange.Secret = v
	}
	if v := os.Getenv("EXCHANGE_TESTNET"); v != "" {
		if testnet, err := strconv.ParseBool(v); err == nil {
			cfg.Exchange.Testnet = testnet
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Exchange.URL == "" {
		if cfg.Exchange.Testnet {
			cfg.Exchange.URL = testnetURL
		} else {
			cfg.Exchange.URL = mainnetURL
		}
	}
	if cfg.Exchange.CallTimeout == 0 {
		cfg.Exchange.CallTimeout = 10 * time.Second
	}
	if cfg.Exchange.OrderTimeout == 0 {
		cfg.Exchange.OrderTimeout = 15 * time.Second
	}
	if cfg.Exchange.PingInterval == 0 {
		cfg.Exchange.PingInterval = 20 * time.Second
	}
	if cfg.Exchange.MaxReconnect == 0 {
		cfg.Exchange.MaxReconnect = 30 * time.Second
	}
	if cfg.PortfoliosDir == "" {
		cfg.PortfoliosDir = "portfolios"
	}
	if cfg.Hedging.StepMode == "" {
		cfg.Hedging.StepMode = StepModeAbsolute
	}
	if cfg.Hedging.StepSize == 0 {
		cfg.Hedging.StepSize = 0.01
	}
	if cfg.Hedging.MinTriggerDelta == 0 {
		cfg.Hedging.MinTriggerDelta = 0.01
	}
	if cfg.Hedging.PriceCheckInterval == 0 {
		cfg.Hedging.PriceCheckInterval = 2 * time.Second
	}
	if cfg.Hedging.MinHedgeUSD == 0 {
		cfg.Hedging.MinHedgeUSD = 10
	}
	if cfg.Hedging.MaxHedgeInterval == 0 {
		cfg.Hedging.MaxHedgeInterval = time.Hour
	}
	if cfg.Hedging.Cooldown == 0 {
		cfg.Hedging.Cooldown = 500 * time.Millisecond
	}
	if cfg.Hedging.StopTimeout == 0 {
		cfg.Hedging.StopTimeout = 10 * time.Second
	}
	if cfg.Hedging.Volatility == 0 {
		cfg.Hedging.Volatility = 0.8
	}
	if cfg.Hedging.PnLPublishInterval == 0 {
		cfg.Hedging.PnLPublishInterval = time.Second
	}
	if cfg.Hedging.PnLHistoryDepth == 0 {
		cfg.Hedging.PnLHistoryDepth = 1024
	}
	if cfg.Hedging.SubscriptionLinger == 0 {
		cfg.Hedging.SubscriptionLinger = 5 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dneutral-sniper.db"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Timeseries.Schema == "" {
		cfg.Timeseries.Schema = "public"
	}
}

func validate(cfg *Config) error {
	if cfg.Exchange.Key == "" {
		return errors.New("exchange.key is required")
	}
	if cfg.Exchange.Secret == "" {
		return errors.New("exchange.secret is required")
	}
	if cfg.Hedging.StepMode != StepModeAbsolute && cfg.Hedging.StepMode != StepModePercentage {
		return fmt.Errorf("hedging.step_mode must be %q or %q", StepModeAbsolute, StepModePercentage)
	}
	if cfg.Hedging.StepSize <= 0 {
		return errors.New("hedging.step_size must be > 0")
	}
	if cfg.Hedging.MinTriggerDelta < 0 {
		return errors.New("hedging.min_trigger_delta must be >= 0")
	}
	if cfg.Hedging.MinHedgeUSD < 0 {
		return errors.New("hedging.min_hedge_usd must be >= 0")
	}
	return nil
}
