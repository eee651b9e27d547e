package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Symbol        string              `yaml:"symbol"`
	InstanceID    string              `yaml:"instance_id"`
	LadderCSV     string              `yaml:"ladder_csv"`
	Strategy      StrategyConfig      `yaml:"strategy"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	State         StateConfig         `yaml:"state"`
	Broker        BrokerConfig        `yaml:"broker"`
	PriceFeed     PriceFeedConfig     `yaml:"price_feed"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type StrategyConfig struct {
	// ProfitTarget is the sell target ratio per lot, e.g. 1.01.
	ProfitTarget Decimal `yaml:"profit_target"`
	// BuyTrigger compounds the reference price down per level, e.g. 0.99.
	BuyTrigger Decimal `yaml:"buy_trigger"`
	// Level0Buffer pads the bootstrap limit above market, e.g. 1.0025.
	Level0Buffer    Decimal `yaml:"level0_buffer"`
	QueueDepth      int     `yaml:"queue_depth"`
	OrphanTolerance Decimal `yaml:"orphan_tolerance"`
	PollIntervalSec int64   `yaml:"poll_interval_sec"`
	OrderTimeoutSec int64   `yaml:"order_timeout_sec"`
	CancelSettleMs  int64   `yaml:"cancel_settle_ms"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type BrokerConfig struct {
	RestBaseURL    string `yaml:"rest_base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	AuthToken      string `yaml:"auth_token"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
}

type PriceFeedConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.LadderCSV = strings.TrimSpace(c.LadderCSV)
	c.Ledger.Path = strings.TrimSpace(c.Ledger.Path)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Broker.RestBaseURL = strings.TrimSpace(c.Broker.RestBaseURL)
	c.Broker.WSBaseURL = strings.TrimSpace(c.Broker.WSBaseURL)
	c.Broker.AuthToken = strings.TrimSpace(c.Broker.AuthToken)
	c.PriceFeed.BaseURL = strings.TrimSpace(c.PriceFeed.BaseURL)
	c.PriceFeed.APIKey = strings.TrimSpace(c.PriceFeed.APIKey)
	c.PriceFeed.APISecret = strings.TrimSpace(c.PriceFeed.APISecret)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	one := decimal.NewFromInt(1)
	if c.Strategy.ProfitTarget.Cmp(decimal.Zero) == 0 {
		c.Strategy.ProfitTarget = Decimal{one.Add(decimal.NewFromFloat(0.01))}
	}
	if c.Strategy.BuyTrigger.Cmp(decimal.Zero) == 0 {
		c.Strategy.BuyTrigger = Decimal{one.Sub(decimal.NewFromFloat(0.01))}
	}
	if c.Strategy.Level0Buffer.Cmp(decimal.Zero) == 0 {
		c.Strategy.Level0Buffer = Decimal{decimal.RequireFromString("1.0025")}
	}
	if c.Strategy.QueueDepth == 0 {
		c.Strategy.QueueDepth = 3
	}
	if c.Strategy.OrphanTolerance.Cmp(decimal.Zero) == 0 {
		c.Strategy.OrphanTolerance = Decimal{decimal.RequireFromString("0.1")}
	}
	if c.Strategy.PollIntervalSec == 0 {
		c.Strategy.PollIntervalSec = 20
	}
	if c.Strategy.OrderTimeoutSec == 0 {
		c.Strategy.OrderTimeoutSec = 120
	}
	if c.Strategy.CancelSettleMs == 0 {
		c.Strategy.CancelSettleMs = 500
	}
	if c.Broker.HTTPTimeoutSec == 0 {
		c.Broker.HTTPTimeoutSec = 15
	}
	if c.PriceFeed.TimeoutSec == 0 {
		c.PriceFeed.TimeoutSec = 10
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.HeartbeatSec == 0 {
		c.Observability.Runtime.HeartbeatSec = 60
	}
}

func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol required")
	}
	if c.LadderCSV == "" {
		return fmt.Errorf("ladder_csv required")
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path required")
	}
	one := decimal.NewFromInt(1)
	if c.Strategy.ProfitTarget.Cmp(one) <= 0 {
		return fmt.Errorf("strategy.profit_target must be > 1, got %s", c.Strategy.ProfitTarget)
	}
	if c.Strategy.BuyTrigger.Cmp(decimal.Zero) <= 0 || c.Strategy.BuyTrigger.Cmp(one) >= 0 {
		return fmt.Errorf("strategy.buy_trigger must be in (0, 1), got %s", c.Strategy.BuyTrigger)
	}
	if c.Strategy.Level0Buffer.Cmp(one) < 0 {
		return fmt.Errorf("strategy.level0_buffer must be >= 1, got %s", c.Strategy.Level0Buffer)
	}
	if c.Strategy.QueueDepth < 1 {
		return fmt.Errorf("strategy.queue_depth must be >= 1, got %d", c.Strategy.QueueDepth)
	}
	if c.Strategy.OrphanTolerance.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("strategy.orphan_tolerance must be >= 0, got %s", c.Strategy.OrphanTolerance)
	}
	if c.Broker.RestBaseURL != "" {
		if _, err := url.Parse(c.Broker.RestBaseURL); err != nil {
			return fmt.Errorf("broker.rest_base_url: %w", err)
		}
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" || c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram requires bot_token and chat_id when enabled")
		}
	}
	return nil
}
