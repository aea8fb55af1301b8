// Package config provides configuration management for the feed and bot
// daemons.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied during validation when fields are unset.
const (
	defaultOrderTimeoutSeconds = 30
	defaultPollSeconds         = 5
	defaultATRPeriod           = 14
	defaultATRMultiplier       = 0.5
	defaultLotSize             = 75
)

// Config represents the complete application configuration. Both daemons
// parse the same file; each reads the sections it needs.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Database    DatabaseConfig    `yaml:"database"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Feed        FeedConfig        `yaml:"feed"`
	MDS         MDSConfig         `yaml:"mds"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	API         APIConfig         `yaml:"api"`
}

// EnvironmentConfig defines the run mode and logging.
type EnvironmentConfig struct {
	Simulate bool   `yaml:"simulate"`
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines Dhan API settings. Credentials are normally injected
// via ${DHAN_CLIENT_ID} / ${DHAN_ACCESS_TOKEN} expansion.
type BrokerConfig struct {
	ClientID    string `yaml:"client_id"`
	AccessToken string `yaml:"access_token"`
	BaseURL     string `yaml:"base_url"`
}

// DatabaseConfig defines the Postgres connection.
type DatabaseConfig struct {
	URL string `yaml:"url"` // pgx pool DSN
}

// RiskConfig defines order admission limits and sizing.
type RiskConfig struct {
	MaxPosition     int     `yaml:"max_position"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxTradesPerDay int     `yaml:"max_trades_per_day"`
	BaseQty         int     `yaml:"base_qty"`
	InitialStopLoss float64 `yaml:"initial_stoploss"`
}

// ExecutionConfig defines order lifecycle parameters.
type ExecutionConfig struct {
	OrderTimeoutSeconds int  `yaml:"order_timeout_seconds"`
	SinglePosition      bool `yaml:"single_position"`
}

// ScheduleConfig defines the exchange session window.
type ScheduleConfig struct {
	Timezone string `yaml:"timezone"` // e.g. "Asia/Kolkata"
	Open     string `yaml:"open"`     // "HH:MM"
	Close    string `yaml:"close"`    // "HH:MM"
}

// FeedConfig defines the Tier A broker poller.
type FeedConfig struct {
	PollSeconds int           `yaml:"poll_seconds"`
	Indices     []IndexConfig `yaml:"indices"`
}

// IndexConfig names one underlying the feed tracks.
type IndexConfig struct {
	Name       string `yaml:"name"`        // e.g. NIFTY
	Scrip      int    `yaml:"scrip"`       // underlying scrip id
	Segment    string `yaml:"segment"`     // e.g. IDX_I
	SecurityID int    `yaml:"security_id"` // quote security id
}

// MDSConfig defines the market-data service: the Tier A listen address and
// the Tier B consumer's view of it.
type MDSConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	BaseURL     string `yaml:"base_url"`
	PollSeconds int    `yaml:"poll_seconds"`
}

// StrategyConfig defines the breakout strategy parameters.
type StrategyConfig struct {
	Symbol             string  `yaml:"symbol"`
	SecurityID         string  `yaml:"security_id"`
	LotSize            int     `yaml:"lot_size"`
	ATRPeriod          int     `yaml:"atr_period"`
	ATRMultiplier      float64 `yaml:"atr_multiplier"`
	MinTradeGapSeconds int     `yaml:"min_trade_gap_seconds"`
	TimeframeMinutes   int     `yaml:"timeframe_minutes"`
}

// APIConfig defines the bot's HTTP surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads and parses the configuration file from the specified path,
// expanding ${VAR} references from the environment first.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks consistency and fills defaults. Live mode (simulate off)
// additionally requires broker credentials and a database URL.
func (c *Config) Validate() error {
	switch c.Environment.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be debug, info, warn, or error")
	}

	if !c.Environment.Simulate {
		if c.Broker.ClientID == "" || c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.client_id and broker.access_token are required unless environment.simulate is set")
		}
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required unless environment.simulate is set")
		}
	}

	if c.Risk.MaxPosition < 0 {
		return fmt.Errorf("risk.max_position must be >= 0")
	}
	if c.Risk.MaxDailyLoss < 0 {
		return fmt.Errorf("risk.max_daily_loss must be >= 0")
	}
	if c.Risk.MaxTradesPerDay < 0 {
		return fmt.Errorf("risk.max_trades_per_day must be >= 0")
	}
	if c.Risk.BaseQty <= 0 {
		c.Risk.BaseQty = defaultLotSize
	}
	if c.Risk.InitialStopLoss < 0 {
		return fmt.Errorf("risk.initial_stoploss must be >= 0")
	}

	if c.Execution.OrderTimeoutSeconds <= 0 {
		c.Execution.OrderTimeoutSeconds = defaultOrderTimeoutSeconds
	}

	if c.Schedule.Open != "" {
		if _, err := time.Parse("15:04", c.Schedule.Open); err != nil {
			return fmt.Errorf("schedule.open must be HH:MM: %w", err)
		}
	}
	if c.Schedule.Close != "" {
		if _, err := time.Parse("15:04", c.Schedule.Close); err != nil {
			return fmt.Errorf("schedule.close must be HH:MM: %w", err)
		}
	}

	if c.Feed.PollSeconds <= 0 {
		c.Feed.PollSeconds = defaultPollSeconds
	}
	for i, idx := range c.Feed.Indices {
		if idx.Name == "" {
			return fmt.Errorf("feed.indices[%d].name is required", i)
		}
		if idx.SecurityID <= 0 {
			return fmt.Errorf("feed.indices[%d].security_id must be > 0", i)
		}
	}

	if c.MDS.PollSeconds <= 0 {
		c.MDS.PollSeconds = defaultPollSeconds
	}

	if c.Strategy.ATRPeriod <= 0 {
		c.Strategy.ATRPeriod = defaultATRPeriod
	}
	if c.Strategy.ATRMultiplier <= 0 {
		c.Strategy.ATRMultiplier = defaultATRMultiplier
	}
	if c.Strategy.LotSize <= 0 {
		c.Strategy.LotSize = defaultLotSize
	}
	if c.Strategy.TimeframeMinutes <= 0 {
		c.Strategy.TimeframeMinutes = 15
	}
	if c.Strategy.MinTradeGapSeconds < 0 {
		return fmt.Errorf("strategy.min_trade_gap_seconds must be >= 0")
	}

	return nil
}

// OrderTimeout returns the pending-order timeout as a duration.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Execution.OrderTimeoutSeconds) * time.Second
}
