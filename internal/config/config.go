// Package config provides configuration management for the trading journal.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// Defaults applied by applyDefaults when the corresponding key is unset.
const (
	defaultDatabasePath        = "journal.db"
	defaultBrokerTimeoutSecs   = 15
	defaultSyncIntervalMinutes = 15
	defaultOpenWindowMinutes   = 5
	defaultRollWindowMinutes   = 10
	defaultListenAddr          = "127.0.0.1:9444"
	defaultLogLevel            = "info"
)

// Default margin percentages applied when margin.* keys are unset.
const (
	defaultNakedPutPct   = 20.0
	defaultNakedCallPct  = 20.0
	defaultSpreadPct     = 100.0
	defaultIronCondorPct = 100.0
)

// Config represents the complete application configuration.
type Config struct {
	Environment string          `yaml:"environment"` // production | paper
	Database    DatabaseConfig  `yaml:"database"`
	Broker      BrokerConfig    `yaml:"broker"`
	Providers   ProvidersConfig `yaml:"providers"`
	Sync        SyncConfig      `yaml:"sync"`
	Grouping    GroupingConfig  `yaml:"grouping"`
	Rolls       RollsConfig     `yaml:"rolls"`
	Margin      MarginConfig    `yaml:"margin"`
	API         APIConfig       `yaml:"api"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig defines where the SQLite journal database lives.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BrokerConfig defines the execution source settings.
type BrokerConfig struct {
	Provider       string `yaml:"provider"` // ibkr | flex | mock
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	AccountID      string `yaml:"account_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	FlexToken      string `yaml:"flex_token"`
	FlexQueryID    string `yaml:"flex_query_id"`
	// FlexFile points the Flex importer at a local statement XML instead of
	// the Flex Web Service. Mostly useful for backfills and tests.
	FlexFile string `yaml:"flex_file"`
}

// ProvidersConfig defines the optional market data and rate provider keys.
// Both are optional; analytics degrade to partial without them.
type ProvidersConfig struct {
	MarketDataAPIKey string `yaml:"market_data_api_key"`
	MarketDataURL    string `yaml:"market_data_url"`
	FredAPIKey       string `yaml:"fred_api_key"`
}

// SyncConfig defines the background sync schedule.
type SyncConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	// Workers bounds the number of concurrent per-underlying partitions.
	Workers int `yaml:"workers"`
}

// GroupingConfig defines trade grouping parameters.
type GroupingConfig struct {
	OpenWindowMinutes int `yaml:"open_window_minutes"`
}

// RollsConfig defines roll detection parameters.
type RollsConfig struct {
	WindowMinutes int `yaml:"window_minutes"`
}

// MarginConfig defines default collateral percentages. Whole numbers,
// 20 means 20%.
type MarginConfig struct {
	NakedPutPct   float64 `yaml:"naked_put_pct"`
	NakedCallPct  float64 `yaml:"naked_call_pct"`
	SpreadPct     float64 `yaml:"spread_pct"`
	IronCondorPct float64 `yaml:"iron_condor_pct"`
}

// APIConfig defines the REST API listener settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
}

// LoggingConfig defines log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
	JSON  bool   `yaml:"json"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so secrets stay out of the file
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// applyDefaults fills unset keys before validation runs.
func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "paper"
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "mock"
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = defaultBrokerTimeoutSecs
	}
	if c.Sync.IntervalMinutes == 0 {
		c.Sync.IntervalMinutes = defaultSyncIntervalMinutes
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Grouping.OpenWindowMinutes == 0 {
		c.Grouping.OpenWindowMinutes = defaultOpenWindowMinutes
	}
	if c.Rolls.WindowMinutes == 0 {
		c.Rolls.WindowMinutes = defaultRollWindowMinutes
	}
	if c.Margin.NakedPutPct == 0 {
		c.Margin.NakedPutPct = defaultNakedPutPct
	}
	if c.Margin.NakedCallPct == 0 {
		c.Margin.NakedCallPct = defaultNakedCallPct
	}
	if c.Margin.SpreadPct == 0 {
		c.Margin.SpreadPct = defaultSpreadPct
	}
	if c.Margin.IronCondorPct == 0 {
		c.Margin.IronCondorPct = defaultIronCondorPct
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = defaultListenAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// Validate checks that all configuration values are valid and consistent.
// Errors name the offending key.
func (c *Config) Validate() error {
	if c.Environment != "production" && c.Environment != "paper" {
		return fmt.Errorf("environment must be 'production' or 'paper'")
	}

	switch c.Broker.Provider {
	case "ibkr":
		if c.Broker.Host == "" {
			return fmt.Errorf("broker.host is required for provider 'ibkr'")
		}
		if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
			return fmt.Errorf("broker.port must be in [1,65535] for provider 'ibkr'")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required for provider 'ibkr'")
		}
	case "flex":
		if c.Broker.FlexFile == "" && (c.Broker.FlexToken == "" || c.Broker.FlexQueryID == "") {
			return fmt.Errorf("broker.flex_token and broker.flex_query_id (or broker.flex_file) are required for provider 'flex'")
		}
	case "mock":
		// No credentials needed.
	default:
		return fmt.Errorf("broker.provider must be 'ibkr', 'flex', or 'mock'")
	}

	if c.Broker.TimeoutSeconds <= 0 {
		return fmt.Errorf("broker.timeout_seconds must be > 0")
	}
	if c.Sync.IntervalMinutes <= 0 {
		return fmt.Errorf("sync.interval_minutes must be > 0")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be > 0")
	}
	if c.Grouping.OpenWindowMinutes <= 0 {
		return fmt.Errorf("grouping.open_window_minutes must be > 0")
	}
	if c.Rolls.WindowMinutes <= 0 {
		return fmt.Errorf("rolls.window_minutes must be > 0")
	}

	for key, pct := range map[string]float64{
		"margin.naked_put_pct":   c.Margin.NakedPutPct,
		"margin.naked_call_pct":  c.Margin.NakedCallPct,
		"margin.spread_pct":      c.Margin.SpreadPct,
		"margin.iron_condor_pct": c.Margin.IronCondorPct,
	} {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("%s must be in (0,100]", key)
		}
	}

	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error")
	}

	return nil
}

// IsPaper returns true when the journal runs against paper/mock data.
func (c *Config) IsPaper() bool {
	return c.Environment == "paper"
}

// SyncInterval returns the background sync interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalMinutes) * time.Minute
}

// OpenWindow returns the trade grouping window as a duration.
func (c *Config) OpenWindow() time.Duration {
	return time.Duration(c.Grouping.OpenWindowMinutes) * time.Minute
}

// RollWindow returns the roll detection window as a duration.
func (c *Config) RollWindow() time.Duration {
	return time.Duration(c.Rolls.WindowMinutes) * time.Minute
}

// BrokerTimeout returns the broker HTTP timeout as a duration.
func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.Broker.TimeoutSeconds) * time.Second
}

// MarginSettings converts the configured percentages into the model used by
// the analytics kernel.
func (c *Config) MarginSettings(underlying string) models.MarginSettings {
	return models.MarginSettings{
		Underlying:    underlying,
		NakedPutPct:   decimal.NewFromFloat(c.Margin.NakedPutPct),
		NakedCallPct:  decimal.NewFromFloat(c.Margin.NakedCallPct),
		SpreadPct:     decimal.NewFromFloat(c.Margin.SpreadPct),
		IronCondorPct: decimal.NewFromFloat(c.Margin.IronCondorPct),
	}
}
