// Package config loads and validates campsync configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sheets    SheetsConfig    `mapstructure:"sheets"`
	Campfire  CampfireConfig  `mapstructure:"campfire"`
	Limiter   LimiterConfig   `mapstructure:"limiter"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SheetsConfig identifies the spreadsheet and write-back layout.
type SheetsConfig struct {
	SpreadsheetID   string `mapstructure:"spreadsheet_id"`
	SheetName       string `mapstructure:"sheet_name"`
	CredentialsFile string `mapstructure:"credentials_file"`
	AmountColumn    string `mapstructure:"amount_column"`
	BackersColumn   string `mapstructure:"backers_column"`
	SessionsColumn  string `mapstructure:"sessions_column"`
	BatchSize       int    `mapstructure:"batch_size"`
}

// CampfireConfig governs project page scraping.
type CampfireConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	UserAgent       string `mapstructure:"user_agent"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	AmountSelector  string `mapstructure:"amount_selector"`
	BackersSelector string `mapstructure:"backers_selector"`
}

// LimiterConfig tunes the adaptive rate limiter.
type LimiterConfig struct {
	BaseDelayMs int     `mapstructure:"base_delay_ms"`
	MaxDelayMs  int     `mapstructure:"max_delay_ms"`
	CeilingRPS  float64 `mapstructure:"ceiling_rps"`
}

// HarvestConfig sizes the concurrent fetch phase.
type HarvestConfig struct {
	Workers  int `mapstructure:"workers"`
	StartRow int `mapstructure:"start_row"`
	EndRow   int `mapstructure:"end_row"`
}

// AnalyticsConfig enables GA4 session lookups when a property is set.
type AnalyticsConfig struct {
	PropertyID      string `mapstructure:"property_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	WindowDays      int    `mapstructure:"window_days"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is read first so local credentials stay out of the shell.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CAMPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	// Credential keys default to empty so AutomaticEnv can fill them;
	// viper only unmarshals keys it already knows about.
	v.SetDefault("sheets.spreadsheet_id", "")
	v.SetDefault("sheets.credentials_file", "")
	v.SetDefault("analytics.property_id", "")
	v.SetDefault("analytics.credentials_file", "")
	v.SetDefault("sheets.sheet_name", "新machi-ya")
	v.SetDefault("sheets.amount_column", "N")
	v.SetDefault("sheets.backers_column", "P")
	v.SetDefault("sheets.sessions_column", "X")
	v.SetDefault("sheets.batch_size", 100)
	v.SetDefault("campfire.base_url", "https://camp-fire.jp")
	v.SetDefault("campfire.user_agent", "campsync/1.0")
	v.SetDefault("campfire.timeout_seconds", 10)
	v.SetDefault("campfire.amount_selector", "p.backer-amount")
	v.SetDefault("campfire.backers_selector", "p.backer")
	v.SetDefault("limiter.base_delay_ms", 500)
	v.SetDefault("limiter.max_delay_ms", 10000)
	v.SetDefault("limiter.ceiling_rps", 0)
	v.SetDefault("harvest.workers", 2)
	v.SetDefault("harvest.start_row", 2)
	v.SetDefault("harvest.end_row", 0)
	v.SetDefault("analytics.window_days", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Sheets.SpreadsheetID == "" {
		return fmt.Errorf("sheets.spreadsheet_id must be set")
	}
	if c.Sheets.BatchSize <= 0 {
		return fmt.Errorf("sheets.batch_size must be > 0")
	}
	if c.Campfire.TimeoutSeconds <= 0 {
		return fmt.Errorf("campfire.timeout_seconds must be > 0")
	}
	if c.Limiter.BaseDelayMs <= 0 {
		return fmt.Errorf("limiter.base_delay_ms must be > 0")
	}
	if c.Limiter.MaxDelayMs < c.Limiter.BaseDelayMs {
		return fmt.Errorf("limiter.max_delay_ms must be >= limiter.base_delay_ms")
	}
	if c.Harvest.Workers <= 0 {
		return fmt.Errorf("harvest.workers must be > 0")
	}
	if c.Harvest.StartRow < 1 {
		return fmt.Errorf("harvest.start_row must be >= 1")
	}
	if c.Harvest.EndRow != 0 && c.Harvest.EndRow < c.Harvest.StartRow {
		return fmt.Errorf("harvest.end_row must be >= harvest.start_row when set")
	}
	if c.Analytics.PropertyID != "" && c.Analytics.WindowDays <= 0 {
		return fmt.Errorf("analytics.window_days must be > 0 when analytics is enabled")
	}
	return nil
}

// CampfireTimeout converts the scrape timeout config into a duration.
func (c Config) CampfireTimeout() time.Duration {
	return time.Duration(c.Campfire.TimeoutSeconds) * time.Second
}

// BaseDelay returns the limiter base delay as a duration.
func (c Config) BaseDelay() time.Duration {
	return time.Duration(c.Limiter.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the limiter delay ceiling as a duration.
func (c Config) MaxDelay() time.Duration {
	return time.Duration(c.Limiter.MaxDelayMs) * time.Millisecond
}

// AnalyticsEnabled reports whether GA4 session lookups are configured.
func (c Config) AnalyticsEnabled() bool {
	return c.Analytics.PropertyID != ""
}
