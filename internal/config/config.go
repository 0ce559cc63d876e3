package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Upstox      UpstoxConfig      `mapstructure:"upstox"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Expiry      ExpiryConfig      `mapstructure:"expiry"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Loops       []LoopConfig      `mapstructure:"loops"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// UpstoxConfig holds quote API configuration
type UpstoxConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	AccessToken       string        `mapstructure:"access_token"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxInFlight       int           `mapstructure:"max_in_flight"`
	Retries           int           `mapstructure:"retries"`
	ServerRetryDelay  time.Duration `mapstructure:"server_retry_delay"`
	RateLimitBase     time.Duration `mapstructure:"rate_limit_base"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"` // 0 = no pacing
}

// InstrumentsConfig holds the instrument master location
type InstrumentsConfig struct {
	MasterPath string `mapstructure:"master_path"`
	MasterURL  string `mapstructure:"master_url"`
}

// ExpiryConfig holds expiry resolution configuration
type ExpiryConfig struct {
	IndexSymbols         []string `mapstructure:"index_symbols"`
	RepresentativeSymbol string   `mapstructure:"representative_symbol"`
}

// SchedulerConfig holds batch scheduling configuration
type SchedulerConfig struct {
	Timezone       string        `mapstructure:"timezone"`
	MarketOpen     string        `mapstructure:"market_open"`
	MarketClose    string        `mapstructure:"market_close"`
	TradingDays    []string      `mapstructure:"trading_days"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchPause     time.Duration `mapstructure:"batch_pause"`
	IdlePoll       time.Duration `mapstructure:"idle_poll"`
	PausedPoll     time.Duration `mapstructure:"paused_poll"`
	ControlRefresh time.Duration `mapstructure:"control_refresh"`
}

// LoopConfig describes one independent scheduler loop
type LoopConfig struct {
	Name        string        `mapstructure:"name"`
	Symbols     []string      `mapstructure:"symbols"`
	CyclePause  time.Duration `mapstructure:"cycle_pause"`
	PersistRows bool          `mapstructure:"persist_rows"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath    string        `mapstructure:"db_path"`
	Retention time.Duration `mapstructure:"retention"`
}

// CacheConfig holds latest-snapshot cache configuration
type CacheConfig struct {
	RedisURL string        `mapstructure:"redis_url"` // empty = in-memory
	TTL      time.Duration `mapstructure:"ttl"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// ServerConfig holds admin HTTP API configuration
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// Variables from .env files are loaded first so secrets can stay out of the YAML.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// STRIKEWATCH_UPSTOX_TIMEOUT overrides upstox.timeout
	v.SetEnvPrefix("STRIKEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("upstox.access_token", "STRIKEWATCH_UPSTOX_ACCESS_TOKEN", "UPSTOX_ACCESS_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind access token env: %w", err)
	}
	if err := v.BindEnv("telegram.bot_token", "STRIKEWATCH_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind bot token env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Upstox defaults
	v.SetDefault("upstox.base_url", "https://api.upstox.com/v2")
	v.SetDefault("upstox.timeout", "15s")
	v.SetDefault("upstox.max_in_flight", 5)
	v.SetDefault("upstox.retries", 2)
	v.SetDefault("upstox.server_retry_delay", "1s")
	v.SetDefault("upstox.rate_limit_base", "2s")
	v.SetDefault("upstox.requests_per_second", 0.0)

	// Instruments defaults
	v.SetDefault("instruments.master_path", "./data/complete.csv")
	v.SetDefault("instruments.master_url", "https://assets.upstox.com/feed/instruments/complete.csv.gz")

	// Expiry defaults
	v.SetDefault("expiry.index_symbols", []string{"NIFTY", "BANKNIFTY", "FINNIFTY", "MIDCPNIFTY"})
	v.SetDefault("expiry.representative_symbol", "RELIANCE")

	// Scheduler defaults
	v.SetDefault("scheduler.timezone", "Asia/Kolkata")
	v.SetDefault("scheduler.market_open", "09:15")
	v.SetDefault("scheduler.market_close", "15:30")
	v.SetDefault("scheduler.trading_days", []string{"mon", "tue", "wed", "thu", "fri"})
	v.SetDefault("scheduler.batch_size", 20)
	v.SetDefault("scheduler.batch_pause", "1s")
	v.SetDefault("scheduler.idle_poll", "5s")
	v.SetDefault("scheduler.paused_poll", "10s")
	v.SetDefault("scheduler.control_refresh", "10s")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/strikewatch.db")
	v.SetDefault("storage.retention", "168h")

	// Cache defaults
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", "10m")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Upstox config
	if c.Upstox.BaseURL == "" {
		return fmt.Errorf("upstox.base_url is required")
	}
	if c.Upstox.AccessToken == "" {
		return fmt.Errorf("upstox.access_token is required (or set UPSTOX_ACCESS_TOKEN)")
	}
	if c.Upstox.Timeout <= 0 {
		return fmt.Errorf("upstox.timeout must be positive")
	}
	if c.Upstox.MaxInFlight < 1 {
		return fmt.Errorf("upstox.max_in_flight must be at least 1")
	}
	if c.Upstox.Retries < 0 {
		return fmt.Errorf("upstox.retries must not be negative")
	}
	if c.Upstox.RequestsPerSecond < 0 {
		return fmt.Errorf("upstox.requests_per_second must not be negative")
	}

	// Validate Expiry config
	if c.Expiry.RepresentativeSymbol == "" {
		return fmt.Errorf("expiry.representative_symbol is required")
	}

	// Validate Scheduler config
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone is invalid: %w", err)
	}
	open, err := ParseClock(c.Scheduler.MarketOpen)
	if err != nil {
		return fmt.Errorf("scheduler.market_open: %w", err)
	}
	closing, err := ParseClock(c.Scheduler.MarketClose)
	if err != nil {
		return fmt.Errorf("scheduler.market_close: %w", err)
	}
	if closing <= open {
		return fmt.Errorf("scheduler.market_close must be after scheduler.market_open")
	}
	if _, err := ParseWeekdays(c.Scheduler.TradingDays); err != nil {
		return fmt.Errorf("scheduler.trading_days: %w", err)
	}
	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be at least 1")
	}
	if c.Scheduler.BatchPause < 0 {
		return fmt.Errorf("scheduler.batch_pause must not be negative")
	}
	if c.Scheduler.IdlePoll <= 0 || c.Scheduler.PausedPoll <= 0 {
		return fmt.Errorf("scheduler.idle_poll and scheduler.paused_poll must be positive")
	}

	// Validate loops
	if len(c.Loops) == 0 {
		return fmt.Errorf("loops must contain at least one loop")
	}
	names := make(map[string]bool)
	for i, l := range c.Loops {
		if l.Name == "" {
			return fmt.Errorf("loops[%d].name is required", i)
		}
		if names[l.Name] {
			return fmt.Errorf("loops[%d].name %q is duplicated", i, l.Name)
		}
		names[l.Name] = true
		if len(l.Symbols) == 0 {
			return fmt.Errorf("loops[%d].symbols must contain at least one symbol", i)
		}
		if l.CyclePause <= 0 {
			return fmt.Errorf("loops[%d].cycle_pause must be positive", i)
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Storage config
	if c.Storage.Retention < 24*time.Hour {
		return fmt.Errorf("storage.retention must be at least 24h")
	}

	// Validate Server config
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when server is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Location returns the market time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// Loop returns the loop configuration with the given name.
func (c *Config) Loop(name string) (LoopConfig, bool) {
	for _, l := range c.Loops {
		if l.Name == name {
			return l, true
		}
	}
	return LoopConfig{}, false
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays parses short weekday names ("mon", "tue", ...).
func ParseWeekdays(days []string) ([]time.Weekday, error) {
	if len(days) == 0 {
		return nil, fmt.Errorf("at least one trading day is required")
	}
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
		out = append(out, wd)
	}
	return out, nil
}
