package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rewired-gh/polygraph/internal/models"
)

// Config represents the complete application configuration
type Config struct {
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Storage    StorageConfig    `mapstructure:"storage"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PolymarketConfig holds Polymarket API and polling configuration
type PolymarketConfig struct {
	GammaAPIURL           string        `mapstructure:"gamma_api_url"`
	ClobAPIURL            string        `mapstructure:"clob_api_url"`
	PricePollInterval     time.Duration `mapstructure:"price_poll_interval"`
	MarketRefreshInterval time.Duration `mapstructure:"market_refresh_interval"`
	MaxTrackedMarkets     int           `mapstructure:"max_tracked_markets"`
	OrderbookLevels       int           `mapstructure:"orderbook_levels"`
	Timeout               time.Duration `mapstructure:"timeout"`
	RequestsPerSecond     float64       `mapstructure:"requests_per_second"`
	MaxRetryElapsed       time.Duration `mapstructure:"max_retry_elapsed"`
}

// DetectorConfig holds detector thresholds. It is immutable once loaded.
type DetectorConfig struct {
	VolumeSpikeThreshold float64 `mapstructure:"volume_spike_threshold"`
	VolumeMinimum        float64 `mapstructure:"volume_minimum"`
	ImbalanceThreshold   float64 `mapstructure:"imbalance_threshold"`
	ImbalanceMinimum     float64 `mapstructure:"imbalance_minimum"`
	PriceChangeThreshold float64 `mapstructure:"price_change_threshold"`
	BaselineWindowHours  float64 `mapstructure:"baseline_window_hours"`
	MinimumSamples       int     `mapstructure:"minimum_samples"`

	DivergenceLookback   time.Duration `mapstructure:"divergence_lookback"`
	VolumeSensitivity    float64       `mapstructure:"volume_sensitivity"`
	WeakVolumeFraction   float64       `mapstructure:"weak_volume_fraction"`
	VolumeSurgeMultiple  float64       `mapstructure:"volume_surge_multiple"`
	PriceBandFraction    float64       `mapstructure:"price_band_fraction"`
	ReferenceVolumeFloor float64       `mapstructure:"reference_volume_floor"`
	ZeroVarianceFloor    float64       `mapstructure:"zero_variance_floor"`
	ZScoreCap            float64       `mapstructure:"z_score_cap"`
}

// BaselineWindow converts the configured hours into a duration.
func (d DetectorConfig) BaselineWindow() time.Duration {
	return time.Duration(d.BaselineWindowHours * float64(time.Hour))
}

// MonitorConfig holds evaluation loop configuration
type MonitorConfig struct {
	Workers int `mapstructure:"workers"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MinScore       float64       `mapstructure:"min_score"`
	TopK           int           `mapstructure:"top_k"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath            string        `mapstructure:"db_path"`
	MinScore          float64       `mapstructure:"min_score"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
}

// APIConfig holds the read-only HTTP feed configuration
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("POLYGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Polymarket defaults
	v.SetDefault("polymarket.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.clob_api_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.price_poll_interval", "60s")
	v.SetDefault("polymarket.market_refresh_interval", "5m")
	v.SetDefault("polymarket.max_tracked_markets", 50)
	v.SetDefault("polymarket.orderbook_levels", 10)
	v.SetDefault("polymarket.timeout", "30s")
	v.SetDefault("polymarket.requests_per_second", 5.0)
	v.SetDefault("polymarket.max_retry_elapsed", "30s")

	// Detector defaults
	v.SetDefault("detector.volume_spike_threshold", 2.5)
	v.SetDefault("detector.volume_minimum", 10000.0)
	v.SetDefault("detector.imbalance_threshold", 3.0)
	v.SetDefault("detector.imbalance_minimum", 5000.0)
	v.SetDefault("detector.price_change_threshold", 0.05)
	v.SetDefault("detector.baseline_window_hours", 24.0)
	v.SetDefault("detector.minimum_samples", 5)
	v.SetDefault("detector.divergence_lookback", "1h")
	v.SetDefault("detector.volume_sensitivity", 20.0) // 2x expected volume per 10% move
	v.SetDefault("detector.weak_volume_fraction", 0.5)
	v.SetDefault("detector.volume_surge_multiple", 2.0)
	v.SetDefault("detector.price_band_fraction", 0.5)
	v.SetDefault("detector.reference_volume_floor", 1000.0)
	v.SetDefault("detector.zero_variance_floor", 1000.0)
	v.SetDefault("detector.z_score_cap", 100.0)

	// Monitor defaults
	v.SetDefault("monitor.workers", 8)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.min_score", 60.0)
	v.SetDefault("telegram.top_k", 10)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.cooldown", "30m")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/polygraph.db")
	v.SetDefault("storage.min_score", 30.0)
	v.SetDefault("storage.snapshot_retention", "168h")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrConfig, fmt.Sprintf(format, args...))
}

// Validate checks that all configuration values are valid. Every returned error wraps
// models.ErrConfig.
func (c *Config) Validate() error {
	// Validate Polymarket config
	if c.Polymarket.GammaAPIURL == "" {
		return configErr("polymarket.gamma_api_url is required")
	}
	if c.Polymarket.ClobAPIURL == "" {
		return configErr("polymarket.clob_api_url is required")
	}
	if c.Polymarket.PricePollInterval < time.Second {
		return configErr("polymarket.price_poll_interval must be at least 1 second")
	}
	if c.Polymarket.MarketRefreshInterval < c.Polymarket.PricePollInterval {
		return configErr("polymarket.market_refresh_interval must not be shorter than price_poll_interval")
	}
	if c.Polymarket.MaxTrackedMarkets < 1 || c.Polymarket.MaxTrackedMarkets > 1000 {
		return configErr("polymarket.max_tracked_markets must be between 1 and 1000")
	}
	if c.Polymarket.OrderbookLevels < 1 {
		return configErr("polymarket.orderbook_levels must be at least 1")
	}
	if c.Polymarket.RequestsPerSecond <= 0 {
		return configErr("polymarket.requests_per_second must be positive")
	}

	if err := c.Detector.Validate(); err != nil {
		return err
	}

	if c.Monitor.Workers < 1 {
		return configErr("monitor.workers must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return configErr("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return configErr("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.TopK < 1 {
			return configErr("telegram.top_k must be at least 1")
		}
		if c.Telegram.Cooldown < 0 {
			return configErr("telegram.cooldown must not be negative")
		}
	}

	// Validate Storage config
	if c.Storage.MinScore < 0 || c.Storage.MinScore > 100 {
		return configErr("storage.min_score must be between 0 and 100")
	}
	if c.Storage.SnapshotRetention < c.Detector.BaselineWindow() {
		return configErr("storage.snapshot_retention must cover the baseline window")
	}

	if c.API.Enabled && c.API.Addr == "" {
		return configErr("api.addr is required when the api is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return configErr("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return configErr("logging.format must be one of: json, text")
	}

	return nil
}

// Validate checks detector thresholds.
func (d DetectorConfig) Validate() error {
	positive := []struct {
		key   string
		value float64
	}{
		{"detector.volume_spike_threshold", d.VolumeSpikeThreshold},
		{"detector.imbalance_threshold", d.ImbalanceThreshold},
		{"detector.price_change_threshold", d.PriceChangeThreshold},
		{"detector.baseline_window_hours", d.BaselineWindowHours},
		{"detector.volume_sensitivity", d.VolumeSensitivity},
		{"detector.weak_volume_fraction", d.WeakVolumeFraction},
		{"detector.volume_surge_multiple", d.VolumeSurgeMultiple},
		{"detector.price_band_fraction", d.PriceBandFraction},
		{"detector.reference_volume_floor", d.ReferenceVolumeFloor},
		{"detector.z_score_cap", d.ZScoreCap},
	}
	for _, p := range positive {
		if !(p.value > 0) {
			return configErr("%s must be positive, got %v", p.key, p.value)
		}
	}
	if d.VolumeMinimum < 0 {
		return configErr("detector.volume_minimum must not be negative")
	}
	if d.ImbalanceMinimum < 0 {
		return configErr("detector.imbalance_minimum must not be negative")
	}
	if d.ZeroVarianceFloor < 0 {
		return configErr("detector.zero_variance_floor must not be negative")
	}
	if d.ImbalanceThreshold < 1 {
		return configErr("detector.imbalance_threshold must be at least 1 (ratio of larger to smaller side)")
	}
	if d.VolumeSurgeMultiple <= 1 {
		return configErr("detector.volume_surge_multiple must be above 1")
	}
	if d.ZScoreCap <= d.VolumeSpikeThreshold {
		return configErr("detector.z_score_cap must exceed detector.volume_spike_threshold")
	}
	if d.PriceBandFraction >= 1 {
		return configErr("detector.price_band_fraction must be below 1")
	}
	if d.MinimumSamples < 2 {
		return configErr("detector.minimum_samples must be at least 2")
	}
	if d.DivergenceLookback <= 0 || d.DivergenceLookback >= d.BaselineWindow() {
		return configErr("detector.divergence_lookback must be positive and shorter than the baseline window")
	}
	return nil
}
