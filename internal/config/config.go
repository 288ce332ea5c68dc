package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"skitracker/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Matching MatchingConfig `mapstructure:"matching"`
	Trend    TrendConfig    `mapstructure:"trend"`
	Market   MarketConfig   `mapstructure:"market"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Backend         string        `mapstructure:"backend"`
	DataDir         string        `mapstructure:"data_dir"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MatchingConfig holds the duplicate-matching weights and thresholds.
// Defaults are tuned for personal watercraft resale prices in USD and
// will need recalibration for other categories or currency scales.
type MatchingConfig struct {
	WeightExact      float64 `mapstructure:"weight_exact"`
	WeightContent    float64 `mapstructure:"weight_content"`
	WeightSellerItem float64 `mapstructure:"weight_seller_item"`
	WeightImages     float64 `mapstructure:"weight_images"`
	WeightItem       float64 `mapstructure:"weight_item"`

	BlendFingerprint float64 `mapstructure:"blend_fingerprint"`
	BlendTitle       float64 `mapstructure:"blend_title"`
	BlendRecency     float64 `mapstructure:"blend_recency"`

	DescriptionSimilarity float64 `mapstructure:"description_similarity"`
	ReviewLow             float64 `mapstructure:"review_low"`
	ReviewHigh            float64 `mapstructure:"review_high"`

	RecentDays  int `mapstructure:"recent_days"`
	ActiveDays  int `mapstructure:"active_days"`
	DormantDays int `mapstructure:"dormant_days"`
}

// TrendConfig tunes per-entity trend classification and the buying
// opportunity score.
type TrendConfig struct {
	SlopeThreshold float64 `mapstructure:"slope_threshold"`
	WindowEntries  int     `mapstructure:"window_entries"`
	PositionWeight float64 `mapstructure:"position_weight"`
	DropBonus      float64 `mapstructure:"drop_bonus"`
	RisePenalty    float64 `mapstructure:"rise_penalty"`
	TotalDropCap   float64 `mapstructure:"total_drop_cap"`
}

// MarketConfig tunes market-wide pattern detection.
type MarketConfig struct {
	MinClusterSize int     `mapstructure:"min_cluster_size"`
	FleetPriceCV   float64 `mapstructure:"fleet_price_cv"`
	AnomalyZScore  float64 `mapstructure:"anomaly_z_score"`
	TrendingShare  float64 `mapstructure:"trending_share"`
	RecentDays     int     `mapstructure:"recent_days"`
}

// AlertingConfig defines price-drop alert thresholds and routing.
type AlertingConfig struct {
	Enabled    bool           `mapstructure:"enabled"`
	MinDropPct float64        `mapstructure:"min_drop_pct"`
	Telegram   TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WatchConfig governs the inbox polling loop.
type WatchConfig struct {
	InboxDir     string        `mapstructure:"inbox_dir"`
	ArchiveDir   string        `mapstructure:"archive_dir"`
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SKITRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "skitracker")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.conn_max_lifetime", "30m")

	v.SetDefault("matching.weight_exact", 1.0)
	v.SetDefault("matching.weight_content", 0.9)
	v.SetDefault("matching.weight_seller_item", 0.85)
	v.SetDefault("matching.weight_images", 0.8)
	v.SetDefault("matching.weight_item", 0.7)
	v.SetDefault("matching.blend_fingerprint", 0.7)
	v.SetDefault("matching.blend_title", 0.2)
	v.SetDefault("matching.blend_recency", 0.1)
	v.SetDefault("matching.description_similarity", 0.9)
	v.SetDefault("matching.review_low", 0.4)
	v.SetDefault("matching.review_high", 0.6)
	v.SetDefault("matching.recent_days", 7)
	v.SetDefault("matching.active_days", 30)
	v.SetDefault("matching.dormant_days", 90)

	v.SetDefault("trend.slope_threshold", 50.0)
	v.SetDefault("trend.window_entries", 3)
	v.SetDefault("trend.position_weight", 0.3)
	v.SetDefault("trend.drop_bonus", 0.2)
	v.SetDefault("trend.rise_penalty", 0.1)
	v.SetDefault("trend.total_drop_cap", 0.2)

	v.SetDefault("market.min_cluster_size", 4)
	v.SetDefault("market.fleet_price_cv", 0.15)
	v.SetDefault("market.anomaly_z_score", 2.0)
	v.SetDefault("market.trending_share", 0.15)
	v.SetDefault("market.recent_days", 90)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_drop_pct", 10.0)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("watch.inbox_dir", "inbox")
	v.SetDefault("watch.archive_dir", "inbox/processed")
	v.SetDefault("watch.interval", "5m")
	v.SetDefault("watch.startup_delay", "0s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("storage.backend must be file or postgres, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres backend")
	}
	if c.Matching.DescriptionSimilarity <= 0 || c.Matching.DescriptionSimilarity > 1 {
		return fmt.Errorf("matching.description_similarity must be in (0, 1]")
	}
	if c.Matching.ReviewLow < 0 || c.Matching.ReviewHigh > 1 || c.Matching.ReviewLow >= c.Matching.ReviewHigh {
		return fmt.Errorf("matching review band must satisfy 0 <= review_low < review_high <= 1")
	}
	if c.Matching.BlendFingerprint <= 0 {
		return fmt.Errorf("matching.blend_fingerprint must be greater than zero")
	}
	if c.Trend.SlopeThreshold <= 0 {
		return fmt.Errorf("trend.slope_threshold must be greater than zero")
	}
	if c.Trend.WindowEntries < 2 {
		return fmt.Errorf("trend.window_entries must be at least 2")
	}
	if c.Market.MinClusterSize < 2 {
		return fmt.Errorf("market.min_cluster_size must be at least 2")
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.MinDropPct < 0 {
		return fmt.Errorf("alerting.min_drop_pct cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
