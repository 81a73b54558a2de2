// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
)

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pacing    PacingConfig    `mapstructure:"pacing"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Run       RunConfig       `mapstructure:"run"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	// Yards maps canonical yard key to the remote catalog yard id.
	Yards map[string]string `mapstructure:"yards"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PacingConfig sets the per-host minimum request gaps.
type PacingConfig struct {
	YardGapSeconds   float64 `mapstructure:"yard_gap_seconds"`
	MarketGapSeconds float64 `mapstructure:"market_gap_seconds"`
}

// FetchConfig configures HTTP client retry behavior.
type FetchConfig struct {
	TimeoutSeconds      int `mapstructure:"timeout_seconds"`
	MaxAttempts         int `mapstructure:"max_attempts"`
	BackoffStartSeconds int `mapstructure:"backoff_start_seconds"`
	BackoffCapSeconds   int `mapstructure:"backoff_cap_seconds"`
}

// CatalogConfig locates the remote catalog services.
type CatalogConfig struct {
	YardURL   string `mapstructure:"yard_url"`
	MarketURL string `mapstructure:"market_url"`
	// MarketEnabled gates the marketplace sold-listings pass.
	MarketEnabled bool `mapstructure:"market_enabled"`
	Workers       int  `mapstructure:"workers"`
}

// SnapshotsConfig sets snapshot persistence and retention.
type SnapshotsConfig struct {
	Dir  string `mapstructure:"dir"`
	Keep int    `mapstructure:"keep"`
}

// TrackerConfig holds issue tracker access for subscription issues.
type TrackerConfig struct {
	URL   string `mapstructure:"url"`
	Repo  string `mapstructure:"repo"`
	Label string `mapstructure:"label"`
	Token string `mapstructure:"token"`
}

// NotifyConfig holds the outbound email channel.
type NotifyConfig struct {
	URL    string `mapstructure:"url"`
	From   string `mapstructure:"from"`
	APIKey string `mapstructure:"api_key"`
}

// RunConfig controls run-level behavior.
type RunConfig struct {
	// Strict aborts the run on a notification delivery failure.
	Strict bool `mapstructure:"strict"`
}

// MetricsConfig exposes the optional metrics endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("YARDWATCH")
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

	// A map default would deep-merge with a file override, so the yard
	// table default only applies when the file defines none.
	if len(cfg.Yards) == 0 {
		cfg.Yards = defaultYards()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("pacing.yard_gap_seconds", 4)
	v.SetDefault("pacing.market_gap_seconds", 12)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_attempts", 5)
	v.SetDefault("fetch.backoff_start_seconds", 15)
	v.SetDefault("fetch.backoff_cap_seconds", 600)
	v.SetDefault("catalog.market_enabled", false)
	v.SetDefault("catalog.workers", 1)
	v.SetDefault("snapshots.dir", "snapshots")
	v.SetDefault("snapshots.keep", 14)
	v.SetDefault("tracker.url", "https://api.github.com")
	v.SetDefault("tracker.label", "alert")
}

// defaultYards is the deployment's historical yard table.
func defaultYards() map[string]string {
	return map[string]string{
		"boise":       "1020",
		"caldwell":    "1021",
		"garden_city": "1119",
		"nampa":       "1022",
		"twin_falls":  "1099",
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Snapshots.Dir == "" {
		return fmt.Errorf("snapshots.dir must be set")
	}
	if c.Pacing.YardGapSeconds <= 0 {
		return fmt.Errorf("pacing.yard_gap_seconds must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if len(c.Yards) == 0 {
		return fmt.Errorf("yards must list at least one source")
	}
	if c.Catalog.MarketEnabled && c.Catalog.MarketURL == "" {
		return fmt.Errorf("catalog.market_url must be set when the marketplace pass is enabled")
	}
	return nil
}

// yardKeyColumns is the identity schema of every yard inventory row.
var yardKeyColumns = []string{"year", "make", "model", "row"}

// YardSources converts the yard table into harvest sources in a stable
// order.
func (c Config) YardSources() []harvest.Source {
	keys := make([]string, 0, len(c.Yards))
	for key := range c.Yards {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sources := make([]harvest.Source, 0, len(keys))
	for _, key := range keys {
		sources = append(sources, harvest.Source{
			Key:        key,
			RemoteID:   c.Yards[key],
			KeyColumns: yardKeyColumns,
		})
	}
	return sources
}

// MarketSource is the marketplace sold-listings source. Listing identity
// is the search term plus the listing title.
func (c Config) MarketSource() harvest.Source {
	return harvest.Source{Key: "marketplace", KeyColumns: []string{"term", "title"}}
}

// YardGap returns the yard host minimum request gap.
func (c Config) YardGap() time.Duration {
	return time.Duration(c.Pacing.YardGapSeconds * float64(time.Second))
}

// MarketGap returns the marketplace host minimum request gap.
func (c Config) MarketGap() time.Duration {
	return time.Duration(c.Pacing.MarketGapSeconds * float64(time.Second))
}

// FetchTimeout returns the per-request HTTP timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
