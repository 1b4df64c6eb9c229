// Package config loads tracklist settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mmcdole/tracklist/internal/cache"
	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/logging"
)

// EnvPrefix prefixes every environment override (TRACKLIST_LINEUP_PAGE_SIZE, ...)
const EnvPrefix = "TRACKLIST"

// Config holds all application configuration
type Config struct {
	Cache   CacheConfig    `mapstructure:"cache"`
	Lineup  LineupConfig   `mapstructure:"lineup"`
	Queue   QueueConfig    `mapstructure:"queue"`
	Store   StoreConfig    `mapstructure:"store"`
	Source  SourceConfig   `mapstructure:"source"`
	Refresh RefreshConfig  `mapstructure:"refresh"`
	Logging logging.Config `mapstructure:"logging"`
}

// CacheConfig selects the entity eviction policy
type CacheConfig struct {
	Eviction string `mapstructure:"eviction"` // "none" or "lru"
	MaxIdle  int    `mapstructure:"max_idle"`
}

// LineupConfig holds defaults applied to every lineup
type LineupConfig struct {
	PageSize    int  `mapstructure:"page_size"`
	Dedupe      bool `mapstructure:"dedupe"`
	MaxEntries  int  `mapstructure:"max_entries"` // 0 = unbounded
	KeepDeleted bool `mapstructure:"keep_deleted"`
	CappedPages bool `mapstructure:"capped_pages"` // backend never returns more than page_size
}

// QueueConfig holds the initial playback modes
type QueueConfig struct {
	Repeat   string `mapstructure:"repeat"` // off, all, single
	Shuffle  bool   `mapstructure:"shuffle"`
	Autoplay bool   `mapstructure:"autoplay"`
}

// StoreConfig locates the bbolt database
type StoreConfig struct {
	Path          string `mapstructure:"path"` // directory; empty = memory only
	KeepSnapshots int    `mapstructure:"keep_snapshots"`
}

// SourceConfig selects where lineups are fetched from
type SourceConfig struct {
	Catalog string        `mapstructure:"catalog"`  // JSON catalog file
	BaseURL string        `mapstructure:"base_url"` // HTTP backend, used when set
	Timeout time.Duration `mapstructure:"timeout"`
}

// RefreshConfig bounds concurrent lineup refreshes
type RefreshConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Eviction: string(cache.EvictNone),
			MaxIdle:  1000,
		},
		Lineup: LineupConfig{
			PageSize: 20,
			Dedupe:   true,
		},
		Queue: QueueConfig{
			Repeat: domain.RepeatOff.String(),
		},
		Store: StoreConfig{
			Path:          defaultDataPath(),
			KeepSnapshots: 10,
		},
		Source: SourceConfig{
			Catalog: "catalog.json",
			Timeout: 10 * time.Second,
		},
		Refresh: RefreshConfig{
			Concurrency: 4,
		},
		Logging: logging.Config{
			File:  filepath.Join(defaultDataPath(), "tracklist.log"),
			Level: "INFO",
		},
	}
}

// Validate rejects settings the components cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch cache.EvictionPolicy(c.Cache.Eviction) {
	case cache.EvictNone:
	case cache.EvictLRU:
		if c.Cache.MaxIdle <= 0 {
			errs = append(errs, fmt.Errorf("cache.max_idle must be positive with lru eviction"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.eviction %q", c.Cache.Eviction))
	}
	if c.Lineup.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("lineup.page_size must be positive"))
	}
	if c.Lineup.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("lineup.max_entries must not be negative"))
	}
	if _, err := domain.ParseRepeatMode(c.Queue.Repeat); err != nil {
		errs = append(errs, fmt.Errorf("queue.repeat: %w", err))
	}
	if c.Refresh.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("refresh.concurrency must be positive"))
	}

	return errors.Join(errs...)
}

// RepeatMode returns the parsed queue.repeat setting
func (c *Config) RepeatMode() domain.RepeatMode {
	mode, _ := domain.ParseRepeatMode(c.Queue.Repeat)
	return mode
}

// defaultDataPath returns the default data directory for the current OS
func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "tracklist")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "tracklist")
	}
}

// DefaultConfigDir returns the default config directory for the current OS
func DefaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "tracklist")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "tracklist")
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	return v
}

// setDefaults registers every key so environment overrides reach Unmarshal
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("cache.eviction", cfg.Cache.Eviction)
	v.SetDefault("cache.max_idle", cfg.Cache.MaxIdle)

	v.SetDefault("lineup.page_size", cfg.Lineup.PageSize)
	v.SetDefault("lineup.dedupe", cfg.Lineup.Dedupe)
	v.SetDefault("lineup.max_entries", cfg.Lineup.MaxEntries)
	v.SetDefault("lineup.keep_deleted", cfg.Lineup.KeepDeleted)
	v.SetDefault("lineup.capped_pages", cfg.Lineup.CappedPages)

	v.SetDefault("queue.repeat", cfg.Queue.Repeat)
	v.SetDefault("queue.shuffle", cfg.Queue.Shuffle)
	v.SetDefault("queue.autoplay", cfg.Queue.Autoplay)

	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.keep_snapshots", cfg.Store.KeepSnapshots)

	v.SetDefault("source.catalog", cfg.Source.Catalog)
	v.SetDefault("source.base_url", cfg.Source.BaseURL)
	v.SetDefault("source.timeout", cfg.Source.Timeout)

	v.SetDefault("refresh.concurrency", cfg.Refresh.Concurrency)

	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.level", cfg.Logging.Level)
}

// Load reads configuration from path, or from config.yaml in the default
// config directory or the working directory when path is empty. A missing
// file is not an error. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(DefaultConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path (config.yaml in the default config
// directory when empty)
func Save(cfg *Config, path string) error {
	if path == "" {
		path = filepath.Join(DefaultConfigDir(), "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setAll(v, cfg)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setAll sets fields individually so keys keep their snake_case names
func setAll(v *viper.Viper, cfg *Config) {
	v.Set("cache.eviction", cfg.Cache.Eviction)
	v.Set("cache.max_idle", cfg.Cache.MaxIdle)

	v.Set("lineup.page_size", cfg.Lineup.PageSize)
	v.Set("lineup.dedupe", cfg.Lineup.Dedupe)
	v.Set("lineup.max_entries", cfg.Lineup.MaxEntries)
	v.Set("lineup.keep_deleted", cfg.Lineup.KeepDeleted)
	v.Set("lineup.capped_pages", cfg.Lineup.CappedPages)

	v.Set("queue.repeat", cfg.Queue.Repeat)
	v.Set("queue.shuffle", cfg.Queue.Shuffle)
	v.Set("queue.autoplay", cfg.Queue.Autoplay)

	v.Set("store.path", cfg.Store.Path)
	v.Set("store.keep_snapshots", cfg.Store.KeepSnapshots)

	v.Set("source.catalog", cfg.Source.Catalog)
	v.Set("source.base_url", cfg.Source.BaseURL)
	v.Set("source.timeout", cfg.Source.Timeout.String())

	v.Set("refresh.concurrency", cfg.Refresh.Concurrency)

	v.Set("logging.file", cfg.Logging.File)
	v.Set("logging.level", cfg.Logging.Level)
}
