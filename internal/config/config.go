// Package config holds the service configuration tree and its loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full flowline service configuration.
type Config struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Definitions struct {
		Dir   string `mapstructure:"dir"`
		Watch bool   `mapstructure:"watch"`
	} `mapstructure:"definitions"`

	Orchestrator struct {
		PipelineTimeout time.Duration `mapstructure:"pipeline_timeout"`
		ReviewTimeout   time.Duration `mapstructure:"review_timeout"`
		PollInterval    time.Duration `mapstructure:"poll_interval"`
		Workers         int           `mapstructure:"workers"`
	} `mapstructure:"orchestrator"`

	Cache struct {
		MaxLocalEntries int           `mapstructure:"max_local_entries"`
		DefaultTTL      time.Duration `mapstructure:"default_ttl"`
		SweepInterval   time.Duration `mapstructure:"sweep_interval"`
		Redis           struct {
			Enabled  bool   `mapstructure:"enabled"`
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"cache"`

	Review struct {
		DefaultTTL    time.Duration `mapstructure:"default_ttl"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"review"`

	Monitor struct {
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		WebhookURL    string        `mapstructure:"webhook_url"`
		MetricsAddr   string        `mapstructure:"metrics_addr"`
	} `mapstructure:"monitor"`

	Registry struct {
		Root string `mapstructure:"root"`
	} `mapstructure:"registry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("definitions.dir", "./pipelines")
	v.SetDefault("definitions.watch", true)
	v.SetDefault("orchestrator.pipeline_timeout", time.Hour)
	v.SetDefault("orchestrator.review_timeout", time.Hour)
	v.SetDefault("orchestrator.poll_interval", 100*time.Millisecond)
	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("cache.max_local_entries", 1024)
	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.sweep_interval", time.Minute)
	v.SetDefault("review.default_ttl", 24*time.Hour)
	v.SetDefault("review.sweep_interval", time.Minute)
	v.SetDefault("monitor.sweep_interval", time.Minute)
	v.SetDefault("monitor.metrics_addr", "")
	v.SetDefault("registry.root", "./registry")
}

// Load reads the configuration from an optional yaml file plus FLOWLINE_*
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("FLOWLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
