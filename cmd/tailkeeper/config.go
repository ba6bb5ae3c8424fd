package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/tailkeeper/pkg/controlplane"
	"github.com/cuemby/tailkeeper/pkg/manager"
	"github.com/cuemby/tailkeeper/pkg/session"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "TAILKEEPER"

type Config struct {
	Cloudflare CloudflareConfig `mapstructure:"cloudflare"`
	DataDir    string           `mapstructure:"data_dir"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Session    SessionConfig    `mapstructure:"session"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

type CloudflareConfig struct {
	AccountID string        `mapstructure:"account_id"`
	APIToken  string        `mapstructure:"api_token"`
	BaseURL   string        `mapstructure:"base_url"`
	RetryMax  int           `mapstructure:"retry_max"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type DiscoveryConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Concurrency    int           `mapstructure:"concurrency"`
	RetireVanished bool          `mapstructure:"retire_vanished"`
}

type SnapshotConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type SessionConfig struct {
	RefreshMargin time.Duration `mapstructure:"refresh_margin"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type TransportConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cloudflare.base_url", "https://api.cloudflare.com/client/v4")
	v.SetDefault("cloudflare.retry_max", 2)
	v.SetDefault("cloudflare.timeout", 30*time.Second)
	v.SetDefault("data_dir", "./tailkeeper-data")
	v.SetDefault("discovery.interval", 10*time.Minute)
	v.SetDefault("discovery.concurrency", 4)
	v.SetDefault("discovery.retire_vanished", true)
	v.SetDefault("snapshot.interval", 10*time.Second)
	v.SetDefault("session.refresh_margin", 30*time.Second)
	v.SetDefault("session.retry_backoff", 30*time.Second)
	v.SetDefault("transport.handshake_timeout", 15*time.Second)
	v.SetDefault("metrics.addr", "127.0.0.1:9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// flagKeys maps serve flags onto config keys
var flagKeys = map[string]string{
	"data-dir":     "data_dir",
	"log-level":    "log.level",
	"log-json":     "log.json",
	"metrics-addr": "metrics.addr",
}

// loadConfig reads .env, an optional tailkeeper.yaml, the environment and
// any flags set on the command line. An explicit file path must exist.
func loadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed names used by the Cloudflare tooling
	_ = v.BindEnv("cloudflare.account_id", envPrefix+"_CLOUDFLARE_ACCOUNT_ID", "CF_ACCOUNT_ID")
	_ = v.BindEnv("cloudflare.api_token", envPrefix+"_CLOUDFLARE_API_TOKEN", "CF_API_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tailkeeper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Cloudflare.AccountID == "" {
		return errors.New("cloudflare account id is required (CF_ACCOUNT_ID)")
	}
	if c.Cloudflare.APIToken == "" {
		return errors.New("cloudflare api token is required (CF_API_TOKEN)")
	}
	if c.Discovery.Interval <= 0 || c.Snapshot.Interval <= 0 {
		return errors.New("discovery and snapshot intervals must be positive")
	}
	return nil
}

func (c *Config) managerConfig() *manager.Config {
	return &manager.Config{
		DataDir: c.DataDir,
		Cloudflare: controlplane.CloudflareConfig{
			BaseURL:   c.Cloudflare.BaseURL,
			AccountID: c.Cloudflare.AccountID,
			APIToken:  c.Cloudflare.APIToken,
			RetryMax:  c.Cloudflare.RetryMax,
			Timeout:   c.Cloudflare.Timeout,
		},
		DiscoveryInterval:    c.Discovery.Interval,
		DiscoveryConcurrency: c.Discovery.Concurrency,
		RetireVanished:       c.Discovery.RetireVanished,
		SnapshotInterval:     c.Snapshot.Interval,
		Session: session.Config{
			RefreshMargin: c.Session.RefreshMargin,
			RetryBackoff:  c.Session.RetryBackoff,
		},
		HandshakeTimeout: c.Transport.HandshakeTimeout,
	}
}
