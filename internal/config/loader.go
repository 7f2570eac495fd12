package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var (
	configMu   sync.RWMutex
	current    *Config
	configFile string
)

// SetConfigFile points the loader at an explicit config file. Empty reverts
// to the default search path. Takes effect on the next Load.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load reads configuration from defaults, an optional YAML config file,
// HISTPATH_* environment variables, and finally any runtime overrides
// (highest precedence). The result is cached for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HISTPATH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "histpath"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	for _, o := range overrides {
		if err := v.MergeConfigMap(o); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	current = cfg
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil when
// Load has not run yet.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return current
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("poll.interval", 4*time.Second)
	v.SetDefault("poll.max_wait", 10*time.Minute)
	v.SetDefault("poll.rate_limit", 0.0)

	v.SetDefault("engine", "paddle")

	v.SetDefault("history.recent", 5)
	v.SetDefault("history.max_age", time.Duration(0))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	// Empty defaults keep these keys visible to AutomaticEnv.
	v.SetDefault("data_dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "histpath")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.force_path_style", false)
}

func validate(cfg *Config) error {
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}
	if cfg.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", cfg.Poll.Interval)
	}
	if cfg.Poll.MaxWait < 0 {
		return fmt.Errorf("poll.max_wait must not be negative, got %s", cfg.Poll.MaxWait)
	}
	if cfg.History.Recent <= 0 {
		return fmt.Errorf("history.recent must be positive, got %d", cfg.History.Recent)
	}
	return nil
}
