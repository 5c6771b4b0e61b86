// Package config loads IoTScan configuration through viper and exposes a
// nil-safe read-only view of it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. IOTSCAN_SERVER_PORT.
const EnvPrefix = "IOTSCAN"

// Config wraps a viper instance. The zero value and a Config built from a nil
// viper return zero values for every key.
type Config struct {
	v *viper.Viper
}

// New wraps v.
func New(v *viper.Viper) *Config {
	return &Config{v: v}
}

// Load reads the configuration file at path (if non-empty), applies defaults
// and IOTSCAN_* environment overrides, and returns the underlying viper.
// A missing default config file is not an error; a missing explicit one is.
func Load(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("iotscan")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/iotscan")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// SetDefaults registers the server-level defaults. Module defaults live with
// their modules.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.path", "iotscan.db")
	v.SetDefault("plugins.iot.enabled", true)
	v.SetDefault("plugins.mqtt.enabled", false)
}

// Viper returns the wrapped instance (may be nil).
func (c *Config) Viper() *viper.Viper { return c.v }

func (c *Config) GetString(key string) string {
	if c == nil || c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

func (c *Config) GetInt(key string) int {
	if c == nil || c.v == nil {
		return 0
	}
	return c.v.GetInt(key)
}

func (c *Config) GetBool(key string) bool {
	if c == nil || c.v == nil {
		return false
	}
	return c.v.GetBool(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	if c == nil || c.v == nil {
		return 0
	}
	return c.v.GetDuration(key)
}

func (c *Config) GetStringSlice(key string) []string {
	if c == nil || c.v == nil {
		return nil
	}
	return c.v.GetStringSlice(key)
}

func (c *Config) IsSet(key string) bool {
	if c == nil || c.v == nil {
		return false
	}
	return c.v.IsSet(key)
}

// Sub returns the subtree at key. It never returns nil: a missing subtree
// yields an empty Config.
func (c *Config) Sub(key string) *Config {
	if c == nil || c.v == nil {
		return New(nil)
	}
	return New(c.v.Sub(key))
}

// Unmarshal decodes the whole config into target using mapstructure tags.
func (c *Config) Unmarshal(target any) error {
	if c == nil || c.v == nil {
		return nil
	}
	return c.v.Unmarshal(target)
}
