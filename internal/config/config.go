// Package config loads application configuration from file and
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration.
type Config struct {
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Foreground ForegroundConfig `mapstructure:"foreground"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// StorageConfig defines the persistence backend.
type StorageConfig struct {
	// Type is "bolt" or "sqlite". The sqlite backend stores limits in
	// an encrypted database keyed from a local key file.
	Type string `mapstructure:"type"`
	Dir  string `mapstructure:"dir"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// MetricsConfig defines the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// ForegroundConfig defines the desktop foreground shim.
type ForegroundConfig struct {
	// Watched lists the package names the polling feed reports on.
	Watched      []string      `mapstructure:"watched"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// OwnPackage is exempt from all blocking.
	OwnPackage string `mapstructure:"own_package"`
}

// SchedulerConfig defines enforcement loop behavior.
type SchedulerConfig struct {
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	SafetyNetSpec  string        `mapstructure:"safety_net_spec"`
}

// Load reads configuration from configPath (optional) and ROUTINED_*
// environment variables on top of the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultDir())
	}
	v.SetEnvPrefix("ROUTINED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.dir", defaultDir())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9472")

	v.SetDefault("foreground.watched", []string{})
	v.SetDefault("foreground.poll_interval", "5s")
	v.SetDefault("foreground.own_package", "com.routined.app")

	v.SetDefault("scheduler.debounce_window", "1s")
	v.SetDefault("scheduler.safety_net_spec", "@every 15m")
}

func validate(c *Config) error {
	switch c.Storage.Type {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage dir is required")
	}
	if c.Foreground.PollInterval <= 0 {
		return fmt.Errorf("foreground poll interval must be positive")
	}
	if c.Scheduler.DebounceWindow < 0 {
		return fmt.Errorf("debounce window must not be negative")
	}
	if c.Scheduler.SafetyNetSpec == "" {
		return fmt.Errorf("safety net spec is required")
	}
	return nil
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".routined"
	}
	return filepath.Join(home, ".routined")
}
