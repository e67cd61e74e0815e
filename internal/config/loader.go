// Package config loads the runner configuration from files, environment
// variables, and flags bound through viper, and validates it before use.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files.
	ConfigFileName = "modelrunner"

	// EnvPrefix is the prefix for environment variables, e.g.
	// OSMLMR_QUEUES_IMAGE_QUEUE_URI.
	EnvPrefix = "OSMLMR"
)

// Loader handles loading configuration from the various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader on the global viper instance so cobra flag
// bindings participate.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper()}
}

// Load reads configuration and returns it validated.
func (l *Loader) Load() (*Config, error) {
	l.v.SetConfigName(ConfigFileName)
	l.v.SetConfigType("yaml")
	l.addConfigPaths()
	l.setupEnvironment()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		// Running without a config file is normal: defaults and env vars
		// cover everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SetConfigFile points the loader at an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.v.SetConfigFile(path)
}

func (l *Loader) addConfigPaths() {
	l.v.AddConfigPath(".")
	l.v.AddConfigPath("$HOME/.config/modelrunner")
	l.v.AddConfigPath("/etc/modelrunner")
}

func (l *Loader) setupEnvironment() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log_level", "info")
	l.v.SetDefault("verbose", false)

	l.v.SetDefault("queues.image_weight", 1)
	l.v.SetDefault("queues.region_weight", 2)
	l.v.SetDefault("queues.poll_wait", 20*time.Second)
	l.v.SetDefault("queues.visibility_timeout", 10*time.Minute)
	l.v.SetDefault("queues.max_receive_count", 3)

	l.v.SetDefault("ledger.table_name", "model-runner-jobs")

	l.v.SetDefault("tiling.region_size", 8192)
	l.v.SetDefault("tiling.pool_size", 4)

	l.v.SetDefault("endpoint.dial_timeout", 10*time.Second)
	l.v.SetDefault("endpoint.request_timeout", 60*time.Second)
	l.v.SetDefault("endpoint.max_attempts", 5)
	l.v.SetDefault("endpoint.backoff_base", 200*time.Millisecond)
	l.v.SetDefault("endpoint.backoff_factor", 2.0)
	l.v.SetDefault("endpoint.backoff_jitter", 0.25)
	l.v.SetDefault("endpoint.backoff_cap", 10*time.Second)
	l.v.SetDefault("endpoint.max_payload_bytes", 6*1024*1024)
	l.v.SetDefault("endpoint.error_rate_threshold", 0.10)

	l.v.SetDefault("distillation.mode", "NMS")
	l.v.SetDefault("distillation.iou_threshold", 0.5)
	l.v.SetDefault("distillation.sigma", 0.5)
	l.v.SetDefault("distillation.score_floor", 0.001)

	l.v.SetDefault("sinks.stream_batch_size", 100)

	l.v.SetDefault("metrics.namespace", "modelrunner")
	l.v.SetDefault("metrics.listen_address", "")
}
