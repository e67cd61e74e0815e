package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/distill"
)

// Config is the complete runner configuration. It is loaded from a config
// file, environment variables (prefix OSMLMR), and command-line flags,
// and is read-only once the process starts.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Queues       QueueConfig        `mapstructure:"queues" yaml:"queues" json:"queues"`
	Ledger       LedgerConfig       `mapstructure:"ledger" yaml:"ledger" json:"ledger"`
	Tiling       TilingConfig       `mapstructure:"tiling" yaml:"tiling" json:"tiling"`
	Endpoint     EndpointConfig     `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Distillation DistillationConfig `mapstructure:"distillation" yaml:"distillation" json:"distillation"`
	Sinks        SinkConfig         `mapstructure:"sinks" yaml:"sinks" json:"sinks"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store" json:"store"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
}

// QueueConfig holds the work-queue wiring.
type QueueConfig struct {
	ImageQueueURI     string        `mapstructure:"image_queue_uri" yaml:"image_queue_uri" json:"image_queue_uri"`
	RegionQueueURI    string        `mapstructure:"region_queue_uri" yaml:"region_queue_uri" json:"region_queue_uri"`
	ImageWeight       int           `mapstructure:"image_weight" yaml:"image_weight" json:"image_weight"`
	RegionWeight      int           `mapstructure:"region_weight" yaml:"region_weight" json:"region_weight"`
	PollWait          time.Duration `mapstructure:"poll_wait" yaml:"poll_wait" json:"poll_wait"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout" json:"visibility_timeout"`
	MaxReceiveCount   int           `mapstructure:"max_receive_count" yaml:"max_receive_count" json:"max_receive_count"`
}

// LedgerConfig identifies the job coordination table.
type LedgerConfig struct {
	TableName string `mapstructure:"table_name" yaml:"table_name" json:"table_name"`
}

// TilingConfig holds the decomposition defaults.
type TilingConfig struct {
	RegionSize int `mapstructure:"region_size" yaml:"region_size" json:"region_size"`
	PoolSize   int `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
}

// EndpointConfig tunes the inference client.
type EndpointConfig struct {
	DialTimeout        time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" json:"backoff_base"`
	BackoffFactor      float64       `mapstructure:"backoff_factor" yaml:"backoff_factor" json:"backoff_factor"`
	BackoffJitter      float64       `mapstructure:"backoff_jitter" yaml:"backoff_jitter" json:"backoff_jitter"`
	BackoffCap         time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap" json:"backoff_cap"`
	MaxPayloadBytes    int           `mapstructure:"max_payload_bytes" yaml:"max_payload_bytes" json:"max_payload_bytes"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold" yaml:"error_rate_threshold" json:"error_rate_threshold"`
}

// DistillationConfig holds the default feature-distillation parameters.
type DistillationConfig struct {
	Mode         string  `mapstructure:"mode" yaml:"mode" json:"mode"`
	IoUThreshold float64 `mapstructure:"iou_threshold" yaml:"iou_threshold" json:"iou_threshold"`
	Sigma        float64 `mapstructure:"sigma" yaml:"sigma" json:"sigma"`
	ScoreFloor   float64 `mapstructure:"score_floor" yaml:"score_floor" json:"score_floor"`
}

// SinkConfig tunes output dissemination.
type SinkConfig struct {
	StreamBatchSize int `mapstructure:"stream_batch_size" yaml:"stream_batch_size" json:"stream_batch_size"`
}

// StoreConfig holds the object-store connection.
type StoreConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key" json:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl" json:"use_ssl"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Namespace     string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address" json:"listen_address"`
}

// Validate rejects configurations the runner cannot operate with.
func (c *Config) Validate() error {
	if c.Tiling.RegionSize < 1 {
		return fmt.Errorf("tiling.region_size must be positive, got %d", c.Tiling.RegionSize)
	}
	if c.Tiling.PoolSize < 1 {
		return fmt.Errorf("tiling.pool_size must be positive, got %d", c.Tiling.PoolSize)
	}
	if c.Endpoint.MaxAttempts < 1 {
		return fmt.Errorf("endpoint.max_attempts must be positive, got %d", c.Endpoint.MaxAttempts)
	}
	if c.Endpoint.ErrorRateThreshold < 0 || c.Endpoint.ErrorRateThreshold > 1 {
		return fmt.Errorf("endpoint.error_rate_threshold must be in [0, 1], got %f", c.Endpoint.ErrorRateThreshold)
	}
	if c.Queues.MaxReceiveCount < 1 {
		return fmt.Errorf("queues.max_receive_count must be positive, got %d", c.Queues.MaxReceiveCount)
	}
	if c.Queues.VisibilityTimeout <= 0 {
		return fmt.Errorf("queues.visibility_timeout must be positive, got %s", c.Queues.VisibilityTimeout)
	}
	if _, ok := distill.ParseMode(c.Distillation.Mode); !ok {
		return fmt.Errorf("distillation.mode %q is not one of NONE, NMS, SOFT-NMS", c.Distillation.Mode)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// ToYAML renders the effective configuration, used by the config command.
func (c *Config) ToYAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
