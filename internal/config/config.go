package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how the transformer is hosted
type Mode string

const (
	ModeLambda Mode = "lambda"
	ModeHTTP   Mode = "http"
)

// Config represents the main configuration
type Config struct {
	Mode       Mode             `yaml:"mode"`
	Logging    LoggingConfig    `yaml:"logging"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Server     ServerConfig     `yaml:"server"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// WorkerPoolConfig holds worker pool configuration
type WorkerPoolConfig struct {
	NumWorkers int `yaml:"num_workers"`
	QueueSize  int `yaml:"queue_size,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`

	// Traffic adds status and size metrics derived from the parsed lines
	Traffic bool `yaml:"traffic,omitempty"`
}

// ServerConfig configures the local HTTP invocation server
type ServerConfig struct {
	Address       string        `yaml:"address"`
	TransformPath string        `yaml:"transform_path,omitempty"`
	RateLimit     int           `yaml:"rate_limit,omitempty"` // requests per second, 0 disables
	MaxBodySize   int64         `yaml:"max_body_size,omitempty"`
	Pprof         bool          `yaml:"pprof,omitempty"`
	ReadTimeout   time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout  time.Duration `yaml:"write_timeout,omitempty"`
	TLS           TLSConfig     `yaml:"tls,omitempty"`
}

// TLSConfig names PEM files for the server listener or a broker connection
type TLSConfig struct {
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	ClientAuth         bool   `yaml:"client_auth,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	MinVersion         string `yaml:"min_version,omitempty"`
}

// QuarantineConfig configures where failed records are archived. S3 is
// used when a bucket is set; the other destinations are optional extras.
type QuarantineConfig struct {
	Enabled      bool        `yaml:"enabled"`
	Bucket       string      `yaml:"bucket"`
	Region       string      `yaml:"region"`
	Prefix       string      `yaml:"prefix,omitempty"`
	Compression  string      `yaml:"compression,omitempty"` // none, gzip, snappy, zstd
	StorageClass string      `yaml:"storage_class,omitempty"`
	Endpoint     string      `yaml:"endpoint,omitempty"`
	UsePathStyle bool        `yaml:"use_path_style,omitempty"`
	Retry        RetryConfig `yaml:"retry,omitempty"`

	// Timeout bounds one archive write; the Lambda deadline also caps it
	Timeout time.Duration `yaml:"timeout,omitempty"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`

	Dir           string              `yaml:"dir,omitempty"`
	Kafka         KafkaConfig         `yaml:"kafka,omitempty"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch,omitempty"`
}

// KafkaConfig publishes failed records to a topic
type KafkaConfig struct {
	Brokers      []string  `yaml:"brokers"`
	Topic        string    `yaml:"topic"`
	RequiredAcks int16     `yaml:"required_acks,omitempty"`
	Compression  string    `yaml:"compression,omitempty"`
	ClientID     string    `yaml:"client_id,omitempty"`
	Version      string    `yaml:"version,omitempty"`
	EnableTLS    bool      `yaml:"enable_tls,omitempty"`
	TLS          TLSConfig `yaml:"tls,omitempty"`
	SASLEnabled  bool      `yaml:"sasl_enabled,omitempty"`
	SASLUsername string    `yaml:"sasl_username,omitempty"`
	SASLPassword string    `yaml:"sasl_password,omitempty"`
}

// ElasticsearchConfig indexes failed records for search
type ElasticsearchConfig struct {
	Addresses     []string `yaml:"addresses"`
	CloudID       string   `yaml:"cloud_id,omitempty"`
	Username      string   `yaml:"username,omitempty"`
	Password      string   `yaml:"password,omitempty"`
	APIKey        string   `yaml:"api_key,omitempty"`
	Index         string   `yaml:"index,omitempty"`
	IndexRotation string   `yaml:"index_rotation,omitempty"` // daily, monthly, none
	Pipeline      string   `yaml:"pipeline,omitempty"`
}

// HasDestination reports whether any archive destination is configured
func (q QuarantineConfig) HasDestination() bool {
	return q.Bucket != "" || q.Dir != "" || len(q.Kafka.Brokers) > 0 ||
		len(q.Elasticsearch.Addresses) > 0 || q.Elasticsearch.CloudID != ""
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// CircuitBreakerConfig skips a destination after repeated write failures
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default values
const (
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultAddress       = ":8080"
	DefaultTransformPath = "/transform"
	DefaultMetricsPath   = "/metrics"
	DefaultMaxBodySize   = 6 * 1024 * 1024 // Lambda synchronous payload limit
	DefaultReadTimeout   = 10 * time.Second
	DefaultWriteTimeout  = 30 * time.Second
	DefaultPrefix        = "quarantine/"
	DefaultCompression   = "gzip"
	DefaultMaxRetries    = 3
	DefaultKafkaClientID = "accesslog-transformer"
	DefaultESIndex       = "firehose-quarantine"
	DefaultTripAfter     = 5
	DefaultOpenTimeout   = 30 * time.Second
	DefaultWriteLimit    = 5 * time.Second
)

// Environment variables that override file values
const (
	EnvConfigFile    = "TRANSFORMER_CONFIG"
	EnvMode          = "TRANSFORMER_MODE"
	EnvLogLevel      = "TRANSFORMER_LOG_LEVEL"
	EnvLogFormat     = "TRANSFORMER_LOG_FORMAT"
	EnvWorkers       = "TRANSFORMER_WORKERS"
	EnvAddress       = "TRANSFORMER_ADDRESS"
	EnvMetrics       = "TRANSFORMER_METRICS_ENABLED"
	EnvBucket        = "TRANSFORMER_QUARANTINE_BUCKET"
	EnvPrefix        = "TRANSFORMER_QUARANTINE_PREFIX"
	EnvCompression   = "TRANSFORMER_QUARANTINE_COMPRESSION"
	EnvDir           = "TRANSFORMER_QUARANTINE_DIR"
	EnvTracing       = "TRANSFORMER_TRACING_ENDPOINT"
	EnvAWSRegion     = "AWS_REGION"
	EnvLambdaRuntime = "AWS_LAMBDA_RUNTIME_API"
)

// Load loads configuration from a YAML file, then applies environment
// overrides. An empty path starts from DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := []byte(os.ExpandEnv(string(data)))

		cfg = &Config{}
		if err := yaml.Unmarshal(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with TRANSFORMER_* variables
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvMode); v != "" {
		c.Mode = Mode(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.WorkerPool.NumWorkers = n
	}
	if v := os.Getenv(EnvAddress); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv(EnvMetrics); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMetrics, err)
		}
		c.Metrics.Enabled = enabled
	}
	if v := os.Getenv(EnvBucket); v != "" {
		c.Quarantine.Enabled = true
		c.Quarantine.Bucket = v
	}
	if v := os.Getenv(EnvDir); v != "" {
		c.Quarantine.Enabled = true
		c.Quarantine.Dir = v
	}
	if v := os.Getenv(EnvPrefix); v != "" {
		c.Quarantine.Prefix = v
	}
	if v := os.Getenv(EnvCompression); v != "" {
		c.Quarantine.Compression = v
	}
	if v := os.Getenv(EnvTracing); v != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = v
	}
	return nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeLambda
		if os.Getenv(EnvLambdaRuntime) == "" {
			c.Mode = ModeHTTP
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.TransformPath == "" {
		c.Server.TransformPath = DefaultTransformPath
	}
	if c.Server.MaxBodySize == 0 {
		c.Server.MaxBodySize = DefaultMaxBodySize
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Quarantine.Region == "" {
		c.Quarantine.Region = os.Getenv(EnvAWSRegion)
	}
	if c.Quarantine.Prefix == "" {
		c.Quarantine.Prefix = DefaultPrefix
	}
	if c.Quarantine.Compression == "" {
		c.Quarantine.Compression = DefaultCompression
	}
	if c.Quarantine.Retry.MaxRetries == 0 {
		c.Quarantine.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Quarantine.Timeout == 0 {
		c.Quarantine.Timeout = DefaultWriteLimit
	}
	if c.Quarantine.CircuitBreaker.FailureThreshold == 0 {
		c.Quarantine.CircuitBreaker.FailureThreshold = DefaultTripAfter
	}
	if c.Quarantine.CircuitBreaker.Timeout == 0 {
		c.Quarantine.CircuitBreaker.Timeout = DefaultOpenTimeout
	}
	if c.Quarantine.Kafka.ClientID == "" {
		c.Quarantine.Kafka.ClientID = DefaultKafkaClientID
	}
	if c.Quarantine.Elasticsearch.Index == "" {
		c.Quarantine.Elasticsearch.Index = DefaultESIndex
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Mode != ModeLambda && c.Mode != ModeHTTP {
		return fmt.Errorf("invalid mode: %s", c.Mode)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.WorkerPool.NumWorkers < 0 {
		return fmt.Errorf("worker_pool.num_workers must not be negative")
	}

	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}

	if c.Quarantine.Enabled {
		if !c.Quarantine.HasDestination() {
			return fmt.Errorf("quarantine enabled without a bucket, dir, kafka or elasticsearch destination")
		}
		if c.Quarantine.Bucket != "" && c.Quarantine.Region == "" {
			return fmt.Errorf("quarantine bucket set without a region")
		}
		if len(c.Quarantine.Kafka.Brokers) > 0 && c.Quarantine.Kafka.Topic == "" {
			return fmt.Errorf("quarantine.kafka.topic is required")
		}
		if c.Quarantine.Timeout < 0 {
			return fmt.Errorf("quarantine.timeout must not be negative")
		}
		validCompression := map[string]bool{
			"none": true, "gzip": true, "snappy": true, "zstd": true,
		}
		if !validCompression[c.Quarantine.Compression] {
			return fmt.Errorf("invalid quarantine compression: %s", c.Quarantine.Compression)
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
	}
}
