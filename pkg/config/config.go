// Package config loads and validates ingestor configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Ingestion, Validation, Writer, Checkpoint, Postgres, Kafka, etc.).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	Validation ValidationConfig `yaml:"validation"`
	Writer     WriterConfig     `yaml:"writer"`
	Retry      RetryConfig      `yaml:"retry"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Failure policies applied by the ingestion loop after a batch exhausts its
// retry budget.
const (
	FailurePolicyRetry = "retry"
	FailurePolicyExit  = "exit"
)

// IngestionConfig controls the watched directory and the trigger cycle.
type IngestionConfig struct {
	InputPath          string        `yaml:"inputPath"`
	FileExtension      string        `yaml:"fileExtension"`
	TempPrefix         string        `yaml:"tempPrefix"`
	TriggerInterval    time.Duration `yaml:"triggerInterval"`
	MaxFilesPerTrigger int           `yaml:"maxFilesPerTrigger"`
	FailurePolicy      string        `yaml:"failurePolicy"`
}

// ValidationConfig tunes the record validator.
type ValidationConfig struct {
	TimestampLayout  string        `yaml:"timestampLayout"`
	AllowedClockSkew time.Duration `yaml:"allowedClockSkew"`
}

// WriterConfig controls the destination table and per-attempt limits.
type WriterConfig struct {
	Table          string        `yaml:"table"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	MaxRowsPerStmt int           `yaml:"maxRowsPerStatement"`
}

// RetryConfig holds the exponential backoff policy for batch writes.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialDelay   time.Duration `yaml:"initialDelay"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	JitterFraction float64       `yaml:"jitterFraction"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	Backend     string `yaml:"backend"` // file, postgres, redis
	Path        string `yaml:"path"`
	Table       string `yaml:"table"`
	RedisPrefix string `yaml:"redisPrefix"`
}

// DeadLetterConfig controls where rejected rows are routed.
type DeadLetterConfig struct {
	Log   bool   `yaml:"log"`
	Kafka bool   `yaml:"kafka"`
	Topic string `yaml:"topic"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnectAttempts int           `yaml:"connectAttempts"`
	ConnectDelay    time.Duration `yaml:"connectDelay"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// URL returns the connection string in postgres:// form, as required by
// golang-migrate.
func (p PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: url.Values{"sslmode": []string{p.SSLMode}}.Encode(),
	}
	return u.String()
}

// KafkaConfig holds Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics and health server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values, or an error if the result does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with the defaults used for local development.
func Default() *Config {
	return &Config{
		Ingestion: IngestionConfig{
			InputPath:          "/data/incoming",
			FileExtension:      ".csv",
			TempPrefix:         ".tmp_",
			TriggerInterval:    10 * time.Second,
			MaxFilesPerTrigger: 5,
			FailurePolicy:      FailurePolicyRetry,
		},
		Validation: ValidationConfig{
			TimestampLayout: "2006-01-02 15:04:05",
		},
		Writer: WriterConfig{
			Table:          "user_events",
			AttemptTimeout: 30 * time.Second,
			MaxRowsPerStmt: 1000,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
			JitterFraction: 0.1,
		},
		Checkpoint: CheckpointConfig{
			Backend:     "file",
			Path:        "/data/checkpoint/ingest.json",
			Table:       "ingest_checkpoints",
			RedisPrefix: "ingestor:checkpoint",
		},
		DeadLetter: DeadLetterConfig{
			Log:   true,
			Topic: "ingest-rejected",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ecommerce_events",
			User:            "postgres",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 30,
			ConnectDelay:    2 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate reports the first configuration value that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Ingestion.InputPath == "":
		return apperrors.Invalidf("ingestion.inputPath is required")
	case c.Ingestion.TriggerInterval <= 0:
		return apperrors.Invalidf("ingestion.triggerInterval must be positive")
	case c.Ingestion.MaxFilesPerTrigger <= 0:
		return apperrors.Invalidf("ingestion.maxFilesPerTrigger must be positive")
	case c.Retry.MaxAttempts <= 0:
		return apperrors.Invalidf("retry.maxAttempts must be positive")
	case c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay:
		return apperrors.Invalidf("retry delays must satisfy 0 < initialDelay <= maxDelay")
	case c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1:
		return apperrors.Invalidf("retry.jitterFraction must be in [0, 1)")
	case c.Writer.Table == "":
		return apperrors.Invalidf("writer.table is required")
	}
	switch c.Ingestion.FailurePolicy {
	case FailurePolicyRetry, FailurePolicyExit:
	default:
		return apperrors.Invalidf("ingestion.failurePolicy %q (want %s or %s)",
			c.Ingestion.FailurePolicy, FailurePolicyRetry, FailurePolicyExit)
	}
	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Path == "" {
			return apperrors.Invalidf("checkpoint.path is required for the file backend")
		}
	case "postgres":
		if c.Checkpoint.Table == "" {
			return apperrors.Invalidf("checkpoint.table is required for the postgres backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return apperrors.Invalidf("redis.addr is required for the redis backend")
		}
	default:
		return apperrors.Invalidf("checkpoint.backend %q (want file, postgres or redis)", c.Checkpoint.Backend)
	}
	if c.DeadLetter.Kafka && (len(c.Kafka.Brokers) == 0 || c.DeadLetter.Topic == "") {
		return apperrors.Invalidf("kafka dead-letter needs kafka.brokers and deadLetter.topic")
	}
	return nil
}

// applyEnvOverrides reads INGEST_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INGEST_INPUT_PATH"); v != "" {
		cfg.Ingestion.InputPath = v
	}
	if v := os.Getenv("INGEST_TRIGGER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingestion.TriggerInterval = d
		}
	}
	if v := os.Getenv("INGEST_MAX_FILES_PER_TRIGGER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingestion.MaxFilesPerTrigger = n
		}
	}
	if v := os.Getenv("INGEST_FAILURE_POLICY"); v != "" {
		cfg.Ingestion.FailurePolicy = v
	}
	if v := os.Getenv("INGEST_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("INGEST_CHECKPOINT_BACKEND"); v != "" {
		cfg.Checkpoint.Backend = v
	}
	if v := os.Getenv("INGEST_CHECKPOINT_PATH"); v != "" {
		cfg.Checkpoint.Path = v
	}
	if v := os.Getenv("INGEST_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("INGEST_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("INGEST_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("INGEST_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("INGEST_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("INGEST_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("INGEST_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("INGEST_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("INGEST_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("INGEST_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("INGEST_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("INGEST_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
