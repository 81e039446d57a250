// Package config loads service configuration from file and environment and
// parses the settlement fee schedule.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Batching  BatchingConfig  `mapstructure:"batching"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	FeesPath  string          `mapstructure:"fees_path"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// DatabaseConfig holds the relational store settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds dedup-store connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig holds broker and topic settings for the intake consumer and the
// ledger event bus.
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	IntakeTopic string   `mapstructure:"intake_topic"`
	EventsTopic string   `mapstructure:"events_topic"`
	DLQTopic    string   `mapstructure:"dlq_topic"`
	GroupID     string   `mapstructure:"group_id"`
}

// IntakeConfig tunes admission control and deduplication.
type IntakeConfig struct {
	MaxPending   int           `mapstructure:"max_pending"`
	DedupTTL     time.Duration `mapstructure:"dedup_ttl"`
	DedupBackend string        `mapstructure:"dedup_backend"` // redis or memory
}

// BatchingConfig tunes chunk formation and the cost solver.
type BatchingConfig struct {
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	ChunkTimeout  time.Duration `mapstructure:"chunk_timeout"`
	SolverBudget  time.Duration `mapstructure:"solver_budget"`
	DeferralLimit int           `mapstructure:"deferral_limit"`
}

// LedgerConfig tunes the append-only event log.
type LedgerConfig struct {
	Backend       string        `mapstructure:"backend"` // badger or memory
	Dir           string        `mapstructure:"dir"`
	AppendRetries int           `mapstructure:"append_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load reads configuration from the given file (optional) and the
// SETTLEMENTD_* environment, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SETTLEMENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=settlement password=settlement dbname=settlement port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.intake_topic", "transactions.intake")
	v.SetDefault("kafka.events_topic", "settlement.events")
	v.SetDefault("kafka.dlq_topic", "transactions.intake.dlq")
	v.SetDefault("kafka.group_id", "settlementd-intake")

	v.SetDefault("intake.max_pending", 10000)
	v.SetDefault("intake.dedup_ttl", "24h")
	v.SetDefault("intake.dedup_backend", "redis")

	v.SetDefault("batching.max_batch_size", 1000)
	v.SetDefault("batching.chunk_timeout", "500ms")
	v.SetDefault("batching.solver_budget", "100ms")
	v.SetDefault("batching.deferral_limit", 3)

	v.SetDefault("ledger.backend", "badger")
	v.SetDefault("ledger.dir", "./data/ledger")
	v.SetDefault("ledger.append_retries", 3)
	v.SetDefault("ledger.retry_backoff", "50ms")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "settlementd")

	v.SetDefault("fees_path", "./configs/fees.yaml")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Batching.MaxBatchSize <= 0 {
		return fmt.Errorf("batching.max_batch_size must be positive, got %d", c.Batching.MaxBatchSize)
	}
	if c.Batching.ChunkTimeout <= 0 {
		return fmt.Errorf("batching.chunk_timeout must be positive, got %s", c.Batching.ChunkTimeout)
	}
	if c.Batching.DeferralLimit < 0 {
		return fmt.Errorf("batching.deferral_limit must not be negative, got %d", c.Batching.DeferralLimit)
	}
	if c.Intake.MaxPending <= 0 {
		return fmt.Errorf("intake.max_pending must be positive, got %d", c.Intake.MaxPending)
	}
	if c.Intake.DedupTTL <= 0 {
		return fmt.Errorf("intake.dedup_ttl must be positive, got %s", c.Intake.DedupTTL)
	}
	switch c.Intake.DedupBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown intake.dedup_backend %q", c.Intake.DedupBackend)
	}
	switch c.Ledger.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	return nil
}
