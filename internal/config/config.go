package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pipeline service
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Documents  DocumentsConfig  `mapstructure:"documents"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Import     ImportConfig     `mapstructure:"import"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Workspaces WorkspacesConfig `mapstructure:"workspaces"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds the metrics/health HTTP listener configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a pgx connection string from the settings.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration for the journey cache
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// DocumentsConfig holds OpenSearch configuration for the customer and
// event document stores
type DocumentsConfig struct {
	URL            string `mapstructure:"url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	Insecure       bool   `mapstructure:"insecure"`
	CustomersIndex string `mapstructure:"customers_index"`
	EventsIndex    string `mapstructure:"events_index"`
}

// QueueConfig holds NATS configuration
type QueueConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
}

// ImportConfig bounds the import reconciler's batching behavior
type ImportConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	MaxInFlight   int           `mapstructure:"max_in_flight"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	SourceDir     string        `mapstructure:"source_dir"`
}

// CacheConfig holds journey cache settings. TTL is a safety net only;
// explicit invalidation is the primary mechanism.
type CacheConfig struct {
	JourneyTTL time.Duration `mapstructure:"journey_ttl"`
}

// WorkspacesConfig holds per-workspace plan limits
type WorkspacesConfig struct {
	MaxCustomers int64 `mapstructure:"max_customers"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "journeymesh")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "journeymesh")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("documents.url", "https://localhost:9200")
	v.SetDefault("documents.username", "admin")
	v.SetDefault("documents.password", "")
	v.SetDefault("documents.insecure", true)
	v.SetDefault("documents.customers_index", "customers")
	v.SetDefault("documents.events_index", "events")

	v.SetDefault("queue.url", "nats://localhost:4222")
	v.SetDefault("queue.name", "journeymesh-pipeline")
	v.SetDefault("queue.max_reconnects", -1)
	v.SetDefault("queue.reconnect_wait", "2s")
	v.SetDefault("queue.timeout", "5s")

	v.SetDefault("import.batch_size", 10000)
	v.SetDefault("import.max_in_flight", 4)
	v.SetDefault("import.drain_timeout", "30s")
	v.SetDefault("import.drain_interval", "200ms")
	v.SetDefault("import.source_dir", "/var/lib/journeymesh/imports")

	v.SetDefault("cache.journey_ttl", "0s")

	v.SetDefault("workspaces.max_customers", 0)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("PIPELINE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Import.BatchSize <= 0 {
		return nil, fmt.Errorf("import.batch_size must be positive, got %d", cfg.Import.BatchSize)
	}
	if cfg.Import.MaxInFlight <= 0 {
		return nil, fmt.Errorf("import.max_in_flight must be positive, got %d", cfg.Import.MaxInFlight)
	}

	return &cfg, nil
}
