// Package config loads the process configuration with the usual precedence:
// built-in defaults, then the YAML file, then environment variables.
package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config is the full process configuration.
type Config struct {
	// Server configures the operational HTTP endpoint.
	Server ServerConfig `yaml:"server" env:"SERVER"`
	// Log configures logging.
	Log LogConfig `yaml:"log" env:"LOG"`
	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	// Engine configures workflow execution.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`
	// Breaker configures capability circuit breakers.
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`
	// Queue configures the async submission pool.
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`
	// State selects and configures the state store backend.
	State StateConfig `yaml:"state" env:"STATE"`
	// Cache selects and configures the result cache backend.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`
	// Workflows configures definition loading.
	Workflows WorkflowsConfig `yaml:"workflows" env:"WORKFLOWS"`
}

// ServerConfig configures the metrics/health HTTP listener.
type ServerConfig struct {
	// MetricsPort serves /metrics and /healthz.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development" env:"DEVELOPMENT"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
}

// EngineConfig configures workflow execution defaults.
type EngineConfig struct {
	DefaultStepTimeout     time.Duration `yaml:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`
	DefaultWorkflowTimeout time.Duration `yaml:"default_workflow_timeout" env:"DEFAULT_WORKFLOW_TIMEOUT"`
	// RequireAllSteps makes success demand every non-skipped step succeed
	// without fallback.
	RequireAllSteps bool `yaml:"require_all_steps" env:"REQUIRE_ALL_STEPS"`
	// MinSuccessfulSteps is the minimum non-fallback successes for a
	// COMPLETED run to count as successful.
	MinSuccessfulSteps int `yaml:"min_successful_steps" env:"MIN_SUCCESSFUL_STEPS"`
}

// BreakerConfig configures capability circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// QueueConfig configures the async submission pool.
type QueueConfig struct {
	Workers       int           `yaml:"workers" env:"WORKERS"`
	QueueCapacity int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	DrainTimeout  time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// StateConfig selects the state store backend.
type StateConfig struct {
	// Backend is one of memory, sql, redis, mongo.
	Backend string `yaml:"backend" env:"BACKEND"`
	// SQLDriver is one of sqlite, postgres, mysql (sql backend only).
	SQLDriver string `yaml:"sql_driver" env:"SQL_DRIVER"`
	// DSN is the SQL connection string.
	DSN string `yaml:"dsn" env:"DSN"`
	// RedisAddr is the redis host:port.
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// RedisPassword authenticates against redis.
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	// RedisDB selects the redis database.
	RedisDB int `yaml:"redis_db" env:"REDIS_DB"`
	// MongoURI is the mongodb connection string.
	MongoURI string `yaml:"mongo_uri" env:"MONGO_URI"`
	// MongoDatabase is the mongodb database name.
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`
	// TTL expires terminal states in redis. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	// Backend is one of memory, redis.
	Backend string `yaml:"backend" env:"BACKEND"`
	// DefaultTTL applies when a capability declares no cache TTL.
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	// RedisAddr is the redis host:port (redis backend only).
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// RedisPassword authenticates against redis.
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	// RedisDB selects the redis database.
	RedisDB int `yaml:"redis_db" env:"REDIS_DB"`
}

// WorkflowsConfig configures declarative definition loading.
type WorkflowsConfig struct {
	// Paths lists YAML definition files loaded at startup.
	Paths []string `yaml:"paths" env:"PATHS"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsPort:     9090,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "loom",
			Endpoint:    "localhost:4317",
			SampleRatio: 1.0,
			Insecure:    true,
		},
		Engine: EngineConfig{
			DefaultStepTimeout:     30 * time.Second,
			DefaultWorkflowTimeout: 5 * time.Minute,
			MinSuccessfulSteps:     1,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
		Queue: QueueConfig{
			Workers:       8,
			QueueCapacity: 1000,
			DrainTimeout:  30 * time.Second,
		},
		State: StateConfig{
			Backend:   "memory",
			SQLDriver: "sqlite",
			DSN:       "loom.db",
			RedisAddr: "localhost:6379",
			MongoURI:  "mongodb://localhost:27017",
		},
		Cache: CacheConfig{
			Backend:    "memory",
			DefaultTTL: 5 * time.Minute,
			RedisAddr:  "localhost:6379",
		},
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case "memory", "sql", "redis", "mongo":
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Engine.MinSuccessfulSteps < 1 {
		return fmt.Errorf("engine.min_successful_steps must be at least 1")
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return nil
}

// BuildLogger constructs the process logger from the log section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	var zc zap.Config
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}
