package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Events    EventsConfig
	Engine    EngineConfig
	Retention RetentionConfig
	Limits    LimitsConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	Stage       string // prefixes stream and table names, e.g. "prod"
	Region      string // deployment label, logged at startup
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration

	RunTable           string
	NodeExecutionTable string
	WorkflowTable      string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig holds work queue settings
type QueueConfig struct {
	Stream            string
	Group             string
	DLQStream         string
	PoisonThreshold   int // deliveries before a message is dead-lettered
	BatchSize         int
	BlockTime         time.Duration
	DedupTTL          time.Duration
	MaxDelay          time.Duration // cap for delayed delivery
	VisibilityTimeout time.Duration // unacked messages idle longer are reclaimed
}

// EventsConfig holds event bus settings
type EventsConfig struct {
	Stream string
	Source string
	MaxLen int64 // stream is trimmed to approximately this length
}

// EngineConfig holds execution engine settings
type EngineConfig struct {
	Workers               int
	DefaultRunTimeout     time.Duration
	MaxConcurrentNodes    int // fallback when the graph config omits it
	StaleQueuedAfter      time.Duration
	ReclaimInterval       time.Duration
	RetentionSweepPeriod  time.Duration
	RetentionSweepBatch   int
	HTTPRequestTimeout    time.Duration
	AllowPrivateEndpoints bool // permit API_CALL targets on private networks (tests)
}

// RetentionConfig holds persisted-state retention settings
type RetentionConfig struct {
	RunTTL  time.Duration
	NodeTTL time.Duration
}

// LimitsConfig holds request-level limits
type LimitsConfig struct {
	MaxPayloadBytes    int
	SubmitRetries      int
	SubmitRetryBackoff time.Duration
	TenantRunsPerMin   int64 // 0 disables per-tenant rate limiting
	GlobalRunsPerMin   int64 // 0 disables the service-wide limit
}

// TelemetryConfig holds profiling settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	stage := getEnv("STAGE", "dev")

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			Stage:       stage,
			Region:      getEnv("REGION", "local"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowcore"),
			User:        getEnv("POSTGRES_USER", "flowcore"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowcore"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),

			RunTable:           prefixedTable(stage, getEnv("RUN_TABLE", "workflow_runs")),
			NodeExecutionTable: prefixedTable(stage, getEnv("NODE_EXECUTION_TABLE", "node_executions")),
			WorkflowTable:      prefixedTable(stage, getEnv("WORKFLOW_TABLE", "workflow_definitions")),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Stream:            prefixed(stage, getEnv("QUEUE_STREAM", "wf.run.requests")),
			Group:             getEnv("QUEUE_GROUP", "run_workers"),
			DLQStream:         prefixed(stage, getEnv("QUEUE_DLQ_STREAM", "wf.run.requests.dlq")),
			PoisonThreshold:   getEnvInt("QUEUE_POISON_THRESHOLD", 5),
			BatchSize:         getEnvInt("QUEUE_BATCH_SIZE", 10),
			BlockTime:         getEnvDuration("QUEUE_BLOCK_TIME", 5*time.Second),
			DedupTTL:          getEnvDuration("QUEUE_DEDUP_TTL", 24*time.Hour),
			MaxDelay:          getEnvDuration("QUEUE_MAX_DELAY", 15*time.Minute),
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second),
		},
		Events: EventsConfig{
			Stream: prefixed(stage, getEnv("EVENT_STREAM", "events.workflow")),
			Source: getEnv("EVENT_SOURCE", "flowcore.workflow.execution"),
			MaxLen: int64(getEnvInt("EVENT_STREAM_MAXLEN", 100000)),
		},
		Engine: EngineConfig{
			Workers:               getEnvInt("ENGINE_WORKERS", 4),
			DefaultRunTimeout:     getEnvDuration("ENGINE_RUN_TIMEOUT", 15*time.Minute),
			MaxConcurrentNodes:    getEnvInt("ENGINE_MAX_CONCURRENT_NODES", 5),
			StaleQueuedAfter:      getEnvDuration("ENGINE_STALE_QUEUED_AFTER", 10*time.Minute),
			ReclaimInterval:       getEnvDuration("ENGINE_RECLAIM_INTERVAL", 1*time.Minute),
			RetentionSweepPeriod:  getEnvDuration("RETENTION_SWEEP_PERIOD", 1*time.Hour),
			RetentionSweepBatch:   getEnvInt("RETENTION_SWEEP_BATCH", 500),
			HTTPRequestTimeout:    getEnvDuration("ENGINE_HTTP_TIMEOUT", 30*time.Second),
			AllowPrivateEndpoints: getEnvBool("ENGINE_ALLOW_PRIVATE_ENDPOINTS", false),
		},
		Retention: RetentionConfig{
			RunTTL:  getEnvDuration("RETENTION_RUN_TTL", 30*24*time.Hour),
			NodeTTL: getEnvDuration("RETENTION_NODE_TTL", 7*24*time.Hour),
		},
		Limits: LimitsConfig{
			MaxPayloadBytes:    getEnvInt("MAX_PAYLOAD_BYTES", 256*1024),
			SubmitRetries:      getEnvInt("SUBMIT_RETRIES", 3),
			SubmitRetryBackoff: getEnvDuration("SUBMIT_RETRY_BACKOFF", 100*time.Millisecond),
			TenantRunsPerMin:   int64(getEnvInt("TENANT_RUNS_PER_MIN", 0)),
			GlobalRunsPerMin:   int64(getEnvInt("GLOBAL_RUNS_PER_MIN", 0)),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Queue.Stream == "" || c.Queue.Group == "" {
		return fmt.Errorf("queue stream and group are required")
	}

	if c.Queue.PoisonThreshold < 1 {
		return fmt.Errorf("poison threshold must be >= 1")
	}

	if c.Queue.MaxDelay > 15*time.Minute {
		return fmt.Errorf("queue max delay cannot exceed 15 minutes")
	}

	if c.Events.Stream == "" || c.Events.Source == "" {
		return fmt.Errorf("event stream and source are required")
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine workers must be >= 1")
	}

	if c.Limits.MaxPayloadBytes < 1 {
		return fmt.Errorf("max payload bytes must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// prefixed applies the stage label to a resource name, e.g. "prod.wf.run.requests"
func prefixed(stage, name string) string {
	if stage == "" || strings.HasPrefix(name, stage+".") {
		return name
	}
	return stage + "." + name
}

// prefixedTable is prefixed for SQL identifiers, where a dot would read as
// a schema qualifier.
func prefixedTable(stage, name string) string {
	if stage == "" || strings.HasPrefix(name, stage+"_") {
		return name
	}
	return stage + "_" + name
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
