// Package config provides configuration management for StoryForge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for StoryForge.
type Config struct {
	Server              ServerConfig              `mapstructure:"server"`
	Database            DatabaseConfig            `mapstructure:"database"`
	NATS                NATSConfig                `mapstructure:"nats"`
	Docker              DockerConfig              `mapstructure:"docker"`
	Logging             LoggingConfig             `mapstructure:"logging"`
	Dispatcher          DispatcherConfig          `mapstructure:"dispatcher"`
	CommandPolicies     CommandPoliciesConfig     `mapstructure:"commandPolicies"`
	CustomLogger        CustomLoggerConfig        `mapstructure:"customLogger"`
	AutomaticOperations AutomaticOperationsConfig `mapstructure:"automaticOperations"`
	ModelSwitch         ModelSwitchConfig         `mapstructure:"modelSwitch"`
	Workers             WorkersConfig             `mapstructure:"workers"`
	Usage               UsageConfig               `mapstructure:"usage"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration used by the local model
// provider runtime.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DispatcherConfig holds command dispatcher tuning.
type DispatcherConfig struct {
	// MaxWorkers bounds globally concurrent handlers. Zero means unbounded
	// (scope serialization still applies).
	MaxWorkers int `mapstructure:"maxWorkers"`
	// ResultCacheSize is the number of terminal command results retained for
	// WaitForCompletion and snapshot lookups after a command leaves the
	// active set.
	ResultCacheSize      int `mapstructure:"resultCacheSize"`
	ShutdownGraceSeconds int `mapstructure:"shutdownGraceSeconds"`
}

// PolicyConfig describes retry behavior for one operation.
type PolicyConfig struct {
	MaxAttempts           int  `mapstructure:"maxAttempts"`
	RetryDelayBaseSeconds int  `mapstructure:"retryDelayBaseSeconds"`
	RetryDelayMaxSeconds  int  `mapstructure:"retryDelayMaxSeconds"`
	ExponentialBackoff    bool `mapstructure:"exponentialBackoff"`
	RetryOnFailureResult  bool `mapstructure:"retryOnFailureResult"`
	RetryOnException      bool `mapstructure:"retryOnException"`
}

// CommandPoliciesConfig maps operation names to retry policies.
// Viper lowercases map keys read from config files, so lookups over Commands
// must be case-insensitive.
type CommandPoliciesConfig struct {
	Default  PolicyConfig            `mapstructure:"default"`
	Commands map[string]PolicyConfig `mapstructure:"commands"`
}

// CustomLoggerConfig holds the async operation log buffer configuration.
type CustomLoggerConfig struct {
	BatchSize          int  `mapstructure:"batchSize"`
	FlushIntervalMs    int  `mapstructure:"flushIntervalMs"`
	LogRequestResponse bool `mapstructure:"logRequestResponse"`
	LogToolResponses   bool `mapstructure:"logToolResponses"`
	// OtherLogs persists categories outside the always-persisted set
	// (Command plus the four model traffic categories).
	OtherLogs           bool     `mapstructure:"otherLogs"`
	BroadcastCategories []string `mapstructure:"broadcastCategories"`
}

// AutoTaskConfig enables one idle task and sets its scheduling priority.
// Lower priority sorts earlier in the round-robin candidate list.
type AutoTaskConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Priority int  `mapstructure:"priority"`
}

// AutomaticOperationsConfig holds idle auto-operation settings.
// Task map keys are lowercased by viper; match task names case-insensitively.
type AutomaticOperationsConfig struct {
	Enabled           bool                      `mapstructure:"enabled"`
	IdleSeconds       int                       `mapstructure:"idleSeconds"`
	IgnoredOperations []string                  `mapstructure:"ignoredOperations"`
	Tasks             map[string]AutoTaskConfig `mapstructure:"tasks"`
}

// ModelSwitchConfig holds local model backend switching configuration.
type ModelSwitchConfig struct {
	// LocalKinds lists provider kinds that run as a local backend and are
	// subject to the at-most-one-active rule.
	LocalKinds         []string `mapstructure:"localKinds"`
	StopTimeoutSeconds int      `mapstructure:"stopTimeoutSeconds"`
	// CatalogPath optionally overrides the embedded provider catalog.
	CatalogPath string `mapstructure:"catalogPath"`
}

// WorkersConfig holds background worker settings.
type WorkersConfig struct {
	Embedding EmbeddingWorkerConfig `mapstructure:"embedding"`
	Episodes  EpisodeProducerConfig `mapstructure:"episodes"`
}

// EmbeddingWorkerConfig controls the memory embedding backfill worker.
type EmbeddingWorkerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EpisodeProducerConfig controls the periodic auto episode producer.
type EpisodeProducerConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"intervalMinutes"`
}

// UsageConfig holds token cost accounting settings.
type UsageConfig struct {
	// MonthlyBudgetMicroUSD caps recorded spend per calendar month in
	// micro-USD. Zero disables the cap.
	MonthlyBudgetMicroUSD int64 `mapstructure:"monthlyBudgetMicroUsd"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownGrace returns the dispatcher shutdown grace as a time.Duration.
func (d *DispatcherConfig) ShutdownGrace() time.Duration {
	return time.Duration(d.ShutdownGraceSeconds) * time.Second
}

// RetryDelayBase returns the base retry delay as a time.Duration.
func (p *PolicyConfig) RetryDelayBase() time.Duration {
	return time.Duration(p.RetryDelayBaseSeconds) * time.Second
}

// RetryDelayMax returns the retry delay cap as a time.Duration.
func (p *PolicyConfig) RetryDelayMax() time.Duration {
	return time.Duration(p.RetryDelayMaxSeconds) * time.Second
}

// FlushInterval returns the periodic flush interval as a time.Duration.
func (c *CustomLoggerConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// IdleThreshold returns the idle detection threshold as a time.Duration.
func (a *AutomaticOperationsConfig) IdleThreshold() time.Duration {
	return time.Duration(a.IdleSeconds) * time.Second
}

// StopTimeout returns the backend stop timeout as a time.Duration.
func (m *ModelSwitchConfig) StopTimeout() time.Duration {
	return time.Duration(m.StopTimeoutSeconds) * time.Second
}

// Interval returns the episode producer interval as a time.Duration.
func (e *EpisodeProducerConfig) Interval() time.Duration {
	return time.Duration(e.IntervalMinutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("STORYFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./storyforge.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "storyforge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "storyforge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "storyforge-cluster")
	v.SetDefault("nats.clientId", "storyforge-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "storyforge-network")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Dispatcher defaults
	v.SetDefault("dispatcher.maxWorkers", 0)
	v.SetDefault("dispatcher.resultCacheSize", 1024)
	v.SetDefault("dispatcher.shutdownGraceSeconds", 30)

	// Command policy defaults - single attempt, no retries
	v.SetDefault("commandPolicies.default.maxAttempts", 1)
	v.SetDefault("commandPolicies.default.retryDelayBaseSeconds", 5)
	v.SetDefault("commandPolicies.default.retryDelayMaxSeconds", 300)
	v.SetDefault("commandPolicies.default.exponentialBackoff", true)
	v.SetDefault("commandPolicies.default.retryOnFailureResult", false)
	v.SetDefault("commandPolicies.default.retryOnException", false)

	// Custom logger defaults
	v.SetDefault("customLogger.batchSize", 20)
	v.SetDefault("customLogger.flushIntervalMs", 2000)
	v.SetDefault("customLogger.logRequestResponse", false)
	v.SetDefault("customLogger.logToolResponses", false)
	v.SetDefault("customLogger.otherLogs", true)
	v.SetDefault("customLogger.broadcastCategories", []string{"Command", "General", "AutoOps", "Trigger"})

	// Automatic operations defaults
	v.SetDefault("automaticOperations.enabled", false)
	v.SetDefault("automaticOperations.idleSeconds", 300)
	v.SetDefault("automaticOperations.ignoredOperations", []string{"memory_embedding_worker", "update_model_stats"})
	v.SetDefault("automaticOperations.tasks.reviseAndEvaluate.enabled", true)
	v.SetDefault("automaticOperations.tasks.reviseAndEvaluate.priority", 3)
	v.SetDefault("automaticOperations.tasks.evaluateRevised.enabled", true)
	v.SetDefault("automaticOperations.tasks.evaluateRevised.priority", 3)
	v.SetDefault("automaticOperations.tasks.autoDeleteLowRated.enabled", false)
	v.SetDefault("automaticOperations.tasks.autoDeleteLowRated.priority", 7)
	v.SetDefault("automaticOperations.tasks.updateModelStats.enabled", true)
	v.SetDefault("automaticOperations.tasks.updateModelStats.priority", 9)

	// Model switch defaults
	v.SetDefault("modelSwitch.localKinds", []string{"local-large", "local-small", "local-embeddings"})
	v.SetDefault("modelSwitch.stopTimeoutSeconds", 30)
	v.SetDefault("modelSwitch.catalogPath", "")

	// Worker defaults
	v.SetDefault("workers.embedding.enabled", true)
	v.SetDefault("workers.episodes.enabled", false)
	v.SetDefault("workers.episodes.intervalMinutes", 60)

	// Usage defaults - zero disables the monthly cap
	v.SetDefault("usage.monthlyBudgetMicroUsd", 0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix STORYFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/storyforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := newViper(configPath)

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return unmarshal(v)
}

// newViper builds a viper instance with defaults, env bindings, and config
// file search paths applied.
func newViper(configPath string) *viper.Viper {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("STORYFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.driver", "STORYFORGE_DATABASE_DRIVER")
	_ = v.BindEnv("database.path", "STORYFORGE_DATABASE_PATH")
	_ = v.BindEnv("dispatcher.maxWorkers", "STORYFORGE_DISPATCHER_MAX_WORKERS")
	_ = v.BindEnv("automaticOperations.enabled", "STORYFORGE_AUTO_OPS_ENABLED")
	_ = v.BindEnv("automaticOperations.idleSeconds", "STORYFORGE_AUTO_OPS_IDLE_SECONDS")
	_ = v.BindEnv("customLogger.batchSize", "STORYFORGE_CUSTOM_LOGGER_BATCH_SIZE")
	_ = v.BindEnv("customLogger.flushIntervalMs", "STORYFORGE_CUSTOM_LOGGER_FLUSH_INTERVAL_MS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/storyforge/")

	return v
}

// unmarshal decodes and validates the current viper state.
func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// Dispatcher validation
	if cfg.Dispatcher.MaxWorkers < 0 {
		errs = append(errs, "dispatcher.maxWorkers must be zero or positive")
	}
	if cfg.Dispatcher.ResultCacheSize <= 0 {
		errs = append(errs, "dispatcher.resultCacheSize must be positive")
	}

	// Command policy validation
	if err := validatePolicy("commandPolicies.default", cfg.CommandPolicies.Default); err != "" {
		errs = append(errs, err)
	}
	for name, p := range cfg.CommandPolicies.Commands {
		if err := validatePolicy("commandPolicies.commands."+name, p); err != "" {
			errs = append(errs, err)
		}
	}

	// Custom logger validation
	if cfg.CustomLogger.BatchSize <= 0 {
		errs = append(errs, "customLogger.batchSize must be positive")
	}
	if cfg.CustomLogger.FlushIntervalMs <= 0 {
		errs = append(errs, "customLogger.flushIntervalMs must be positive")
	}

	// Automatic operations validation
	if cfg.AutomaticOperations.IdleSeconds <= 0 {
		errs = append(errs, "automaticOperations.idleSeconds must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Workers.Episodes.IntervalMinutes <= 0 {
		errs = append(errs, "workers.episodes.intervalMinutes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// validatePolicy returns an error string for an invalid policy, or "".
func validatePolicy(key string, p PolicyConfig) string {
	if p.MaxAttempts < 1 {
		return key + ".maxAttempts must be at least 1"
	}
	if p.RetryDelayBaseSeconds < 0 || p.RetryDelayMaxSeconds < 0 {
		return key + " retry delays must be zero or positive"
	}
	if p.RetryDelayMaxSeconds > 0 && p.RetryDelayMaxSeconds < p.RetryDelayBaseSeconds {
		return key + ".retryDelayMaxSeconds must be at least retryDelayBaseSeconds"
	}
	return ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
