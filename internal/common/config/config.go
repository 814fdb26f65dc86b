// Package config provides configuration management for Warren.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Warren host.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds PostgreSQL connection configuration. When Host is
// empty the host falls back to the SQLite store at DataDir.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. Empty URL means the
// in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host        string  `mapstructure:"host"`
	APIVersion  string  `mapstructure:"apiVersion"`
	WorkerImage string  `mapstructure:"workerImage"`
	NetworkMode string  `mapstructure:"networkMode"`
	MemoryMB    int64   `mapstructure:"memoryMb"`
	CPUCores    float64 `mapstructure:"cpuCores"`
}

// QueueConfig holds queue controller configuration.
type QueueConfig struct {
	MaxConcurrent int `mapstructure:"maxConcurrent"`
	RetryCeiling  int `mapstructure:"retryCeiling"`
	RetryBaseSec  int `mapstructure:"retryBaseSec"`
	PendingLimit  int `mapstructure:"pendingLimit"`
}

// WorkerConfig holds per-invocation worker configuration.
type WorkerConfig struct {
	DataDir        string   `mapstructure:"dataDir"`
	SharedRoots    []string `mapstructure:"sharedRoots"` // read-only host paths exposed to workers
	TimeoutSec     int      `mapstructure:"timeoutSec"`  // hard wall-clock timeout
	IdleTimeoutSec int      `mapstructure:"idleTimeoutSec"`
	MaxIterations  int      `mapstructure:"maxIterations"`
}

// MailboxConfig holds mailbox protocol configuration. Mailbox
// directories always live under worker.dataDir/mailbox so host and
// worker reach the same files through the bind mount.
type MailboxConfig struct {
	PollMillis int `mapstructure:"pollMillis"`
}

// WorkflowConfig holds workflow registry and resolver configuration.
type WorkflowConfig struct {
	RegistryPath   string  `mapstructure:"registryPath"`
	CachePath      string  `mapstructure:"cachePath"`
	EmbeddingModel string  `mapstructure:"embeddingModel"`
	Threshold      float64 `mapstructure:"threshold"`
	TopK           int     `mapstructure:"topK"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TimeoutDuration returns the hard wall-clock timeout as a time.Duration.
func (w *WorkerConfig) TimeoutDuration() time.Duration {
	return time.Duration(w.TimeoutSec) * time.Second
}

// IdleTimeoutDuration returns the worker idle timeout as a time.Duration.
func (w *WorkerConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(w.IdleTimeoutSec) * time.Second
}

// PollInterval returns the mailbox poll interval as a time.Duration.
func (m *MailboxConfig) PollInterval() time.Duration {
	return time.Duration(m.PollMillis) * time.Millisecond
}

// RetryBase returns the first retry delay as a time.Duration.
func (q *QueueConfig) RetryBase() time.Duration {
	return time.Duration(q.RetryBaseSec) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" in production-like environments
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("WARREN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/warren"
	}
	return filepath.Join(homeDir, ".warren")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means SQLite in dataDir
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "warren")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "warren")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// NATS defaults - empty URL means in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "warren-host")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.workerImage", "warren-worker:latest")
	v.SetDefault("docker.networkMode", "bridge")
	v.SetDefault("docker.memoryMb", 2048)
	v.SetDefault("docker.cpuCores", 1.0)

	// Queue defaults
	v.SetDefault("queue.maxConcurrent", 5)
	v.SetDefault("queue.retryCeiling", 3)
	v.SetDefault("queue.retryBaseSec", 5)
	v.SetDefault("queue.pendingLimit", 100)

	// Worker defaults
	v.SetDefault("worker.dataDir", dataDir)
	v.SetDefault("worker.sharedRoots", []string{})
	v.SetDefault("worker.timeoutSec", 1800)
	v.SetDefault("worker.idleTimeoutSec", 60)
	v.SetDefault("worker.maxIterations", 50)

	// Mailbox defaults
	v.SetDefault("mailbox.pollMillis", 500)

	// Workflow defaults
	v.SetDefault("workflow.registryPath", filepath.Join(dataDir, "workflows.yaml"))
	v.SetDefault("workflow.cachePath", filepath.Join(dataDir, "workflows.cache.json"))
	v.SetDefault("workflow.embeddingModel", "text-embedding-3-small")
	v.SetDefault("workflow.threshold", 0.3)
	v.SetDefault("workflow.topK", 4)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WARREN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/warren/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("WARREN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/warren/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Queue.MaxConcurrent <= 0 {
		errs = append(errs, "queue.maxConcurrent must be positive")
	}
	if cfg.Queue.RetryCeiling < 0 {
		errs = append(errs, "queue.retryCeiling must not be negative")
	}
	if cfg.Queue.RetryBaseSec <= 0 {
		errs = append(errs, "queue.retryBaseSec must be positive")
	}

	if cfg.Docker.WorkerImage == "" {
		errs = append(errs, "docker.workerImage is required")
	}

	if cfg.Worker.TimeoutSec <= 0 {
		errs = append(errs, "worker.timeoutSec must be positive")
	}
	if cfg.Worker.MaxIterations <= 0 {
		errs = append(errs, "worker.maxIterations must be positive")
	}

	if cfg.Mailbox.PollMillis <= 0 {
		errs = append(errs, "mailbox.pollMillis must be positive")
	}

	if cfg.Workflow.Threshold < 0 || cfg.Workflow.Threshold > 1 {
		errs = append(errs, "workflow.threshold must be between 0 and 1")
	}
	if cfg.Workflow.TopK <= 0 {
		errs = append(errs, "workflow.topK must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
