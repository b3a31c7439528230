// Package config loads the service configuration from YAML with
// DOCFLOW_* environment overrides, validates it, and clamps the queue
// options to their documented bounds.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	CORS     CORSConfig     `yaml:"cors"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	OCR      OCRConfig      `yaml:"ocr"`
	Storage  StorageConfig  `yaml:"storage"`
	WS       WSConfig       `yaml:"websocket"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	MaxUploadMB    int    `yaml:"max_upload_mb"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

// PoolConfig defines connection pool settings
type PoolConfig struct {
	MaxConns                 int `yaml:"max_conns"`
	MinConns                 int `yaml:"min_conns"`
	MaxConnLifetimeMinutes   int `yaml:"max_conn_lifetime_minutes"`
	MaxConnIdleTimeMinutes   int `yaml:"max_conn_idle_time_minutes"`
	HealthCheckPeriodSeconds int `yaml:"health_check_period_seconds"`
}

type DatabaseConfig struct {
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	User     string     `yaml:"user"`
	Password string     `yaml:"password"`
	DBName   string     `yaml:"dbname"`
	SSLMode  string     `yaml:"ssl_mode"`
	Pool     PoolConfig `yaml:"pool"`
}

// QueueConfig carries the batch queue manager options. Values outside
// the documented bounds are clamped by ApplyDefaults, not rejected.
type QueueConfig struct {
	MaxConcurrentBatches      int     `yaml:"max_concurrent_batches"`
	MaxQueueLength            int     `yaml:"max_queue_length"`
	BatchQueueTimeoutMS       int64   `yaml:"batch_queue_timeout_ms"`
	BatchQueueTimeoutMult     float64 `yaml:"batch_queue_timeout_multiplier"`
	AverageBatchSeconds       int     `yaml:"average_batch_seconds"`
	EnableQueueLogging        bool    `yaml:"enable_queue_logging"`
	EnableGracefulShutdown    *bool   `yaml:"enable_graceful_shutdown"`
	GracefulShutdownTimeoutMS int64   `yaml:"graceful_shutdown_timeout_ms"`
	FileConcurrency           int     `yaml:"file_concurrency"`
}

type OCRConfig struct {
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	MaxAttempts int    `yaml:"max_attempts"`
	BackoffMS   int    `yaml:"backoff_ms"`
}

type StorageConfig struct {
	Root            string `yaml:"root"`
	RawBucket       string `yaml:"raw_bucket"`
	ProcessedBucket string `yaml:"processed_bucket"`
}

type WSConfig struct {
	Path             string `yaml:"path"`
	SendBufferSize   int    `yaml:"send_buffer_size"`
	ReplayBufferSize int    `yaml:"replay_buffer_size"`
	ReplayTTLSeconds int    `yaml:"replay_ttl_seconds"`
	WriteTimeoutMS   int    `yaml:"write_timeout_ms"`
}

type AdminConfig struct {
	Secret string `yaml:"secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if c.Database.Host == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host and dbname are required")
	}
	if c.Admin.Secret == "" {
		return fmt.Errorf("DOCFLOW_ADMIN_SECRET is required for admin endpoints")
	}
	if c.OCR.Endpoint == "" {
		return fmt.Errorf("ocr endpoint is required")
	}
	if _, err := url.Parse(c.OCR.Endpoint); err != nil {
		return fmt.Errorf("invalid ocr endpoint: %w", err)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root is required")
	}
	return nil
}

// ApplyDefaults fills zero values and clamps queue options to their
// documented bounds.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 30000
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = 30000
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 100
	}

	c.Database.Pool.applyDefaults()
	c.Queue.applyDefaults()

	if c.OCR.TimeoutMS == 0 {
		c.OCR.TimeoutMS = 120000
	}
	if c.OCR.MaxAttempts == 0 {
		c.OCR.MaxAttempts = 3
	}
	if c.OCR.BackoffMS == 0 {
		c.OCR.BackoffMS = 500
	}

	if c.Storage.RawBucket == "" {
		c.Storage.RawBucket = "raw"
	}
	if c.Storage.ProcessedBucket == "" {
		c.Storage.ProcessedBucket = "processed"
	}

	if c.WS.Path == "" {
		c.WS.Path = "/ws"
	}
	if c.WS.SendBufferSize == 0 {
		c.WS.SendBufferSize = 256
	}
	if c.WS.ReplayBufferSize == 0 {
		c.WS.ReplayBufferSize = 64
	}
	if c.WS.ReplayTTLSeconds == 0 {
		c.WS.ReplayTTLSeconds = 600
	}
	if c.WS.WriteTimeoutMS == 0 {
		c.WS.WriteTimeoutMS = 10000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (p *PoolConfig) applyDefaults() {
	if p.MaxConns == 0 {
		p.MaxConns = 50
	}
	if p.MinConns == 0 {
		p.MinConns = 10
	}
	if p.MaxConnLifetimeMinutes == 0 {
		p.MaxConnLifetimeMinutes = 90
	}
	if p.MaxConnIdleTimeMinutes == 0 {
		p.MaxConnIdleTimeMinutes = 20
	}
	if p.HealthCheckPeriodSeconds == 0 {
		p.HealthCheckPeriodSeconds = 45
	}
}

func (q *QueueConfig) applyDefaults() {
	if q.MaxConcurrentBatches == 0 {
		q.MaxConcurrentBatches = 1
	}
	q.MaxConcurrentBatches = clampInt(q.MaxConcurrentBatches, 1, 20)

	if q.MaxQueueLength == 0 {
		q.MaxQueueLength = 500
	}
	q.MaxQueueLength = clampInt(q.MaxQueueLength, 10, 1000)

	if q.BatchQueueTimeoutMS == 0 {
		q.BatchQueueTimeoutMS = 1800000
	}
	if q.BatchQueueTimeoutMS < 60000 {
		q.BatchQueueTimeoutMS = 60000
	}

	if q.BatchQueueTimeoutMult == 0 {
		q.BatchQueueTimeoutMult = 1.0
	}
	if q.BatchQueueTimeoutMult < 0.5 {
		q.BatchQueueTimeoutMult = 0.5
	}
	if q.BatchQueueTimeoutMult > 5.0 {
		q.BatchQueueTimeoutMult = 5.0
	}

	if q.AverageBatchSeconds == 0 {
		q.AverageBatchSeconds = 150
	}
	if q.AverageBatchSeconds < 30 {
		q.AverageBatchSeconds = 30
	}

	if q.EnableGracefulShutdown == nil {
		on := true
		q.EnableGracefulShutdown = &on
	}

	if q.GracefulShutdownTimeoutMS == 0 {
		q.GracefulShutdownTimeoutMS = 120000
	}
	if q.GracefulShutdownTimeoutMS < 60000 {
		q.GracefulShutdownTimeoutMS = 60000
	}
	if q.GracefulShutdownTimeoutMS > 600000 {
		q.GracefulShutdownTimeoutMS = 600000
	}

	if q.FileConcurrency == 0 {
		q.FileConcurrency = 2
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// applyEnvOverrides checks for environment variables with DOCFLOW_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCFLOW_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DOCFLOW_DATABASE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Database.Port)
	}
	if v := os.Getenv("DOCFLOW_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	if v := os.Getenv("DOCFLOW_ADMIN_SECRET"); v != "" {
		cfg.Admin.Secret = v
	}

	if v := os.Getenv("DOCFLOW_OCR_ENDPOINT"); v != "" {
		cfg.OCR.Endpoint = v
	}
	if v := os.Getenv("DOCFLOW_OCR_API_KEY"); v != "" {
		cfg.OCR.APIKey = v
	}

	if v := os.Getenv("DOCFLOW_STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}

	if v := os.Getenv("WS_PATH"); v != "" {
		cfg.WS.Path = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.Enabled = true
		cfg.CORS.AllowedOrigins = strings.Split(v, ",")
	}

	if v := os.Getenv("DOCFLOW_QUEUE_MAX_CONCURRENT_BATCHES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Queue.MaxConcurrentBatches)
	}
	if v := os.Getenv("DOCFLOW_QUEUE_MAX_QUEUE_LENGTH"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Queue.MaxQueueLength)
	}
	if v := os.Getenv("DOCFLOW_QUEUE_BATCH_TIMEOUT_MS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Queue.BatchQueueTimeoutMS)
	}
	if v := os.Getenv("DOCFLOW_QUEUE_TIMEOUT_MULTIPLIER"); v != "" {
		fmt.Sscanf(v, "%f", &cfg.Queue.BatchQueueTimeoutMult)
	}
	if v := os.Getenv("DOCFLOW_QUEUE_AVERAGE_BATCH_SECONDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Queue.AverageBatchSeconds)
	}
}

// ReadTimeout returns the read timeout as a duration
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// ConnString returns the PostgreSQL connection string in postgres:// URL format
func (d *DatabaseConfig) ConnString() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}

	query := url.Values{}
	if d.SSLMode != "" {
		query.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

// MaxConnLifetime returns the max connection lifetime as a duration
func (p *PoolConfig) MaxConnLifetime() time.Duration {
	return time.Duration(p.MaxConnLifetimeMinutes) * time.Minute
}

// MaxConnIdleTime returns the max connection idle time as a duration
func (p *PoolConfig) MaxConnIdleTime() time.Duration {
	return time.Duration(p.MaxConnIdleTimeMinutes) * time.Minute
}

// HealthCheckPeriod returns the health check period as a duration
func (p *PoolConfig) HealthCheckPeriod() time.Duration {
	return time.Duration(p.HealthCheckPeriodSeconds) * time.Second
}

// BatchTimeout returns the effective per-batch timeout, multiplier
// applied.
func (q *QueueConfig) BatchTimeout() time.Duration {
	base := time.Duration(q.BatchQueueTimeoutMS) * time.Millisecond
	return time.Duration(float64(base) * q.BatchQueueTimeoutMult)
}

// GracefulShutdownTimeout returns the drain window as a duration.
func (q *QueueConfig) GracefulShutdownTimeout() time.Duration {
	return time.Duration(q.GracefulShutdownTimeoutMS) * time.Millisecond
}

// GracefulShutdownEnabled reports whether draining is enabled.
func (q *QueueConfig) GracefulShutdownEnabled() bool {
	return q.EnableGracefulShutdown == nil || *q.EnableGracefulShutdown
}

// Timeout returns the per-request OCR timeout as a duration.
func (o *OCRConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutMS) * time.Millisecond
}

// Backoff returns the initial OCR retry backoff as a duration.
func (o *OCRConfig) Backoff() time.Duration {
	return time.Duration(o.BackoffMS) * time.Millisecond
}

// ReplayTTL returns the replay buffer entry lifetime.
func (w *WSConfig) ReplayTTL() time.Duration {
	return time.Duration(w.ReplayTTLSeconds) * time.Second
}

// WriteTimeout returns the per-socket write deadline.
func (w *WSConfig) WriteTimeout() time.Duration {
	return time.Duration(w.WriteTimeoutMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

// InitLogger initializes the global logger based on configuration
func InitLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
