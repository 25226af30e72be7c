// Package config loads coordinator settings from defaults, an optional YAML
// file, an optional .env file and VIDCOORD_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/vidcoord/pkg/blob"
	"github.com/psantana5/vidcoord/pkg/logging"
	"github.com/psantana5/vidcoord/pkg/maintenance"
	"github.com/psantana5/vidcoord/pkg/outbox"
	"github.com/psantana5/vidcoord/pkg/queue"
	"github.com/psantana5/vidcoord/pkg/store"
	"github.com/psantana5/vidcoord/pkg/tracing"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "VIDCOORD"

const redacted = "[redacted]"

// Config is the complete coordinator configuration
type Config struct {
	Server      ServerConfig       `mapstructure:"server" yaml:"server"`
	Logging     LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Database    DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Queue       QueueConfig        `mapstructure:"queue" yaml:"queue"`
	Blob        BlobConfig         `mapstructure:"blob" yaml:"blob"`
	Auth        AuthConfig         `mapstructure:"auth" yaml:"auth"`
	Outbox      OutboxConfig       `mapstructure:"outbox" yaml:"outbox"`
	Maintenance maintenance.Config `mapstructure:"maintenance" yaml:"maintenance"`
	RateLimit   RateLimitConfig    `mapstructure:"rate_limit" yaml:"rate_limit"`
	Tracing     tracing.Config     `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig configures the API and metrics listeners
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr" yaml:"metrics_addr"` // empty disables the metrics listener
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
	TLS             TLSConfig     `mapstructure:"tls" yaml:"tls"`
}

// TLSConfig enables HTTPS, and mTLS when CAFile is set
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
	CAFile   string `mapstructure:"ca_file" yaml:"ca_file"`
}

// Enabled reports whether a certificate is configured
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// DatabaseConfig selects the store backend
type DatabaseConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// QueueConfig selects the dispatch queue backend
type QueueConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"`
	AMQPURL       string `mapstructure:"amqp_url" yaml:"amqp_url"`
	AMQPQueue     string `mapstructure:"amqp_queue" yaml:"amqp_queue"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisStream   string `mapstructure:"redis_stream" yaml:"redis_stream"`
	RedisMaxLen   int64  `mapstructure:"redis_max_len" yaml:"redis_max_len"`
	PubSubProject string `mapstructure:"pubsub_project" yaml:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic" yaml:"pubsub_topic"`
}

// BlobConfig selects where uploads are stored
type BlobConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	Bucket  string `mapstructure:"bucket" yaml:"bucket"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`
}

// AuthConfig holds user token and worker credential settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string `mapstructure:"issuer" yaml:"issuer"`
	// WorkerCredentials are "worker-id:bcrypt-hash" pairs
	WorkerCredentials []string `mapstructure:"worker_credentials" yaml:"worker_credentials"`
}

// OutboxConfig tunes the outbox relay
type OutboxConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	Lease          time.Duration `mapstructure:"lease" yaml:"lease"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
}

// RateLimitConfig configures per-caller request limits
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	RPS     float64 `mapstructure:"rps" yaml:"rps"`
	Burst   int     `mapstructure:"burst" yaml:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_upload_bytes", int64(2<<30))
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.ca_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "vidcoord.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", time.Minute)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.amqp_url", "")
	v.SetDefault("queue.amqp_queue", queue.DefaultAMQPQueue)
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.redis_stream", queue.DefaultRedisStream)
	v.SetDefault("queue.redis_max_len", int64(100000))
	v.SetDefault("queue.pubsub_project", "")
	v.SetDefault("queue.pubsub_topic", "video-processing-jobs")

	v.SetDefault("blob.backend", "file")
	v.SetDefault("blob.base_dir", "data/uploads")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.prefix", "uploads")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "vidcoord")
	v.SetDefault("auth.worker_credentials", []string{})

	relay := outbox.DefaultConfig()
	v.SetDefault("outbox.interval", relay.Interval)
	v.SetDefault("outbox.batch_size", relay.BatchSize)
	v.SetDefault("outbox.concurrency", relay.Concurrency)
	v.SetDefault("outbox.lease", relay.Lease)
	v.SetDefault("outbox.publish_timeout", relay.PublishTimeout)

	sweep := maintenance.DefaultConfig()
	v.SetDefault("maintenance.enabled", sweep.Enabled)
	v.SetDefault("maintenance.interval", sweep.Interval)
	v.SetDefault("maintenance.retention", sweep.Retention)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "vidcoord")
	v.SetDefault("tracing.service_version", "dev")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load reads configuration. An explicit path must exist; otherwise the
// default search paths are tried and a missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".vidcoord"))
		}
		v.AddConfigPath("/etc/vidcoord")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks backend names and required settings
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	switch c.Database.Type {
	case "memory", "sqlite", "sqlite3":
	case "postgres", "postgresql":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database.type %q", c.Database.Type))
	}

	switch c.Queue.Backend {
	case "memory":
	case "amqp", "rabbitmq":
		if c.Queue.AMQPURL == "" {
			errs = append(errs, errors.New("queue.amqp_url is required for amqp"))
		}
	case "redis":
		if c.Queue.RedisAddr == "" {
			errs = append(errs, errors.New("queue.redis_addr is required for redis"))
		}
	case "pubsub", "gcp":
		if c.Queue.PubSubProject == "" || c.Queue.PubSubTopic == "" {
			errs = append(errs, errors.New("queue.pubsub_project and queue.pubsub_topic are required for pubsub"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported queue.backend %q", c.Queue.Backend))
	}

	switch c.Blob.Backend {
	case "file":
		if c.Blob.BaseDir == "" {
			errs = append(errs, errors.New("blob.base_dir is required for file storage"))
		}
	case "gcs":
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob.bucket is required for gcs"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("unsupported blob.backend %q", c.Blob.Backend))
	}

	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
	}
	for _, cred := range c.Auth.WorkerCredentials {
		if id, hash, ok := strings.Cut(cred, ":"); !ok || id == "" || hash == "" {
			errs = append(errs, fmt.Errorf("auth.worker_credentials entries must be id:bcrypt-hash"))
			break
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0,1]"))
	}
	return errors.Join(errs...)
}

// StoreConfig converts to the store package configuration
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:            c.Database.Type,
		DSN:             c.Database.DSN,
		Path:            c.Database.Path,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// QueueConfig converts to the queue package configuration
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Backend:       c.Queue.Backend,
		AMQPURL:       c.Queue.AMQPURL,
		AMQPQueue:     c.Queue.AMQPQueue,
		RedisAddr:     c.Queue.RedisAddr,
		RedisPassword: c.Queue.RedisPassword,
		RedisDB:       c.Queue.RedisDB,
		RedisStream:   c.Queue.RedisStream,
		RedisMaxLen:   c.Queue.RedisMaxLen,
		PubSubProject: c.Queue.PubSubProject,
		PubSubTopic:   c.Queue.PubSubTopic,
	}
}

// BlobConfig converts to the blob package configuration
func (c *Config) BlobConfig() blob.Config {
	return blob.Config{
		Backend: c.Blob.Backend,
		BaseDir: c.Blob.BaseDir,
		Bucket:  c.Blob.Bucket,
		Prefix:  c.Blob.Prefix,
	}
}

// RelayConfig converts to the outbox relay configuration
func (c *Config) RelayConfig() outbox.Config {
	cfg := outbox.DefaultConfig()
	cfg.Interval = c.Outbox.Interval
	cfg.BatchSize = c.Outbox.BatchSize
	cfg.Concurrency = c.Outbox.Concurrency
	cfg.Lease = c.Outbox.Lease
	cfg.PublishTimeout = c.Outbox.PublishTimeout
	return cfg
}

// LoggingOptions converts to logger options
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Logging.Level, Format: c.Logging.Format, File: c.Logging.File}
}

// Redacted returns a copy with secrets masked
func (c *Config) Redacted() *Config {
	out := *c
	out.Auth.WorkerCredentials = make([]string, len(c.Auth.WorkerCredentials))
	for i, cred := range c.Auth.WorkerCredentials {
		id, _, _ := strings.Cut(cred, ":")
		out.Auth.WorkerCredentials[i] = id + ":" + redacted
	}
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = redacted
	}
	if out.Queue.RedisPassword != "" {
		out.Queue.RedisPassword = redacted
	}
	out.Database.DSN = redactURL(c.Database.DSN)
	out.Queue.AMQPURL = redactURL(c.Queue.AMQPURL)
	return &out
}

var dsnPassword = regexp.MustCompile(`(?i)(password=)\S+`)

// redactURL masks the password of URL-style and key=value connection strings
func redactURL(raw string) string {
	if dsnPassword.MatchString(raw) {
		return dsnPassword.ReplaceAllString(raw, "${1}xxxxx")
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// YAML renders the configuration with secrets masked
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
