// Package config loads service configuration from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore separates nested keys:
// CONCIERGE_DATABASE__URL sets database.url.
const EnvPrefix = "CONCIERGE_"

// listKeys are comma-separated when set through the environment.
var listKeys = map[string]bool{
	"trigger.allowed_roles": true,
}

// legacyEnv maps variable names used by the booking platform's hosted functions.
var legacyEnv = map[string]string{
	"DATABASE_URL":       "database.url",
	"RESEND_API_KEY":     "email.api_key",
	"TWILIO_ACCOUNT_SID": "sms.account_sid",
	"TWILIO_AUTH_TOKEN":  "sms.auth_token",
	"TWILIO_FROM_NUMBER": "sms.from_number",
}

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Log        LogConfig        `koanf:"log"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Trigger    TriggerConfig    `koanf:"trigger"`
	Worker     WorkerConfig     `koanf:"worker"`
	Retry      RetryConfig      `koanf:"retry"`
	Brand      string           `koanf:"brand" validate:"required"`
	Recipients RecipientsConfig `koanf:"recipients"`
	Email      EmailConfig      `koanf:"email"`
	SMS        SMSConfig        `koanf:"sms"`
	Ledger     LedgerConfig     `koanf:"ledger"`
	NATS       NATSConfig       `koanf:"nats"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
	Migrate         bool          `koanf:"migrate"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Endpoint    string  `koanf:"endpoint"`
	Insecure    bool    `koanf:"insecure"`
	SampleRatio float64 `koanf:"sample_ratio" validate:"gte=0,lte=1"`
	ServiceName string  `koanf:"service_name" validate:"required"`
}

// TriggerConfig protects the dispatch API. An empty JWTSecret leaves it open.
type TriggerConfig struct {
	JWTSecret    string   `koanf:"jwt_secret"`
	Issuer       string   `koanf:"issuer"`
	AllowedRoles []string `koanf:"allowed_roles" validate:"required_with=JWTSecret"`
}

// WorkerConfig holds drain and poll loop settings.
type WorkerConfig struct {
	BatchSize    int           `koanf:"batch_size" validate:"gte=1"`
	MaxBatchSize int           `koanf:"max_batch_size" validate:"gtefield=BatchSize"`
	Concurrency  int           `koanf:"concurrency" validate:"gte=1"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gte=0"`
	StaleAfter   time.Duration `koanf:"stale_after" validate:"gt=0"`
	EntryTimeout time.Duration `koanf:"entry_timeout" validate:"gt=0"`
}

// RetryConfig holds the retry schedule for failed deliveries.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts" validate:"gte=1"`
	InitialBackoff    time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"gte=1"`
	JitterFactor      float64       `koanf:"jitter_factor" validate:"gte=0,lt=1"`
}

// RecipientsConfig holds the default concierge destinations.
type RecipientsConfig struct {
	Email string `koanf:"email" validate:"omitempty,email"`
	Phone string `koanf:"phone" validate:"omitempty,e164"`
}

// EmailConfig holds Resend settings. Without an API key the email channel is skipped.
type EmailConfig struct {
	APIKey      string        `koanf:"api_key"`
	FromAddress string        `koanf:"from_address"`
	BaseURL     string        `koanf:"base_url" validate:"omitempty,url"`
	RateLimit   float64       `koanf:"rate_limit" validate:"gte=0"`
	Timeout     time.Duration `koanf:"timeout"`
}

// SMSConfig holds Twilio settings. Without credentials the SMS channel is skipped.
type SMSConfig struct {
	AccountSID string        `koanf:"account_sid"`
	AuthToken  string        `koanf:"auth_token"`
	FromNumber string        `koanf:"from_number" validate:"omitempty,e164"`
	BaseURL    string        `koanf:"base_url" validate:"omitempty,url"`
	RateLimit  float64       `koanf:"rate_limit" validate:"gte=0"`
	Timeout    time.Duration `koanf:"timeout"`
}

// LedgerConfig selects where delivered idempotency keys are kept.
// TTL applies to the redis backend only. Zero keeps keys forever; a positive TTL
// must outlive both the retry schedule and any manual retry of a dead entry,
// since a retry after the key expired resends channels that already succeeded.
type LedgerConfig struct {
	Backend  string        `koanf:"backend" validate:"oneof=memory postgres redis"`
	RedisURL string        `koanf:"redis_url" validate:"required_if=Backend redis"`
	TTL      time.Duration `koanf:"ttl" validate:"gte=0"`
}

// NATSConfig enables the enqueue wake-up subscription when URL is set.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  60 * time.Second,
			ConnectAttempts: 10,
			Migrate:         true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
			ServiceName: "concierge-dispatcher",
		},
		Trigger: TriggerConfig{
			AllowedRoles: []string{"service_role"},
		},
		Worker: WorkerConfig{
			BatchSize:    25,
			MaxBatchSize: 100,
			Concurrency:  5,
			PollInterval: 30 * time.Second,
			StaleAfter:   5 * time.Minute,
			EntryTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       5,
			InitialBackoff:    30 * time.Second,
			MaxBackoff:        time.Hour,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.2,
		},
		Brand: "Andreas & Co.",
		Recipients: RecipientsConfig{
			Email: "concierge@andreasandco.ca",
			Phone: "+14035550199",
		},
		Email: EmailConfig{
			FromAddress: "Andreas & Co. <notifications@andreasandco.ca>",
		},
		Ledger: LedgerConfig{
			Backend: "postgres",
		},
		NATS: NATSConfig{
			Subject: "notifications.enqueued",
		},
	}
}

// Load builds the configuration. path names a YAML file; when empty, CONFIG_PATH or
// ./config.yaml is used if present.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.Load(env.Provider("", ".", legacyEnvKey), nil); err != nil {
		return nil, fmt.Errorf("load platform environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// envValue maps an environment variable to its key and splits list values:
// CONCIERGE_TRIGGER__ALLOWED_ROLES="service_role, operator" yields two roles.
func envValue(name, value string) (string, interface{}) {
	key := envKey(name)
	if !listKeys[key] {
		return key, value
	}
	items := []string{}
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return key, items
}

func legacyEnvKey(s string) string {
	return legacyEnv[s]
}
