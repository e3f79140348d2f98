// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. PORTAL_PAYMENT_KEY_SECRET.
const EnvPrefix = "portal"

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret or an ops token.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Payment    PaymentConfig    `json:"payment" yaml:"payment"`
	Membership MembershipConfig `json:"membership,omitempty" yaml:"membership,omitempty"`
	Notify     NotifyConfig     `json:"notify,omitempty" yaml:"notify,omitempty"`
	Tracing    TracingConfig    `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	RateLimit  RateLimitConfig  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" split_words:"true"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty" envconfig:"TLS_CERT"`
	TLSKey         string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty" envconfig:"TLS_KEY"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty" envconfig:"ALLOWED_ORIGINS"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty" envconfig:"MAX_BODY_BYTES"`   // default 1MB
	Environment    string   `json:"environment,omitempty" yaml:"environment,omitempty"`                                    // "production" (default) or "development"
}

// Development reports whether upstream error details may be returned to clients.
func (s ServerConfig) Development() bool {
	return s.Environment == "development"
}

// AuthConfig defines bearer token validation settings.
type AuthConfig struct {
	Provider     string   `json:"provider,omitempty" yaml:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWTSecret    string   `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty" envconfig:"JWT_SECRET"`
	JWTExpiry    Duration `json:"jwt_expiry,omitempty" yaml:"jwt_expiry,omitempty" envconfig:"JWT_EXPIRY"`
	Issuer       string   `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	JWKSURL      string   `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty" envconfig:"JWKS_URL"`
	OpsTokenHash string   `json:"ops_token_hash,omitempty" yaml:"ops_token_hash,omitempty" envconfig:"OPS_TOKEN_HASH"` // bcrypt hash of the X-Ops-Token value
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn" yaml:"dsn"`       // e.g. "portal.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty" yaml:"audit_retention,omitempty" envconfig:"AUDIT_RETENTION"`
}

// PaymentConfig holds the gateway credentials and order limits.
type PaymentConfig struct {
	KeyID              string   `json:"key_id" yaml:"key_id" envconfig:"KEY_ID"`
	KeySecret          string   `json:"key_secret" yaml:"key_secret" envconfig:"KEY_SECRET"`
	PublicKeyID        string   `json:"public_key_id,omitempty" yaml:"public_key_id,omitempty" envconfig:"PUBLIC_KEY_ID"` // served to the checkout widget
	BaseURL            string   `json:"base_url,omitempty" yaml:"base_url,omitempty" envconfig:"BASE_URL"`
	Currency           string   `json:"currency,omitempty" yaml:"currency,omitempty"`
	MaxAmount          string   `json:"max_amount,omitempty" yaml:"max_amount,omitempty" envconfig:"MAX_AMOUNT"` // decimal, major units
	Timeout            Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RequireOrderIntent bool     `json:"require_order_intent,omitempty" yaml:"require_order_intent,omitempty" envconfig:"REQUIRE_ORDER_INTENT"`
	BreakerFailures    uint32   `json:"breaker_failures,omitempty" yaml:"breaker_failures,omitempty" envconfig:"BREAKER_FAILURES"`
	BreakerTimeout     Duration `json:"breaker_timeout,omitempty" yaml:"breaker_timeout,omitempty" envconfig:"BREAKER_TIMEOUT"`
}

// MaxAmountDecimal returns MaxAmount parsed as a decimal.
func (p PaymentConfig) MaxAmountDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(p.MaxAmount)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// MembershipConfig controls date rendering and the expiry sweep.
type MembershipConfig struct {
	Timezone       string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	SweepInterval  Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty" envconfig:"SWEEP_INTERVAL"` // negative disables the background sweep
	SweepBatchSize int      `json:"sweep_batch_size,omitempty" yaml:"sweep_batch_size,omitempty" envconfig:"SWEEP_BATCH_SIZE"`
	SweepWorkers   int      `json:"sweep_workers,omitempty" yaml:"sweep_workers,omitempty" envconfig:"SWEEP_WORKERS"`
}

// Location returns the configured timezone, falling back to UTC.
func (m MembershipConfig) Location() *time.Location {
	if m.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NotifyConfig configures the receipt notification dispatcher.
type NotifyConfig struct {
	Driver         string   `json:"driver,omitempty" yaml:"driver,omitempty"` // "log" (default) or "amqp"
	AMQPURL        string   `json:"amqp_url,omitempty" yaml:"amqp_url,omitempty" envconfig:"AMQP_URL"`
	Queue          string   `json:"queue,omitempty" yaml:"queue,omitempty"`
	Workers        int      `json:"workers,omitempty" yaml:"workers,omitempty"`
	QueueSize      int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty" envconfig:"QUEUE_SIZE"`
	MaxRetries     uint     `json:"max_retries,omitempty" yaml:"max_retries,omitempty" envconfig:"MAX_RETRIES"`
	InitialBackoff Duration `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty" envconfig:"INITIAL_BACKOFF"`
	MaxBackoff     Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty" envconfig:"MAX_BACKOFF"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Exporter    string  `json:"exporter,omitempty" yaml:"exporter,omitempty"` // "none" (default), "stdout" or "otlp"
	Endpoint    string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // otlp host:port
	Insecure    bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty" yaml:"sample_ratio,omitempty" envconfig:"SAMPLE_RATIO"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty" envconfig:"REQUESTS_PER_SECOND"` // default 10
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`                                                             // default 20
}

// Duration is a config-friendly time.Duration. It accepts Go duration strings
// or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	return d.set(value)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case int:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// Load reads a JSON or YAML config file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Server.Environment {
	case "", "production", "development":
	default:
		return fmt.Errorf("server.environment must be production or development")
	}

	switch c.Auth.Provider {
	case "", "builtin":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unknown auth.provider %q", c.Auth.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}

	if c.Payment.KeyID == "" || c.Payment.KeySecret == "" {
		return fmt.Errorf("payment.key_id and payment.key_secret are required")
	}
	if knownWeakSecrets[c.Payment.KeySecret] {
		return fmt.Errorf("payment.key_secret is a well-known weak secret")
	}
	if c.Payment.MaxAmount != "" {
		d, err := decimal.NewFromString(c.Payment.MaxAmount)
		if err != nil {
			return fmt.Errorf("payment.max_amount: %w", err)
		}
		if !d.IsPositive() {
			return fmt.Errorf("payment.max_amount must be positive")
		}
	}

	if c.Membership.Timezone != "" {
		if _, err := time.LoadLocation(c.Membership.Timezone); err != nil {
			return fmt.Errorf("membership.timezone: %w", err)
		}
	}

	switch c.Notify.Driver {
	case "", "log":
	case "amqp":
		if c.Notify.AMQPURL == "" {
			return fmt.Errorf("notify.amqp_url is required when driver is amqp")
		}
	default:
		return fmt.Errorf("unknown notify.driver %q", c.Notify.Driver)
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Environment == "" {
		c.Server.Environment = "production"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "portal.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 365 * 24 * time.Hour
	}
	if c.Payment.BaseURL == "" {
		c.Payment.BaseURL = "https://api.razorpay.com"
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "INR"
	}
	if c.Payment.PublicKeyID == "" {
		c.Payment.PublicKeyID = c.Payment.KeyID
	}
	if c.Payment.MaxAmount == "" {
		c.Payment.MaxAmount = "100000"
	}
	if c.Payment.Timeout.Duration == 0 {
		c.Payment.Timeout.Duration = 10 * time.Second
	}
	if c.Payment.BreakerFailures == 0 {
		c.Payment.BreakerFailures = 5
	}
	if c.Payment.BreakerTimeout.Duration == 0 {
		c.Payment.BreakerTimeout.Duration = 30 * time.Second
	}
	if c.Membership.Timezone == "" {
		c.Membership.Timezone = "UTC"
	}
	if c.Membership.SweepInterval.Duration == 0 {
		c.Membership.SweepInterval.Duration = 1 * time.Hour
	}
	if c.Membership.SweepBatchSize == 0 {
		c.Membership.SweepBatchSize = 200
	}
	if c.Membership.SweepWorkers == 0 {
		c.Membership.SweepWorkers = 4
	}
	if c.Notify.Driver == "" {
		c.Notify.Driver = "log"
	}
	if c.Notify.Queue == "" {
		c.Notify.Queue = "email_jobs"
	}
	if c.Notify.Workers == 0 {
		c.Notify.Workers = 2
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 256
	}
	if c.Notify.MaxRetries == 0 {
		c.Notify.MaxRetries = 5
	}
	if c.Notify.InitialBackoff.Duration == 0 {
		c.Notify.InitialBackoff.Duration = 500 * time.Millisecond
	}
	if c.Notify.MaxBackoff.Duration == 0 {
		c.Notify.MaxBackoff.Duration = 30 * time.Second
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}
