// Package models - service configuration.
//
// Configuration is layered: NewDefaultConfig, then the YAML file, then
// MARKETPLACE_* environment variables (see the env and envPrefix tags), then
// Validate. Per-action rate limit policies live under security.rate_limits
// and are only configurable from YAML.
package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Storage type constants
const (
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
	StorageTypeRedis    = "redis"
	StorageTypeBaaS     = "baas"
)

// Trace exporters
const (
	TraceExporterStdout = "stdout"
	TraceExporterOTLP   = "otlp"
)

type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server" envPrefix:"SERVER_"`
	Storage       StorageConfig       `yaml:"storage" json:"storage" envPrefix:"STORAGE_"`
	Security      SecurityConfig      `yaml:"security" json:"security" envPrefix:"SECURITY_"`
	Captcha       CaptchaConfig       `yaml:"captcha" json:"captcha" envPrefix:"CAPTCHA_"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging" envPrefix:"LOG_"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" envPrefix:"OBSERVABILITY_"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" json:"port" env:"PORT"`
	Host            string        `yaml:"host" json:"host" env:"HOST"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool       `yaml:"trust_proxy_headers" json:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`
	TLSEnabled        bool       `yaml:"tls_enabled" json:"tls_enabled" env:"TLS_ENABLED"`
	TLSCertFile       string     `yaml:"tls_cert_file" json:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile        string     `yaml:"tls_key_file" json:"tls_key_file" env:"TLS_KEY_FILE"`
	CORS              CORSConfig `yaml:"cors" json:"cors" envPrefix:"CORS_"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled" env:"ENABLED"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" env:"ALLOWED_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" json:"max_age"`
}

// StorageConfig selects the backend for contact requests and profiles
// (Type) and, optionally, a different backend for rate limit counters
// (RateLimitBackend). An empty RateLimitBackend uses Type.
type StorageConfig struct {
	Type             string         `yaml:"type" json:"type" env:"TYPE"`
	RateLimitBackend string         `yaml:"rate_limit_backend" json:"rate_limit_backend" env:"RATE_LIMIT_BACKEND"`
	CleanupInterval  time.Duration  `yaml:"cleanup_interval" json:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	Database         DatabaseConfig `yaml:"database" json:"database" envPrefix:"DATABASE_"`
	Redis            RedisConfig    `yaml:"redis" json:"redis" envPrefix:"REDIS_"`
	BaaS             BaaSConfig     `yaml:"baas" json:"baas" envPrefix:"BAAS_"`
}

// CounterBackend is the backend that holds rate limit records.
func (sc *StorageConfig) CounterBackend() string {
	if sc.RateLimitBackend == "" {
		return sc.Type
	}
	return sc.RateLimitBackend
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" json:"auto_migrate" env:"AUTO_MIGRATE"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr" env:"ADDR"`
	Password  string `yaml:"password" json:"-" env:"PASSWORD"`
	DB        int    `yaml:"db" json:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
}

// BaaSConfig points at a PostgREST-compatible backend that owns the
// rate_limit_attempts, contact_requests and profiles tables.
type BaaSConfig struct {
	URL        string        `yaml:"url" json:"url" env:"URL"`
	ServiceKey string        `yaml:"service_key" json:"-" env:"SERVICE_KEY"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

type SecurityConfig struct {
	JWTSecret        string                  `yaml:"jwt_secret" json:"-" env:"JWT_SECRET"`
	JWTIssuer        string                  `yaml:"jwt_issuer" json:"jwt_issuer" env:"JWT_ISSUER"`
	APIKeys          []APIKeyConfig          `yaml:"api_keys" json:"api_keys"`
	RateLimits       map[string]ActionPolicy `yaml:"rate_limits" json:"rate_limits"`
	RateLimitTimeout time.Duration           `yaml:"rate_limit_timeout" json:"rate_limit_timeout" env:"RATE_LIMIT_TIMEOUT"`
	Throttle         ThrottleConfig          `yaml:"throttle" json:"throttle" envPrefix:"THROTTLE_"`
}

// APIKeyConfig declares a service or admin key. Either the raw Key or its
// SHA-256 hex KeyHash may be given; the raw value is hashed at startup.
type APIKeyConfig struct {
	Name        string   `yaml:"name" json:"name"`
	Key         string   `yaml:"key,omitempty" json:"-"`
	KeyHash     string   `yaml:"key_hash,omitempty" json:"key_hash,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
}

// ActionPolicy is the configured threshold for one action type plus the
// decision taken when the counter store cannot be reached.
type ActionPolicy struct {
	RateLimitPolicy `yaml:",inline"`
	OnFailure       FailurePolicy `yaml:"on_failure" json:"on_failure"`
}

// ThrottleConfig controls the per-client token bucket in front of the API.
type ThrottleConfig struct {
	Enabled                     bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	RequestsPerMinute           int           `yaml:"requests_per_minute" json:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	BurstSize                   int           `yaml:"burst_size" json:"burst_size" env:"BURST_SIZE"`
	AuthenticatedRequestsPerMin int           `yaml:"authenticated_requests_per_minute" json:"authenticated_requests_per_minute" env:"AUTHENTICATED_REQUESTS_PER_MINUTE"`
	AuthenticatedBurstSize      int           `yaml:"authenticated_burst_size" json:"authenticated_burst_size" env:"AUTHENTICATED_BURST_SIZE"`
	CleanupInterval             time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

type CaptchaConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	SecretKey string        `yaml:"secret_key" json:"-" env:"SECRET_KEY"`
	VerifyURL string        `yaml:"verify_url" json:"verify_url" env:"VERIFY_URL"`
	MinScore  float64       `yaml:"min_score" json:"min_score" env:"MIN_SCORE"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	// CheckAction rejects tokens whose echoed action differs from the
	// requested one.
	CheckAction bool `yaml:"check_action" json:"check_action" env:"CHECK_ACTION"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level" env:"LEVEL"`
	Format   string `yaml:"format" json:"format" env:"FORMAT"`
	Output   string `yaml:"output" json:"output" env:"OUTPUT"`
	FilePath string `yaml:"file_path" json:"file_path" env:"FILE_PATH"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" json:"path" env:"PATH"`
	Port    int    `yaml:"port" json:"port" env:"PORT"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing" envPrefix:"TRACING_"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Exporter     string  `yaml:"exporter" json:"exporter" env:"EXPORTER"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultActionPolicies returns the shipped per-action thresholds.
// Authentication limits fail open so a counter outage does not lock every
// user out; contact requests and CAPTCHA verification fail closed.
func DefaultActionPolicies() map[string]ActionPolicy {
	return map[string]ActionPolicy{
		ActionLogin: {
			RateLimitPolicy: RateLimitPolicy{MaxAttempts: 5, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute},
			OnFailure:       FailOpen,
		},
		ActionSignup: {
			RateLimitPolicy: RateLimitPolicy{MaxAttempts: 3, Window: time.Hour, BlockDuration: 2 * time.Hour},
			OnFailure:       FailOpen,
		},
		ActionContactRequest: {
			RateLimitPolicy: RateLimitPolicy{MaxAttempts: 5, Window: time.Hour, BlockDuration: time.Hour},
			OnFailure:       FailClosed,
		},
		ActionCaptchaVerify: {
			RateLimitPolicy: RateLimitPolicy{MaxAttempts: 10, Window: time.Minute, BlockDuration: 5 * time.Minute},
			OnFailure:       FailClosed,
		},
	}
}

func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
				MaxAge:         86400,
			},
		},
		Storage: StorageConfig{
			Type:            StorageTypeMemory,
			CleanupInterval: 10 * time.Minute,
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
				AutoMigrate:     true,
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "marketplace:ratelimit:",
			},
			BaaS: BaaSConfig{
				Timeout: 5 * time.Second,
			},
		},
		Security: SecurityConfig{
			APIKeys:          []APIKeyConfig{},
			RateLimits:       DefaultActionPolicies(),
			RateLimitTimeout: 2 * time.Second,
			Throttle: ThrottleConfig{
				Enabled:                     true,
				RequestsPerMinute:           60,
				BurstSize:                   10,
				AuthenticatedRequestsPerMin: 300,
				AuthenticatedBurstSize:      50,
				CleanupInterval:             5 * time.Minute,
			},
		},
		Captcha: CaptchaConfig{
			Enabled:   false,
			VerifyURL: "https://www.google.com/recaptcha/api/siteverify",
			MinScore:  0.5,
			Timeout:   5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "marketplace",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   TraceExporterStdout,
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}
	if err := c.Captcha.Validate(); err != nil {
		return fmt.Errorf("invalid captcha config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}
	return nil
}

// Warnings lists valid but risky settings worth logging at startup.
func (c *Config) Warnings() []string {
	var warnings []string
	if !c.Captcha.Enabled && c.Storage.Type != StorageTypeMemory {
		warnings = append(warnings, "CAPTCHA is disabled; login and signup prechecks pass without a token")
	}
	return warnings
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}
	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 || sc.ShutdownTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}
	return nil
}

func (stc *StorageConfig) Validate() error {
	// redis only holds counters, so it cannot be the primary store.
	primary := []string{StorageTypeMemory, StorageTypePostgres, StorageTypeSQLite, StorageTypeBaaS}
	if !slices.Contains(primary, stc.Type) {
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}
	counters := append(primary, StorageTypeRedis)
	if !slices.Contains(counters, stc.CounterBackend()) {
		return fmt.Errorf("invalid rate limit backend: %s", stc.RateLimitBackend)
	}

	for _, backend := range []string{stc.Type, stc.CounterBackend()} {
		switch backend {
		case StorageTypePostgres, StorageTypeSQLite:
			if stc.Database.DSN == "" {
				return errors.New("database DSN is required for database storage")
			}
		case StorageTypeRedis:
			if stc.Redis.Addr == "" {
				return errors.New("redis address is required for redis rate limit backend")
			}
		case StorageTypeBaaS:
			if stc.BaaS.URL == "" {
				return errors.New("baas url is required for baas storage")
			}
			if stc.BaaS.ServiceKey == "" {
				return errors.New("baas service key is required for baas storage")
			}
		}
	}
	if stc.Type == StorageTypePostgres && stc.CounterBackend() == StorageTypeSQLite ||
		stc.Type == StorageTypeSQLite && stc.CounterBackend() == StorageTypePostgres {
		return errors.New("postgres and sqlite cannot be combined; they share one database DSN")
	}
	if stc.CleanupInterval < 0 {
		return errors.New("cleanup interval cannot be negative")
	}
	return nil
}

func (sec *SecurityConfig) Validate() error {
	for _, k := range sec.APIKeys {
		if k.Name == "" {
			return errors.New("API key name cannot be empty")
		}
		if k.Key == "" && k.KeyHash == "" {
			return fmt.Errorf("API key %q needs key or key_hash", k.Name)
		}
	}
	for action, p := range sec.RateLimits {
		if _, err := NormalizeAction(action); err != nil {
			return fmt.Errorf("rate limit %q: %w", action, err)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("rate limit %q: %w", action, err)
		}
		if p.OnFailure != "" && !p.OnFailure.Valid() {
			return fmt.Errorf("rate limit %q: on_failure must be open or closed", action)
		}
	}
	if sec.RateLimitTimeout < 0 {
		return errors.New("rate limit timeout cannot be negative")
	}
	if sec.Throttle.Enabled {
		if sec.Throttle.RequestsPerMinute <= 0 || sec.Throttle.BurstSize <= 0 {
			return errors.New("throttle requests per minute and burst size must be positive")
		}
		if sec.Throttle.AuthenticatedRequestsPerMin < 0 || sec.Throttle.AuthenticatedBurstSize < 0 {
			return errors.New("authenticated throttle values cannot be negative")
		}
	}
	return nil
}

// Policy returns the configured policy for action and whether one exists.
func (sec *SecurityConfig) Policy(action string) (ActionPolicy, bool) {
	p, ok := sec.RateLimits[action]
	if !ok {
		return ActionPolicy{}, false
	}
	if p.OnFailure == "" {
		p.OnFailure = FailClosed
	}
	return p, true
}

func (cc *CaptchaConfig) Validate() error {
	if !cc.Enabled {
		return nil
	}
	if cc.SecretKey == "" {
		return errors.New("secret key is required when captcha is enabled")
	}
	if cc.VerifyURL == "" {
		return errors.New("verify url is required when captcha is enabled")
	}
	if cc.MinScore < 0 || cc.MinScore > 1 {
		return errors.New("min score must be between 0 and 1")
	}
	if cc.Timeout < 0 {
		return errors.New("timeout cannot be negative")
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, lc.Level) {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}
	if !slices.Contains([]string{"json", "text"}, lc.Format) {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}
	if !slices.Contains([]string{"stdout", "stderr", "file"}, lc.Output) {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}
	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}
	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}
	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}
	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}
	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}
	if !oc.Tracing.Enabled {
		return nil
	}
	switch oc.Tracing.Exporter {
	case TraceExporterStdout:
	case TraceExporterOTLP:
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("otlp endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unsupported trace exporter: %s", oc.Tracing.Exporter)
	}
	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}
	return nil
}
