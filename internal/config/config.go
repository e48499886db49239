package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"keygate/internal/keys"
	"keygate/internal/keystore"
)

// EnvPrefix namespaces every environment variable, e.g. KEYGATE_SERVER_PORT.
const EnvPrefix = "KEYGATE"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Policy    PolicyConfig    `yaml:"policy" envconfig:"POLICY"`
	Audit     AuditConfig     `yaml:"audit" envconfig:"AUDIT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"10s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string           `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool               `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig    `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	AdminEnabled   bool               `yaml:"admin_enabled" envconfig:"ADMIN_ENABLED" default:"true"`
	AdminToken     string             `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	AdminTokenHash string             `yaml:"admin_token_hash" envconfig:"ADMIN_TOKEN_HASH"`
	AttemptGuard   AttemptGuardConfig `yaml:"attempt_guard" envconfig:"ATTEMPT_GUARD"`
}

// RateLimitConfig contains per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"5"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"20"`
}

// AttemptGuardConfig bounds failed verifications per client.
type AttemptGuardConfig struct {
	MaxFailures int           `yaml:"max_failures" envconfig:"MAX_FAILURES" default:"10"`
	Window      time.Duration `yaml:"window" envconfig:"WINDOW" default:"15m"`
	Block       time.Duration `yaml:"block" envconfig:"BLOCK" default:"15m"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keygate.log"`
}

// TelemetryConfig controls OpenTelemetry exporters.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME" default:"keygate"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1"`
}

// StoreConfig selects and configures the key store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" envconfig:"DRIVER" default:"memory"`
	RedisURL    string `yaml:"redis_url" envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisPrefix string `yaml:"redis_prefix" envconfig:"REDIS_PREFIX" default:"keygate"`
	DSN         string `yaml:"dsn" envconfig:"DSN"`
	LogSQL      bool   `yaml:"log_sql" envconfig:"LOG_SQL"`
}

// PolicyConfig holds the issuance and retention timings.
type PolicyConfig struct {
	IssueWindow      time.Duration `yaml:"issue_window" envconfig:"ISSUE_WINDOW" default:"24h"`
	KeyLifetime      time.Duration `yaml:"key_lifetime" envconfig:"KEY_LIFETIME" default:"9h"`
	BindingRetention time.Duration `yaml:"binding_retention" envconfig:"BINDING_RETENTION" default:"48h"`
	SessionLifetime  time.Duration `yaml:"session_lifetime" envconfig:"SESSION_LIFETIME" default:"5m"`
	KeyRetention     time.Duration `yaml:"key_retention" envconfig:"KEY_RETENTION" default:"48h"`
	SweepInterval    time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"10m"`
	InlineSweep      bool          `yaml:"inline_sweep" envconfig:"INLINE_SWEEP"`
	MaxKeyAttempts   int           `yaml:"max_key_attempts" envconfig:"MAX_KEY_ATTEMPTS" default:"8"`
}

// Keys converts the timings to the domain policy.
func (p PolicyConfig) Keys() keys.Policy {
	return keys.Policy{
		IssueWindow:      p.IssueWindow,
		KeyLifetime:      p.KeyLifetime,
		BindingRetention: p.BindingRetention,
		SessionLifetime:  p.SessionLifetime,
		KeyRetention:     p.KeyRetention,
	}
}

// AuditConfig configures event sinks. Empty values disable a sink.
type AuditConfig struct {
	QueueSize             int      `yaml:"queue_size" envconfig:"QUEUE_SIZE" default:"1024"`
	KafkaBrokers          []string `yaml:"kafka_brokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic            string   `yaml:"kafka_topic" envconfig:"KAFKA_TOPIC" default:"keygate.audit"`
	SheetsSpreadsheetID   string   `yaml:"sheets_spreadsheet_id" envconfig:"SHEETS_SPREADSHEET_ID"`
	SheetsRange           string   `yaml:"sheets_range" envconfig:"SHEETS_RANGE" default:"Activations!A:H"`
	SheetsCredentialsFile string   `yaml:"sheets_credentials_file" envconfig:"SHEETS_CREDENTIALS_FILE"`
	Feed                  bool     `yaml:"feed" envconfig:"FEED" default:"true"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	if configFile := getConfigFilePath(); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	// Fields absent from the file keep their defaults.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// pick returns the file value when env still holds the built-in default.
func pick[T comparable](env, def, file T) T {
	if env == def {
		return file
	}
	return env
}

func pickSlice(env, def, file []string) []string {
	if equalStrings(env, def) {
		return file
	}
	return env
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mergeConfigs merges file config with env config (env takes precedence).
// A field counts as set by the environment when it differs from Default().
func mergeConfigs(file, env Config) Config {
	def := Default()

	env.Server.Host = pick(env.Server.Host, def.Server.Host, file.Server.Host)
	env.Server.Port = pick(env.Server.Port, def.Server.Port, file.Server.Port)
	env.Server.ReadTimeout = pick(env.Server.ReadTimeout, def.Server.ReadTimeout, file.Server.ReadTimeout)
	env.Server.WriteTimeout = pick(env.Server.WriteTimeout, def.Server.WriteTimeout, file.Server.WriteTimeout)
	env.Server.IdleTimeout = pick(env.Server.IdleTimeout, def.Server.IdleTimeout, file.Server.IdleTimeout)
	env.Server.ShutdownTimeout = pick(env.Server.ShutdownTimeout, def.Server.ShutdownTimeout, file.Server.ShutdownTimeout)
	env.Server.RequestTimeout = pick(env.Server.RequestTimeout, def.Server.RequestTimeout, file.Server.RequestTimeout)
	env.Server.MaxHeaderBytes = pick(env.Server.MaxHeaderBytes, def.Server.MaxHeaderBytes, file.Server.MaxHeaderBytes)

	env.Security.AllowedOrigins = pickSlice(env.Security.AllowedOrigins, def.Security.AllowedOrigins, file.Security.AllowedOrigins)
	env.Security.EnableCORS = pick(env.Security.EnableCORS, def.Security.EnableCORS, file.Security.EnableCORS)
	env.Security.RateLimit.Enabled = pick(env.Security.RateLimit.Enabled, def.Security.RateLimit.Enabled, file.Security.RateLimit.Enabled)
	env.Security.RateLimit.RPS = pick(env.Security.RateLimit.RPS, def.Security.RateLimit.RPS, file.Security.RateLimit.RPS)
	env.Security.RateLimit.Burst = pick(env.Security.RateLimit.Burst, def.Security.RateLimit.Burst, file.Security.RateLimit.Burst)
	env.Security.AdminEnabled = pick(env.Security.AdminEnabled, def.Security.AdminEnabled, file.Security.AdminEnabled)
	env.Security.AdminToken = pick(env.Security.AdminToken, def.Security.AdminToken, file.Security.AdminToken)
	env.Security.AdminTokenHash = pick(env.Security.AdminTokenHash, def.Security.AdminTokenHash, file.Security.AdminTokenHash)
	env.Security.AttemptGuard.MaxFailures = pick(env.Security.AttemptGuard.MaxFailures, def.Security.AttemptGuard.MaxFailures, file.Security.AttemptGuard.MaxFailures)
	env.Security.AttemptGuard.Window = pick(env.Security.AttemptGuard.Window, def.Security.AttemptGuard.Window, file.Security.AttemptGuard.Window)
	env.Security.AttemptGuard.Block = pick(env.Security.AttemptGuard.Block, def.Security.AttemptGuard.Block, file.Security.AttemptGuard.Block)

	env.Logging.Level = pick(env.Logging.Level, def.Logging.Level, file.Logging.Level)
	env.Logging.Format = pick(env.Logging.Format, def.Logging.Format, file.Logging.Format)
	env.Logging.Output = pick(env.Logging.Output, def.Logging.Output, file.Logging.Output)
	env.Logging.FilePath = pick(env.Logging.FilePath, def.Logging.FilePath, file.Logging.FilePath)

	env.Telemetry.ServiceName = pick(env.Telemetry.ServiceName, def.Telemetry.ServiceName, file.Telemetry.ServiceName)
	env.Telemetry.Environment = pick(env.Telemetry.Environment, def.Telemetry.Environment, file.Telemetry.Environment)
	env.Telemetry.TraceExporter = pick(env.Telemetry.TraceExporter, def.Telemetry.TraceExporter, file.Telemetry.TraceExporter)
	env.Telemetry.MetricExporter = pick(env.Telemetry.MetricExporter, def.Telemetry.MetricExporter, file.Telemetry.MetricExporter)
	env.Telemetry.SampleRatio = pick(env.Telemetry.SampleRatio, def.Telemetry.SampleRatio, file.Telemetry.SampleRatio)

	env.Store.Driver = pick(env.Store.Driver, def.Store.Driver, file.Store.Driver)
	env.Store.RedisURL = pick(env.Store.RedisURL, def.Store.RedisURL, file.Store.RedisURL)
	env.Store.RedisPrefix = pick(env.Store.RedisPrefix, def.Store.RedisPrefix, file.Store.RedisPrefix)
	env.Store.DSN = pick(env.Store.DSN, def.Store.DSN, file.Store.DSN)
	env.Store.LogSQL = pick(env.Store.LogSQL, def.Store.LogSQL, file.Store.LogSQL)

	env.Policy.IssueWindow = pick(env.Policy.IssueWindow, def.Policy.IssueWindow, file.Policy.IssueWindow)
	env.Policy.KeyLifetime = pick(env.Policy.KeyLifetime, def.Policy.KeyLifetime, file.Policy.KeyLifetime)
	env.Policy.BindingRetention = pick(env.Policy.BindingRetention, def.Policy.BindingRetention, file.Policy.BindingRetention)
	env.Policy.SessionLifetime = pick(env.Policy.SessionLifetime, def.Policy.SessionLifetime, file.Policy.SessionLifetime)
	env.Policy.KeyRetention = pick(env.Policy.KeyRetention, def.Policy.KeyRetention, file.Policy.KeyRetention)
	env.Policy.SweepInterval = pick(env.Policy.SweepInterval, def.Policy.SweepInterval, file.Policy.SweepInterval)
	env.Policy.InlineSweep = pick(env.Policy.InlineSweep, def.Policy.InlineSweep, file.Policy.InlineSweep)
	env.Policy.MaxKeyAttempts = pick(env.Policy.MaxKeyAttempts, def.Policy.MaxKeyAttempts, file.Policy.MaxKeyAttempts)

	env.Audit.QueueSize = pick(env.Audit.QueueSize, def.Audit.QueueSize, file.Audit.QueueSize)
	env.Audit.KafkaBrokers = pickSlice(env.Audit.KafkaBrokers, def.Audit.KafkaBrokers, file.Audit.KafkaBrokers)
	env.Audit.KafkaTopic = pick(env.Audit.KafkaTopic, def.Audit.KafkaTopic, file.Audit.KafkaTopic)
	env.Audit.SheetsSpreadsheetID = pick(env.Audit.SheetsSpreadsheetID, def.Audit.SheetsSpreadsheetID, file.Audit.SheetsSpreadsheetID)
	env.Audit.SheetsRange = pick(env.Audit.SheetsRange, def.Audit.SheetsRange, file.Audit.SheetsRange)
	env.Audit.SheetsCredentialsFile = pick(env.Audit.SheetsCredentialsFile, def.Audit.SheetsCredentialsFile, file.Audit.SheetsCredentialsFile)
	env.Audit.Feed = pick(env.Audit.Feed, def.Audit.Feed, file.Audit.Feed)

	return env
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server read and write timeouts must be positive")
	}

	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified when CORS is enabled")
	}
	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive")
	}
	if c.Security.AdminEnabled && c.Security.AdminToken == "" && c.Security.AdminTokenHash == "" {
		return fmt.Errorf("admin routes are enabled but neither admin_token nor admin_token_hash is set")
	}

	p := c.Policy
	if p.IssueWindow < 0 {
		return fmt.Errorf("policy issue_window must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"key_lifetime":      p.KeyLifetime,
		"binding_retention": p.BindingRetention,
		"session_lifetime":  p.SessionLifetime,
		"key_retention":     p.KeyRetention,
		"sweep_interval":    p.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("policy %s must be positive", name)
		}
	}
	if p.SessionLifetime >= p.KeyLifetime {
		return fmt.Errorf("policy session_lifetime (%s) must be shorter than key_lifetime (%s)", p.SessionLifetime, p.KeyLifetime)
	}
	if p.MaxKeyAttempts <= 0 {
		return fmt.Errorf("policy max_key_attempts must be positive")
	}

	switch c.Store.Driver {
	case keystore.DriverMemory:
	case keystore.DriverRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store redis_url is required for the redis driver")
		}
	case keystore.DriverPostgres, keystore.DriverSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/keygate.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG"); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  10 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     5,
				Burst:   20,
			},
			AdminEnabled: true,
			AttemptGuard: AttemptGuardConfig{
				MaxFailures: 10,
				Window:      15 * time.Minute,
				Block:       15 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/keygate.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "keygate",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1,
		},
		Store: StoreConfig{
			Driver:      keystore.DriverMemory,
			RedisURL:    "redis://localhost:6379/0",
			RedisPrefix: "keygate",
		},
		Policy: PolicyConfig{
			IssueWindow:      24 * time.Hour,
			KeyLifetime:      9 * time.Hour,
			BindingRetention: 48 * time.Hour,
			SessionLifetime:  5 * time.Minute,
			KeyRetention:     48 * time.Hour,
			SweepInterval:    10 * time.Minute,
			MaxKeyAttempts:   8,
		},
		Audit: AuditConfig{
			QueueSize:   1024,
			KafkaTopic:  "keygate.audit",
			SheetsRange: "Activations!A:H",
			Feed:        true,
		},
	}
}
