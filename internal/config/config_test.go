package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/keys"
)

// isolate runs the test in an empty directory with an admin token set so the
// defaults validate.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("KEYGATE_SECURITY_ADMIN_TOKEN", "secret")
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.Security.AllowedOrigins)
	assert.True(t, cfg.Security.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.Security.AttemptGuard.MaxFailures)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, keys.DefaultPolicy(), cfg.Policy.Keys())
	assert.Equal(t, 10*time.Minute, cfg.Policy.SweepInterval)
	assert.Equal(t, 8, cfg.Policy.MaxKeyAttempts)
	assert.True(t, cfg.Audit.Feed)
	assert.Empty(t, cfg.Audit.KafkaBrokers)
}

func TestLoadMatchesDefault(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	want := Default()
	want.Security.AdminToken = "secret"
	assert.Equal(t, want, cfg)
}

func TestLoadFromEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("KEYGATE_SERVER_PORT", "9090")
	t.Setenv("KEYGATE_SECURITY_ALLOWED_ORIGINS", "http://a.example,https://b.example")
	t.Setenv("KEYGATE_STORE_DRIVER", "redis")
	t.Setenv("KEYGATE_STORE_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("KEYGATE_POLICY_KEY_LIFETIME", "12h")
	t.Setenv("KEYGATE_AUDIT_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KEYGATE_LOGGING_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.RedisURL)
	assert.Equal(t, 12*time.Hour, cfg.Policy.KeyLifetime)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Audit.KafkaBrokers)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFileUnderEnvironment(t *testing.T) {
	isolate(t)
	yaml := `
server:
  port: 7000
  read_timeout: 20s
security:
  enable_cors: false
  admin_token_hash: "$2a$10$abcdefghijklmnopqrstuv"
store:
  driver: sqlite
  dsn: file:keygate.db
policy:
  inline_sweep: true
audit:
  feed: false
  kafka_topic: file.topic
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(yaml), 0o600))
	t.Setenv("KEYGATE_SERVER_PORT", "7500")

	cfg, err := Load()
	require.NoError(t, err)

	// env wins over the file
	assert.Equal(t, 7500, cfg.Server.Port)
	// file wins over defaults
	assert.Equal(t, 20*time.Second, cfg.Server.ReadTimeout)
	assert.False(t, cfg.Security.EnableCORS)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:keygate.db", cfg.Store.DSN)
	assert.True(t, cfg.Policy.InlineSweep)
	assert.False(t, cfg.Audit.Feed)
	assert.Equal(t, "file.topic", cfg.Audit.KafkaTopic)
	// untouched by both
	assert.Equal(t, 9*time.Hour, cfg.Policy.KeyLifetime)
	assert.True(t, cfg.Security.RateLimit.Enabled)
	assert.Equal(t, "secret", cfg.Security.AdminToken)
}

func TestLoadExplicitConfigPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 6060\n"), 0o600))
	t.Setenv("KEYGATE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("config.yaml", []byte("server: [not, a, map"), 0o600))

	_, err := Load()
	assert.ErrorContains(t, err, "failed to load config from file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "port out of range", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid server port"},
		{name: "zero read timeout", mutate: func(c *Config) { c.Server.ReadTimeout = 0 }, wantErr: "timeouts must be positive"},
		{name: "cors without origins", mutate: func(c *Config) { c.Security.AllowedOrigins = nil }, wantErr: "allowed origin"},
		{name: "bad rate limit", mutate: func(c *Config) { c.Security.RateLimit.RPS = 0 }, wantErr: "rate limit"},
		{name: "rate limit disabled skips check", mutate: func(c *Config) {
			c.Security.RateLimit.Enabled = false
			c.Security.RateLimit.RPS = 0
		}},
		{name: "missing admin credential", mutate: func(c *Config) { c.Security.AdminToken = "" }, wantErr: "admin routes"},
		{name: "admin disabled", mutate: func(c *Config) {
			c.Security.AdminEnabled = false
			c.Security.AdminToken = ""
		}},
		{name: "hash only", mutate: func(c *Config) {
			c.Security.AdminToken = ""
			c.Security.AdminTokenHash = "$2a$10$x"
		}},
		{name: "negative window", mutate: func(c *Config) { c.Policy.IssueWindow = -time.Hour }, wantErr: "issue_window"},
		{name: "zero window allowed", mutate: func(c *Config) { c.Policy.IssueWindow = 0 }},
		{name: "zero lifetime", mutate: func(c *Config) { c.Policy.KeyLifetime = 0 }, wantErr: "key_lifetime"},
		{name: "session outlives key", mutate: func(c *Config) { c.Policy.SessionLifetime = 10 * time.Hour }, wantErr: "session_lifetime"},
		{name: "zero attempts", mutate: func(c *Config) { c.Policy.MaxKeyAttempts = 0 }, wantErr: "max_key_attempts"},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mongo" }, wantErr: "unknown store driver"},
		{name: "sql driver without dsn", mutate: func(c *Config) { c.Store.Driver = "postgres" }, wantErr: "dsn is required"},
		{name: "redis without url", mutate: func(c *Config) {
			c.Store.Driver = "redis"
			c.Store.RedisURL = ""
		}, wantErr: "redis_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Security.AdminToken = "secret"
			tt.mutate(cfg)

			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateNormalisesLogging(t *testing.T) {
	cfg := Default()
	cfg.Security.AdminToken = "secret"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "syslog"
	cfg.Logging.FilePath = ""

	require.NoError(t, cfg.validate())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "console", cfg.Logging.Output)
	assert.Equal(t, "logs/keygate.log", cfg.Logging.FilePath)
}

func TestServerAddr(t *testing.T) {
	assert.Equal(t, ":8080", Default().Server.Addr())
	assert.Equal(t, "127.0.0.1:9000", ServerConfig{Host: "127.0.0.1", Port: 9000}.Addr())
}
