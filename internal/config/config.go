package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"deskgate/internal/constants"
)

// Config is the full gateway configuration, loaded from an optional YAML
// file and overridable through environment variables.
type Config struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	EnableTLS bool   `yaml:"enable_tls"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`

	// SessionTimeout is the idle time after which a session without
	// tunnels is evicted.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// TunnelMaxAge force-closes tunnels older than this. Zero disables
	// age-based tunnel eviction.
	TunnelMaxAge time.Duration `yaml:"tunnel_max_age"`

	SweepInterval time.Duration `yaml:"sweep_interval"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`

	// Providers lists enabled authentication providers in priority
	// order. The order decides merge tie-breaks across contexts.
	Providers []string `yaml:"providers"`

	// Users feeds the file-based authentication provider.
	Users []FileUser `yaml:"users"`
}

// RedisConfig selects the Redis activity store. Empty host means the
// in-memory store is used.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PostgresConfig configures the postgres authentication provider.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// FileUser declares one user of the file-based provider together with the
// connections visible to that user.
type FileUser struct {
	Username     string           `yaml:"username"`
	PasswordHash string           `yaml:"password_hash"` // bcrypt
	Connections  []FileConnection `yaml:"connections"`
}

// FileConnection declares one backend connection reachable by a user.
type FileConnection struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Protocol string            `yaml:"protocol"`
	Hostname string            `yaml:"hostname"`
	Port     int               `yaml:"port"`
	Params   map[string]string `yaml:"params"`
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Host:           constants.DefaultHost,
		Port:           constants.DefaultPort,
		LogLevel:       "info",
		SessionTimeout: constants.DefaultSessionTimeout,
		TunnelMaxAge:   constants.DefaultTunnelMaxAge,
		SweepInterval:  constants.SweepInterval,
		Providers:      []string{"file"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Host = GetEnv("DESKGATE_HOST", c.Host)
	c.Port = GetEnv("PORT", c.Port)
	c.LogLevel = GetEnv("DESKGATE_LOG_LEVEL", c.LogLevel)
	c.CertFile = GetEnv("DESKGATE_CERT_FILE", c.CertFile)
	c.KeyFile = GetEnv("DESKGATE_KEY_FILE", c.KeyFile)

	if v := os.Getenv("DESKGATE_ENABLE_TLS"); v != "" {
		c.EnableTLS = v == "true" || v == "1"
	}
	if v := os.Getenv("DESKGATE_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SessionTimeout = d
		}
	}
	if v := os.Getenv("DESKGATE_TUNNEL_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TunnelMaxAge = d
		}
	}

	c.Redis.Host = GetEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = GetEnv("REDIS_PORT", defaultStr(c.Redis.Port, "6379"))
	c.Redis.Username = GetEnv("REDIS_USERNAME", c.Redis.Username)
	c.Redis.Password = GetEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Postgres.DSN = GetEnv("DESKGATE_POSTGRES_DSN", c.Postgres.DSN)
}

func (c *Config) validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < constants.MinPort || port > constants.MaxPort {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if c.SessionTimeout < constants.MinSessionTimeout {
		return fmt.Errorf("session_timeout must be at least %s", constants.MinSessionTimeout)
	}
	if c.TunnelMaxAge < 0 {
		return fmt.Errorf("tunnel_max_age must not be negative")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one authentication provider is required")
	}
	for _, p := range c.Providers {
		switch p {
		case "file", "postgres":
		default:
			return fmt.Errorf("unknown authentication provider %q", p)
		}
	}
	return nil
}

// ListenAddr returns the host:port the gateway binds to. An empty host
// binds all interfaces.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// GetEnv returns environment variable value or default if empty
func GetEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func defaultStr(val, fallback string) string {
	if val == "" {
		return fallback
	}
	return val
}
