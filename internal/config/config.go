// Package config loads SafeGuard configuration from the environment and
// applies defaults and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in
// production.
var knownWeakSecrets = map[string]bool{
	"changeme":                         true,
	"secret":                           true,
	"local-dev-secret-do-not-use-32ch": true,
}

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Auth      AuthConfig
	Visits    VisitConfig
	Notify    NotifyConfig
	Redis     RedisConfig
	Logging   LoggingConfig
	RateLimit RateLimitConfig
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

// DBConfig defines the primary store settings.
type DBConfig struct {
	Driver   string // "postgres" or "sqlite"
	DSN      string // overrides assembled Host/Port/... DSN when set
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	PoolMax  int
}

// AuthConfig defines identity settings.
type AuthConfig struct {
	JWTSecret        string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	HashCost         int
	LockoutThreshold int
	LockoutWindow    time.Duration
	LockoutDuration  time.Duration
}

// VisitConfig defines visit lifecycle settings.
type VisitConfig struct {
	ExpiryGrace   time.Duration
	SweepInterval time.Duration
}

// NotifyConfig defines notification retention.
type NotifyConfig struct {
	RetentionDays int
}

// RedisConfig defines the optional session cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

// DSN assembles the Postgres connection string unless an explicit DSN was
// provided.
func (d DBConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        envInt("PORT", 4500),
			CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),
		},
		DB: DBConfig{
			Driver:   envStr("DB_DRIVER", "postgres"),
			DSN:      os.Getenv("DB_DSN"),
			Host:     envStr("DB_HOST", "localhost"),
			Port:     envInt("DB_PORT", 5432),
			Name:     envStr("DB_NAME", "safeguard"),
			User:     envStr("DB_USER", "safeguard"),
			Password: os.Getenv("DB_PASSWORD"),
			PoolMax:  envInt("DB_POOL_MAX", 20),
		},
		Auth: AuthConfig{
			JWTSecret:        os.Getenv("JWT_SECRET"),
			AccessTTL:        envSeconds("ACCESS_TTL_SECONDS", 3600),
			RefreshTTL:       envSeconds("REFRESH_TTL_SECONDS", 604800),
			HashCost:         envInt("PASSWORD_HASH_COST", 10),
			LockoutThreshold: envInt("LOGIN_LOCKOUT_THRESHOLD", 5),
			LockoutWindow:    envSeconds("LOGIN_LOCKOUT_WINDOW_SECONDS", 900),
			LockoutDuration:  envSeconds("LOGIN_LOCKOUT_DURATION_SECONDS", 900),
		},
		Visits: VisitConfig{
			ExpiryGrace:   envSeconds("VISIT_EXPIRY_GRACE_SECONDS", 7200),
			SweepInterval: envSeconds("EXPIRY_SWEEP_INTERVAL_SECONDS", 300),
		},
		Notify: NotifyConfig{
			RetentionDays: envInt("NOTIFICATION_RETENTION_DAYS", 30),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:  envStr("LOG_LEVEL", "info"),
			Format: envStr("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			Window:      envSeconds("RATE_LIMIT_WINDOW_SECONDS", 900),
			MaxRequests: envInt("RATE_LIMIT_MAX_REQUESTS", 100),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be a valid port number")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("JWT_SECRET is a well-known weak secret")
	}
	if c.Auth.HashCost < 10 {
		return fmt.Errorf("PASSWORD_HASH_COST must be at least 10")
	}
	if c.Auth.AccessTTL > c.Auth.RefreshTTL {
		return fmt.Errorf("ACCESS_TTL_SECONDS must not exceed REFRESH_TTL_SECONDS")
	}
	switch c.DB.Driver {
	case "postgres":
	case "sqlite":
		if c.DB.DSN == "" {
			return fmt.Errorf("DB_DSN is required when DB_DRIVER is sqlite")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
