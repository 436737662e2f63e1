// Package config reads process settings from ROLLCALL_* environment
// variables. It is the only package that touches the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/dukerupert/rollcall/internal/attendance"
)

// Development token secrets. They match the browser client's built-in
// defaults and must be overridden in production.
const (
	DevTokenKey = "rollcall-dev-key"
	DevTokenIV  = "rollcall-dev-iv"
)

type Config struct {
	Port      string
	DBPath    string
	LogLevel  string
	LogFormat string

	TokenKey string
	TokenIV  string

	SessionMinutes    int
	MaxSessionMinutes int
	FreshnessWindow   time.Duration
	FallbackSession   string
	ClosedPolicy      attendance.ClosedPolicy

	JWTSecret string
	WSOrigins []string

	Redis  RedisConfig
	Backup BackupConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type BackupConfig struct {
	Dir           string
	Passphrase    string
	Interval      time.Duration
	RetentionDays int

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
}

// Enabled reports whether scheduled backups are configured.
func (b BackupConfig) Enabled() bool {
	return b.Dir != "" && b.Passphrase != ""
}

// S3Enabled reports whether backups are also uploaded off-site.
func (b BackupConfig) S3Enabled() bool {
	return b.S3Bucket != "" && b.S3AccessKey != "" && b.S3SecretKey != ""
}

// UsesDevSecrets reports whether either token secret is the development
// default.
func (c *Config) UsesDevSecrets() bool {
	return c.TokenKey == DevTokenKey || c.TokenIV == DevTokenIV
}

// Load reads the environment through getenv, applying defaults. Parse
// failures for every variable are reported together.
func Load(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	p := parser{getenv: getenv}

	cfg := &Config{
		Port:              p.str("ROLLCALL_PORT", "8080"),
		DBPath:            p.str("ROLLCALL_DB_PATH", "rollcall.db"),
		LogLevel:          p.str("ROLLCALL_LOG_LEVEL", "info"),
		LogFormat:         p.str("ROLLCALL_LOG_FORMAT", "text"),
		TokenKey:          p.str("ROLLCALL_TOKEN_KEY", DevTokenKey),
		TokenIV:           p.str("ROLLCALL_TOKEN_IV", DevTokenIV),
		SessionMinutes:    p.int("ROLLCALL_SESSION_MINUTES", 10),
		MaxSessionMinutes: p.int("ROLLCALL_MAX_SESSION_MINUTES", 240),
		FreshnessWindow:   p.duration("ROLLCALL_FRESHNESS_WINDOW", 30*time.Minute),
		FallbackSession:   p.str("ROLLCALL_FALLBACK_SESSION", "manual-fallback"),
		JWTSecret:         getenv("ROLLCALL_JWT_SECRET"),
		WSOrigins:         p.list("ROLLCALL_WS_ORIGINS"),
		Redis: RedisConfig{
			Addr:     getenv("ROLLCALL_REDIS_ADDR"),
			Password: getenv("ROLLCALL_REDIS_PASSWORD"),
			DB:       p.int("ROLLCALL_REDIS_DB", 0),
		},
		Backup: BackupConfig{
			Dir:           getenv("ROLLCALL_BACKUP_DIR"),
			Passphrase:    getenv("ROLLCALL_BACKUP_PASSPHRASE"),
			Interval:      p.duration("ROLLCALL_BACKUP_INTERVAL", 24*time.Hour),
			RetentionDays: p.int("ROLLCALL_BACKUP_RETENTION_DAYS", 30),
			S3Endpoint:    getenv("ROLLCALL_S3_ENDPOINT"),
			S3Bucket:      getenv("ROLLCALL_S3_BUCKET"),
			S3Region:      p.str("ROLLCALL_S3_REGION", "us-east-1"),
			S3AccessKey:   getenv("ROLLCALL_S3_ACCESS_KEY"),
			S3SecretKey:   getenv("ROLLCALL_S3_SECRET_KEY"),
		},
	}

	policy, err := attendance.ParseClosedPolicy(getenv("ROLLCALL_CLOSED_POLICY"))
	if err != nil {
		p.errs = multierr.Append(p.errs, fmt.Errorf("ROLLCALL_CLOSED_POLICY: %w", err))
	}
	cfg.ClosedPolicy = policy

	if p.errs != nil {
		return nil, p.errs
	}
	return cfg, nil
}

// Validate checks the values Load cannot check one variable at a time.
func (c *Config) Validate() error {
	var errs error
	if c.JWTSecret == "" {
		errs = multierr.Append(errs, errors.New("ROLLCALL_JWT_SECRET is required"))
	}
	if c.TokenKey == "" || c.TokenIV == "" {
		errs = multierr.Append(errs, errors.New("token key and IV must not be empty"))
	}
	if c.SessionMinutes < 1 {
		errs = multierr.Append(errs, errors.New("ROLLCALL_SESSION_MINUTES must be at least 1"))
	}
	if c.MaxSessionMinutes < c.SessionMinutes {
		errs = multierr.Append(errs, errors.New("ROLLCALL_MAX_SESSION_MINUTES must not be below ROLLCALL_SESSION_MINUTES"))
	}
	if c.FreshnessWindow <= 0 {
		errs = multierr.Append(errs, errors.New("ROLLCALL_FRESHNESS_WINDOW must be positive"))
	}
	if c.FallbackSession == "" {
		errs = multierr.Append(errs, errors.New("ROLLCALL_FALLBACK_SESSION must not be empty"))
	}
	if c.Backup.Enabled() && c.Backup.Interval <= 0 {
		errs = multierr.Append(errs, errors.New("ROLLCALL_BACKUP_INTERVAL must be positive"))
	}
	if c.Backup.Enabled() && c.Backup.RetentionDays < 1 {
		errs = multierr.Append(errs, errors.New("ROLLCALL_BACKUP_RETENTION_DAYS must be at least 1"))
	}
	return errs
}

// Attendance returns the session manager settings.
func (c *Config) Attendance() attendance.Config {
	ac := attendance.DefaultConfig()
	ac.DefaultDuration = time.Duration(c.SessionMinutes) * time.Minute
	ac.MaxDuration = time.Duration(c.MaxSessionMinutes) * time.Minute
	ac.FreshnessWindow = c.FreshnessWindow
	ac.FallbackSessionID = c.FallbackSession
	ac.ClosedPolicy = c.ClosedPolicy
	return ac
}

type parser struct {
	getenv func(string) string
	errs   error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = multierr.Append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = multierr.Append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) list(key string) []string {
	var out []string
	for _, s := range strings.Split(p.getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
