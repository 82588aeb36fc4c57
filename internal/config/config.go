package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"newsfeed-backend/internal/clientip"
)

const minJWTSecretBytes = 32

type Config struct {
	Env           string `yaml:"env"`
	Port          string `yaml:"port"`
	SentryDSN     string `yaml:"sentry_dsn"`
	RunMigrations bool   `yaml:"run_migrations"`

	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For header is believed.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Cookie      CookieConfig      `yaml:"cookie"`
	Notify      NotifyConfig      `yaml:"notify"`
	Log         LogConfig         `yaml:"log"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Admin       AdminConfig       `yaml:"admin"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenTTL     time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL    time.Duration `yaml:"refresh_token_ttl"`
	MaxFailedAttempts  int           `yaml:"max_failed_attempts"`
	FailureWindow      time.Duration `yaml:"failure_window"`
	BlockDuration      time.Duration `yaml:"block_duration"`
	BcryptCost         int           `yaml:"bcrypt_cost"`
	SingleSessionLogin bool          `yaml:"single_session_login"`
	RateLimitMax       int           `yaml:"rate_limit_max"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
}

type CookieConfig struct {
	Domain string `yaml:"domain"`
	Secure bool   `yaml:"secure"`
}

const (
	NotifyNone  = "none"
	NotifySMTP  = "smtp"
	NotifyRedis = "redis"
)

type NotifyConfig struct {
	Driver string      `yaml:"driver"`
	SMTP   SMTPConfig  `yaml:"smtp"`
	Redis  RedisConfig `yaml:"redis"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	QueueKey string `yaml:"queue_key"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type MaintenanceConfig struct {
	CronSecret       string        `yaml:"cron_secret"`
	RefreshRetention time.Duration `yaml:"refresh_retention"`
	FailureRetention time.Duration `yaml:"failure_retention"`
	BatchSize        int           `yaml:"batch_size"`
}

type AdminConfig struct {
	Email    string `yaml:"email"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE and the process environment, in that order.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Env:  "development",
		Port: "8080",
		Database: DatabaseConfig{
			MaxConns:        10,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 10 * time.Minute,
		},
		Auth: AuthConfig{
			AccessTokenTTL:    15 * time.Minute,
			RefreshTokenTTL:   168 * time.Hour,
			MaxFailedAttempts: 5,
			FailureWindow:     20 * time.Minute,
			BlockDuration:     10 * time.Minute,
			BcryptCost:        10,
			RateLimitMax:      10,
			RateLimitWindow:   60 * time.Second,
		},
		Cookie: CookieConfig{Secure: true},
		Notify: NotifyConfig{
			Driver: NotifyNone,
			SMTP:   SMTPConfig{Port: 587},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Maintenance: MaintenanceConfig{
			RefreshRetention: 14 * 24 * time.Hour,
			FailureRetention: 24 * time.Hour,
			BatchSize:        500,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Env = envOrDefault("APP_ENV", cfg.Env)
	cfg.Port = envOrDefault("PORT", cfg.Port)
	cfg.SentryDSN = envOrDefault("SENTRY_DSN", cfg.SentryDSN)
	cfg.RunMigrations = EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", cfg.RunMigrations)
	cfg.TrustedProxies = envListOrDefault("TRUSTED_PROXIES", cfg.TrustedProxies)

	// Database
	cfg.Database.URL = envOrDefault("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConns = envIntOrDefault("DB_MAX_CONNS", cfg.Database.MaxConns)
	cfg.Database.MinConns = envIntOrDefault("DB_MIN_CONNS", cfg.Database.MinConns)
	cfg.Database.MaxConnLifetime = envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", cfg.Database.MaxConnLifetime)
	cfg.Database.MaxConnIdleTime = envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", cfg.Database.MaxConnIdleTime)

	// Auth
	cfg.Auth.JWTSecret = envOrDefault("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.AccessTokenTTL = envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", cfg.Auth.AccessTokenTTL)
	cfg.Auth.RefreshTokenTTL = envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", cfg.Auth.RefreshTokenTTL)
	cfg.Auth.MaxFailedAttempts = envIntOrDefault("LOGIN_MAX_ATTEMPTS", cfg.Auth.MaxFailedAttempts)
	cfg.Auth.FailureWindow = envMinutesOrDefault("LOGIN_FAILURE_WINDOW_MINUTES", cfg.Auth.FailureWindow)
	cfg.Auth.BlockDuration = envMinutesOrDefault("LOGIN_BLOCK_MINUTES", cfg.Auth.BlockDuration)
	cfg.Auth.BcryptCost = envIntOrDefault("BCRYPT_COST", cfg.Auth.BcryptCost)
	cfg.Auth.SingleSessionLogin = EnvBoolOrDefault("AUTH_SINGLE_SESSION_LOGIN", cfg.Auth.SingleSessionLogin)
	cfg.Auth.RateLimitMax = envIntOrDefault("LOGIN_RATE_LIMIT_MAX", cfg.Auth.RateLimitMax)
	cfg.Auth.RateLimitWindow = envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", cfg.Auth.RateLimitWindow)

	cfg.Cookie.Domain = envOrDefault("AUTH_COOKIE_DOMAIN", cfg.Cookie.Domain)
	cfg.Cookie.Secure = EnvBoolOrDefault("AUTH_COOKIE_SECURE", cfg.Cookie.Secure)

	// Notifications
	cfg.Notify.Driver = strings.ToLower(envOrDefault("NOTIFY_DRIVER", cfg.Notify.Driver))
	cfg.Notify.SMTP.Host = envOrDefault("SMTP_HOST", cfg.Notify.SMTP.Host)
	cfg.Notify.SMTP.Port = envIntOrDefault("SMTP_PORT", cfg.Notify.SMTP.Port)
	cfg.Notify.SMTP.Username = envOrDefault("SMTP_USERNAME", cfg.Notify.SMTP.Username)
	cfg.Notify.SMTP.Password = envOrDefault("SMTP_PASSWORD", cfg.Notify.SMTP.Password)
	cfg.Notify.SMTP.From = envOrDefault("SMTP_FROM", cfg.Notify.SMTP.From)
	cfg.Notify.Redis.Addr = envOrDefault("REDIS_ADDR", cfg.Notify.Redis.Addr)
	cfg.Notify.Redis.Password = envOrDefault("REDIS_PASSWORD", cfg.Notify.Redis.Password)
	cfg.Notify.Redis.DB = envIntOrDefault("REDIS_DB", cfg.Notify.Redis.DB)
	cfg.Notify.Redis.QueueKey = envOrDefault("REDIS_QUEUE_KEY", cfg.Notify.Redis.QueueKey)

	// Logging
	cfg.Log.Level = envOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = envOrDefault("LOG_FILE", cfg.Log.File)

	// Maintenance
	cfg.Maintenance.CronSecret = envOrDefault("CRON_SECRET", cfg.Maintenance.CronSecret)
	cfg.Maintenance.RefreshRetention = envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", cfg.Maintenance.RefreshRetention)
	cfg.Maintenance.FailureRetention = envHoursOrDefault("AUTH_FAILED_LOGIN_RETENTION_HOURS", cfg.Maintenance.FailureRetention)
	cfg.Maintenance.BatchSize = envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", cfg.Maintenance.BatchSize)

	cfg.Admin.Email = envOrDefault("ADMIN_EMAIL", cfg.Admin.Email)
	cfg.Admin.Username = envOrDefault("ADMIN_USERNAME", cfg.Admin.Username)
	cfg.Admin.Password = envOrDefault("ADMIN_PASSWORD", cfg.Admin.Password)
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, errors.New("missing required env: DATABASE_URL"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("missing required env: JWT_SECRET"))
	} else if len(c.Auth.JWTSecret) < minJWTSecretBytes {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretBytes))
	}

	if _, err := clientip.NewResolver(c.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %w", err))
	}

	switch c.Notify.Driver {
	case NotifyNone:
	case NotifySMTP:
		if c.Notify.SMTP.Host == "" || c.Notify.SMTP.From == "" {
			errs = append(errs, errors.New("smtp notifications require SMTP_HOST and SMTP_FROM"))
		}
	case NotifyRedis:
		if c.Notify.Redis.Addr == "" {
			errs = append(errs, errors.New("redis notifications require REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify driver %q", c.Notify.Driver))
	}

	admin := []string{c.Admin.Email, c.Admin.Username, c.Admin.Password}
	set := 0
	for _, v := range admin {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 0 && set != len(admin) {
		errs = append(errs, errors.New("ADMIN_EMAIL, ADMIN_USERNAME and ADMIN_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envListOrDefault(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if item := strings.TrimSpace(part); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func envUnitsOrDefault(name string, unit, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return time.Duration(parsed) * unit
}

func envSecondsOrDefault(name string, fallback time.Duration) time.Duration {
	return envUnitsOrDefault(name, time.Second, fallback)
}

func envMinutesOrDefault(name string, fallback time.Duration) time.Duration {
	return envUnitsOrDefault(name, time.Minute, fallback)
}

func envHoursOrDefault(name string, fallback time.Duration) time.Duration {
	return envUnitsOrDefault(name, time.Hour, fallback)
}

func envDaysOrDefault(name string, fallback time.Duration) time.Duration {
	return envUnitsOrDefault(name, 24*time.Hour, fallback)
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
