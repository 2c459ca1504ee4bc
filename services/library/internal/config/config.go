package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with LIBRARY_CONFIG.
var ConfigPath = "config.yaml"

const (
	defaultSessionTTL  = "12h"
	defaultMailTimeout = "10s"
	defaultMailFrom    = "bibliotec@gamadero.tecnm.mx"
	defaultMailSubject = "Confirmacion de Correo"
	defaultBcryptCost  = 10
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string   `yaml:"port"`
	LogLevel                   string   `yaml:"logLevel"`
	AppURL                     string   `yaml:"appURL"`
	AppVersion                 string   `yaml:"appVersion"`
	DatabaseURL                string   `yaml:"databaseURL"`
	RedisAddr                  string   `yaml:"redisAddr"`
	RedisPassword              string   `yaml:"redisPassword"`
	SessionSecret              string   `yaml:"sessionSecret"`
	SessionTTL                 string   `yaml:"sessionTTL"`
	CookieSecure               bool     `yaml:"cookieSecure"`
	BcryptCost                 int      `yaml:"bcryptCost"`
	MailFrom                   string   `yaml:"mailFrom"`
	MailSubject                string   `yaml:"mailSubject"`
	SMTPHost                   string   `yaml:"smtpHost"`
	SMTPPort                   int      `yaml:"smtpPort"`
	SMTPSecure                 bool     `yaml:"smtpSecure"`
	MailUsername               string   `yaml:"mailUsername"`
	MailPassword               string   `yaml:"mailPassword"`
	MailTimeout                string   `yaml:"mailTimeout"`
	RegisterRateLimitPerMinute int      `yaml:"registerRateLimitPerMinute"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	TrustedProxies             []string `yaml:"trustedProxies"`
	AdminEmails                []string `yaml:"adminEmails"`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
		if v := os.Getenv("LIBRARY_CONFIG"); v != "" {
			path = v
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	stringVars := map[string]*string{
		"PORT":           &cfg.Port,
		"LOG_LEVEL":      &cfg.LogLevel,
		"APP_URL":        &cfg.AppURL,
		"DATABASE_URL":   &cfg.DatabaseURL,
		"REDIS_ADDR":     &cfg.RedisAddr,
		"REDIS_PASSWORD": &cfg.RedisPassword,
		"SESSION_SECRET": &cfg.SessionSecret,
		"SESSION_TTL":    &cfg.SessionTTL,
		"MAIL_FROM":      &cfg.MailFrom,
		"SMTP_HOST":      &cfg.SMTPHost,
		"MAIL_USERNAME":  &cfg.MailUsername,
		"MAIL_PASSWORD":  &cfg.MailPassword,
		"MAIL_TIMEOUT":   &cfg.MailTimeout,
	}
	for name, dst := range stringVars {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	intVars := map[string]*int{
		"SMTP_PORT":                              &cfg.SMTPPort,
		"BCRYPT_COST":                            &cfg.BcryptCost,
		"LIBRARY_REGISTER_RATE_LIMIT_PER_MINUTE": &cfg.RegisterRateLimitPerMinute,
		"LIBRARY_LOGIN_RATE_LIMIT_PER_MINUTE":    &cfg.LoginRateLimitPerMinute,
	}
	for name, dst := range intVars {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: invalid %s: %w", name, err)
			}
			*dst = n
		}
	}
	boolVars := map[string]*bool{
		"SMTP_SECURE":   &cfg.SMTPSecure,
		"COOKIE_SECURE": &cfg.CookieSecure,
	}
	for name, dst := range boolVars {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("config: invalid %s: %w", name, err)
			}
			*dst = b
		}
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	if v := os.Getenv("ADMIN_EMAILS"); v != "" {
		cfg.AdminEmails = strings.Split(v, ",")
	}
	return nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SessionTTL == "" {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.MailTimeout == "" {
		cfg.MailTimeout = defaultMailTimeout
	}
	if cfg.MailFrom == "" {
		cfg.MailFrom = defaultMailFrom
	}
	if cfg.MailSubject == "" {
		cfg.MailSubject = defaultMailSubject
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = defaultBcryptCost
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = "1.0.0"
	}
	cfg.AppURL = strings.TrimRight(strings.TrimSpace(cfg.AppURL), "/")
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.AppURL == "" {
		return errors.New("config: appURL is required for confirmation links (set APP_URL)")
	}
	if len(cfg.SessionSecret) < 32 {
		return errors.New("config: sessionSecret must be at least 32 bytes (set SESSION_SECRET)")
	}
	if _, err := ParseDuration("sessionTTL", cfg.SessionTTL); err != nil {
		return err
	}
	if _, err := ParseDuration("mailTimeout", cfg.MailTimeout); err != nil {
		return err
	}
	if cfg.SMTPPort < 0 || cfg.SMTPPort > 65535 {
		return fmt.Errorf("config: smtpPort %d out of range", cfg.SMTPPort)
	}
	if cfg.RegisterRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if (cfg.RegisterRateLimitPerMinute > 0 || cfg.LoginRateLimitPerMinute > 0) && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when rate limits are enabled")
	}
	return nil
}

// ParseDuration parses a named duration setting.
func ParseDuration(name, value string) (time.Duration, error) {
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", name, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", name)
	}
	return dur, nil
}
