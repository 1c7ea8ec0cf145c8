// Package config reads the session settings from the environment; flags
// registered with RegisterFlags override them.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/gnuflag"
)

const (
	EnvURL      = "APISESSION_URL"
	EnvDB       = "APISESSION_DB"
	EnvRedis    = "APISESSION_REDIS"
	EnvScope    = "APISESSION_SCOPE"
	EnvCookies  = "APISESSION_COOKIES"
	EnvTimeout  = "APISESSION_TIMEOUT"
	EnvLogLevel = "LOG_LEVEL"

	DefaultTimeout  = 10 * time.Second
	DefaultScope    = "default"
	DefaultLogLevel = "<root>=WARNING"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	BaseURL string
	// DBPath is the sqlite file holding the session; unused when RedisURL
	// is set.
	DBPath     string
	RedisURL   string
	Scope      string
	CookiePath string
	Timeout    time.Duration
	LogLevel   string
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(string) (string, bool)

// Load reads the process environment.
func Load() (*Config, error) {
	return FromEnv(os.LookupEnv)
}

func FromEnv(lookup LookupFunc) (*Config, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseURL:    readEnvVar(lookup, EnvURL, ""),
		DBPath:     readEnvVar(lookup, EnvDB, filepath.Join(dataDir, "session.db")),
		RedisURL:   readEnvVar(lookup, EnvRedis, ""),
		Scope:      readEnvVar(lookup, EnvScope, DefaultScope),
		CookiePath: readEnvVar(lookup, EnvCookies, filepath.Join(dataDir, "cookies")),
		Timeout:    DefaultTimeout,
		LogLevel:   readEnvVar(lookup, EnvLogLevel, DefaultLogLevel),
	}

	if v, ok := lookup(EnvTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: env var '%s' could not be parsed as a duration (%q)", ErrInvalidConfig, EnvTimeout, v)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}

// RegisterFlags binds flags to cfg, defaulting to the values already read.
func (cfg *Config) RegisterFlags(f *gnuflag.FlagSet) {
	f.StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "API base URL")
	f.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite session file")
	f.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "redis URL; stores the session in redis instead of sqlite")
	f.StringVar(&cfg.Scope, "scope", cfg.Scope, "redis key scope")
	f.StringVar(&cfg.CookiePath, "cookies", cfg.CookiePath, "cookie jar file")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "request timeout")
	f.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "logging config, e.g. <root>=DEBUG")
}

func (cfg *Config) Validate() error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("%w: missing required '%s' (or --url)", ErrInvalidConfig, EnvURL)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: '%s' is not an absolute URL", ErrInvalidConfig, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

func readEnvVar(lookup LookupFunc, name string, fallback string) string {
	if v, ok := lookup(name); ok && v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%w: no user config dir: %v", ErrInvalidConfig, err)
	}
	return filepath.Join(dir, "apisession"), nil
}
