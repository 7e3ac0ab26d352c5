package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the daemon configuration, loaded from CHATGATE_* variables.
type Config struct {
	Addr         string
	Environment  string
	LogLevel     string
	JWTSecret    string
	InsecureAuth bool
	EventsToken  string

	SessionExpiry  time.Duration
	SweepInterval  time.Duration
	MaxMessageSize int
	QueueLimit     int

	AdmissionRate  float64
	AdmissionBurst int
	MessageRate    float64
	MessageBurst   int

	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string
	EventsChannel string
	// EventsRedis subscribes to EventsChannel even when Store is not redis.
	EventsRedis    bool
	AllowedOrigins []string
	// TrustedProxies may set X-Forwarded-For; empty trusts no proxy.
	TrustedProxies []string
}

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// ErrMissingSecret is returned when neither a JWT secret nor insecure auth is configured.
var ErrMissingSecret = errors.New("CHATGATE_JWT_SECRET is required unless CHATGATE_INSECURE_AUTH=true")

// Load reads the environment.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Addr:          getenv("CHATGATE_ADDR"),
		Environment:   getenv("CHATGATE_ENV"),
		LogLevel:      getenv("CHATGATE_LOG_LEVEL"),
		JWTSecret:     getenv("CHATGATE_JWT_SECRET"),
		EventsToken:   getenv("CHATGATE_EVENTS_TOKEN"),
		Store:         getenv("CHATGATE_STORE"),
		RedisAddr:     getenv("CHATGATE_REDIS_ADDR"),
		RedisPassword: getenv("CHATGATE_REDIS_PASSWORD"),
		PostgresDSN:   getenv("CHATGATE_POSTGRES_DSN"),
		EventsChannel: getenv("CHATGATE_EVENTS_CHANNEL"),
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Store == "" {
		cfg.Store = StoreMemory
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.EventsChannel == "" {
		cfg.EventsChannel = "chatgate:events"
	}

	origins := getenv("CHATGATE_ALLOWED_ORIGINS")
	if origins == "" {
		origins = "*"
	}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	for _, p := range strings.Split(getenv("CHATGATE_TRUSTED_PROXIES"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.TrustedProxies = append(cfg.TrustedProxies, p)
		}
	}

	var err error
	if cfg.InsecureAuth, err = parseBool(getenv, "CHATGATE_INSECURE_AUTH", false); err != nil {
		return nil, err
	}
	if cfg.SessionExpiry, err = parseDuration(getenv, "CHATGATE_SESSION_EXPIRY", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = parseDuration(getenv, "CHATGATE_SWEEP_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxMessageSize, err = parseInt(getenv, "CHATGATE_MAX_MESSAGE_SIZE", 4096); err != nil {
		return nil, err
	}
	if cfg.QueueLimit, err = parseInt(getenv, "CHATGATE_QUEUE_LIMIT", 1024); err != nil {
		return nil, err
	}
	if cfg.AdmissionRate, err = parseFloat(getenv, "CHATGATE_ADMISSION_RATE", 1); err != nil {
		return nil, err
	}
	if cfg.AdmissionBurst, err = parseInt(getenv, "CHATGATE_ADMISSION_BURST", 5); err != nil {
		return nil, err
	}
	if cfg.MessageRate, err = parseFloat(getenv, "CHATGATE_MESSAGE_RATE", 20); err != nil {
		return nil, err
	}
	if cfg.MessageBurst, err = parseInt(getenv, "CHATGATE_MESSAGE_BURST", 40); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = parseInt(getenv, "CHATGATE_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.EventsRedis, err = parseBool(getenv, "CHATGATE_EVENTS_REDIS", false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UsesRedis reports whether the daemon needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Store == StoreRedis || c.EventsRedis
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.JWTSecret == "" && !c.InsecureAuth {
		return ErrMissingSecret
	}
	switch c.Store {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return errors.New("CHATGATE_POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid CHATGATE_STORE: %q", c.Store)
	}
	if c.SessionExpiry <= 0 {
		return errors.New("CHATGATE_SESSION_EXPIRY must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("CHATGATE_MAX_MESSAGE_SIZE must be positive")
	}
	if c.QueueLimit < 0 {
		return errors.New("CHATGATE_QUEUE_LIMIT must not be negative")
	}
	return nil
}

func parseInt(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseFloat(getenv func(string) string, key string, def float64) (float64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func parseBool(getenv func(string) string, key string, def bool) (bool, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func parseDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
