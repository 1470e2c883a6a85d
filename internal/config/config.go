// Package config loads bridge settings from a TOML file and INTEGRATION_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

const envPrefix = "INTEGRATION_"

// Duration reads "10s"-style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	value, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = value
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Server struct {
	Addr            string   `toml:"addr"`
	BasePath        string   `toml:"base_path"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type Platform struct {
	URL        string   `toml:"url"`
	OrgName    string   `toml:"org_name"`
	SolutionID string   `toml:"solution_id"`
	Username   string   `toml:"username"`
	Password   string   `toml:"password"`
	Scope      string   `toml:"scope"`
	Timeout    Duration `toml:"timeout"`
	RateLimit  float64  `toml:"rate_limit"`
	RateBurst  int      `toml:"rate_burst"`
}

// Integration is how the platform reaches this bridge.
type Integration struct {
	URL      string `toml:"url"`
	Password string `toml:"password"`
}

type Store struct {
	DSN                 string   `toml:"dsn"`
	SchemaDir           string   `toml:"schema_dir"`
	Notify              bool     `toml:"notify"`
	NotifyQueue         string   `toml:"notify_queue"`
	NotifyQueueSize     int      `toml:"notify_queue_size"`
	MaxInflightMessages int      `toml:"max_inflight_messages"`
	RetryAfter          Duration `toml:"retry_after"`
	MessageLogSize      int      `toml:"message_log_size"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type Config struct {
	Server      Server      `toml:"server"`
	Platform    Platform    `toml:"platform"`
	Integration Integration `toml:"integration"`
	Store       Store       `toml:"store"`
	Log         Log         `toml:"log"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			BasePath:        "/aiq/integration",
			MaxBodyBytes:    32 << 20,
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Platform: Platform{
			Scope:     "integration",
			Timeout:   Duration{30 * time.Second},
			RateBurst: 1,
		},
		Store: Store{
			DSN:             "memory://",
			NotifyQueue:     "memory://",
			NotifyQueueSize: 256,
			RetryAfter:      Duration{5 * time.Second},
			MessageLogSize:  1000,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path (optional) over the defaults and then applies the
// environment. Bad environment values are logged and ignored.
func Load(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, logger)
	return cfg, nil
}

func applyEnv(cfg *Config, logger *zap.Logger) {
	env := envReader{logger: logger}

	cfg.Server.Addr = env.stringEnv("SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.BasePath = env.stringEnv("BASE_PATH", cfg.Server.BasePath)
	cfg.Server.MaxBodyBytes = env.int64Env("MAX_BODY_BYTES", cfg.Server.MaxBodyBytes)
	cfg.Server.ShutdownTimeout.Duration = env.durationEnv("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout.Duration)

	cfg.Platform.URL = env.stringEnv("PLATFORM_URL", cfg.Platform.URL)
	cfg.Platform.OrgName = env.stringEnv("PLATFORM_ORG", cfg.Platform.OrgName)
	cfg.Platform.SolutionID = env.stringEnv("PLATFORM_SOLUTION_ID", cfg.Platform.SolutionID)
	cfg.Platform.Username = env.stringEnv("PLATFORM_USERNAME", cfg.Platform.Username)
	cfg.Platform.Password = env.stringEnv("PLATFORM_PASSWORD", cfg.Platform.Password)
	cfg.Platform.Scope = env.stringEnv("PLATFORM_SCOPE", cfg.Platform.Scope)
	cfg.Platform.Timeout.Duration = env.durationEnv("PLATFORM_TIMEOUT", cfg.Platform.Timeout.Duration)
	cfg.Platform.RateLimit = env.floatEnv("PLATFORM_RATE_LIMIT", cfg.Platform.RateLimit)
	cfg.Platform.RateBurst = env.intEnv("PLATFORM_RATE_BURST", cfg.Platform.RateBurst)

	cfg.Integration.URL = env.stringEnv("URL", cfg.Integration.URL)
	cfg.Integration.Password = env.stringEnv("PASSWORD", cfg.Integration.Password)

	cfg.Store.DSN = env.stringEnv("STORE_DSN", cfg.Store.DSN)
	cfg.Store.SchemaDir = env.stringEnv("SCHEMA_DIR", cfg.Store.SchemaDir)
	cfg.Store.Notify = env.boolEnv("NOTIFY", cfg.Store.Notify)
	cfg.Store.NotifyQueue = env.stringEnv("NOTIFY_QUEUE", cfg.Store.NotifyQueue)
	cfg.Store.NotifyQueueSize = env.intEnv("NOTIFY_QUEUE_SIZE", cfg.Store.NotifyQueueSize)
	cfg.Store.MaxInflightMessages = env.intEnv("MAX_INFLIGHT_MESSAGES", cfg.Store.MaxInflightMessages)
	cfg.Store.RetryAfter.Duration = env.durationEnv("RETRY_AFTER", cfg.Store.RetryAfter.Duration)
	cfg.Store.MessageLogSize = env.intEnv("MESSAGE_LOG_SIZE", cfg.Store.MessageLogSize)

	cfg.Log.Level = env.stringEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Development = env.boolEnv("LOG_DEVELOPMENT", cfg.Log.Development)
}

// PlatformEnabled reports whether enough is configured to talk to the
// platform.
func (c Config) PlatformEnabled() bool {
	return strings.TrimSpace(c.Platform.URL) != ""
}

func (c Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.PlatformEnabled() {
		if u, err := url.Parse(c.Platform.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("platform.url %q is not an http(s) url", c.Platform.URL))
		}
		if c.Platform.OrgName == "" {
			errs = append(errs, errors.New("platform.org_name is required with platform.url"))
		}
	}
	if c.Integration.URL != "" && !c.PlatformEnabled() {
		errs = append(errs, errors.New("integration.url needs platform.url to register"))
	}
	if c.Store.Notify && !c.PlatformEnabled() {
		errs = append(errs, errors.New("store.notify needs platform.url"))
	}
	if c.Platform.RateLimit < 0 {
		errs = append(errs, errors.New("platform.rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

type envReader struct {
	logger *zap.Logger
}

func (e envReader) lookup(name string) (string, string, bool) {
	key := envPrefix + name
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return key, "", false
	}
	return key, strings.TrimSpace(raw), true
}

func (e envReader) invalid(key, raw string, fallback any) {
	e.logger.Warn("invalid environment value, using fallback",
		zap.String("name", key), zap.String("value", raw), zap.Any("fallback", fallback))
}

func (e envReader) stringEnv(name, fallback string) string {
	if _, raw, ok := e.lookup(name); ok {
		return raw
	}
	return fallback
}

func (e envReader) intEnv(name string, fallback int) int {
	key, raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(key, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) int64Env(name string, fallback int64) int64 {
	key, raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.invalid(key, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) floatEnv(name string, fallback float64) float64 {
	key, raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.invalid(key, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) boolEnv(name string, fallback bool) bool {
	key, raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(key, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	key, raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(key, raw, fallback.String())
		return fallback
	}
	return value
}
