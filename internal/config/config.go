// Package config handles orcabot configuration loading.
//
// Configuration comes from the process environment after the .env file
// at the working directory has been merged (see package envfile; real
// process environment always wins). Load builds an immutable snapshot;
// runtime edits flow through the control plane, which rewrites .env,
// updates the process environment, and notifies the live components
// that can re-apply a value without a restart.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/orcabot/orcabot/internal/cookies"
)

// Default values for behaviour settings.
const (
	DefaultMaxConcurrentHandlers = 10
	DefaultHandlerTimeout        = 30 * time.Second
	DefaultSendRatePerSec        = 5
	DefaultIdempotencyCacheSize  = 1000
	DefaultMetricsPort           = 9090
	DefaultDeviceDataPath        = "./device.json"
	DefaultDBPath                = "./bot.db"
	DefaultGeminiModel           = "gemini-1.5-flash"
)

// Config holds all orcabot configuration. The struct is a frozen
// snapshot of the environment at load time.
type Config struct {
	// Cookies is the parsed Messenger session (c_user and xs are
	// mandatory). Never persisted to the store and never editable
	// through the dashboard.
	Cookies cookies.Map

	LogLevel  string
	LogFormat string

	EnableE2EE     bool
	E2EEMemoryOnly bool
	AutoReconnect  bool

	MaxConcurrentHandlers int
	HandlerTimeout        time.Duration
	SendRatePerSec        int
	IdempotencyCacheSize  int

	MetricsPort    int
	DeviceDataPath string
	// DeviceData, when set, is an inline E2EE session blob that takes
	// precedence over DeviceDataPath at startup.
	DeviceData string
	DBPath     string

	GeminiEnabled bool
	GeminiAPIKey  string
	GeminiModel   string

	// SearchProvider picks the web search backend for the reply
	// pipeline ("brave" or "searxng"); empty disables search.
	SearchProvider string
	BraveAPIKey    string
	SearXNGURL     string

	// AutoRestartMinutes arms a graceful self-restart timer when > 0.
	AutoRestartMinutes int
}

// Load builds a Config from the process environment. Invalid numeric or
// boolean values fall back to their defaults with a logged warning;
// missing authentication is the only fatal condition.
func Load(logger *slog.Logger) (*Config, error) {
	cfg := &Config{
		LogLevel:              getenv("LOG_LEVEL", "info"),
		LogFormat:             getenv("LOG_FORMAT", "text"),
		EnableE2EE:            envBool(logger, "ENABLE_E2EE", true),
		E2EEMemoryOnly:        envBool(logger, "E2EE_MEMORY_ONLY", false),
		AutoReconnect:         envBool(logger, "AUTO_RECONNECT", true),
		MaxConcurrentHandlers: envInt(logger, "MAX_CONCURRENT_HANDLERS", DefaultMaxConcurrentHandlers),
		HandlerTimeout:        time.Duration(envInt(logger, "HANDLER_TIMEOUT_MS", int(DefaultHandlerTimeout/time.Millisecond))) * time.Millisecond,
		SendRatePerSec:        envInt(logger, "SEND_RATE_PER_SEC", DefaultSendRatePerSec),
		IdempotencyCacheSize:  envInt(logger, "IDEMPOTENCY_CACHE_SIZE", DefaultIdempotencyCacheSize),
		MetricsPort:           envInt(logger, "METRICS_PORT", DefaultMetricsPort),
		DeviceDataPath:        getenv("DEVICE_DATA_PATH", DefaultDeviceDataPath),
		DeviceData:            os.Getenv("DEVICE_DATA"),
		DBPath:                getenv("DB_PATH", DefaultDBPath),
		GeminiEnabled:         envBool(logger, "GEMINI_ENABLED", false),
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		GeminiModel:           getenv("GEMINI_MODEL", DefaultGeminiModel),
		SearchProvider:        strings.ToLower(strings.TrimSpace(os.Getenv("SEARCH_PROVIDER"))),
		BraveAPIKey:           os.Getenv("BRAVE_API_KEY"),
		SearXNGURL:            os.Getenv("SEARXNG_URL"),
		AutoRestartMinutes:    envInt(logger, "AUTO_RESTART_MINUTES", 0),
	}

	if cfg.MaxConcurrentHandlers < 1 {
		logger.Warn("MAX_CONCURRENT_HANDLERS below 1, using default",
			"value", cfg.MaxConcurrentHandlers, "default", DefaultMaxConcurrentHandlers)
		cfg.MaxConcurrentHandlers = DefaultMaxConcurrentHandlers
	}
	if cfg.SendRatePerSec < 1 {
		logger.Warn("SEND_RATE_PER_SEC below 1, using default",
			"value", cfg.SendRatePerSec, "default", DefaultSendRatePerSec)
		cfg.SendRatePerSec = DefaultSendRatePerSec
	}
	if cfg.IdempotencyCacheSize < 1 {
		logger.Warn("IDEMPOTENCY_CACHE_SIZE below 1, using default",
			"value", cfg.IdempotencyCacheSize, "default", DefaultIdempotencyCacheSize)
		cfg.IdempotencyCacheSize = DefaultIdempotencyCacheSize
	}
	if cfg.GeminiEnabled && cfg.GeminiAPIKey == "" {
		logger.Warn("GEMINI_ENABLED is set but GEMINI_API_KEY is empty, disabling LLM")
		cfg.GeminiEnabled = false
	}
	switch cfg.SearchProvider {
	case "":
	case "brave":
		if cfg.BraveAPIKey == "" {
			logger.Warn("SEARCH_PROVIDER=brave but BRAVE_API_KEY is empty, disabling search")
			cfg.SearchProvider = ""
		}
	case "searxng":
		if cfg.SearXNGURL == "" {
			logger.Warn("SEARCH_PROVIDER=searxng but SEARXNG_URL is empty, disabling search")
			cfg.SearchProvider = ""
		}
	default:
		logger.Warn("unknown SEARCH_PROVIDER, disabling search", "value", cfg.SearchProvider)
		cfg.SearchProvider = ""
	}

	jar, err := loadCookies()
	if err != nil {
		return nil, err
	}
	cfg.Cookies = jar

	return cfg, nil
}

// loadCookies assembles the session cookies from FB_COOKIES (any format
// the parser accepts) or the individual FB_C_USER / FB_XS / FB_DATR /
// FB_FR variables. Missing credentials abort startup.
func loadCookies() (cookies.Map, error) {
	if raw := os.Getenv("FB_COOKIES"); raw != "" {
		jar, err := cookies.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("FB_COOKIES: %w", err)
		}
		if err := jar.Validate(); err != nil {
			return nil, fmt.Errorf("FB_COOKIES: %w", err)
		}
		return jar, nil
	}

	jar := cookies.Map{}
	if v := os.Getenv("FB_C_USER"); v != "" {
		jar["c_user"] = v
	}
	if v := os.Getenv("FB_XS"); v != "" {
		jar["xs"] = v
	}
	if v := os.Getenv("FB_DATR"); v != "" {
		jar["datr"] = v
	}
	if v := os.Getenv("FB_FR"); v != "" {
		jar["fr"] = v
	}
	if err := jar.Validate(); err != nil {
		return nil, fmt.Errorf("no usable credentials: set FB_COOKIES or FB_C_USER+FB_XS: %w", err)
	}
	return jar, nil
}

// SelfID returns the bot's own user ID as recorded in the c_user cookie.
func (c *Config) SelfID() string {
	return c.Cookies["c_user"]
}

// editableKeys is the set of environment keys the control plane may
// update at runtime. Auth cookies are deliberately absent.
var editableKeys = map[string]bool{
	"LOG_LEVEL":               true,
	"LOG_FORMAT":              true,
	"ENABLE_E2EE":             true,
	"E2EE_MEMORY_ONLY":        true,
	"AUTO_RECONNECT":          true,
	"MAX_CONCURRENT_HANDLERS": true,
	"HANDLER_TIMEOUT_MS":      true,
	"SEND_RATE_PER_SEC":       true,
	"IDEMPOTENCY_CACHE_SIZE":  true,
	"METRICS_PORT":            true,
	"DEVICE_DATA_PATH":        true,
	"DB_PATH":                 true,
	"GEMINI_ENABLED":          true,
	"GEMINI_API_KEY":          true,
	"GEMINI_MODEL":            true,
	"SEARCH_PROVIDER":         true,
	"BRAVE_API_KEY":           true,
	"SEARXNG_URL":             true,
	"AUTO_RESTART_MINUTES":    true,
}

// secretKeys are editable keys whose values are masked on read.
var secretKeys = map[string]bool{
	"GEMINI_API_KEY": true,
	"BRAVE_API_KEY":  true,
}

// IsEditable reports whether the control plane may update key.
func IsEditable(key string) bool {
	return editableKeys[key]
}

// IsSecret reports whether key's value must be masked when exposed.
func IsSecret(key string) bool {
	return secretKeys[key]
}

// EditableKeys returns the editable key names in sorted order.
func EditableKeys() []string {
	keys := make([]string, 0, len(editableKeys))
	for k := range editableKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(logger *slog.Logger, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("invalid integer in environment, using default",
			"key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envBool(logger *slog.Logger, key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("invalid boolean in environment, using default",
			"key", key, "value", v, "default", def)
		return def
	}
	return b
}
