// Package config loads the server configuration from environment variables.
//
// Values are read once at startup and treated as immutable. A .env file in
// the working directory is honoured for local development (see LoadDotEnv),
// but real environment variables always win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultDBPath           = "data/damaijiwa.db"
	DefaultGeneratorBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultGeneratorModel   = "gemini-2.0-flash"
)

// Config holds every tunable of the server.
type Config struct {
	// Server
	Port    int
	BaseURL string
	DBPath  string

	// Session
	SessionSecret string
	SessionMaxAge time.Duration
	CookieSecure  bool

	// Google OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Response generator
	GeminiAPIKey        string
	GeneratorBaseURL    string
	GeneratorModel      string
	GeneratorTimeout    time.Duration
	GeneratorMaxRetries int

	// Conversation
	LoginNudgeAfter int

	// Rate limits, requests per minute per user
	RateLimitGeneral int
	RateLimitTurns   int

	// Observability
	SentryDSN   string
	Environment string
	LogLevel    string
	LogFormat   string
}

// LoadDotEnv reads the given .env files (default ".env") into the process
// environment. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the Config from the environment.
// Returns an error listing every required variable that is unset.
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("config: required environment variables are not set: %v", missing)
	}

	cfg.Port = getEnvInt("PORT", 3000)
	cfg.BaseURL = strings.TrimRight(getEnvString("BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")
	cfg.DBPath = DBPath()

	cfg.SessionMaxAge = getEnvDuration("SESSION_MAX_AGE", 30*24*time.Hour)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = getEnvString("GOOGLE_REDIRECT_URL", cfg.BaseURL+"/auth/google/callback")

	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.GeneratorBaseURL = getEnvString("GENERATOR_BASE_URL", DefaultGeneratorBaseURL)
	cfg.GeneratorModel = getEnvString("GENERATOR_MODEL", DefaultGeneratorModel)
	cfg.GeneratorTimeout = getEnvDuration("GENERATOR_TIMEOUT", 60*time.Second)
	cfg.GeneratorMaxRetries = getEnvInt("GENERATOR_MAX_RETRIES", 0)

	cfg.LoginNudgeAfter = getEnvInt("LOGIN_NUDGE_AFTER", 4)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitTurns = getEnvInt("RATE_LIMIT_TURNS", 20)

	cfg.SentryDSN = os.Getenv("SENTRY_DSN")
	cfg.Environment = getEnvString("APP_ENV", "development")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogFormat = getEnvString("LOG_FORMAT", "text")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that parsed but make no sense.
func (c *Config) Validate() error {
	if len(c.SessionSecret) < 16 {
		return errors.New("config: SESSION_SECRET must be at least 16 characters")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if c.SessionMaxAge <= 0 {
		return errors.New("config: SESSION_MAX_AGE must be positive")
	}
	if c.GeneratorMaxRetries < 0 {
		return errors.New("config: GENERATOR_MAX_RETRIES must not be negative")
	}
	if c.LoginNudgeAfter < 1 {
		return errors.New("config: LOGIN_NUDGE_AFTER must be at least 1")
	}
	if c.RateLimitGeneral < 1 || c.RateLimitTurns < 1 {
		return errors.New("config: rate limits must be at least 1 request per minute")
	}
	return nil
}

// DBPath returns DB_PATH or the default. The CLI's maintenance commands use
// it directly since they need no session secret.
func DBPath() string {
	return getEnvString("DB_PATH", DefaultDBPath)
}

// GoogleEnabled reports whether Google login can be offered.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// SlogLevel maps LogLevel onto slog levels, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
