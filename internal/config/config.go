package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the mentor session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	TavusBaseURL string
	TavusAPIKey  string

	// TransportMode selects the realtime call boundary: "bridge" drives the
	// browser over the session websocket, "mock" runs headless.
	TransportMode        string
	BridgeCommandTimeout time.Duration

	SessionTimeLimit time.Duration
	TickInterval     time.Duration
	AudioGraceDelay  time.Duration
	RestartDelay     time.Duration
	// ResumeWindow is how long a disconnected client may stay away and
	// still continue its elapsed time.
	ResumeWindow     time.Duration

	StateStoreURL  string
	StateKeyPrefix string
	DatabaseURL    string
}

// Load reads environment variables (and a local .env when present) and applies safe defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "finmentor"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "console")),
		AllowAnyOrigin:   false,
		TavusBaseURL:     strings.TrimRight(envOrDefault("TAVUS_BASE_URL", "https://tavusapi.com"), "/"),
		TavusAPIKey:      strings.TrimSpace(os.Getenv("TAVUS_API_KEY")),
		TransportMode:    strings.ToLower(envOrDefault("TRANSPORT_MODE", "bridge")),
		StateStoreURL:    strings.TrimSpace(os.Getenv("STATE_STORE_URL")),
		StateKeyPrefix:   envOrDefault("STATE_KEY_PREFIX", "finmentor"),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),

		ShutdownTimeout:      15 * time.Second,
		BridgeCommandTimeout: 30 * time.Second,
		SessionTimeLimit:     5 * time.Minute,
		TickInterval:         time.Second,
		// The remote persona greets first; the mic opens after it.
		AudioGraceDelay: 4 * time.Second,
		RestartDelay:    2 * time.Second,
		ResumeWindow:    2 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BridgeCommandTimeout, err = durationFromEnv("BRIDGE_COMMAND_TIMEOUT", cfg.BridgeCommandTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTimeLimit, err = durationFromEnv("SESSION_TIME_LIMIT", cfg.SessionTimeLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.TickInterval, err = durationFromEnv("SESSION_TICK_INTERVAL", cfg.TickInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioGraceDelay, err = durationFromEnv("SESSION_AUDIO_GRACE_DELAY", cfg.AudioGraceDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.RestartDelay, err = durationFromEnv("SESSION_RESTART_DELAY", cfg.RestartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ResumeWindow, err = durationFromEnv("SESSION_RESUME_WINDOW", cfg.ResumeWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	// Wrap-up fires a minute before the limit, so anything shorter has no room for it.
	if c.SessionTimeLimit <= time.Minute {
		return fmt.Errorf("SESSION_TIME_LIMIT must be longer than 1m")
	}
	if c.SessionTimeLimit%time.Second != 0 {
		return fmt.Errorf("SESSION_TIME_LIMIT must be a whole number of seconds")
	}
	if c.TickInterval <= 0 || c.TickInterval > 10*time.Second {
		return fmt.Errorf("SESSION_TICK_INTERVAL must be within (0, 10s]")
	}
	if c.AudioGraceDelay < 0 {
		return fmt.Errorf("SESSION_AUDIO_GRACE_DELAY must be >= 0")
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("SESSION_RESTART_DELAY must be >= 0")
	}
	if c.ResumeWindow <= 0 {
		return fmt.Errorf("SESSION_RESUME_WINDOW must be positive")
	}
	if c.BridgeCommandTimeout <= 0 {
		return fmt.Errorf("BRIDGE_COMMAND_TIMEOUT must be positive")
	}
	switch c.TransportMode {
	case "bridge", "mock":
	default:
		return fmt.Errorf("invalid TRANSPORT_MODE: %q (expected bridge|mock)", c.TransportMode)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q (expected console|json)", c.LogFormat)
	}
	if strings.TrimSpace(c.TavusBaseURL) == "" {
		return fmt.Errorf("TAVUS_BASE_URL must not be empty")
	}
	return nil
}

// TimeLimitSeconds returns the session cap in whole seconds.
func (c Config) TimeLimitSeconds() int {
	return int(c.SessionTimeLimit / time.Second)
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
