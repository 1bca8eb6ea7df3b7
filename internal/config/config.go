// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config holds all application configuration.
type Config struct {
	Port        string `validate:"required,numeric"`
	GRPCPort    string `validate:"omitempty,numeric"`
	FrontendURL string `validate:"omitempty,url"`
	DBPath      string `validate:"required"`
	LogLevel    string `validate:"oneof=debug info warn error"`

	Backend   BackendConfig
	Timing    TimingConfig
	Recovery  RecoveryConfig
	Workspace WorkspaceConfig
	Limits    LimitsConfig
}

// BackendConfig selects where sessions and drafts live.
type BackendConfig struct {
	// Mode is "local" (SQLite, single node) or "http" (REST backend).
	Mode            string        `validate:"oneof=local http"`
	URL             string        `validate:"omitempty,url"`
	APIKey          string
	LocalSessionTTL time.Duration `validate:"gt=0"`
}

// TimingConfig holds the timing of the resilience core. It may be
// overridden from the YAML file named by CLINOTE_CONFIG_FILE.
type TimingConfig struct {
	OperationTimeout   time.Duration `yaml:"operation_timeout" validate:"gte=0"`
	MaxRetries         int           `yaml:"max_retries" validate:"gte=0,lte=30"`
	RetryDelay         time.Duration `yaml:"retry_delay" validate:"gte=0"`
	ExponentialBackoff bool          `yaml:"exponential_backoff"`

	SessionTimeout        time.Duration `yaml:"session_timeout" validate:"gt=0"`
	WarningBefore         time.Duration `yaml:"warning_before" validate:"gte=0"`
	SessionHealthInterval time.Duration `yaml:"session_health_interval" validate:"gte=0"`
	ReloadDelay           time.Duration `yaml:"reload_delay" validate:"gte=0"`

	MaxLoadingTime        time.Duration `yaml:"max_loading_time" validate:"gt=0"`
	InactivityTimeout     time.Duration `yaml:"inactivity_timeout" validate:"gte=0"`
	LoadingHealthInterval time.Duration `yaml:"loading_health_interval" validate:"gte=0"`
	GhostGrace            time.Duration `yaml:"ghost_grace" validate:"gte=0"`

	AutosaveDebounce  time.Duration `yaml:"autosave_debounce" validate:"gte=0"`
	AutosaveInterval  time.Duration `yaml:"autosave_interval" validate:"gte=0"`
	AutosaveMinLength int           `yaml:"autosave_min_length" validate:"gte=0"`
}

// RecoveryConfig names what recovery may purge.
type RecoveryConfig struct {
	Namespace      string   `yaml:"namespace" validate:"required"`
	CookiePrefixes []string `yaml:"cookie_prefixes"`
}

// WorkspaceConfig controls the idle reaper and tab connections.
type WorkspaceConfig struct {
	TTL            time.Duration `validate:"gt=0"`
	ReaperInterval time.Duration `validate:"gt=0"`
	UserTTL        time.Duration `validate:"gte=0"`
	OutboxSize     int           `validate:"gt=0"`
}

// LimitsConfig holds per-tab request rate limits.
type LimitsConfig struct {
	ExtendPerMinute int `validate:"gt=0"`
	ErrorsPerMinute int `validate:"gt=0"`
}

// fileConfig is the shape of the optional YAML overlay.
type fileConfig struct {
	Timing   TimingConfig   `yaml:"timing"`
	Recovery RecoveryConfig `yaml:"recovery"`
}

// Load reads configuration from environment variables, then applies the
// YAML overlay when CLINOTE_CONFIG_FILE is set.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", ""),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/clinote.db"),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Backend: BackendConfig{
			Mode:            getEnv("BACKEND_MODE", "local"),
			URL:             getEnv("BACKEND_URL", ""),
			APIKey:          getEnv("BACKEND_API_KEY", ""),
			LocalSessionTTL: getEnvDuration("LOCAL_SESSION_TTL", time.Hour),
		},
		Timing: TimingConfig{
			OperationTimeout:   getEnvDuration("OPERATION_TIMEOUT", 10*time.Second),
			MaxRetries:         getEnvInt("OPERATION_MAX_RETRIES", 2),
			RetryDelay:         getEnvDuration("OPERATION_RETRY_DELAY", time.Second),
			ExponentialBackoff: getEnvBool("OPERATION_EXPONENTIAL_BACKOFF", true),

			SessionTimeout:        getEnvDuration("SESSION_TIMEOUT", 60*time.Minute),
			WarningBefore:         getEnvDuration("SESSION_WARNING_BEFORE", 5*time.Minute),
			SessionHealthInterval: getEnvDuration("SESSION_HEALTH_INTERVAL", 30*time.Second),
			ReloadDelay:           getEnvDuration("SESSION_RELOAD_DELAY", 1500*time.Millisecond),

			MaxLoadingTime:        getEnvDuration("MAX_LOADING_TIME", 30*time.Second),
			InactivityTimeout:     getEnvDuration("INACTIVITY_TIMEOUT", 30*time.Minute),
			LoadingHealthInterval: getEnvDuration("LOADING_HEALTH_INTERVAL", 5*time.Second),
			GhostGrace:            getEnvDuration("GHOST_LOAD_GRACE", 2*time.Second),

			AutosaveDebounce:  getEnvDuration("AUTOSAVE_DEBOUNCE", 2*time.Second),
			AutosaveInterval:  getEnvDuration("AUTOSAVE_INTERVAL", 30*time.Second),
			AutosaveMinLength: getEnvInt("AUTOSAVE_MIN_LENGTH", 10),
		},
		Recovery: RecoveryConfig{
			Namespace:      getEnv("APP_NAMESPACE", "clinote"),
			CookiePrefixes: getEnvList("RECOVERY_COOKIE_PREFIXES", []string{"clinote", "sb-"}),
		},
		Workspace: WorkspaceConfig{
			TTL:            getEnvDuration("WORKSPACE_TTL", 2*time.Hour),
			ReaperInterval: getEnvDuration("WORKSPACE_REAPER_INTERVAL", 5*time.Minute),
			UserTTL:        getEnvDuration("USER_TTL", 30*24*time.Hour),
			OutboxSize:     getEnvInt("WS_OUTBOX_SIZE", 64),
		},
		Limits: LimitsConfig{
			ExtendPerMinute: getEnvInt("EXTEND_RATE_PER_MINUTE", 6),
			ErrorsPerMinute: getEnvInt("ERROR_REPORT_RATE_PER_MINUTE", 30),
		},
	}

	if path := getEnv("CLINOTE_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyFile overlays the timing and recovery sections from a YAML file.
// Keys missing from the file keep their current values.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	overlay := fileConfig{Timing: c.Timing, Recovery: c.Recovery}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.Timing = overlay.Timing
	c.Recovery = overlay.Recovery
	return nil
}

// Validate checks that all configuration fields are usable.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Backend.Mode == "http" && (c.Backend.URL == "" || c.Backend.APIKey == "") {
		return fmt.Errorf("BACKEND_URL and BACKEND_API_KEY are required when BACKEND_MODE is http")
	}
	if c.Timing.WarningBefore >= c.Timing.SessionTimeout {
		return fmt.Errorf("SESSION_WARNING_BEFORE must be shorter than SESSION_TIMEOUT")
	}
	if c.GRPCPort != "" && c.GRPCPort == c.Port {
		return fmt.Errorf("GRPC_PORT must differ from PORT")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
