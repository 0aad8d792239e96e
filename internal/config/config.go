// Package config provides centralized configuration management for treqd.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail fast
// with helpful error messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Workspace string
	Host      string
	Port      int

	// Auth configuration
	Token           string
	AllowCookieAuth bool
	AdminUsername   string
	AdminPassword   string
	SessionTTL      time.Duration

	// CORS configuration
	CORSOrigins []string

	// Request/session limits
	MaxBodyBytes  int64
	MaxSessions   int
	MaxWSSessions int

	// Hosted UI
	WebURL string
	WebDir string

	// Execution-history store (optional; empty disables persistence)
	HistoryDSN string

	// Artifact export (optional; empty disables export)
	ArtifactLocalDir   string
	ArtifactS3Bucket   string
	ArtifactS3Region   string
	ArtifactS3Endpoint string
	ArtifactS3Prefix   string

	// Rate limiting
	ScriptTokenRateLimit float64
	ScriptTokenRateBurst int
	WSOpenRateLimit      float64
	WSOpenRateBurst      int
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultHost                 = "127.0.0.1"
	DefaultPort                 = 8811
	DefaultMaxBodyBytes         = 10 * 1024 * 1024
	DefaultMaxSessions          = 100
	DefaultMaxWSSessions        = 50
	DefaultSessionTTL           = 30 * time.Minute
	DefaultAdminUsername        = "admin"
	DefaultScriptTokenRateLimit = 5.0
	DefaultScriptTokenRateBurst = 10
	DefaultWSOpenRateLimit      = 2.0
	DefaultWSOpenRateBurst      = 5
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		Workspace:            ".",
		Host:                 DefaultHost,
		Port:                 DefaultPort,
		MaxBodyBytes:         DefaultMaxBodyBytes,
		MaxSessions:          DefaultMaxSessions,
		MaxWSSessions:        DefaultMaxWSSessions,
		SessionTTL:           DefaultSessionTTL,
		AdminUsername:        DefaultAdminUsername,
		ScriptTokenRateLimit: DefaultScriptTokenRateLimit,
		ScriptTokenRateBurst: DefaultScriptTokenRateBurst,
		WSOpenRateLimit:      DefaultWSOpenRateLimit,
		WSOpenRateBurst:      DefaultWSOpenRateBurst,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("TREQD_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("TREQD_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("TREQD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TREQD_PORT",
				Message: fmt.Sprintf("invalid port number: %q (must be an integer)", v),
			})
		} else {
			c.Port = port
		}
	}

	if v := os.Getenv("TREQD_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("TREQD_ALLOW_COOKIE_AUTH"); v != "" {
		c.AllowCookieAuth = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TREQD_ADMIN_USERNAME"); v != "" {
		c.AdminUsername = v
	}
	if v := os.Getenv("TREQD_ADMIN_PASSWORD"); v != "" {
		c.AdminPassword = v
	}
	if v := os.Getenv("TREQD_SESSION_TTL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TREQD_SESSION_TTL_MS",
				Message: fmt.Sprintf("invalid ttl: %q (must be an integer number of milliseconds)", v),
			})
		} else if ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TREQD_SESSION_TTL_MS",
				Message: fmt.Sprintf("ttl must be positive: %d", ms),
			})
		} else {
			c.SessionTTL = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("TREQD_CORS_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.CORSOrigins = append(c.CORSOrigins, origin)
			}
		}
	}

	if v := os.Getenv("TREQD_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TREQD_MAX_BODY_BYTES",
				Message: fmt.Sprintf("invalid value: %q (must be a positive integer)", v),
			})
		} else {
			c.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("TREQD_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TREQD_MAX_SESSIONS",
				Message: fmt.Sprintf("invalid value: %q (must be a positive integer)", v),
			})
		} else {
			c.MaxSessions = n
		}
	}
	if v := os.Getenv("TREQD_MAX_WS_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TREQD_MAX_WS_SESSIONS",
				Message: fmt.Sprintf("invalid value: %q (must be a positive integer)", v),
			})
		} else {
			c.MaxWSSessions = n
		}
	}

	if v := os.Getenv("TREQD_WEB_URL"); v != "" {
		c.WebURL = v
	}
	if v := os.Getenv("TREQD_WEB_DIR"); v != "" {
		c.WebDir = v
	}

	if v := os.Getenv("TREQD_HISTORY_DSN"); v != "" {
		c.HistoryDSN = v
	}

	if v := os.Getenv("TREQD_ARTIFACT_LOCAL_DIR"); v != "" {
		c.ArtifactLocalDir = v
	}
	if v := os.Getenv("TREQD_ARTIFACT_S3_BUCKET"); v != "" {
		c.ArtifactS3Bucket = v
	}
	if v := os.Getenv("TREQD_ARTIFACT_S3_REGION"); v != "" {
		c.ArtifactS3Region = v
	}
	if v := os.Getenv("TREQD_ARTIFACT_S3_ENDPOINT"); v != "" {
		c.ArtifactS3Endpoint = v
	}
	if v := os.Getenv("TREQD_ARTIFACT_S3_PREFIX"); v != "" {
		c.ArtifactS3Prefix = v
	}

	if v := os.Getenv("TREQD_SCRIPT_TOKEN_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TREQD_SCRIPT_TOKEN_RATE_LIMIT",
				Message: fmt.Sprintf("invalid value: %q (must be a positive number)", v),
			})
		} else {
			c.ScriptTokenRateLimit = f
		}
	}
	if v := os.Getenv("TREQD_WS_OPEN_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TREQD_WS_OPEN_RATE_LIMIT",
				Message: fmt.Sprintf("invalid value: %q (must be a positive number)", v),
			})
		} else {
			c.WSOpenRateLimit = f
		}
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "TREQD_PORT",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port),
		})
	}
	if c.Workspace == "" {
		errs = append(errs, ValidationError{
			Field:   "TREQD_WORKSPACE",
			Message: "workspace path cannot be empty",
		})
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "TREQD_MAX_BODY_BYTES",
			Message: "max body bytes must be positive",
		})
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, ValidationError{
			Field:   "TREQD_MAX_SESSIONS",
			Message: "max sessions must be positive",
		})
	}
	if c.MaxWSSessions <= 0 {
		errs = append(errs, ValidationError{
			Field:   "TREQD_MAX_WS_SESSIONS",
			Message: "max WS sessions must be positive",
		})
	}
	if c.ArtifactS3Bucket != "" && c.ArtifactS3Region == "" {
		errs = append(errs, ValidationError{
			Field:   "TREQD_ARTIFACT_S3_REGION",
			Message: "region is required when an S3 bucket is configured",
		})
	}

	return errs
}

// MustLoad loads configuration and panics if it fails.
// Use this for application startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n\nConfiguration is read from the TREQD_* environment variables.\n", err)
		os.Exit(1)
	}
	return cfg
}

// LoadWithFlags loads configuration from environment variables,
// then applies command-line flag overrides.
func LoadWithFlags(workspace, host string, port int) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if workspace != "" {
		cfg.Workspace = workspace
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 && port != DefaultPort {
		cfg.Port = port
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}
