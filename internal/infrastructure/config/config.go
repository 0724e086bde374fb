package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// minSecretLength is the minimum length for JWT signing secrets.
// Shorter secrets make HS256 tokens brute-forceable offline.
const minSecretLength = 32

// Config is the root configuration structure for WashTrack Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Database    DatabaseConfig    `yaml:"database"`
	API         APIConfig         `yaml:"api"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServiceConfig contains deployment-specific information.
type ServiceConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains session and token security settings.
type SecurityConfig struct {
	AccessToken  AccessTokenConfig  `yaml:"access_token"`
	RefreshToken RefreshTokenConfig `yaml:"refresh_token"`
	Cookie       CookieConfig       `yaml:"cookie"`
}

// AccessTokenConfig contains access token signing and lifetime settings.
//
// Lifetimes differ per client class: the web admin refreshes frequently so
// its tokens stay short; the mobile field app may be offline between jobs
// and gets a longer window.
type AccessTokenConfig struct {
	Secret           string `yaml:"secret"`
	WebTTLMinutes    int    `yaml:"web_ttl_minutes"`
	MobileTTLMinutes int    `yaml:"mobile_ttl_minutes"`
}

// RefreshTokenConfig contains refresh token signing and lifetime settings.
// The refresh secret MUST differ from the access secret so a leaked access
// signing key cannot mint refresh tokens.
type RefreshTokenConfig struct {
	Secret        string `yaml:"secret"`
	WebTTLDays    int    `yaml:"web_ttl_days"`
	MobileTTLDays int    `yaml:"mobile_ttl_days"`
}

// CookieConfig contains settings for the web refresh token cookie.
type CookieConfig struct {
	// Secure marks the refresh cookie Secure. Enable in any deployment
	// served over HTTPS (i.e. production).
	Secure bool `yaml:"secure"`
}

// MaintenanceConfig contains background maintenance task settings.
type MaintenanceConfig struct {
	// SweepInterval is how often expired refresh sessions are purged (seconds).
	SweepInterval int `yaml:"sweep_interval"`

	// HealthInterval is how often the database availability monitor pings (seconds).
	HealthInterval int `yaml:"health_interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: WASHTRACK_SECTION_KEY
// For example: WASHTRACK_DATABASE_PATH, WASHTRACK_ACCESS_SECRET
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
// Signing secrets have no default — they must be supplied explicitly.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:       "washtrack-001",
			Name:     "WashTrack",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/washtrack.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			AccessToken: AccessTokenConfig{
				WebTTLMinutes:    15,
				MobileTTLMinutes: 60,
			},
			RefreshToken: RefreshTokenConfig{
				WebTTLDays:    7,
				MobileTTLDays: 90,
			},
			Cookie: CookieConfig{
				Secure: true,
			},
		},
		Maintenance: MaintenanceConfig{
			SweepInterval:  3600,
			HealthInterval: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: WASHTRACK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("WASHTRACK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("WASHTRACK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Security - signing secrets (IMPORTANT: always set in production)
	if v := os.Getenv("WASHTRACK_ACCESS_SECRET"); v != "" {
		cfg.Security.AccessToken.Secret = v
	}
	if v := os.Getenv("WASHTRACK_REFRESH_SECRET"); v != "" {
		cfg.Security.RefreshToken.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// An absent or weak signing secret is a startup error, never a runtime one:
// the process refuses to run rather than issue forgeable sessions.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	switch {
	case c.Security.AccessToken.Secret == "":
		errs = append(errs, "security.access_token.secret is required (set WASHTRACK_ACCESS_SECRET environment variable)")
	case len(c.Security.AccessToken.Secret) < minSecretLength:
		errs = append(errs, "security.access_token.secret must be at least 32 characters")
	}

	switch {
	case c.Security.RefreshToken.Secret == "":
		errs = append(errs, "security.refresh_token.secret is required (set WASHTRACK_REFRESH_SECRET environment variable)")
	case len(c.Security.RefreshToken.Secret) < minSecretLength:
		errs = append(errs, "security.refresh_token.secret must be at least 32 characters")
	}

	if c.Security.AccessToken.Secret != "" &&
		c.Security.AccessToken.Secret == c.Security.RefreshToken.Secret {
		errs = append(errs, "security.access_token.secret and security.refresh_token.secret must differ")
	}

	if c.Security.AccessToken.WebTTLMinutes <= 0 || c.Security.AccessToken.MobileTTLMinutes <= 0 {
		errs = append(errs, "security.access_token TTLs must be positive")
	}
	if c.Security.RefreshToken.WebTTLDays <= 0 || c.Security.RefreshToken.MobileTTLDays <= 0 {
		errs = append(errs, "security.refresh_token TTLs must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetSweepInterval returns the expiry sweep interval as a Duration.
func (c *MaintenanceConfig) GetSweepInterval() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// GetHealthInterval returns the availability monitor interval as a Duration.
func (c *MaintenanceConfig) GetHealthInterval() time.Duration {
	return time.Duration(c.HealthInterval) * time.Second
}
