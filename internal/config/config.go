package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/yuguri76/fitbit/internal/models"
)

// Fitbit endpoint defaults.
const (
	DefaultAuthorizationEndpoint = "https://www.fitbit.com/oauth2/authorize"
	DefaultTokenEndpoint         = "https://api.fitbit.com/oauth2/token"
	DefaultRevokeEndpoint        = "https://api.fitbit.com/oauth2/revoke"
	DefaultIntrospectEndpoint    = "https://api.fitbit.com/1.1/oauth2/introspect"
	DefaultAPIBaseURL            = "https://api.fitbit.com"
	DefaultScope                 = "activity heartrate sleep profile oxygen_saturation respiratory_rate temperature cardio_fitness electrocardiogram weight nutrition settings"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Fitbit    FitbitConfig    `yaml:"fitbit"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

// FitbitConfig holds the OAuth2 client registration and provider endpoints.
type FitbitConfig struct {
	ClientID              string        `yaml:"client_id"`
	ClientSecret          string        `yaml:"client_secret"`
	RedirectURI           string        `yaml:"redirect_uri"`
	Scope                 string        `yaml:"scope"`
	AuthorizationEndpoint string        `yaml:"authorization_endpoint"`
	TokenEndpoint         string        `yaml:"token_endpoint"`
	RevokeEndpoint        string        `yaml:"revoke_endpoint"`
	IntrospectEndpoint    string        `yaml:"introspect_endpoint"`
	APIBaseURL            string        `yaml:"api_base_url"`
	TokenLifetime         int           `yaml:"token_lifetime"` // seconds, forwarded as expires_in
	RequestTimeout        time.Duration `yaml:"request_timeout"`
}

// Scopes splits the space separated scope string.
func (f FitbitConfig) Scopes() []string {
	return strings.Fields(f.Scope)
}

// CallbackURI returns the redirect URI, appending /callback when missing.
func (f FitbitConfig) CallbackURI() string {
	uri := strings.TrimRight(f.RedirectURI, "/")
	if strings.HasSuffix(uri, "/callback") {
		return uri
	}
	return uri + "/callback"
}

// PublicBaseURL is the externally reachable root of this service, derived
// from the redirect URI.
func (f FitbitConfig) PublicBaseURL() string {
	return strings.TrimSuffix(f.CallbackURI(), "/callback")
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	TLS             TLSConfig     `yaml:"tls"`

	// APIKeys protect the admin endpoints; empty disables the check.
	APIKeys      []string `yaml:"api_keys"`
	APIKeyHeader string   `yaml:"api_key_header"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"` // "1.2" or "1.3"
}

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFile     = "file"
	DriverMemory   = "memory"
)

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite database file or the directory holding tokens.json/pkce.json.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
	// PayloadRetention bounds how long collected payloads are kept; 0 keeps them forever.
	PayloadRetention time.Duration `yaml:"payload_retention"`
}

// SchedulerConfig controls periodic collection.
type SchedulerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Timezone        string   `yaml:"timezone"`
	Cadences        []string `yaml:"cadences"`
	ResumeOnStartup bool     `yaml:"resume_on_startup"`
}

// Location resolves the configured time zone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

// EnabledCadences returns the configured cadences, or all of them.
func (s SchedulerConfig) EnabledCadences() []models.Cadence {
	if len(s.Cadences) == 0 {
		return models.Cadences
	}
	out := make([]models.Cadence, 0, len(s.Cadences))
	for _, name := range s.Cadences {
		if c, err := models.ParseCadence(name); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// RetryConfig tunes the retrying API client.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	RequestsPerHour int           `yaml:"requests_per_hour"` // 0 disables client-side throttling
	Burst           int           `yaml:"burst"`
}

// TelegramConfig contains re-authorization notification settings.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Fitbit: FitbitConfig{
			Scope:                 DefaultScope,
			AuthorizationEndpoint: DefaultAuthorizationEndpoint,
			TokenEndpoint:         DefaultTokenEndpoint,
			RevokeEndpoint:        DefaultRevokeEndpoint,
			IntrospectEndpoint:    DefaultIntrospectEndpoint,
			APIBaseURL:            DefaultAPIBaseURL,
			RequestTimeout:        30 * time.Second,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			HTTPPort:        3001,
			ShutdownTimeout: 30 * time.Second,
			LogLevel:        "info",
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		Store: StoreConfig{
			Driver:           DriverSQLite,
			Path:             "./data/fitbit.db",
			PayloadRetention: 90 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			Timezone:        "Asia/Seoul",
			ResumeOnStartup: true,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialDelay:    time.Second,
			RequestsPerHour: 150,
			Burst:           10,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Fitbit.Validate(); err != nil {
		return fmt.Errorf("fitbit: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if err := c.Telegram.Validate(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	return nil
}

// Validate validates the OAuth client configuration.
func (f *FitbitConfig) Validate() error {
	if f.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if f.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if f.RedirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	for name, raw := range map[string]string{
		"redirect_uri":           f.RedirectURI,
		"authorization_endpoint": f.AuthorizationEndpoint,
		"token_endpoint":         f.TokenEndpoint,
		"api_base_url":           f.APIBaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}
	if strings.TrimSpace(f.Scope) == "" {
		f.Scope = DefaultScope
	}
	if f.TokenLifetime < 0 {
		return fmt.Errorf("token_lifetime must not be negative")
	}
	if f.RequestTimeout <= 0 {
		f.RequestTimeout = 30 * time.Second
	}
	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.RateLimit.RequestsPerMinute < 0 || s.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return fmt.Errorf("tls cert_file is required when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			return fmt.Errorf("tls key_file is required when TLS is enabled")
		}
		if s.TLS.MinVersion != "" && s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
			return fmt.Errorf("tls min_version must be either \"1.2\" or \"1.3\"")
		}
		if s.TLS.MinVersion == "" {
			s.TLS.MinVersion = "1.3"
		}
	}
	return nil
}

// Validate validates the store selection.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case DriverSQLite, DriverFile:
		if s.Path == "" {
			return fmt.Errorf("path is required for driver %q", s.Driver)
		}
	case DriverPostgres:
		if s.DSN == "" {
			return fmt.Errorf("dsn is required for driver %q", s.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown driver %q", s.Driver)
	}
	if s.PayloadRetention < 0 {
		return fmt.Errorf("payload_retention must not be negative")
	}
	return nil
}

// Validate validates scheduler configuration.
func (s *SchedulerConfig) Validate() error {
	if s.Timezone == "" {
		s.Timezone = "Asia/Seoul"
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	for _, name := range s.Cadences {
		if _, err := models.ParseCadence(name); err != nil {
			return err
		}
	}
	return nil
}

// Validate validates retry configuration.
func (r *RetryConfig) Validate() error {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.MaxAttempts > 10 {
		return fmt.Errorf("max_attempts must be at most 10")
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.RequestsPerHour < 0 {
		return fmt.Errorf("requests_per_hour must not be negative")
	}
	if r.RequestsPerHour > 0 && r.Burst <= 0 {
		r.Burst = 1
	}
	return nil
}

// Validate validates Telegram configuration.
func (t *TelegramConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.BotToken == "" {
		return fmt.Errorf("bot_token is required when telegram is enabled")
	}
	if t.ChatID == 0 {
		return fmt.Errorf("chat_id is required when telegram is enabled")
	}
	return nil
}
