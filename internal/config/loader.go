package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/yuguri76/fitbit/internal/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables read on top of the YAML file.
const (
	EnvConfigPath   = "FITBIT_CONFIG_PATH"
	EnvClientID     = "FITBIT_CLIENT_ID"
	EnvClientSecret = "FITBIT_CLIENT_SECRET"
	EnvRedirectURI  = "FITBIT_REDIRECT_URI"
	EnvScope        = "FITBIT_SCOPE"
	EnvPort         = "PORT"
)

// Loader handles configuration loading and hot-reloading
type Loader struct {
	path     string
	envFile  string
	mu       sync.RWMutex
	config   *Config
	lastMod  time.Time
	onChange func(*Config)
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		envFile:  ".env",
		stopChan: make(chan struct{}),
	}
}

// WithEnvFile points the loader at a dotenv file other than ./.env.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load reads the configuration from the file
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := loadDotEnv(l.envFile); err != nil {
		return nil, err
	}

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ErrConfigNotFound{Path: l.path}
		}
		return nil, err
	}

	content, err := os.ReadFile(l.path)
	if err != nil {
		return nil, &errors.FileError{Op: "read", Path: l.path, Err: err}
	}

	config, err := Parse(substituteEnvVars(content))
	if err != nil {
		return nil, err
	}

	l.config = config
	l.lastMod = info.ModTime()

	return config, nil
}

// Reload forces a reload of the configuration
func (l *Loader) Reload() (*Config, error) {
	config, err := l.Load()
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()

	if onChange != nil {
		onChange(config)
	}

	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// SetOnChange sets a callback to be called when configuration changes
func (l *Loader) SetOnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// StartWatcher starts checking for file changes
func (l *Loader) StartWatcher(interval time.Duration, onError func(error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-l.stopChan:
				return
			case <-ticker.C:
				if err := l.checkFileChange(); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
}

// StopWatcher stops the file watcher
func (l *Loader) StopWatcher() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
}

func (l *Loader) checkFileChange() error {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil
	}

	l.mu.RLock()
	lastMod := l.lastMod
	l.mu.RUnlock()

	if !info.ModTime().After(lastMod) {
		return nil
	}
	_, err = l.Reload()
	return err
}

// LoadFromEnv loads configuration using the path from FITBIT_CONFIG_PATH.
// Without that variable, config.yaml is used when present; otherwise the
// configuration is built from defaults and environment variables alone.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path != "" {
		return NewLoader(path).Load()
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return NewLoader("config.yaml").Load()
	}
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	return Parse(nil)
}

// MustLoad loads configuration or panics on error
func MustLoad(path string) *Config {
	config, err := NewLoader(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return config
}

// Parse parses configuration from byte slice
func Parse(data []byte) (*Config, error) {
	config := Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &errors.ConfigError{Stage: errors.StageParse, Err: err}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, &errors.ConfigError{Stage: errors.StageEnv, Err: err}
	}

	if err := config.Validate(); err != nil {
		return nil, &errors.ConfigError{Stage: errors.StageValidate, Err: err}
	}

	return config, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	// Existing environment variables win over the file.
	if err := godotenv.Load(path); err != nil {
		return &errors.FileError{Op: "read", Path: path, Err: err}
	}
	return nil
}

func applyEnvOverrides(c *Config) error {
	if v := os.Getenv(EnvClientID); v != "" {
		c.Fitbit.ClientID = v
	}
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.Fitbit.ClientSecret = v
	}
	if v := os.Getenv(EnvRedirectURI); v != "" {
		c.Fitbit.RedirectURI = v
	}
	if v := os.Getenv(EnvScope); v != "" {
		c.Fitbit.Scope = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Server.HTTPPort = port
	}
	return nil
}

func substituteEnvVars(content []byte) []byte {
	return []byte(os.ExpandEnv(string(content)))
}
