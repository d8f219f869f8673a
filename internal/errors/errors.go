package errors

import "fmt"

// ErrConfigNotFound is returned when the configuration file does not exist.
type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

// ConfigStage names the step of configuration loading that failed.
type ConfigStage string

const (
	StageParse    ConfigStage = "parse"
	StageEnv      ConfigStage = "env"
	StageValidate ConfigStage = "validate"
)

// ConfigError wraps a failure to turn a configuration document into a Config.
type ConfigError struct {
	Stage ConfigStage
	Err   error
}

func (e *ConfigError) Error() string {
	switch e.Stage {
	case StageValidate:
		return fmt.Sprintf("config validation failed: %v", e.Err)
	case StageEnv:
		return fmt.Sprintf("config environment override failed: %v", e.Err)
	default:
		return fmt.Sprintf("failed to parse YAML: %v", e.Err)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// StoreError wraps a credential or payload store failure. Target is the
// database path or the redacted DSN and is only set when opening.
type StoreError struct {
	Op        string
	Target    string
	Migration int
	Err       error
}

func (e *StoreError) Error() string {
	switch {
	case e.Migration > 0:
		return fmt.Sprintf("store migration %d failed: %v", e.Migration, e.Err)
	case e.Target != "":
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Target, e.Err)
	default:
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ServerError wraps HTTP listener start and shutdown failures.
type ServerError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ServerError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("server %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server %s on %s failed: %v", e.Op, e.Addr, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// FileError wraps filesystem failures of the file store and the config loader.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
