package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateDatabase(&cfg.Database)
	v.validateBroker(&cfg.Broker)
	v.validatePoller(&cfg.Poller)
	v.validateCredentials(&cfg.Credentials)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	switch cfg.Format {
	case "json", "text", "auto":
	default:
		v.addError("log.format", cfg.Format, "must be one of: json, text, auto")
	}
}

func (v *Validator) validateDatabase(cfg *DatabaseConfig) {
	if cfg.DSN == "" {
		v.addError("database.dsn", cfg.DSN, "cannot be empty")
	}
}

func (v *Validator) validateBroker(cfg *BrokerConfig) {
	if cfg.URL == "" {
		v.addError("broker.url", cfg.URL, "cannot be empty")
	}
	if cfg.Queue == "" {
		v.addError("broker.queue", cfg.Queue, "cannot be empty")
	}
	if cfg.ConnectAttempts < 1 {
		v.addError("broker.connect_attempts", cfg.ConnectAttempts, "must be at least 1")
	}
	if cfg.ConnectBackoff <= 0 {
		v.addError("broker.connect_backoff", cfg.ConnectBackoff, "must be positive")
	}
}

func (v *Validator) validatePoller(cfg *PollerConfig) {
	if cfg.Interval <= 0 {
		v.addError("poller.interval", cfg.Interval, "must be positive")
	}
	if cfg.LookAhead < 0 {
		v.addError("poller.look_ahead", cfg.LookAhead, "cannot be negative")
	}
	if cfg.DisableAfter < 1 {
		v.addError("poller.disable_after", cfg.DisableAfter, "must be at least 1")
	}
	if cfg.DispatchTimeout <= 0 {
		v.addError("poller.dispatch_timeout", cfg.DispatchTimeout, "must be positive")
	}
}

func (v *Validator) validateCredentials(cfg *CredentialsConfig) {
	if cfg.EncryptionKey == "" {
		v.addError("credentials.encryption_key", "(empty)", "required; set PULSE_CREDENTIALS_ENCRYPTION_KEY")
	}
}
