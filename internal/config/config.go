// Package config provides configuration loading and validation for WardGate.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Policy    PolicyConfig    `yaml:"policy" mapstructure:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	PIDFile  string `yaml:"pid_file" mapstructure:"pid_file"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port"`

	// TLSCert/TLSKey enable TLS when both are set. The gateway generates a
	// self-signed pair at these paths when they do not exist yet.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key"`
}

// AuthConfig holds the credential settings. There is no way to disable
// authentication.
type AuthConfig struct {
	Mode string `yaml:"mode" mapstructure:"mode" validate:"required,oneof=token password"`

	// Token/Password may be plaintext or an argon2id PHC hash produced by
	// `wardgate hash-key`.
	Token    string `yaml:"token" mapstructure:"token"`
	Password string `yaml:"password" mapstructure:"password"`

	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies"`
}

// RateLimitConfig holds the failure limiter settings.
type RateLimitConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`
	Window         time.Duration `yaml:"window" mapstructure:"window" validate:"min=1s"`
	Lockout        time.Duration `yaml:"lockout" mapstructure:"lockout" validate:"min=1s"`
	LimitLoopback  bool          `yaml:"limit_loopback" mapstructure:"limit_loopback"`
	SweepInterval  time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// PolicyConfig holds the tool policy settings.
type PolicyConfig struct {
	// File is the YAML rules file; empty means no rules (everything allowed).
	File            string        `yaml:"file" mapstructure:"file"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout" mapstructure:"approval_timeout" validate:"min=1s"`
	MaxPending      int           `yaml:"max_pending" mapstructure:"max_pending" validate:"min=1"`
}

// TelemetryConfig holds the OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults fills optional fields that were left empty.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8790"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RateLimit.MaxAttempts == 0 {
		c.RateLimit.MaxAttempts = 5
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.Lockout == 0 {
		c.RateLimit.Lockout = 5 * time.Minute
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = time.Minute
	}
	if c.Policy.ApprovalTimeout == 0 {
		c.Policy.ApprovalTimeout = 120 * time.Second
	}
	if c.Policy.MaxPending == 0 {
		c.Policy.MaxPending = 100
	}
}

// Validate checks struct tags and cross-field rules. A config whose auth mode
// lacks its secret is refused here, at startup, not at the first handshake.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	switch c.Auth.Mode {
	case "token":
		if c.Auth.Token == "" {
			return errors.New("auth: mode \"token\" requires auth.token")
		}
	case "password":
		if c.Auth.Password == "" {
			return errors.New("auth: mode \"password\" requires auth.password")
		}
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server: tls_cert and tls_key must be set together")
	}
	return nil
}

// formatValidationErrors converts validator errors to actionable messages.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	messages := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", e.Namespace()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", e.Namespace(), e.Param()))
		case "hostname_port":
			messages = append(messages, fmt.Sprintf("%s must be a valid host:port", e.Namespace()))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", e.Namespace(), e.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}
