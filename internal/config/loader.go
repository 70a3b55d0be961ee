package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points Viper at the configuration file and the environment.
// With no explicit file, wardgate.yaml/.yml is searched in the working
// directory, ~/.wardgate, and /etc/wardgate. Environment variables use the
// WARDGATE_ prefix: WARDGATE_SERVER_ADDR overrides server.addr.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("wardgate")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WARDGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches the standard locations for wardgate.yaml or .yml.
// The explicit extension keeps Viper from matching the wardgate binary.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".wardgate"),
		"/etc/wardgate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "wardgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested keys so env overrides work without a file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.tls_cert")
	_ = viper.BindEnv("server.tls_key")

	_ = viper.BindEnv("auth.mode")
	_ = viper.BindEnv("auth.token")
	_ = viper.BindEnv("auth.password")
	// Note: auth.trusted_proxies is a list; use the config file for it.

	_ = viper.BindEnv("rate_limit.max_attempts")
	_ = viper.BindEnv("rate_limit.window")
	_ = viper.BindEnv("rate_limit.lockout")
	_ = viper.BindEnv("rate_limit.limit_loopback")
	_ = viper.BindEnv("rate_limit.sweep_interval")

	_ = viper.BindEnv("policy.file")
	_ = viper.BindEnv("policy.approval_timeout")
	_ = viper.BindEnv("policy.max_pending")

	_ = viper.BindEnv("telemetry.enabled")

	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("pid_file")
}

// Load reads the configuration, applies defaults, and validates. A missing
// config file is fine (environment-only configuration); a missing secret for
// the configured auth mode is not.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}
