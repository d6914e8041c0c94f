package main

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.deskline/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint and identity settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
	UserID      string `toml:"user_id"`
	UserName    string `toml:"user_name"`
}

// ConfigAuth holds the session token from the last login.
type ConfigAuth struct {
	Token string `toml:"token"`
	Email string `toml:"email"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.deskline, creating it if needed.
func configDir() (string, error) {
	if flagConfigDir != "" {
		if err := os.MkdirAll(flagConfigDir, 0o700); err != nil {
			return "", errors.Wrap(err, "cannot create config directory")
		}
		return flagConfigDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	dir := filepath.Join(home, ".deskline")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create config directory")
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, errors.Wrap(err, "cannot read config")
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "cannot write config")
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return errors.New("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		case "user_id":
			cfg.Default.UserID = value
		case "user_name":
			cfg.Default.UserName = value
		default:
			return errors.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "email":
			cfg.Auth.Email = value
		default:
			return errors.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return errors.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagConfigDir   string
	flagLogLevel    string
	flagMetricsAddr string
	flagBaseURL     string
	flagRealtimeURL string
)

var rootCmd = &cobra.Command{
	Use:          "deskline",
	Short:        "Deskline realtime CLI",
	Long:         "Command-line interface for the Deskline support console realtime API.\nLog in, watch conversation events, send messages and run a local mock server.",
	SilenceUsage:  true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfigDir, "config-dir", "", "Config directory (default ~/.deskline)")
	pf.StringVar(&flagLogLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	pf.StringVar(&flagBaseURL, "base-url", "", "Override default.base_url")
	pf.StringVar(&flagRealtimeURL, "realtime-url", "", "Override default.realtime_url")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
