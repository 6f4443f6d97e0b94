package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds server endpoints and general settings.
type ConfigDefault struct {
	WSURL    string `toml:"ws_url"`
	APIURL   string `toml:"api_url"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the bearer token and the identity it belongs to.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

const (
	defaultWSURL  = "ws://localhost:8080/ws"
	defaultAPIURL = "http://localhost:8080/api"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
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
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// configField describes one setting: its dotted key, the environment
// variable overriding it and its default.
type configField struct {
	key    string
	env    string
	def    string
	secret bool
	ref    func(*Config) *string
}

var configFields = []configField{
	{key: "default.ws_url", env: "CHATSYNC_WS_URL", def: defaultWSURL,
		ref: func(c *Config) *string { return &c.Default.WSURL }},
	{key: "default.api_url", env: "CHATSYNC_API_URL", def: defaultAPIURL,
		ref: func(c *Config) *string { return &c.Default.APIURL }},
	{key: "default.log_level", env: "CHATSYNC_LOG_LEVEL", def: "info",
		ref: func(c *Config) *string { return &c.Default.LogLevel }},
	{key: "auth.token", env: "CHATSYNC_TOKEN", secret: true,
		ref: func(c *Config) *string { return &c.Auth.Token }},
	{key: "auth.user_id", env: "CHATSYNC_USER_ID",
		ref: func(c *Config) *string { return &c.Auth.UserID }},
	{key: "auth.username",
		ref: func(c *Config) *string { return &c.Auth.Username }},
}

// configSetting is the effective value of a field and where it came from.
type configSetting struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// resolveConfig overlays CHATSYNC_* environment variables and defaults on
// the file config. file is not modified.
func resolveConfig(file *Config) (*Config, []configSetting) {
	cfg := *file
	settings := make([]configSetting, 0, len(configFields))
	for _, f := range configFields {
		dst := f.ref(&cfg)
		source := "file"
		switch {
		case f.env != "" && os.Getenv(f.env) != "":
			*dst = os.Getenv(f.env)
			source = "env " + f.env
		case *dst != "":
		case f.def != "":
			*dst = f.def
			source = "default"
		default:
			source = "unset"
		}
		value := *dst
		if f.secret && value != "" {
			value = maskKey(value)
		}
		settings = append(settings, configSetting{Key: f.key, Value: value, Source: source})
	}
	return &cfg, settings
}

// effectiveConfig is the config file overlaid with CHATSYNC_* environment
// variables and defaults. It is never saved.
func effectiveConfig() (*Config, error) {
	file, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg, _ := resolveConfig(file)
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.ws_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.ws_url)")
	}
	if section != "default" && section != "auth" {
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	for _, f := range configFields {
		if f.key == key {
			*f.ref(cfg) = value
			return nil
		}
	}
	return fmt.Errorf("unknown field %q in section [%s]", field, section)
}

// ============================================================================
// Root command
// ============================================================================

var metricsAddr string

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync client",
	Long:  "Command-line client for the chat server.\nKeeps a live connection, sends messages with delivery tracking, and lists conversations and contacts.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during chat (e.g. :9090)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
