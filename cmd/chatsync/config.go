package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configShowFile bool
	configShowJSON bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowFile, "file", false, "Print the config file as stored")
	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "Output JSON")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print every setting as the client will use it, after CHATSYNC_* environment
variables and defaults are applied, together with where each value came from.
The token is masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowFile {
			return printConfigFile(cmd.OutOrStdout())
		}
		file, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		_, settings := resolveConfig(file)
		if configShowJSON {
			return printJSON(settings)
		}
		writeSettings(cmd.OutOrStdout(), settings)
		return nil
	},
}

func printConfigFile(w io.Writer) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(w, "No configuration file found. Run 'chatsync init <token>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func writeSettings(w io.Writer, settings []configSetting) {
	keyWidth, valueWidth := len("KEY"), len("VALUE")
	for _, s := range settings {
		keyWidth = max(keyWidth, len(s.Key))
		valueWidth = max(valueWidth, len(valueOrDefault(s.Value, "-")))
	}
	fmt.Fprintf(w, "%-*s  %-*s  %s\n", keyWidth, "KEY", valueWidth, "VALUE", "SOURCE")
	for _, s := range settings {
		fmt.Fprintf(w, "%-*s  %-*s  %s\n", keyWidth, s.Key, valueWidth, valueOrDefault(s.Value, "-"), s.Source)
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.ws_url wss://chat.example.com/ws",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		_, settings := resolveConfig(cfg)
		for _, s := range settings {
			if s.Key != key {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", key)
			if strings.HasPrefix(s.Source, "env ") {
				fmt.Fprintf(cmd.OutOrStdout(), "Note: %s overrides the stored value (%s)\n", s.Source, s.Value)
			}
		}
		return nil
	},
}
