package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

var initOffline bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initOffline, "offline", false, "Store the token without contacting the server")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the bearer token in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing your bearer token in the local configuration file.\nUnless --offline is given, the token is checked against the server and the account identity is stored too.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token

		if !initOffline {
			eff, err := effectiveConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			dir := chatsync.NewDirectoryClient(eff.Default.APIURL, chatsync.StaticToken(token))
			me, err := dir.Me(ctx)
			if err != nil {
				return fmt.Errorf("token check failed: %w", err)
			}
			cfg.Auth.UserID = me.ID
			cfg.Auth.Username = me.Username
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		if cfg.Auth.Username != "" {
			fmt.Printf("Logged in as %s. Token saved to %s\n", cfg.Auth.Username, path)
		} else {
			fmt.Printf("Token saved to %s\n", path)
		}
		return nil
	},
}
