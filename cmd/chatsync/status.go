package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and fetch live account info from the directory API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  WebSocket URL: %s\n", cfg.Default.WSURL)
		fmt.Printf("  API URL:       %s\n", cfg.Default.APIURL)
		fmt.Printf("  Log level:     %s\n", cfg.Default.LogLevel)

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		fmt.Printf("  Username: %s\n", valueOrDefault(cfg.Auth.Username, "(unknown)"))
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dir := getDirectory(cfg)
		me, err := dir.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Username:      %s\n", me.Username)
		fmt.Printf("  Email:         %s\n", valueOrDefault(me.Email, "-"))

		convs, err := dir.Conversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}
