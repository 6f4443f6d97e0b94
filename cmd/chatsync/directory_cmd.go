package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// contacts
	contactsJSON bool

	// users search
	usersSearchJSON bool
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := getDirectory(cfg).Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			return printJSON(convs)
		}

		shown := 0
		for _, c := range convs {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			shown++

			var others []string
			for _, p := range c.Participants {
				if p != cfg.Auth.UserID {
					others = append(others, p)
				}
			}
			name := valueOrDefault(c.Name, strings.Join(others, ", "))
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %s  %s [%s]%s\n", c.ID, name, c.Type, unread)
			if c.LastMessage != nil {
				fmt.Printf("      %s: %s (%s)\n", c.LastMessage.SenderID, c.LastMessage.Content, when(c.LastMessage.Timestamp))
			}
		}
		if shown == 0 {
			fmt.Println("No conversations found.")
		}
		return nil
	},
}

// ============================================================================
// contacts
// ============================================================================

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		contacts, err := getDirectory(cfg).Contacts(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if contactsJSON {
			return printJSON(contacts)
		}
		if len(contacts) == 0 {
			fmt.Println("No contacts found.")
			return nil
		}
		for _, c := range contacts {
			seen := ""
			if c.Status != "online" && c.LastSeen != "" {
				seen = ", last seen " + when(c.LastSeen)
			}
			fmt.Printf("  %s  %s - %s%s\n", c.ID, c.Username, valueOrDefault(c.Status, "offline"), seen)
		}
		return nil
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Add a user to your contacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := getDirectory(cfg).AddContact(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Added %s to contacts.\n", args[0])
		return nil
	},
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Find users",
}

var usersSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search users by username",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := getDirectory(cfg).SearchUsers(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if usersSearchJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("  %s  %s\n", u.ID, u.Username)
		}
		return nil
	},
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	contactsCmd.Flags().BoolVar(&contactsJSON, "json", false, "Output raw JSON")
	usersSearchCmd.Flags().BoolVar(&usersSearchJSON, "json", false, "Output raw JSON")

	contactsCmd.AddCommand(contactsAddCmd)
	usersCmd.AddCommand(usersSearchCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(usersCmd)
}
