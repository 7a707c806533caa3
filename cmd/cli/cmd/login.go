package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agentdeck/agentdeck/pkg/client"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the API key for this machine",
	Long:  `Prompts for the API key, verifies it against the server, and writes ~/.agentdeck/credentials.json.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("agentdeck URL [%s]: ", baseURL)
		var urlInput string
		fmt.Scanln(&urlInput)
		if urlInput != "" {
			baseURL = urlInput
		}

		fmt.Print("API key: ")
		keyBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read API key: %w", err)
		}
		key := string(keyBytes)
		if key == "" {
			return fmt.Errorf("API key must not be empty")
		}

		// Verify before persisting.
		c := client.NewClient(baseURL, key, tenantID)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.ListAgents(ctx); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		path, err := credentialsPath()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return err
		}
		data, err := json.MarshalIndent(credentials{URL: baseURL, APIKey: key, Tenant: tenantID}, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}

		fmt.Printf("✓ Credentials saved to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
