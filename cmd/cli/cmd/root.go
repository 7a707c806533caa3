package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	baseURL  string
	apiKey   string
	tenantID string
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "agentdeck CLI - Manage hosted agents and sessions from the command line",
	Long: `agentctl is a command-line tool for the agentdeck orchestration platform.

It provides commands to deploy agents, create and manage sessions, stream
conversation turns, and run shell commands inside session sandboxes.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("AGENTDECK_API_URL", "http://localhost:8080"), "agentdeck API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("AGENTDECK_API_KEY"), "agentdeck API key")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", os.Getenv("AGENTDECK_TENANT"), "tenant id (optional)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

type credentials struct {
	URL    string `json:"url"`
	APIKey string `json:"apiKey"`
	Tenant string `json:"tenant,omitempty"`
}

func credentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".agentdeck", "credentials.json"), nil
}

// checkAPIKey resolves the API key from flag, env, or the credentials file
// written by `agentctl login`.
func checkAPIKey() error {
	if apiKey != "" {
		return nil
	}

	path, err := credentialsPath()
	if err == nil {
		if data, err := os.ReadFile(path); err == nil {
			var creds credentials
			if json.Unmarshal(data, &creds) == nil && creds.APIKey != "" {
				apiKey = creds.APIKey
				if !rootCmd.PersistentFlags().Changed("url") && creds.URL != "" {
					baseURL = creds.URL
				}
				if tenantID == "" {
					tenantID = creds.Tenant
				}
				return nil
			}
		}
	}

	return fmt.Errorf("API key is required. Run 'agentctl login', set AGENTDECK_API_KEY, or use --api-key")
}
