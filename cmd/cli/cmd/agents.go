package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/pkg/client"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage deployed agents",
	Long:  `Deploy, list, and remove agent folders.`,
}

var agentsDeployCmd = &cobra.Command{
	Use:   "deploy <name> <path>",
	Short: "Deploy an agent folder",
	Long:  `Registers an agent folder (system prompt + tool configuration) under the given name. Path must be reachable by the coordinator.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey, tenantID)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		agent, err := c.DeployAgent(ctx, types.DeployAgentRequest{Name: args[0], Path: args[1]})
		if err != nil {
			return fmt.Errorf("failed to deploy agent: %w", err)
		}

		fmt.Printf("✓ Agent deployed: %s (v%d)\n", agent.Name, agent.Version)
		fmt.Printf("  Path: %s\n", agent.Path)
		return nil
	},
}

var agentsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List deployed agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey, tenantID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		agents, err := c.ListAgents(ctx)
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}

		if len(agents) == 0 {
			fmt.Println("No agents deployed")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tPATH")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%d\t%s\n", a.Name, a.Version, a.Path)
		}
		w.Flush()
		return nil
	},
}

var agentsRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a deployed agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey, tenantID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.RemoveAgent(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to remove agent: %w", err)
		}

		fmt.Printf("✓ Agent removed: %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsDeployCmd)
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsRemoveCmd)
}
