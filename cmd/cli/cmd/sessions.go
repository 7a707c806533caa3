package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/pkg/client"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"s"},
	Short:   "Manage sessions",
	Long:    `Create, list, pause, resume, fork, and end agent sessions.`,
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create <agent>",
	Short: "Create a new session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		model, _ := cmd.Flags().GetString("model")
		systemPrompt, _ := cmd.Flags().GetString("system-prompt")

		var cfg *types.SessionConfig
		if model != "" || systemPrompt != "" {
			cfg = &types.SessionConfig{Model: model, SystemPrompt: systemPrompt}
		}

		c := client.NewClient(baseURL, apiKey, tenantID)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		sess, err := c.CreateSession(ctx, types.CreateSessionRequest{Agent: args[0], Config: cfg})
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		fmt.Printf("✓ Session created: %s\n", sess.ID)
		fmt.Printf("  Agent: %s\n", sess.AgentName)
		fmt.Printf("  Status: %s\n", sess.Status)
		return nil
	},
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")

		c := client.NewClient(baseURL, apiKey, tenantID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sessions, err := c.ListSessions(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tLAST ACTIVE")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				s.ID, s.AgentName, s.Status, s.LastActiveAt.Format("2006-01-02 15:04:05"))
		}
		w.Flush()
		return nil
	},
}

var sessionsSendCmd = &cobra.Command{
	Use:   "send <session-id> <prompt>",
	Short: "Send a message and stream the response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey, tenantID)
		stream, err := c.SendMessage(context.Background(), args[0], types.MessageRequest{Content: args[1]})
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		defer stream.Close()

		for {
			ev, err := stream.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("stream error: %w", err)
			}
			switch ev.Type {
			case types.EventMessage:
				printMessage(ev.Data)
			case types.EventError:
				return fmt.Errorf("agent error: %s", ev.Error)
			case types.EventDone:
				return nil
			}
		}
	},
}

// printMessage renders an SDK message payload: assistant text when the shape
// is recognized, raw JSON otherwise.
func printMessage(data json.RawMessage) {
	var msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(data, &msg); err == nil {
		if msg.Text != "" {
			fmt.Println(msg.Text)
			return
		}
		if msg.Content != "" {
			fmt.Println(msg.Content)
			return
		}
	}
	fmt.Println(string(data))
}

var sessionsPauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause a session (snapshots the workspace)",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionActionRunE(func(c *client.Client, ctx context.Context, id string) (*types.Session, error) { return c.PauseSession(ctx, id) }, "paused"),
}

var sessionsResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused, stopped, or errored session",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionActionRunE(func(c *client.Client, ctx context.Context, id string) (*types.Session, error) { return c.ResumeSession(ctx, id) }, "resumed"),
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Interrupt the current turn and stop the session",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionActionRunE(func(c *client.Client, ctx context.Context, id string) (*types.Session, error) { return c.StopSession(ctx, id) }, "stopped"),
}

var sessionsForkCmd = &cobra.Command{
	Use:   "fork <session-id>",
	Short: "Fork a session into a new one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey, tenantID)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		child, err := c.ForkSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to fork session: %w", err)
		}

		fmt.Printf("✓ Session forked: %s -> %s\n", args[0], child.ID)
		return nil
	},
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session and destroy its sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey, tenantID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.EndSession(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}

		fmt.Printf("✓ Session ended: %s\n", args[0])
		return nil
	},
}

var sessionsExecCmd = &cobra.Command{
	Use:   "exec <session-id> <command>",
	Short: "Run a shell command inside the session's sandbox",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")

		c := client.NewClient(baseURL, apiKey, tenantID)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		result, err := c.Exec(ctx, args[0], types.ExecRequest{Command: args[1], TimeoutMs: timeoutMs})
		if err != nil {
			return fmt.Errorf("exec failed: %w", err)
		}

		if result.Stdout != "" {
			fmt.Print(result.Stdout)
		}
		if result.Stderr != "" {
			fmt.Fprint(os.Stderr, result.Stderr)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("command exited with code %d", result.ExitCode)
		}
		return nil
	},
}

func sessionActionRunE(action func(*client.Client, context.Context, string) (*types.Session, error), verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey, tenantID)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		sess, err := action(c, ctx, args[0])
		if err != nil {
			return fmt.Errorf("session %s failed: %w", args[0], err)
		}

		fmt.Printf("✓ Session %s: %s (status %s)\n", verb, sess.ID, sess.Status)
		return nil
	}
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsSendCmd)
	sessionsCmd.AddCommand(sessionsPauseCmd)
	sessionsCmd.AddCommand(sessionsResumeCmd)
	sessionsCmd.AddCommand(sessionsStopCmd)
	sessionsCmd.AddCommand(sessionsForkCmd)
	sessionsCmd.AddCommand(sessionsEndCmd)
	sessionsCmd.AddCommand(sessionsExecCmd)

	sessionsCreateCmd.Flags().String("model", "", "model override")
	sessionsCreateCmd.Flags().String("system-prompt", "", "system prompt override")
	sessionsListCmd.Flags().String("status", "", "filter by status")
	sessionsExecCmd.Flags().Int("timeout-ms", 0, "command timeout in milliseconds")
}
