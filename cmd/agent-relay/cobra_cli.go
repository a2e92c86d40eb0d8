package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrelay/broker/pkg/broker"
	"github.com/agentrelay/broker/pkg/config"
	"github.com/agentrelay/broker/pkg/credstore"
	"github.com/agentrelay/broker/pkg/logger"
)

// adminBaseURL is the broker's health/admin port, fixed at 8089 in
// pkg/broker.New.
const adminBaseURL = "http://127.0.0.1:8089"

// newRootCmd builds the agent-relay command tree: run, wrap, worker
// spawn/release/list, status, auth login/show, digest. Grounded on
// cmd/devopsclaw/cobra_cli.go's root-command shape (SilenceUsage/
// SilenceErrors plus a persistent --project-dir flag standing in for that
// command's config-path flag).
func newRootCmd() *cobra.Command {
	var projectDir string

	root := &cobra.Command{
		Use:           "agent-relay",
		Short:         "Terminal-agent relay broker",
		Long:          "agent-relay owns interactive CLI agents in PTYs and bridges them with the Relay messaging fabric.",
		Version:       formatVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&projectDir, "project-dir", ".", "project directory holding .agent-relay/")

	root.AddCommand(
		newRunCmd(&projectDir),
		newWrapCmd(),
		newWorkerCmd(&projectDir),
		newStatusCmd(&projectDir),
		newAuthCmd(&projectDir),
		newDigestCmd(&projectDir),
	)
	return root
}

func loadConfig(projectDir string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if projectDir != "" {
		cfg.ProjectDir = projectDir
	}
	return cfg, nil
}

func newRunCmd(projectDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the broker: Relay Link, Event Router, Spawner, Delivery Supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*projectDir)
			if err != nil {
				return err
			}
			b, err := broker.New(cfg)
			if err != nil {
				return fmt.Errorf("build broker: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.InfoCF("cli", "starting broker", map[string]any{"project_dir": cfg.ProjectDir})
			err = b.Run(ctx)
			if err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

func newWorkerCmd(projectDir *string) *cobra.Command {
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Operator-facing wrappers over the Spawner's admin endpoints",
	}
	worker.AddCommand(newWorkerListCmd(), newWorkerSpawnCmd(), newWorkerReleaseCmd())
	return worker
}

func newWorkerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workers owned by a running broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(adminBaseURL + "/workers")
			if err != nil {
				return fmt.Errorf("broker not reachable: %w", err)
			}
			defer resp.Body.Close()
			var body struct {
				Workers []map[string]any `json:"workers"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode worker list: %w", err)
			}
			if len(body.Workers) == 0 {
				fmt.Println("no workers")
				return nil
			}
			for _, w := range body.Workers {
				fmt.Printf("%-20v %-12v owner=%v\n", w["Name"], w["State"], w["Owner"])
			}
			return nil
		},
	}
}

func newWorkerSpawnCmd() *cobra.Command {
	var name, cli, owner string
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Ask a running broker to spawn a new PTY worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(map[string]any{
				"name": name, "cli": cli, "args": args, "owner": owner,
			})
			resp, err := http.Post(adminBaseURL+"/workers/spawn", "application/json", bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("broker not reachable: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				var errBody bytes.Buffer
				errBody.ReadFrom(resp.Body)
				return fmt.Errorf("spawn failed (http %d): %s", resp.StatusCode, errBody.String())
			}
			fmt.Printf("spawned %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name")
	cmd.Flags().StringVar(&cli, "cli", "", "CLI binary to run under the PTY")
	cmd.Flags().StringVar(&owner, "owner", "", "owning agent or human identity")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("cli")
	return cmd
}

func newWorkerReleaseCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Ask a running broker to release (terminate) a PTY worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(map[string]any{"name": name})
			resp, err := http.Post(adminBaseURL+"/workers/release", "application/json", bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("broker not reachable: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				var errBody bytes.Buffer
				errBody.ReadFrom(resp.Body)
				return fmt.Errorf("release failed (http %d): %s", resp.StatusCode, errBody.String())
			}
			fmt.Printf("released %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newStatusCmd(projectDir *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show readiness for the broker in this project directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchStatus(*projectDir, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")
	return cmd
}

// fetchStatus queries the broker's own /ready endpoint on localhost:8089,
// the port health.Server in pkg/broker binds to.
func fetchStatus(projectDir string, asJSON bool) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:8089/ready")
	if err != nil {
		return fmt.Errorf("broker not reachable on :8089 (is it running in %s?): %w", projectDir, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(body)
	}
	fmt.Printf("status: %v (http %d)\n", body["status"], resp.StatusCode)
	return nil
}

func newAuthCmd(projectDir *string) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage the relaycast credential file",
	}
	auth.AddCommand(newAuthLoginCmd(projectDir), newAuthShowCmd(projectDir))
	return auth
}

func newAuthLoginCmd(projectDir *string) *cobra.Command {
	var workspaceID, agentID, apiKey, agentName string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Write a new credential file for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := &credstore.Credentials{
				WorkspaceID: workspaceID,
				AgentID:     agentID,
				APIKey:      apiKey,
				AgentName:   agentName,
				UpdatedAt:   time.Now(),
			}
			if err := credstore.Save(*projectDir, creds); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}
			fmt.Println("credentials saved")
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "relaycast workspace id")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "relay-assigned agent id")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "relaycast api key")
	cmd.Flags().StringVar(&agentName, "agent-name", "broker", "registered agent name")
	_ = cmd.MarkFlagRequired("api-key")
	return cmd
}

func newAuthShowCmd(projectDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current credential file's non-secret fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := credstore.Load(*projectDir)
			if err != nil {
				return fmt.Errorf("load credentials: %w", err)
			}
			fmt.Printf("workspace_id: %s\nagent_id:     %s\nagent_name:   %s\nupdated_at:   %s\n",
				creds.WorkspaceID, creds.AgentID, creds.AgentName, creds.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newDigestCmd(projectDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Post a one-shot fleet-status digest (requires a running broker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(adminBaseURL+"/digest", "application/json", bytes.NewReader(nil))
			if err != nil {
				return fmt.Errorf("broker not reachable: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				var errBody bytes.Buffer
				errBody.ReadFrom(resp.Body)
				return fmt.Errorf("digest failed (http %d): %s", resp.StatusCode, errBody.String())
			}
			var body struct {
				Text string `json:"text"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode digest response: %w", err)
			}
			fmt.Println(body.Text)
			return nil
		},
	}
}
