package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flowstate-dev/flowstate/internal/agent"
	"github.com/flowstate-dev/flowstate/internal/config"
	"github.com/flowstate-dev/flowstate/internal/runner"
)

// runnerIdentity derives this runner's ID from the environment, falling
// back to a generated UUID. The ID rides the X-Runner-Id header so the
// pod manager can address this runner for drains.
func runnerIdentity() string {
	if host := os.Getenv("HOSTNAME"); host != "" {
		return host
	}
	if host := os.Getenv("HOST"); host != "" {
		return host
	}
	return uuid.NewString()
}

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Start a runner that claims and executes agent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		serverOverride, _ := cmd.Flags().GetString("server")
		capabilityOverride, _ := cmd.Flags().GetString("capability")

		cfg, err := config.LoadRunner(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if serverOverride != "" {
			cfg.ServerURL = serverOverride
		}
		if capabilityOverride != "" {
			caps, err := config.ParseCapabilities(capabilityOverride)
			if err != nil {
				return err
			}
			cfg.Capabilities = caps
		}

		runnerID := runnerIdentity()
		log.Printf("[runner] id: %s", runnerID)
		log.Printf("[runner] server: %s", cfg.ServerURL)
		log.Printf("[runner] timeouts: light=%s build=%s kill_grace=%s",
			cfg.LightTimeout, cfg.BuildTimeout, cfg.KillGrace)
		log.Printf("[runner] capacity: max_concurrent=%d max_builds=%d", cfg.MaxConcurrent, cfg.MaxBuilds)
		if len(cfg.Capabilities) > 0 {
			log.Printf("[runner] capabilities: %v", cfg.Capabilities)
		}

		backend, err := agent.NewCLI(cfg.AgentCommand)
		if err != nil {
			return fmt.Errorf("agent backend: %w", err)
		}

		client := runner.NewClient(cfg.ServerURL, cfg.APIKey, runnerID)
		sup := runner.NewSupervisor(client, cfg, backend)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.HealthPort > 0 {
			go func() {
				if err := runner.ServeHealth(ctx, cfg.HealthPort, runnerID, cfg, sup); err != nil {
					log.Printf("[runner] health server: %v", err)
				}
			}()
		}

		return sup.Run(ctx)
	},
}
