package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowstate-dev/flowstate/internal/blob"
	"github.com/flowstate-dev/flowstate/internal/config"
	"github.com/flowstate-dev/flowstate/internal/crypto"
	"github.com/flowstate-dev/flowstate/internal/metrics"
	"github.com/flowstate-dev/flowstate/internal/podmanager"
	"github.com/flowstate-dev/flowstate/internal/server"
	"github.com/flowstate-dev/flowstate/internal/storage"
)

// registryCoordinator adapts the server's runner registry to the pod
// manager's drain interface.
type registryCoordinator struct {
	registry *server.Registry
}

func (r registryCoordinator) DrainAll() { r.registry.DrainAll() }
func (r registryCoordinator) AnyRunner() (string, bool) {
	return r.registry.AnyRunner()
}
func (r registryCoordinator) Status(runnerID string) (string, bool) {
	status, ok := r.registry.Status(runnerID)
	return string(status), ok
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flowstate server: API, watchdog, pod manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		portOverride, _ := cmd.Flags().GetInt("port")

		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if portOverride > 0 {
			cfg.Port = portOverride
		}

		db, err := storage.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		store, err := blob.New(&cfg.Blob)
		if err != nil {
			return fmt.Errorf("create blob store: %w", err)
		}

		keyPath := cfg.KeyPath
		if keyPath == "" {
			keyPath = crypto.DefaultKeyPath()
		}
		sealKey, err := crypto.LoadOrGenerateKey(keyPath)
		if err != nil {
			return fmt.Errorf("load seal key: %w", err)
		}

		metrics.Register()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		registry := server.NewRegistry()

		// Pod manager runs only when the provider API key is configured.
		var (
			podState *podmanager.State
			podMu    sync.Mutex
		)
		if podCfg := podmanager.FromEnv(); podCfg != nil {
			podState = podmanager.NewState(podCfg.PodID)
			api := podmanager.NewRESTClient(podCfg.APIBase, podCfg.APIKey)
			manager := podmanager.NewManager(podCfg, api, db,
				registryCoordinator{registry}, podState, &podMu)
			go manager.Run(ctx.Done())
		} else {
			log.Printf("[server] pod manager disabled (FLOWSTATE_POD_API_KEY not set)")
		}

		srv := server.New(db, store, sealKey, registry, podState, &podMu)

		watchdog := server.NewWatchdog(db, cfg.Watchdog)
		cronRunner, err := watchdog.Start()
		if err != nil {
			return fmt.Errorf("start watchdog: %w", err)
		}
		defer cronRunner.Stop()

		httpSrv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      srv.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Printf("[server] listening on :%d", cfg.Port)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
			log.Printf("[server] shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		}
	},
}
