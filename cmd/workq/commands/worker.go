package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coracle/workq/config"
	"github.com/coracle/workq/gateway"
	"github.com/coracle/workq/logger"
	"github.com/coracle/workq/worker"
)

// WorkerCmd manages the polling worker.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage the work queue worker",
	Long: `The worker polls the queue for claimable items, claims the ones it is
eligible for, and dispatches them to the agent-execution gateway.

Example:
  workq worker start --agent worker-1 --workstreams backend,infra`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker in the foreground",
	Long: `Start the worker in foreground mode. Runs until interrupted; shutdown
waits for in-flight dispatches to reconcile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		workerCfg := worker.DefaultConfig()
		applyWorkerConfig(&workerCfg, cfg.Worker)
		workerCfg.AgentID = cfg.Worker.AgentID
		if agentID, _ := cmd.Flags().GetString("agent"); agentID != "" {
			workerCfg.AgentID = agentID
		}
		if workerCfg.AgentID == "" {
			return fmt.Errorf("no agent id: set worker.agent_id or pass --agent")
		}
		if streams, _ := cmd.Flags().GetStringSlice("workstreams"); len(streams) > 0 {
			workerCfg.Workstreams = streams
		}

		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client, err := gateway.Dial(ctx, cfg.Gateway.URL, logger.Logger)
		if err != nil {
			return err
		}
		defer client.Close()

		w := worker.NewWorker(ctx, store, client, client, workerCfg, logger.Logger)
		w.Start()

		fmt.Printf("worker %s started (poll %s, concurrency %d)\n",
			workerCfg.AgentID, workerCfg.PollInterval, workerCfg.Concurrency)
		fmt.Println("Press Ctrl+C for graceful shutdown")

		// Live config reload: worker restarts with new settings on change.
		if path := config.UserConfigPath(); path != "" {
			if _, statErr := os.Stat(path); statErr == nil {
				watcher, werr := config.NewWatcher(path)
				if werr != nil {
					logger.Logger.Warnw("Config watcher unavailable", "error", werr)
				} else {
					config.SetGlobalWatcher(watcher)
					watcher.OnReload(func(newCfg *config.Config) error {
						logger.Logger.Infow("Config changed, restarting worker")
						w.Stop()
						applyWorkerConfig(&workerCfg, newCfg.Worker)
						w = worker.NewWorker(ctx, store, client, client, workerCfg, logger.Logger)
						w.Start()
						return nil
					})
					watcher.Start()
					defer watcher.Stop()
				}
			}
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nshutting down...")
		w.Stop()

		metrics := w.Metrics()
		fmt.Printf("worker stopped: %d processed, %d succeeded, %d failed\n",
			metrics.Processed, metrics.Succeeded, metrics.Failed)
		return nil
	},
}

// applyWorkerConfig copies the worker section of the loaded config onto dst.
// AgentID is handled by the caller (the --agent flag overrides it); zero
// interval and concurrency keep dst's previous values.
func applyWorkerConfig(dst *worker.Config, src config.WorkerConfig) {
	if src.PollIntervalMs > 0 {
		dst.PollInterval = time.Duration(src.PollIntervalMs) * time.Millisecond
	}
	if src.Concurrency > 0 {
		dst.Concurrency = src.Concurrency
	}
	dst.Workstreams = src.Workstreams
	dst.Model = src.Model
	dst.MaxSpawnsPerMinute = src.MaxSpawnsPerMinute
}

func init() {
	workerStartCmd.Flags().String("agent", "", "Worker agent id (overrides config)")
	workerStartCmd.Flags().StringSlice("workstreams", nil, "Workstream allow-list (overrides config)")
	workerStartCmd.Flags().StringVar(&dbPathFlag, "db", "", "Database path (defaults to config)")
	WorkerCmd.AddCommand(workerStartCmd)
}
