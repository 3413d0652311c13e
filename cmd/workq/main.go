package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coracle/workq/cmd/workq/commands"
	"github.com/coracle/workq/config"
	"github.com/coracle/workq/logger"
)

var rootCmd = &cobra.Command{
	Use:   "workq",
	Short: "workq - persistent work queue for multi-agent orchestration",
	Long: `workq - persistent work queue for multi-agent orchestration.

A SQLite-backed queue of work items with contention-safe claiming, an
append-only audit log, a file-path conflict index, and a polling worker
that dispatches claimed items to an agent-execution gateway.

Examples:
  workq claim PROJ-123 --agent dev-1 --title "Fix login flow"
  workq status PROJ-123 --agent dev-1 in_progress
  workq done PROJ-123 --agent dev-1 --pr https://example.com/pr/42
  workq query --squad core
  workq worker start --agent worker-1`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		verbose, _ := cmd.Flags().GetBool("verbose")
		if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Verbose || verbose); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug output")

	rootCmd.AddCommand(commands.ClaimCmd)
	rootCmd.AddCommand(commands.EnqueueCmd)
	rootCmd.AddCommand(commands.ReleaseCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.DoneCmd)
	rootCmd.AddCommand(commands.LogCmd)
	rootCmd.AddCommand(commands.LogsCmd)
	rootCmd.AddCommand(commands.FilesCmd)
	rootCmd.AddCommand(commands.GetCmd)
	rootCmd.AddCommand(commands.QueryCmd)
	rootCmd.AddCommand(commands.StaleCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
