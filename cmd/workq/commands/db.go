package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coracle/workq/config"
)

// DbCmd manages the queue database.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the queue database",
	Long: `Manage the queue database.

Examples:
  workq db migrate    # Apply pending schema migrations
  workq db stats      # Show queue counts by status`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Println("migrations applied")
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		_, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		rows, err := database.Query(`SELECT status, COUNT(*) FROM work_items GROUP BY status ORDER BY status`)
		if err != nil {
			return fmt.Errorf("failed to query queue stats: %w", err)
		}
		defer rows.Close()

		fmt.Printf("Queue statistics\n")
		fmt.Printf("Database path: %s\n\n", cfg.Database.Path)

		total := 0
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("failed to scan stats row: %w", err)
			}
			fmt.Printf("  %-12s %d\n", status, count)
			total += count
		}
		if err := rows.Err(); err != nil {
			return err
		}
		fmt.Printf("\n  total        %d\n", total)
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (defaults to config)")
}
