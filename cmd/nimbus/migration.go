package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var migrationCmd = &cobra.Command{
	Use:   "migration",
	Short: "Inspect and drive spot migrations",
}

func init() {
	migrationCmd.PersistentFlags().String("server", "http://localhost:8080", "Nimbus server address")

	migrationCmd.AddCommand(migrationStatusCmd)
	migrationCmd.AddCommand(migrationTriggerCmd)
	migrationCmd.AddCommand(migrationHistoryCmd)

	rootCmd.AddCommand(migrationCmd)
}

var migrationStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the migration scheduler state",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient(cmd).MigrationStatus(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Enabled:  %v\n", status.Enabled)
		fmt.Printf("Running:  %v\n", status.Running)
		fmt.Printf("Dry run:  %v\n", status.DryRun)
		fmt.Printf("Interval: %s\n", status.Interval)
		if status.NextRunAt != nil {
			fmt.Printf("Next run: %s\n", status.NextRunAt.Format(time.RFC3339))
		}
		if status.LastRun != nil {
			fmt.Printf("Last run: %s (eligible %d, enqueued %d)\n",
				status.LastRun.StartedAt.Format(time.RFC3339),
				status.LastRun.Eligible, status.LastRun.Enqueued)
		}
		return nil
	},
}

var migrationTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run one migration sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := apiClient(cmd).TriggerMigration(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Sweep done in %s: scanned %d, eligible %d, enqueued %d\n",
			run.Duration, run.Scanned, run.Eligible, run.Enqueued)
		if run.DryRun {
			fmt.Println("(dry run: no jobs were enqueued)")
		}
		for _, e := range run.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		return nil
	},
}

var migrationHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent migration sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := apiClient(cmd).MigrationHistory(context.Background(), limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tDURATION\tELIGIBLE\tENQUEUED\tDRY RUN\tERRORS")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%d\n",
				run.StartedAt.Format(time.RFC3339), run.Duration,
				run.Eligible, run.Enqueued, run.DryRun, len(run.Errors))
		}
		return w.Flush()
	},
}

func init() {
	migrationHistoryCmd.Flags().Int("limit", 20, "Number of runs to show")
}
