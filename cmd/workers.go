package cmd

import (
	"fmt"
	"time"

	"github.com/pyneda/rodwarden/db"
	"github.com/pyneda/rodwarden/lib"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	workersFormat   string
	workersStatuses []string
	workersLimit    int
	pruneAge        string
)

// workersCmd represents the workers command
var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect the worker journal",
	Long: `Inspect the journal of spawned and retired workers.

The journal is only written when db.enabled is set. It records every worker
a supervisor spawned, how it was retired and whether its browser and
scratch directory were cleaned up.`,
}

// workersListCmd represents the workers list command
var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled workers, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := lib.ParseFormatType(workersFormat)
		if err != nil {
			return err
		}
		journal, err := requireJournal()
		if err != nil {
			return err
		}
		defer journal.Close()

		filter := db.WorkerRecordFilter{Limit: workersLimit}
		for _, s := range workersStatuses {
			filter.Statuses = append(filter.Statuses, db.WorkerRecordStatus(s))
		}
		records, err := journal.ListWorkerRecords(filter)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			log.Info().Msg("No workers recorded")
			return nil
		}
		printFormatted(records, format)
		return nil
	},
}

// workersStatsCmd represents the workers stats command
var workersStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate journal statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := requireJournal()
		if err != nil {
			return err
		}
		defer journal.Close()

		stats, err := journal.GetWorkerRecordStats()
		if err != nil {
			return err
		}
		log.Info().
			Int64("total", stats.Total).
			Int64("running", stats.Running).
			Int64("retired", stats.Retired).
			Int64("reaped", stats.Reaped).
			Int64("unclean", stats.Unclean).
			Int64("urls_processed", stats.URLsProcessed).
			Msg("Worker journal summary")
		return nil
	},
}

// workersPruneCmd represents the workers prune command
var workersPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old finished worker records",
	Long: `Removes retired and reaped worker records older than the given age.
Records of workers still marked running are never removed.

Examples:
  # Prune records older than 24 hours (default)
  rodwarden workers prune

  # Prune records older than 7 days
  rodwarden workers prune --age 168h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		age, err := time.ParseDuration(pruneAge)
		if err != nil {
			return fmt.Errorf("invalid age %q: %w", pruneAge, err)
		}
		journal, err := requireJournal()
		if err != nil {
			return err
		}
		defer journal.Close()

		deleted, err := journal.DeleteOldWorkerRecords(age)
		if err != nil {
			return err
		}
		log.Info().Dur("age", age).Int64("deleted", deleted).Msg("Old worker records pruned")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersStatsCmd)
	workersCmd.AddCommand(workersPruneCmd)

	workersListCmd.Flags().StringVarP(&workersFormat, "format", "f", "table", "Output format (pretty, text, json, yaml, table)")
	workersListCmd.Flags().StringSliceVar(&workersStatuses, "status", nil, "Filter by status (running, retired, reaped)")
	workersListCmd.Flags().IntVar(&workersLimit, "limit", 50, "Maximum number of records")

	workersPruneCmd.Flags().StringVar(&pruneAge, "age", "24h", "Delete records finished longer ago than this duration")
}

func requireJournal() (*db.DatabaseConnection, error) {
	if journal := openJournal(); journal != nil {
		return journal, nil
	}
	return nil, fmt.Errorf("worker journal unavailable, enable db.enabled and check db settings")
}
