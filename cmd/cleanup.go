package cmd

import (
	"context"
	"fmt"

	"github.com/pyneda/rodwarden/db"
	"github.com/pyneda/rodwarden/pkg/proc"
	"github.com/pyneda/rodwarden/pkg/supervisor/termination"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var orphansOnly bool

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill leftover worker processes and remove their scratch directories",
	Long: `Recovers from supervisors that died without retiring their worker.

Workers recorded as running in the journal whose supervisor process is gone
are reaped: their processes are killed and their scratch directory removed.
Unless --orphans-only is given, every process carrying the worker marker is
then killed and every scratch directory under the scratch root is removed.
Do not run the full sweep while another supervisor is active on this host.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&orphansOnly, "orphans-only", false, "Only reap journaled workers whose supervisor is gone")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("component", "cleanup").Logger()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	procs := proc.NewSystem()

	if journal := openJournal(); journal != nil {
		defer journal.Close()
		reaped, err := reapOrphans(ctx, procs, journal)
		if err != nil {
			return err
		}
		logger.Info().Int("reaped", reaped).Msg("Orphaned workers reaped")
	} else if orphansOnly {
		return fmt.Errorf("--orphans-only needs the worker journal, enable db.enabled")
	}

	if orphansOnly {
		return nil
	}
	result := termination.Sweep(ctx, scratchRoot(), workerMarker(), buildKiller())
	logger.Info().
		Bool("killed", result.Killed).
		Int("removed", len(result.Removed)).
		Msg("Sweep finished")
	if len(result.Errors) > 0 {
		return fmt.Errorf("sweep finished with %d errors", len(result.Errors))
	}
	return nil
}

type orphanJournal interface {
	GetOrphanedWorkerRecords() ([]*db.WorkerRecord, error)
	MarkWorkerReaped(id string, scratchRemoved bool) error
}

// reapOrphans tears down workers left running by supervisors that no longer
// exist. Process trees are matched by scratch directory only, the recorded
// pid may have been reused.
func reapOrphans(ctx context.Context, procs proc.Table, journal orphanJournal) (int, error) {
	records, err := journal.GetOrphanedWorkerRecords()
	if err != nil {
		return 0, fmt.Errorf("listing orphaned workers: %w", err)
	}
	grace := viper.GetDuration("termination.grace_period")
	reaped := 0
	for _, record := range records {
		logger := log.With().Str("worker_id", record.ID).Int("supervisor_pid", record.SupervisorPID).Logger()
		alive, err := procs.Alive(ctx, record.SupervisorPID)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not check supervisor, skipping worker")
			continue
		}
		if alive {
			logger.Debug().Msg("Supervisor still running, skipping worker")
			continue
		}

		killed, err := termination.KillBySignature(ctx, procs, proc.Signature(record.ScratchDir), 0, grace)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not kill orphaned worker processes")
		}
		removed := true
		if err := termination.RemoveScratchDir(record.ScratchDir); err != nil {
			logger.Warn().Err(err).Str("scratch_dir", record.ScratchDir).Msg("Could not remove scratch dir")
			removed = false
		}
		if err := journal.MarkWorkerReaped(record.ID, removed); err != nil {
			logger.Warn().Err(err).Msg("Could not mark worker as reaped")
			continue
		}
		logger.Info().Int("killed", killed).Bool("scratch_removed", removed).Msg("Orphaned worker reaped")
		reaped++
	}
	return reaped, nil
}
