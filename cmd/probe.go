package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pyneda/rodwarden/lib"
	"github.com/pyneda/rodwarden/pkg/proc"
	"github.com/pyneda/rodwarden/pkg/supervisor/health"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var probeFormat string

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Spawn a worker, assess its health once and retire it",
	Long: `Spawns a single browser worker, runs one health assessment against it
and prints the report. The worker is retired through the regular
termination sequence afterwards. Useful to check an engine install and
to calibrate health thresholds for a host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := lib.ParseFormatType(probeFormat)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		procs := proc.NewSystem()
		w, err := buildFactory().Create(ctx)
		if err != nil {
			return err
		}
		defer func() {
			result := buildEscalator(procs).Retire(context.WithoutCancel(ctx), w)
			log.Info().
				Str("worker_id", result.WorkerID).
				Str("terminated_by", string(result.TerminatedBy)).
				Bool("scratch_removed", result.ScratchRemoved).
				Dur("duration", result.Duration).
				Msg("Probe worker retired")
		}()

		report := buildAssessor(procs).Assess(ctx, w)
		printFormatted([]health.Report{report}, format)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVarP(&probeFormat, "format", "f", "pretty", "Output format (pretty, text, json, yaml, table)")
}
