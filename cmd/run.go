package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pyneda/rodwarden/api"
	"github.com/pyneda/rodwarden/lib"
	"github.com/pyneda/rodwarden/pkg/proc"
	"github.com/pyneda/rodwarden/pkg/supervisor"
	"github.com/pyneda/rodwarden/pkg/supervisor/scheduler"
	"github.com/pyneda/rodwarden/pkg/supervisor/termination"
	"github.com/pyneda/rodwarden/pkg/task"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	runURLs         []string
	runFormat       string
	runShowOutcomes bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [targets-file]",
	Short: "Visit every target through a supervised browser worker",
	Long: `Loads a target list and visits every target with a supervised browser worker.

The targets file holds one URL per line. Blank lines separate groups and a
"# name" line starts a named group. A group always runs on a single worker;
worker restarts only happen between groups. Use "-" to read from stdin.

Examples:
  rodwarden run targets.txt
  rodwarden run -u https://example.com -u https://example.org
  rodwarden run targets.txt --concurrency 4 --restart-interval 100`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringSliceVarP(&runURLs, "url", "u", nil, "Target URL, can be repeated")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "pretty", "Output format (pretty, text, json, yaml, table)")
	runCmd.Flags().BoolVar(&runShowOutcomes, "outcomes", false, "Print task outcomes after each group")
	runCmd.Flags().Int("concurrency", 6, "Maximum tasks running at once")
	runCmd.Flags().Int("restart-interval", 50, "Restart the worker after this many URLs (0 disables)")
	runCmd.Flags().Int("group-size", 0, "Split groups larger than this many targets")
	runCmd.Flags().Bool("api", false, "Serve the status API while running")
	viper.BindPFlag("supervisor.concurrency", runCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("supervisor.restart_interval", runCmd.Flags().Lookup("restart-interval"))
	viper.BindPFlag("supervisor.group_size", runCmd.Flags().Lookup("group-size"))
	viper.BindPFlag("api.enabled", runCmd.Flags().Lookup("api"))
}

func loadRunGroups(args []string) ([]task.Group, error) {
	groupSize := viper.GetInt("supervisor.group_size")
	cfg := taskConfig()
	if len(args) == 0 {
		if len(runURLs) == 0 {
			return nil, errors.New("provide a targets file or at least one --url")
		}
		return task.LoadGroups(strings.NewReader(strings.Join(runURLs, "\n")), groupSize, cfg)
	}

	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, fmt.Errorf("opening targets: %w", err)
		}
		defer f.Close()
		r = f
	}
	groups, err := task.LoadGroups(r, groupSize, cfg)
	if err != nil {
		return nil, err
	}
	if len(runURLs) > 0 {
		groups = append(groups, task.NewGroup("cli", cfg, runURLs...))
	}
	return groups, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("component", "run").Logger()
	format, err := lib.ParseFormatType(runFormat)
	if err != nil {
		return err
	}

	groups, err := loadRunGroups(args)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		logger.Warn().Msg("No targets to visit")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	defer close(done)
	go emergencyOnSecondSignal(ctx, done)

	procs := proc.NewSystem()
	journal := openJournal()
	sched := scheduler.New(viper.GetInt("supervisor.concurrency"), task.NewNavigateRunner())
	deps := supervisor.Deps{
		Assessor:  buildAssessor(procs),
		Factory:   buildFactory(),
		Retirer:   buildEscalator(procs),
		Scheduler: sched,
	}
	if journal != nil {
		defer journal.Close()
		deps.Journal = journal
	}
	if runShowOutcomes {
		deps.OnGroup = func(g task.Group, outcomes []task.Outcome) {
			printFormatted(outcomes, format)
		}
	}
	sup := supervisor.New(supervisor.Config{
		Restart:       restartConfig(),
		RetireTimeout: viper.GetDuration("termination.timeout") + viper.GetDuration("termination.graceful_timeout"),
	}, deps)

	if viper.GetBool("api.enabled") {
		apiCtx, cancelAPI := context.WithCancel(context.Background())
		defer cancelAPI()
		var reader api.WorkerJournal
		if journal != nil {
			reader = journal
		}
		server := api.NewServer(sup, reader)
		go func() {
			if err := server.Serve(apiCtx, api.ListenAddress()); err != nil {
				logger.Error().Err(err).Msg("Status API stopped")
			}
		}()
	}

	logger.Info().
		Int("groups", len(groups)).
		Int("tasks", task.Count(groups)).
		Int("concurrency", sched.Limit()).
		Int("restart_interval", viper.GetInt("supervisor.restart_interval")).
		Msg("Starting run")

	stats, err := sup.Run(ctx, groups)
	printFormatted([]supervisor.Stats{stats}, format)

	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn().Msg("Run interrupted, worker retired")
		return errInterrupted
	case err != nil:
		return err
	}
	logger.Info().Int("successes", stats.Successes).Int("failures", stats.Failures).Int("restarts", stats.Restarts).Msg("Run finished")
	return nil
}

// emergencyOnSecondSignal waits for the run to be cancelled by a first signal.
// A further signal kills every worker process and removes every scratch
// directory without waiting for the supervisor.
func emergencyOnSecondSignal(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}
	log.Warn().Msg("Shutting down, waiting for the current group to drain. Signal again to force")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		log.Error().Msg("Forced shutdown, sweeping every worker")
		termination.Sweep(context.Background(), scratchRoot(), workerMarker(), buildKiller())
		os.Exit(130)
	case <-done:
	}
}

func printFormatted[T lib.Formattable](items []T, format lib.FormatType) {
	if err := lib.WriteOutput(os.Stdout, items, format); err != nil {
		log.Error().Err(err).Msg("Could not format output")
	}
}
