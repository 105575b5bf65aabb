package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"mlfq-sim/internal/accounting"
	"mlfq-sim/internal/config"
	"mlfq-sim/internal/database"
	"mlfq-sim/internal/kernel"
	"mlfq-sim/internal/logging"
	"mlfq-sim/internal/proc"
	"mlfq-sim/internal/scheduler"
	"mlfq-sim/internal/workload"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var configFile string
	var spoolDir string
	var noSpool bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		Long:  "Runs every process of the configuration through the scheduler, prints a per-process summary and spools the samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, configFile, runOptions{spoolDir: spoolDir, noSpool: noSpool})
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	runCmd.Flags().StringVar(&spoolDir, "spool-dir", "", "Directory for spool artifacts (overrides config and MLFQ_SIM_SPOOL_DIR)")
	runCmd.Flags().BoolVar(&noSpool, "no-spool", false, "Do not write a spool artifact")
	runCmd.MarkFlagRequired("config")
	return runCmd
}

type runOptions struct {
	spoolDir string
	noSpool  bool
}

// loadSimulation reads the config, applies its log levels and boots a kernel
// for it.
func loadSimulation(configFile string) (*config.SimulationConfig, string, *kernel.Kernel, error) {
	cfg, content, err := config.LoadConfigWithContent(configFile)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to load config: %w", err)
	}

	fromConfig := logging.Settings{
		Level:          cfg.Simulation.LogLevel,
		SchedulerLevel: cfg.Simulation.SchedulerLogLevel,
	}
	if err := logging.Configure(fromConfig); err != nil {
		logging.GetLogger().WithError(err).Warn("Invalid logging settings in config, keeping current levels")
	}
	if err := logging.Configure(cliLogging); err != nil {
		return nil, "", nil, err
	}

	k, err := kernel.New(kernel.OptionsFromConfig(cfg.Simulation.Scheduler))
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to create kernel: %w", err)
	}
	return cfg, content, k, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	logger := logging.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.WithField("signal", sig).Warn("Received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runSimulation(cmd *cobra.Command, configFile string, opts runOptions) error {
	logger := logging.GetLogger()

	cfg, content, k, err := loadSimulation(configFile)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	sim := workload.New(cfg, k, workload.Options{})
	res, runErr := sim.Run(ctx)
	end := time.Now()

	if runErr != nil && !errors.Is(runErr, kernel.ErrHalted) && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("simulation failed: %w", runErr)
	}

	report := accounting.NewAccountant().Summarize(res.Frames)
	printReport(cmd.OutOrStdout(), report, res)

	meta := database.CollectRunMetadata(cfg, res.Frames, database.RunInfo{
		RunID:            database.NewRunID(),
		ConfigContent:    content,
		Report:           report,
		SchedulerVersion: scheduler.Version,
		Halted:           res.Halted,
		Start:            start,
		End:              end,
	})

	if !opts.noSpool {
		dir := opts.spoolDir
		if dir == "" {
			dir = cfg.Simulation.Data.SpoolDir
		}
		if dir == "" {
			dir = database.DefaultSpoolDir()
		}
		artifact := database.BuildSpoolArtifact(cfg, content, report, meta, res.Frames, start, end)
		path, err := database.WriteSpoolArtifact(dir, artifact)
		if err != nil {
			logger.WithError(err).Error("Failed to write spool artifact")
		} else {
			logger.WithField("path", path).Info("Spooled run")
		}
	}

	if cfg.Simulation.Data.DB.Enabled() {
		if err := exportRun(ctx, cfg, meta, res); err != nil {
			logger.WithError(err).Error("Failed to export run to InfluxDB")
		}
	}

	return runErr
}

func exportRun(ctx context.Context, cfg *config.SimulationConfig, meta *database.RunMetadata, res *workload.Result) error {
	logger := logging.GetLogger()

	// The run itself may have been interrupted; the export still gets a
	// bounded window of its own.
	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	db, err := database.NewInfluxDBClient(exportCtx, cfg.Simulation.Data.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	last, err := db.GetLastRunNumber(exportCtx)
	if err != nil {
		logger.WithError(err).Warn("Failed to read last run number, starting at 1")
		last = 0
	}
	meta.RunNumber = last + 1

	if err := db.WriteDataFrames(exportCtx, meta, res.Frames); err != nil {
		return err
	}
	if err := db.WriteMetadata(exportCtx, meta); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"run_number": meta.RunNumber,
		"run_id":     meta.RunID,
	}).Info("Exported run to InfluxDB")
	return nil
}

func printReport(w io.Writer, report *accounting.Report, res *workload.Result) {
	fmt.Fprintf(w, "ticks: %d  idle: %d  boosts: %d  locks: %d\n",
		report.Ticks, report.IdleTicks, report.Boosts, report.Locks)
	if res != nil && res.Halted != nil {
		fmt.Fprintf(w, "halted: %v\n", res.Halted)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tRUN\tL0\tL1\tL2\tLOCKED\tWAIT\tSLEEP\tRESPONSE\tTURNAROUND\tPROBES")
	for _, ps := range report.Processes {
		probes := "-"
		if res != nil {
			if p, ok := res.LevelProbes[ps.PID]; ok && p != ([proc.NumLevels]int{}) {
				probes = fmt.Sprintf("%d/%d/%d", p[0], p[1], p[2])
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			ps.PID, ps.Name, ps.RunTicks,
			ps.LevelTicks[proc.L0], ps.LevelTicks[proc.L1], ps.LevelTicks[proc.L2],
			ps.LockedTicks, ps.WaitTicks, ps.SleepTicks,
			orDash(ps.Response()), orDash(ps.Turnaround()), probes)
	}
	tw.Flush()
}

func orDash(v int64) string {
	if v < 0 {
		return "-"
	}
	return fmt.Sprint(v)
}

func validateConfig(cmd *cobra.Command, configFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	checksum, err := config.TraceChecksum(cfg)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"simulation": cfg.Simulation.Name,
		"processes":  len(cfg.Processes),
		"checksum":   checksum,
	}).Info("Configuration is valid")
	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d processes, checksum %s)\n", configFile, len(cfg.Processes), checksum)
	return nil
}
