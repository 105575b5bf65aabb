package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"mlfq-sim/internal/kernel"
	"mlfq-sim/internal/proc"
	"mlfq-sim/internal/scheduler"
	"mlfq-sim/internal/workload"

	"github.com/spf13/cobra"
)

func newPsCmd() *cobra.Command {
	var configFile string
	var at int

	psCmd := &cobra.Command{
		Use:   "ps",
		Short: "Print the process table at a given tick",
		Long:  "Runs the simulation up to --at ticks and prints the process table and scheduler state at that point",
		RunE: func(cmd *cobra.Command, args []string) error {
			return psSimulation(cmd, configFile, at)
		},
	}
	psCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	psCmd.Flags().IntVar(&at, "at", 0, "Tick to stop at (default: max_ticks)")
	psCmd.MarkFlagRequired("config")
	return psCmd
}

func psSimulation(cmd *cobra.Command, configFile string, at int) error {
	if at < 0 {
		return fmt.Errorf("--at must not be negative")
	}
	cfg, _, k, err := loadSimulation(configFile)
	if err != nil {
		return err
	}
	if at > 0 && at < cfg.Simulation.MaxTicks {
		cfg.Simulation.MaxTicks = at
	}

	ctx, cancel := signalContext()
	defer cancel()

	sim := workload.New(cfg, k, workload.Options{KeepAlive: true})
	// A halted kernel still has a table worth printing.
	if _, err := sim.Run(ctx); err != nil && k.Halted() == nil && !errors.Is(err, context.Canceled) {
		return err
	}

	printProcs(cmd.OutOrStdout(), k.Status(), k.Procs())
	return nil
}

func printProcs(w io.Writer, st kernel.Status, procs []scheduler.ProcInfo) {
	fmt.Fprintf(w, "tick %d  current %d  lock %s", st.Ticks, st.CurrentPID, st.LockState)
	if st.LockHolder != 0 {
		fmt.Fprintf(w, " (pid %d)", st.LockHolder)
	}
	fmt.Fprintf(w, "  queues %d/%d/%d  boosts %d\n", st.QueueLen[0], st.QueueLen[1], st.QueueLen[2], st.Boosts)
	if st.Halted != "" {
		fmt.Fprintf(w, "halted: %s\n", st.Halted)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tSTATE\tLEVEL\tUSED\tLEFT\tPRIO\tENTER\tLOCK")
	for _, p := range procs {
		level := "-"
		if lvl := proc.Level(p.Level); lvl.Valid() {
			level = lvl.String()
		}
		lock := ""
		if p.Locked {
			lock = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			p.PID, p.Name, p.State, level, p.TicksUsed, p.TicksLeft, p.Priority, p.EnterID, lock)
	}
	tw.Flush()
}
