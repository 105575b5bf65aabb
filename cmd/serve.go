package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mlfq-sim/internal/config"
	"mlfq-sim/internal/httpapi"
	"mlfq-sim/internal/logging"
	"mlfq-sim/internal/workload"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configFile string
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a paced simulation behind an HTTP API",
		Long:  "Runs the simulation in wall-clock time (tick_ms per tick) and exposes the process table and syscalls over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveSimulation(configFile, addr)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	serveCmd.MarkFlagRequired("config")
	return serveCmd
}

func serveSimulation(configFile, addr string) error {
	logger := logging.GetLogger()

	cfg, _, k, err := loadSimulation(configFile)
	if err != nil {
		return err
	}
	tickMS := cfg.Simulation.Scheduler.TickMS
	if tickMS <= 0 {
		tickMS = config.DefaultTickMS
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewServer(k, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("Starting HTTP API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		sim := workload.New(cfg, k, workload.Options{
			TickInterval: time.Duration(tickMS) * time.Millisecond,
			KeepAlive:    true,
		})
		res, err := sim.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Simulation stopped")
			return
		}
		if res != nil {
			logger.WithField("ticks", res.Ticks).Info("Simulation reached max_ticks, API stays up until shutdown")
		}
	}()

	var result error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			result = err
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}
	<-simDone

	logger.WithFields(logrus.Fields{"ticks": k.Ticks()}).Info("Server stopped")
	return result
}
