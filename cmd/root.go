package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"mlfq-sim/internal/logging"
	"mlfq-sim/internal/scheduler"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Execute runs the command line interface.
func Execute() error {
	loadEnvironment()
	return newRootCmd().Execute()
}

// cliLogging holds the logging flags. They win over the log levels of a
// config file.
var cliLogging logging.Settings

func newRootCmd() *cobra.Command {
	cliLogging = logging.Settings{}

	rootCmd := &cobra.Command{
		Use:           "mlfq-sim",
		Short:         "Multi-level feedback queue scheduler simulator",
		Long:          "Runs scripted process workloads through a three level MLFQ scheduler with a scheduler lock and periodic priority boosts",
		Version:       scheduler.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Configure(cliLogging); err != nil {
				return fmt.Errorf("invalid logging flags: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&cliLogging.Level, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&cliLogging.SchedulerLevel, "scheduler-log-level", "", "Set scheduler log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&cliLogging.Format, "log-format", "", "Set log format (text, json)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newPsCmd())
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func loadEnvironment() {
	logger := logging.GetLogger()

	envFile := ".env"
	if _, err := os.Stat(envFile); err != nil {
		execPath, err := os.Executable()
		if err != nil {
			return
		}
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err != nil {
			return
		}
	}
	if err := godotenv.Load(envFile); err != nil {
		logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		return
	}
	logger.WithField("file", envFile).Debug("Loaded environment variables")
}

func newValidateCmd() *cobra.Command {
	var configFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a simulation configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd, configFile)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	validateCmd.MarkFlagRequired("config")
	return validateCmd
}
