package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger
var schedulerLogger *logrus.Logger

// Message keys of the two loggers, so scheduler lines can be told apart in a
// merged stream.
const (
	msgKey          = "msg"
	schedulerMsgKey = "mlfq_msg"
)

func init() {
	logger = newLogger(msgKey, logrus.InfoLevel)
	// Scheduler decisions happen every tick, so they get their own logger
	// that can be turned up or down independently.
	schedulerLogger = newLogger(schedulerMsgKey, logrus.WarnLevel)
}

func newLogger(key string, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(textFormatter(key))
	l.SetLevel(level)
	return l
}

func textFormatter(key string) logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp: true,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "time",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   key,
		},
	}
}

func jsonFormatter(key string) logrus.Formatter {
	return &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: key,
		},
	}
}

func GetLogger() *logrus.Logger {
	return logger
}

func GetSchedulerLogger() *logrus.Logger {
	return schedulerLogger
}

func SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)
	return nil
}

func SetSchedulerLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	schedulerLogger.SetLevel(logLevel)
	return nil
}

// SetFormat switches both loggers between "text" and "json" output.
func SetFormat(format string) error {
	switch format {
	case "", "text":
		logger.SetFormatter(textFormatter(msgKey))
		schedulerLogger.SetFormatter(textFormatter(schedulerMsgKey))
	case "json":
		logger.SetFormatter(jsonFormatter(msgKey))
		schedulerLogger.SetFormatter(jsonFormatter(schedulerMsgKey))
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// Settings holds logging options as they appear in config files and flags.
// Empty fields leave the current setting alone.
type Settings struct {
	Level          string
	SchedulerLevel string
	Format         string
}

// Configure applies s, stopping at the first invalid value.
func Configure(s Settings) error {
	if s.Level != "" {
		if err := SetLogLevel(s.Level); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	if s.SchedulerLevel != "" {
		if err := SetSchedulerLogLevel(s.SchedulerLevel); err != nil {
			return fmt.Errorf("scheduler log level: %w", err)
		}
	}
	if s.Format != "" {
		if err := SetFormat(s.Format); err != nil {
			return err
		}
	}
	return nil
}

// SetOutput redirects both loggers.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
	schedulerLogger.SetOutput(w)
}
