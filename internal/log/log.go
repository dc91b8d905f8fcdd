package log

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Name is the logger name attached to every line
const Name = "netmount"

// timeFormat matches the day-first stamp the session helper has always printed
const timeFormat = "02/01/2006 15:04:05"

var logger = hclog.NewNullLogger()

// New builds a logger writing to w. Debug lines are only emitted when verbose is set.
func New(verbose bool, w io.Writer) hclog.Logger {
	level := hclog.Info
	if verbose {
		level = hclog.Debug
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       Name,
		Level:      level,
		Output:     w,
		TimeFormat: timeFormat,
		Color:      hclog.ColorOff,
	})
}

// Setup configures the process logger on stderr
func Setup(verbose bool) {
	logger = New(verbose, os.Stderr)
}

// Default returns the process logger, so it can be handed to components
// that take their logger explicitly
func Default() hclog.Logger {
	return logger
}

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}
