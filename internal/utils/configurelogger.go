package utils

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

var errUnexpectedLogLevel = errors.New("unexpected log level")

// Map a configured level name onto a slog level.
//
// "none" reports disabled, in which case the level is meaningless.
func ParseLogLevel(logLevel string) (level slog.Level, disabled bool, err error) {
	switch logLevel {
	case "none":
		return 0, true, nil
	case "error":
		return slog.LevelError, false, nil
	case "warn":
		return slog.LevelWarn, false, nil
	case "info":
		return slog.LevelInfo, false, nil
	case "debug":
		return slog.LevelDebug, false, nil
	default:
		return 0, false, fmt.Errorf("%w: %q", errUnexpectedLogLevel, logLevel)
	}
}

// Configure the slog default logger with a specific log level and potential output file.
//
// Valid log levels are "none", "error", "warn", "info", "debug". Any other value returns an error.
// logFile may either specify a file path (an error is returned if the path cannot be opened) or be empty,
// in which case the logger writes text to stdout. Log files are written as JSON lines.
//
// Returns the os.File pointer that slog writes to, so it may be gracefully shut:
// ```
// logFilePointer, err := utils.ConfigureDefaultLogger(level, file, slog.HandlerOptions{})
//
//	if logFilePointer != nil{
//		defer logFilePointer.Close()
//	}
//
// ```
func ConfigureDefaultLogger(logLevel string, logFile string, loggerOptions slog.HandlerOptions) (*os.File, error) {
	level, disabled, err := ParseLogLevel(logLevel)
	if err != nil {
		return nil, err
	}
	if disabled {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	}
	loggerOptions.Level = level

	// --------------------------------------------------------------------------------

	var logFilePointer *os.File
	var slogHandler slog.Handler
	if logFile == "" {
		slogHandler = slog.NewTextHandler(os.Stdout, &loggerOptions)
	} else {
		logFilePointer, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		slogHandler = slog.NewJSONHandler(logFilePointer, &loggerOptions)
	}

	// --------------------------------------------------------------------------------

	slog.SetDefault(slog.New(slogHandler))
	return logFilePointer, nil
}
