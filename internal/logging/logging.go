// Package logging configures the zerolog global logger used by every package.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogFileEnv names an optional file that receives a JSON copy of every log line.
const LogFileEnv = "RFDEPLOY_LOG_FILE"

// LevelFor maps a -v count to a zerolog level.
func LevelFor(verbosity int) zerolog.Level {
	switch verbosity {
	case 0:
		return zerolog.WarnLevel
	case 1:
		return zerolog.InfoLevel
	case 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// Setup configures the global logger.
// Console output goes to w (stderr when nil). When RFDEPLOY_LOG_FILE is set the
// same events are appended to that file as JSON. The returned func closes the
// log file, if any.
func Setup(verbosity int, w io.Writer) func() {
	zerolog.SetGlobalLevel(LevelFor(verbosity))

	if w == nil {
		w = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}}

	closeFn := func() {}
	var fileErr error
	logPath := os.Getenv(LogFileEnv)
	if logPath != "" {
		f, err := openLogFile(logPath)
		if err != nil {
			fileErr = err
		} else {
			writers = append(writers, f)
			closeFn = func() { _ = f.Close() }
		}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	if verbosity >= 2 {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger

	if fileErr != nil {
		log.Warn().Err(fileErr).Str("path", logPath).Msg("Failed to open log file, logging to console only")
	}
	log.Debug().Int("verbosity", verbosity).Msg("Logger initialized")
	return closeFn
}

// Get returns a logger tagged with the given component name.
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Nop returns a disabled logger for tests and library defaults.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
