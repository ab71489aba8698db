// Package util provides logging, host inspection and certificate helpers
// shared by the voxelnet binaries.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is the release of the voxelnet binaries.
const Version = "0.4.0"

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	App        string
	Level      string
	Directory  string
	MaxBackups int
	Console    bool
}

// InitLogger initializes the zerolog global logger with file and console output.
// An empty Directory disables the file sink.
func InitLogger(cfg LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	logFilePath := ""

	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
		}

		logFileName := fmt.Sprintf("%s_%s.log", cfg.App, time.Now().Format("2006-01-02"))
		logFilePath = filepath.Join(cfg.Directory, logFileName)

		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
		}
		// JSON lines for machine parsing
		writers = append(writers, logFile)
	}

	if cfg.Console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", cfg.App).
		Caller().
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	if logFilePath != "" {
		go cleanOldLogs(cfg.Directory, cfg.MaxBackups)
	}

	return nil
}

// cleanOldLogs keeps the newest maxBackups log files and removes the rest.
func cleanOldLogs(directory string, maxBackups int) {
	if maxBackups < 1 {
		return
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}

	var logFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".log" {
			logFiles = append(logFiles, entry.Name())
		}
	}
	if len(logFiles) <= maxBackups {
		return
	}

	// names carry the date, so lexical order is chronological per app
	sort.Strings(logFiles)
	for _, name := range logFiles[:len(logFiles)-maxBackups] {
		path := filepath.Join(directory, name)
		if err := os.Remove(path); err == nil {
			log.Debug().Str("file", path).Msg("removed old log file")
		}
	}
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
