/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logger.go
Description: Logging setup for simfuzz. Builds a logrus logger writing to stderr and,
optionally, to a timestamped file per run. Supports JSON, text and custom formats and
prunes old run logs on close.
*/

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace   LogLevel = "trace"
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warn"
	LogLevelError   LogLevel = "error"
	LogLevelFatal   LogLevel = "fatal"
	LogLevelPanic   LogLevel = "panic"
)

// LogFormat represents the logging format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatText   LogFormat = "text"
	LogFormatCustom LogFormat = "custom"
)

// filePrefix names every run log written to OutputDir
const filePrefix = "simfuzz_"

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	Level     LogLevel  `json:"level" yaml:"level"`
	Format    LogFormat `json:"format" yaml:"format"`
	OutputDir string    `json:"output_dir" yaml:"output_dir"`
	MaxFiles  int       `json:"max_files" yaml:"max_files"`
	Timestamp bool      `json:"timestamp" yaml:"timestamp"`
	Caller    bool      `json:"caller" yaml:"caller"`
	Colors    bool      `json:"colors" yaml:"colors"`
	Compress  bool      `json:"compress" yaml:"compress"`

	// Console receives every entry besides the file. Defaults to stderr.
	Console io.Writer `json:"-" yaml:"-"`
}

// DefaultConfig logs at info level to the console only
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:     LogLevelInfo,
		Format:    LogFormatCustom,
		MaxFiles:  10,
		Timestamp: true,
		Colors:    true,
	}
}

// FromFuzzerConfig derives the logger configuration of a fuzzing run
func FromFuzzerConfig(cfg *interfaces.FuzzerConfig) *LoggerConfig {
	c := DefaultConfig()
	if cfg.LogLevel != "" {
		c.Level = LogLevel(cfg.LogLevel)
	}
	if cfg.JSONLogs {
		c.Format = LogFormatJSON
		c.Colors = false
	}
	c.OutputDir = cfg.LogDir
	return c
}

// Validate checks the LoggerConfig for invalid or missing values.
// Returns an error if the config is invalid, or nil if valid.
func (c *LoggerConfig) Validate() error {
	if c.OutputDir != "" && c.MaxFiles <= 0 {
		return fmt.Errorf("max_files must be positive")
	}
	switch c.Format {
	case LogFormatJSON, LogFormatText, LogFormatCustom:
	default:
		return fmt.Errorf("unsupported log format: %s", c.Format)
	}
	switch c.Level {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError, LogLevelFatal, LogLevelPanic:
	default:
		return fmt.Errorf("unsupported log level: %s", c.Level)
	}
	return nil
}

// Logger owns a configured logrus logger and its log file
type Logger struct {
	config     *LoggerConfig
	logger     *logrus.Logger
	console    io.Writer
	fileHandle *os.File
	filePath   string
	startTime  time.Time
}

// NewLogger creates a new logger instance
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l := &Logger{
		config:    config,
		logger:    logrus.New(),
		startTime: time.Now(),
	}
	if err := l.setup(); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return l, nil
}

// setup configures the logger with the given configuration
func (l *Logger) setup() error {
	level, err := logrus.ParseLevel(string(l.config.Level))
	if err != nil {
		return err
	}
	l.logger.SetLevel(level)
	l.logger.SetReportCaller(l.config.Caller)

	if err := l.setFormatter(); err != nil {
		return err
	}
	return l.setupOutput()
}

func shortCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

// setFormatter configures the log formatter
func (l *Logger) setFormatter() error {
	switch l.config.Format {
	case LogFormatJSON:
		l.logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339Nano,
			CallerPrettyfier: shortCaller,
		})

	case LogFormatText:
		l.logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    l.config.Timestamp,
			TimestampFormat:  time.RFC3339,
			ForceColors:      l.config.Colors,
			DisableColors:    !l.config.Colors,
			CallerPrettyfier: shortCaller,
		})

	case LogFormatCustom:
		l.logger.SetFormatter(&FuzzerFormatter{
			CustomFormatter: CustomFormatter{
				Timestamp: l.config.Timestamp,
				Caller:    l.config.Caller,
				Colors:    l.config.Colors,
			},
		})

	default:
		return fmt.Errorf("unsupported log format: %s", l.config.Format)
	}
	return nil
}

// setupOutput sends entries to the console and, with an output directory, to a new
// timestamped file
func (l *Logger) setupOutput() error {
	l.console = l.config.Console
	if l.console == nil {
		l.console = os.Stderr
	}
	if l.config.OutputDir == "" {
		l.logger.SetOutput(l.console)
		return nil
	}

	if err := os.MkdirAll(l.config.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("%s%s.log", filePrefix, l.startTime.Format("2006-01-02_15-04-05.000"))
	path := filepath.Join(l.config.OutputDir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	l.fileHandle = file
	l.filePath = path
	l.logger.SetOutput(io.MultiWriter(l.console, file))

	l.logger.WithFields(logrus.Fields{
		"log_file": path,
		"level":    l.config.Level,
		"format":   l.config.Format,
	}).Debug("Logging initialized")
	return nil
}

// FilePath returns the current log file, or "" for console-only logging
func (l *Logger) FilePath() string {
	return l.filePath
}

// GetLogger returns the underlying logrus logger
func (l *Logger) GetLogger() *logrus.Logger {
	return l.logger
}

// Close closes the log file and prunes old run logs. Later entries go to the console only.
func (l *Logger) Close() error {
	if l.fileHandle == nil {
		return nil
	}
	l.logger.SetOutput(l.console)
	if err := l.fileHandle.Close(); err != nil {
		return err
	}
	l.fileHandle = nil

	manager := NewLogManager(l.config.OutputDir, l.config.MaxFiles, l.config.Compress)
	if err := manager.Archive(l.filePath); err != nil {
		return fmt.Errorf("failed to archive log file: %w", err)
	}
	if err := manager.CleanupOldLogs(); err != nil {
		return fmt.Errorf("failed to cleanup log files: %w", err)
	}
	return nil
}
