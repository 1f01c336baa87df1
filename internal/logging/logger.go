// Package logging provides structured logging with file and console output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents logging levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is a single log line kept in memory for the debug endpoint.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// Logger wraps zerolog with file output and log history
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string
	hist    *history
}

// Config holds logger configuration
type Config struct {
	LogDir     string   // Directory for log files; empty disables file output
	Level      LogLevel // Minimum log level (default: info)
	MaxHistory int      // Max entries to keep in memory (default: 500)
	Console    bool     // Also log to console
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogDir:     filepath.Join(home, ".companion", "logs"),
		Level:      LevelInfo,
		MaxHistory: 500,
		Console:    true,
	}
}

// New creates a new Logger with file and console output
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500
	}

	hist := &history{max: cfg.MaxHistory}
	writers := []io.Writer{hist}

	var (
		file    *os.File
		logPath string
	)
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logPath = filepath.Join(cfg.LogDir, fmt.Sprintf("companion_%s.log", time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	zlog := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("app", "companion").
		Logger()

	l := &Logger{zlog: zlog, file: file, logPath: logPath, hist: hist}
	l.zlog.Info().Str("component", "logging").Str("log_file", logPath).Str("level", string(cfg.Level)).Msg("Logger initialized")
	return l, nil
}

// ParseLevel maps a configured level to zerolog, defaulting to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch LogLevel(strings.ToLower(string(level))) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a zerolog.Logger with the component field set
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// GetHistory returns up to limit recent entries, oldest first.
func (l *Logger) GetHistory(limit int) []LogEntry {
	return l.hist.recent(limit)
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	return l.logPath
}

// Close closes the log file
func (l *Logger) Close() error {
	l.zlog.Info().Str("component", "logging").Msg("Logger shutting down")
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// history is an io.Writer that keeps the last max JSON log lines decoded.
type history struct {
	mu      sync.RWMutex
	entries []LogEntry
	max     int
}

func (h *history) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil
	}

	entry := LogEntry{
		Timestamp: stringField(raw, zerolog.TimestampFieldName),
		Level:     stringField(raw, zerolog.LevelFieldName),
		Component: stringField(raw, "component"),
		Message:   stringField(raw, zerolog.MessageFieldName),
		Error:     stringField(raw, zerolog.ErrorFieldName),
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
	h.mu.Unlock()
	return len(p), nil
}

func (h *history) recent(limit int) []LogEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.entries) {
		limit = len(h.entries)
	}
	out := make([]LogEntry, limit)
	copy(out, h.entries[len(h.entries)-limit:])
	return out
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
