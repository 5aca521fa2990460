// Package log provides structured logging for gominer.
// It wraps log/slog with mining-client field helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// Context keys read by WithContext.
const (
	PoolKey   ctxKey = "pool"
	ThreadKey ctxKey = "thr_id"
)

// Logger wraps slog.Logger with service identity and helpers
type Logger struct {
	*slog.Logger
	service string
	version string
}

// ParseLevel maps a textual level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests and library callers.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "nop", "", "error", "text")
}

// WithContext returns a logger carrying pool and thread ids found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if pool := ctx.Value(PoolKey); pool != nil {
		logger = logger.With("pool", pool)
	}
	if thr := ctx.Value(ThreadKey); thr != nil {
		logger = logger.With("thr_id", thr)
	}
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool returns a logger tagged with a pool's index and url
func (l *Logger) WithPool(index int, url string) *Logger {
	return l.WithFields("pool", index, "pool_url", url)
}

// WithThread returns a logger tagged with a mining thread id
func (l *Logger) WithThread(thrID int) *Logger {
	return l.WithFields("thr_id", thrID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs raw stratum traffic at debug level
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareResult logs the outcome of a share submission
func (l *Logger) LogShareResult(pool int, disposition string, difficulty float64, hash string) {
	level := slog.LevelInfo
	if disposition != "accept" {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "share result",
		"pool", pool,
		"disposition", disposition,
		"difficulty", difficulty,
		"hash", hash,
	)
}

// LogBlockFound logs a solved block
func (l *Logger) LogBlockFound(pool int, blockHash string, height int64, difficulty float64) {
	l.Info("block found",
		"pool", pool,
		"block_hash", blockHash,
		"block_height", height,
		"difficulty", difficulty,
	)
}

// LogPoolSwitch logs a change of current pool
func (l *Logger) LogPoolSwitch(from, to int, url string) {
	l.Warn("switching pool",
		"from_pool", from,
		"to_pool", to,
		"pool_url", url,
	)
}

// LogNewBlock logs detection of a new network block
func (l *Logger) LogNewBlock(pool int, prevHash string, networkDiff float64, source string) {
	l.Info("new block detected",
		"pool", pool,
		"prev_hash", prevHash,
		"network_difficulty", networkDiff,
		"source", source,
	)
}
