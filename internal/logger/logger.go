// Package logger is the process-wide structured logger. It wraps log/slog
// with a colored text handler for terminals, a JSON handler for collectors,
// and request-scoped fields carried in a LogContext.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[string]Level{
	"DEBUG": LevelDebug,
	"INFO":  LevelInfo,
	"WARN":  LevelWarn,
	"ERROR": LevelError,
}

func (l Level) String() string {
	for name, lvl := range levelNames {
		if lvl == l {
			return name
		}
	}
	return "UNKNOWN"
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config selects level, format and destination. Empty fields keep the
// current setting.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

var (
	currentLevel  atomic.Int32
	currentFormat atomic.Value // "text" or "json"

	mu       sync.RWMutex
	slogger  *slog.Logger
	output   io.Writer = os.Stdout
	logFile  *os.File
	useColor = true
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	currentFormat.Store("text")
	useColor = isTerminal(os.Stdout.Fd())
	reconfigure()
}

// reconfigure rebuilds the handler from the current level, format and output.
func reconfigure() {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: Level(currentLevel.Load()).slog()}
	if format, _ := currentFormat.Load().(string); format == "json" {
		slogger = slog.New(slog.NewJSONHandler(output, opts))
		return
	}
	slogger = slog.New(NewColorTextHandler(output, opts, useColor))
}

// openOutput resolves an output name to a writer. Files are opened for
// append and never colored.
func openOutput(name string) (io.Writer, bool, error) {
	switch strings.ToLower(name) {
	case "", "stdout":
		return os.Stdout, isTerminal(os.Stdout.Fd()), nil
	case "stderr":
		return os.Stderr, isTerminal(os.Stderr.Fd()), nil
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open log file %q: %w", name, err)
	}
	return f, false, nil
}

// Init applies cfg. A previously opened log file is closed when the output
// changes.
func Init(cfg Config) error {
	if cfg.Output != "" {
		w, color, err := openOutput(cfg.Output)
		if err != nil {
			return err
		}
		mu.Lock()
		if logFile != nil {
			_ = logFile.Close()
			logFile = nil
		}
		if f, ok := w.(*os.File); ok && f != os.Stdout && f != os.Stderr {
			logFile = f
		}
		output, useColor = w, color
		mu.Unlock()
	}
	SetLevel(cfg.Level)
	SetFormat(cfg.Format)
	reconfigure()
	return nil
}

// InitWithWriter sends records to w. Used by tests.
func InitWithWriter(w io.Writer, level, format string, enableColor bool) {
	mu.Lock()
	output, useColor = w, enableColor
	mu.Unlock()
	SetLevel(level)
	SetFormat(format)
	reconfigure()
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(level string) {
	lvl, ok := levelNames[strings.ToUpper(level)]
	if !ok {
		return
	}
	currentLevel.Store(int32(lvl))
	reconfigure()
}

// SetFormat switches between "text" and "json". Unknown names are ignored.
func SetFormat(format string) {
	format = strings.ToLower(format)
	if format != "text" && format != "json" {
		return
	}
	currentFormat.Store(format)
	reconfigure()
}

// IsDebugEnabled reports whether debug records are emitted. Hot paths use it
// to skip building per-chunk attributes.
func IsDebugEnabled() bool {
	return enabled(LevelDebug)
}

func enabled(l Level) bool {
	return l >= Level(currentLevel.Load())
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func emit(ctx context.Context, l Level, msg string, args []any) {
	if !enabled(l) {
		return
	}
	args = appendContextFields(ctx, args)
	current().Log(ctx, l.slog(), msg, args...)
}

// Debug logs msg with alternating key/value args.
func Debug(msg string, args ...any) { emit(context.Background(), LevelDebug, msg, args) }

// Info logs msg with alternating key/value args.
func Info(msg string, args ...any) { emit(context.Background(), LevelInfo, msg, args) }

// Warn logs msg with alternating key/value args.
func Warn(msg string, args ...any) { emit(context.Background(), LevelWarn, msg, args) }

// Error logs msg with alternating key/value args.
func Error(msg string, args ...any) { emit(context.Background(), LevelError, msg, args) }

// DebugCtx is Debug with the LogContext fields of ctx prepended.
func DebugCtx(ctx context.Context, msg string, args ...any) { emit(ctx, LevelDebug, msg, args) }

// InfoCtx is Info with the LogContext fields of ctx prepended.
func InfoCtx(ctx context.Context, msg string, args ...any) { emit(ctx, LevelInfo, msg, args) }

// WarnCtx is Warn with the LogContext fields of ctx prepended.
func WarnCtx(ctx context.Context, msg string, args ...any) { emit(ctx, LevelWarn, msg, args) }

// ErrorCtx is Error with the LogContext fields of ctx prepended.
func ErrorCtx(ctx context.Context, msg string, args ...any) { emit(ctx, LevelError, msg, args) }

// appendContextFields puts the non-empty LogContext fields before args.
func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	fields := [...]struct{ key, value string }{
		{KeyTraceID, lc.TraceID},
		{KeyRequestID, lc.RequestID},
		{KeyConnID, lc.ConnID},
		{KeyClient, lc.Client},
		{KeyTicketID, lc.TicketID},
		{KeyTransferID, lc.TransferID},
		{KeyOp, lc.Op},
	}
	out := make([]any, 0, 2*len(fields)+len(args))
	for _, f := range fields {
		if f.value != "" {
			out = append(out, f.key, f.value)
		}
	}
	return append(out, args...)
}

// With returns a logger with args bound to every record.
func With(args ...any) *slog.Logger {
	return current().With(args...)
}

// Duration returns the milliseconds elapsed since start.
func Duration(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
