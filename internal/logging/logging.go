// Package logging provides structured logging for this relay: a
// Config, a Logger wrapping *slog.Logger, and category-gated debug
// helpers for the rtp, nal, reactor, rtsp, and sink concerns.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level is a logging severity threshold.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category is one of this relay's gated debug areas.
type Category string

const (
	CategoryRTP     Category = "rtp"
	CategoryNAL     Category = "nal"
	CategoryReactor Category = "reactor"
	CategoryRTSP    Category = "rtsp"
	CategorySink    Category = "sink"
	CategoryAll     Category = "all"
)

// Format selects the slog.Handler implementation.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logger configuration.
type Config struct {
	Level      Level
	Format     Format
	OutputFile string

	mu                sync.RWMutex
	enabledCategories map[Category]bool
}

// NewConfig returns a Config with sane defaults (info level, text
// format, no output file: stdout, with error-level records on stderr).
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		enabledCategories: make(map[Category]bool),
	}
}

// EnableCategory turns on debug logging for one category, or all of
// them if given CategoryAll.
func (c *Config) EnableCategory(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cat == CategoryAll {
		for _, each := range []Category{CategoryRTP, CategoryNAL, CategoryReactor, CategoryRTSP, CategorySink} {
			c.enabledCategories[each] = true
		}
		return
	}
	c.enabledCategories[cat] = true
}

func (c *Config) isCategoryEnabled(cat Category) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabledCategories[cat]
}

// ParseLevel converts a string flag value to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("logging: invalid level %q (must be debug, info, warn, or error)", s)
	}
}

// ParseFormat converts a string flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("logging: invalid format %q (must be text or json)", s)
	}
}

func (l Level) toSlog() slog.Level {
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

// Logger wraps *slog.Logger with this relay's category-gated debug
// helpers.
type Logger struct {
	*slog.Logger
	cfg  *Config
	file *os.File
}

// New builds a Logger from cfg, opening OutputFile if set. With no
// OutputFile, Error-level records are split off to stderr so a
// watching process (or a human) sees failures without grepping the
// info stream; everything below Error still goes to stdout.
func New(cfg *Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level.toSlog()}
	newHandler := func(w io.Writer) slog.Handler {
		if cfg.Format == FormatJSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	var handler slog.Handler
	var file *os.File
	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open %s: %w", cfg.OutputFile, err)
		}
		file = f
		handler = newHandler(f)
	} else {
		handler = &levelSplitHandler{below: newHandler(os.Stdout), atOrAbove: newHandler(os.Stderr), threshold: slog.LevelError}
	}

	return &Logger{Logger: slog.New(handler), cfg: cfg, file: file}, nil
}

// levelSplitHandler routes a record to one of two handlers depending
// on whether its level meets threshold, so Error-level output can
// land on stderr while everything else stays on stdout.
type levelSplitHandler struct {
	below     slog.Handler
	atOrAbove slog.Handler
	threshold slog.Level
}

func (h *levelSplitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.below.Enabled(ctx, level) || h.atOrAbove.Enabled(ctx, level)
}

func (h *levelSplitHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= h.threshold {
		return h.atOrAbove.Handle(ctx, record)
	}
	return h.below.Handle(ctx, record)
}

func (h *levelSplitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelSplitHandler{below: h.below.WithAttrs(attrs), atOrAbove: h.atOrAbove.WithAttrs(attrs), threshold: h.threshold}
}

func (h *levelSplitHandler) WithGroup(name string) slog.Handler {
	return &levelSplitHandler{below: h.below.WithGroup(name), atOrAbove: h.atOrAbove.WithGroup(name), threshold: h.threshold}
}

// Close closes the underlying log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// DebugRTP logs RTP packet details if the rtp category is enabled.
func (l *Logger) DebugRTP(msg string, args ...any) {
	if l.cfg.isCategoryEnabled(CategoryRTP) {
		l.Debug(msg, append([]any{"category", "rtp"}, args...)...)
	}
}

// DebugNAL logs NAL unit details if the nal category is enabled.
func (l *Logger) DebugNAL(msg string, args ...any) {
	if l.cfg.isCategoryEnabled(CategoryNAL) {
		l.Debug(msg, append([]any{"category", "nal"}, args...)...)
	}
}

// DebugReactor logs reactor dispatch details if the reactor category
// is enabled.
func (l *Logger) DebugReactor(msg string, args ...any) {
	if l.cfg.isCategoryEnabled(CategoryReactor) {
		l.Debug(msg, append([]any{"category", "reactor"}, args...)...)
	}
}

// DebugRTSP logs RTSP protocol details if the rtsp category is
// enabled.
func (l *Logger) DebugRTSP(msg string, args ...any) {
	if l.cfg.isCategoryEnabled(CategoryRTSP) {
		l.Debug(msg, append([]any{"category", "rtsp"}, args...)...)
	}
}

// DebugSink logs fan-out sink details if the sink category is
// enabled.
func (l *Logger) DebugSink(msg string, args ...any) {
	if l.cfg.isCategoryEnabled(CategorySink) {
		l.Debug(msg, append([]any{"category", "sink"}, args...)...)
	}
}

var defaultLogger *Logger

// SetDefault installs l as the process-wide default logger, and makes
// it the target of log/slog's own package-level functions too.
func SetDefault(l *Logger) {
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// Default returns the logger installed by SetDefault, or a bare
// info-level text logger over stdout (error-level records on stderr)
// if none was installed.
func Default() *Logger {
	if defaultLogger != nil {
		return defaultLogger
	}
	l, _ := New(NewConfig())
	return l
}
