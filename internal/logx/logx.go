// Package logx provides structured logging with environment-driven debug
// filtering, shared by every component of the iteration engine.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level identifies the severity of a log line.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes structured, component-tagged log lines to stderr.
type Logger struct {
	component string
	logger    *log.Logger
}

// debugConfig controls which components emit DEBUG lines.
type debugConfig struct {
	enabled bool
	domains map[string]bool // nil means all domains
}

var (
	dbgMu  sync.RWMutex
	dbgCfg = debugConfig{}

	// recent keeps a bounded ring of recent entries, readable through
	// Recent. The runloop HTTP server does not serve it.
	recent = &ringBuffer{max: 500}
)

func init() { //nolint:gochecknoinits // environment-driven defaults, mirrors the teacher's init-from-env convention
	dbgMu.Lock()
	defer dbgMu.Unlock()

	if v := os.Getenv("RALPH_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		dbgCfg.enabled = true
	}
	if domains := os.Getenv("RALPH_DEBUG_DOMAINS"); domains != "" {
		dbgCfg.domains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			dbgCfg.domains[strings.TrimSpace(d)] = true
		}
	}
}

// NewLogger creates a Logger tagged with the given component name
// ("backlog", "driver", "supervisor", ...).
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0),
	}
}

// SetDebug enables or disables DEBUG-level output globally.
func SetDebug(enabled bool) {
	dbgMu.Lock()
	defer dbgMu.Unlock()
	dbgCfg.enabled = enabled
}

// IsDebugEnabled reports whether DEBUG output is enabled for component.
func IsDebugEnabled(component string) bool {
	dbgMu.RLock()
	defer dbgMu.RUnlock()

	if !dbgCfg.enabled {
		return false
	}
	if dbgCfg.domains == nil {
		return true
	}
	return dbgCfg.domains[component]
}

func (l *Logger) emit(level Level, format string, args ...any) {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	msg := fmt.Sprintf(format, args...)
	l.logger.Println(fmt.Sprintf("[%s] [%s] %s: %s", ts, l.component, level, msg))
	recent.add(Entry{Timestamp: ts, Component: l.component, Level: string(level), Message: msg})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled(l.component) {
		return
	}
	l.emit(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any)  { l.emit(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.emit(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.emit(LevelError, format, args...) }

// Wrap logs "msg: err" at ERROR level and returns a wrapped error, so
// call sites can do `return logx.Wrap(err, "...")` in one step.
func (l *Logger) Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	l.emit(LevelError, "%s", wrapped.Error())
	return wrapped
}

// Component returns the logger's component tag.
func (l *Logger) Component() string { return l.component }

// Entry is one recorded log line, as returned by Recent.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

type ringBuffer struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

func (b *ringBuffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
}

// Recent returns a copy of the most recent log entries, optionally
// filtered by component ("" means all).
func Recent(component string, limit int) []Entry {
	recent.mu.Lock()
	defer recent.mu.Unlock()

	out := make([]Entry, 0, len(recent.entries))
	for _, e := range recent.entries {
		if component != "" && e.Component != component {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
