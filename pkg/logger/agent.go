package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Level is the closed set of severities an agent can log at.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a configuration string onto a Level.
func ParseLevel(value string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

func (l Level) slogLevel() slog.Level {
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

// AgentLogger is a logging handle scoped to one agent and bound to a
// minimum level. Entries below the minimum are dropped before they reach
// the underlying handler.
type AgentLogger struct {
	base *slog.Logger
	min  slog.Level
}

// ForAgent returns a handle on the process logger scoped to name.
func ForAgent(name string, min Level) *AgentLogger {
	return NewAgentLogger(L(), name, min)
}

// NewAgentLogger scopes base to name. A nil base falls back to slog.Default.
func NewAgentLogger(base *slog.Logger, name string, min Level) *AgentLogger {
	if base == nil {
		base = slog.Default()
	}
	return &AgentLogger{
		base: base.With(slog.String("agent", name)),
		min:  min.slogLevel(),
	}
}

// With returns a copy carrying extra attributes, keeping the minimum level.
func (l *AgentLogger) With(args ...any) *AgentLogger {
	if l == nil {
		return nil
	}
	return &AgentLogger{base: l.base.With(args...), min: l.min}
}

// Enabled reports whether level passes the minimum.
func (l *AgentLogger) Enabled(level Level) bool {
	return l != nil && level.slogLevel() >= l.min
}

// Log writes message at level. slog drops handler write errors, so a broken
// sink never surfaces to the caller.
func (l *AgentLogger) Log(level Level, message string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	defer func() { _ = recover() }()
	l.base.Log(context.Background(), level.slogLevel(), message, args...)
}

func (l *AgentLogger) Debug(message string, args ...any) { l.Log(LevelDebug, message, args...) }
func (l *AgentLogger) Info(message string, args ...any)  { l.Log(LevelInfo, message, args...) }
func (l *AgentLogger) Warn(message string, args ...any)  { l.Log(LevelWarn, message, args...) }
func (l *AgentLogger) Error(message string, args ...any) { l.Log(LevelError, message, args...) }
