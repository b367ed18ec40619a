package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // Cyan
	slog.LevelInfo:  "\033[32m", // Green
	slog.LevelWarn:  "\033[33m", // Yellow
	slog.LevelError: "\033[31m", // Red
}

const colorReset = "\033[0m"

// LoggerConfig configures a logger instance
type LoggerConfig struct {
	Level      slog.Level
	Component  string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	TimeFormat string
}

// PrettyHandler renders records as
// [TIME] [LEVEL] [COMPONENT] message key=value key=value
type PrettyHandler struct {
	mu         *sync.Mutex
	level      slog.Leveler
	component  string
	output     io.Writer
	colorize   bool
	showCaller bool
	timeFormat string
	attrs      []slog.Attr
	groups     []string
}

// NewPrettyHandler creates a handler with the given configuration
func NewPrettyHandler(config LoggerConfig) *PrettyHandler {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.TimeFormat == "" {
		config.TimeFormat = "15:04:05.000"
	}

	return &PrettyHandler{
		mu:         &sync.Mutex{},
		level:      config.Level,
		component:  config.Component,
		output:     config.Output,
		colorize:   config.Colorize,
		showCaller: config.ShowCaller,
		timeFormat: config.TimeFormat,
	}
}

// NewLogger creates a new slog logger with the prettified format
func NewLogger(config LoggerConfig) *slog.Logger {
	return slog.New(NewPrettyHandler(config))
}

// DefaultLogger creates a logger with sensible defaults
func DefaultLogger(component string) *slog.Logger {
	return NewLogger(LoggerConfig{
		Level:      slog.LevelInfo,
		Component:  component,
		Output:     os.Stdout,
		Colorize:   true,
		ShowCaller: false,
		TimeFormat: "15:04:05.000",
	})
}

// Enabled implements slog.Handler
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// WithAttrs implements slog.Handler. A "component" attribute replaces the
// bracketed component instead of being printed as a field.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" && len(h.groups) == 0 {
			clone.component = a.Value.String()
			continue
		}
		clone.attrs = append(clone.attrs, h.qualify(a))
	}
	return &clone
}

// WithGroup implements slog.Handler
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

// Handle implements slog.Handler
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var builder strings.Builder

	if h.colorize {
		builder.WriteString(colorFor(r.Level))
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	builder.WriteString("[")
	builder.WriteString(ts.Format(h.timeFormat))
	builder.WriteString("] ")

	builder.WriteString("[")
	builder.WriteString(fmt.Sprintf("%-5s", r.Level.String()))
	builder.WriteString("] ")

	if h.component != "" {
		builder.WriteString("[")
		builder.WriteString(h.component)
		builder.WriteString("] ")
	}

	builder.WriteString(r.Message)

	fields := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, h.qualify(a))
		return true
	})
	for _, field := range fields {
		builder.WriteString(" ")
		builder.WriteString(field.Key)
		builder.WriteString("=")
		builder.WriteString(formatValue(field.Value))
	}

	if h.showCaller && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		parts := strings.Split(frame.File, "/")
		builder.WriteString(fmt.Sprintf(" (%s:%d)", parts[len(parts)-1], frame.Line))
	}

	if h.colorize {
		builder.WriteString(colorReset)
	}
	builder.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.output, builder.String())
	return err
}

func (h *PrettyHandler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return a
	}
	a.Key = strings.Join(h.groups, ".") + "." + a.Key
	return a
}

func colorFor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return levelColors[slog.LevelError]
	case level >= slog.LevelWarn:
		return levelColors[slog.LevelWarn]
	case level >= slog.LevelInfo:
		return levelColors[slog.LevelInfo]
	default:
		return levelColors[slog.LevelDebug]
	}
}

// formatValue formats a field value
func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return fmt.Sprintf("%q", v.String())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindGroup:
		parts := make([]string, 0, len(v.Group()))
		for _, a := range v.Group() {
			parts = append(parts, a.Key+"="+formatValue(a.Value))
		}
		return "{" + strings.Join(parts, " ") + "}"
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return fmt.Sprintf("%q", err.Error())
		}
		return fmt.Sprintf("%v", v.Any())
	default:
		return v.String()
	}
}

type hexValue uint64

func (v hexValue) String() string {
	return fmt.Sprintf("0x%x", uint64(v))
}

// Hex renders an address-like value as a 0x-prefixed attribute.
func Hex(key string, value uint64) slog.Attr {
	return slog.Any(key, hexValue(value))
}

// Err is the conventional error attribute.
func Err(err error) slog.Attr {
	return slog.Any("error", err)
}
