package sink

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nmxmxh/gpuav/internal/decoder"
	"github.com/nmxmxh/gpuav/internal/utils"
)

// Sink consumes decoded diagnostics. Implementations must be safe for
// concurrent use; submissions complete on their own goroutines.
type Sink interface {
	Emit(diags ...decoder.Diagnostic) error
}

// LogSink writes diagnostics to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "gpuav")}
}

func (s *LogSink) Emit(diags ...decoder.Diagnostic) error {
	for _, d := range diags {
		attrs := []any{"vuid", d.VUID, "submission", d.Submission}
		if d.VUID == decoder.VUIDOutOfBounds {
			attrs = append(attrs, utils.Hex("address", d.Address), "size", d.Size, "check", d.CheckID)
		}
		if d.Count > 0 {
			attrs = append(attrs, "count", d.Count)
		}
		if d.Severity == decoder.SeverityWarning {
			s.logger.Warn(d.Message, attrs...)
		} else {
			s.logger.Error(d.Message, attrs...)
		}
	}
	return nil
}

// Collector keeps every diagnostic in memory.
type Collector struct {
	mu    sync.Mutex
	diags []decoder.Diagnostic
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Emit(diags ...decoder.Diagnostic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diags = append(c.diags, diags...)
	return nil
}

// All returns a copy of everything collected so far.
func (c *Collector) All() []decoder.Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]decoder.Diagnostic(nil), c.diags...)
}

// ByVUID returns collected diagnostics with the given identifier.
func (c *Collector) ByVUID(vuid string) []decoder.Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []decoder.Diagnostic
	for _, d := range c.diags {
		if d.VUID == vuid {
			out = append(out, d)
		}
	}
	return out
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.diags)
}

func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diags = nil
}

// Multi fans diagnostics out to several sinks.
type Multi []Sink

func (m Multi) Emit(diags ...decoder.Diagnostic) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(diags...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
