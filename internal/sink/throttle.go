package sink

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/gpuav/internal/decoder"
)

// ThrottleConfig bounds how many diagnostics per VUID reach the wrapped sink.
type ThrottleConfig struct {
	PerSecond int `json:"per_second" yaml:"per_second"`
	Burst     int `json:"burst" yaml:"burst"`
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		PerSecond: 100,
		Burst:     200,
	}
}

// Throttled rate-limits diagnostics per VUID with a token bucket. Overflow
// notices are never throttled.
type Throttled struct {
	next    Sink
	limiter *limiter.TokenBucket
	logger  *slog.Logger

	mu      sync.Mutex
	dropped map[string]uint64
}

func NewThrottled(next Sink, cfg ThrottleConfig, logger *slog.Logger) (*Throttled, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PerSecond <= 0 || cfg.Burst <= 0 {
		return nil, fmt.Errorf("throttle needs positive rate and burst, got %d/%d", cfg.PerSecond, cfg.Burst)
	}
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(cfg.PerSecond),
			Duration: time.Second,
			Burst:    int64(cfg.Burst),
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("create token bucket: %w", err)
	}
	return &Throttled{
		next:    next,
		limiter: tb,
		logger:  logger.With("component", "throttle"),
		dropped: make(map[string]uint64),
	}, nil
}

func (t *Throttled) Emit(diags ...decoder.Diagnostic) error {
	pass := make([]decoder.Diagnostic, 0, len(diags))
	for _, d := range diags {
		if d.VUID == decoder.VUIDBufferOverflow || t.limiter.Allow(d.VUID) {
			pass = append(pass, d)
			continue
		}
		t.mu.Lock()
		t.dropped[d.VUID]++
		n := t.dropped[d.VUID]
		t.mu.Unlock()
		if n == 1 {
			t.logger.Warn("diagnostics throttled", "vuid", d.VUID)
		}
	}
	if len(pass) == 0 {
		return nil
	}
	return t.next.Emit(pass...)
}

// Dropped returns how many diagnostics were throttled per VUID.
func (t *Throttled) Dropped() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64, len(t.dropped))
	for k, v := range t.dropped {
		out[k] = v
	}
	return out
}
