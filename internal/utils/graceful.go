package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// GracefulShutdown runs registered cleanup hooks once, newest first, like
// deferred calls.
type GracefulShutdown struct {
	mu      sync.Mutex
	hooks   []shutdownHook
	timeout time.Duration
	logger  *slog.Logger
}

type shutdownHook struct {
	name string
	fn   func() error
}

// NewGracefulShutdown creates a shutdown manager whose Shutdown gives up
// after timeout.
func NewGracefulShutdown(timeout time.Duration, logger *slog.Logger) *GracefulShutdown {
	if logger == nil {
		logger = slog.Default()
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger.With("component", "shutdown"),
	}
}

// Register adds a named hook. Hooks registered later run first.
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, shutdownHook{name: name, fn: fn})
}

// Shutdown runs every hook and returns their errors joined. Hooks still
// running at the timeout are abandoned with a SHUTDOWN_TIMEOUT error.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	hooks := g.hooks
	g.hooks = nil
	g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", "hooks", len(hooks))
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := h.fn(); err != nil {
				g.logger.Error("shutdown hook failed", "hook", h.name, Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			}
		}
		result <- errors.Join(errs...)
	}()

	select {
	case err := <-result:
		if err != nil {
			return err
		}
		g.logger.Info("graceful shutdown complete")
		return nil
	case <-ctx.Done():
		g.logger.Warn("graceful shutdown timed out")
		return WrapError("SHUTDOWN_TIMEOUT", "shutdown timeout", ctx.Err())
	}
}
