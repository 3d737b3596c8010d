// Package app assembles the service for one run mode: it wires stores,
// caches, the receipt archive and notifications around a migration engine
// and runs until the mode completes or the context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/vaultshift/internal/config"
)

// App runs one mode and owns whatever that mode opened.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger.With(slog.String("component", "app"))}
}

// Run blocks until the configured mode returns.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(strings.TrimSpace(a.cfg.Mode))
	a.logger.InfoContext(ctx, "running", slog.String("mode", mode))

	// Quote mode reads a live chain and needs none of the stores.
	if mode == config.ModeQuote {
		return a.QuoteMode(ctx)
	}

	var run func(context.Context, *Dependencies) error
	switch mode {
	case config.ModeServer:
		run = a.ServerMode
	case config.ModeSimulate:
		run = a.SimulateMode
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.onClose(cleanup)
	return run(ctx, deps)
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

// Close releases resources in reverse order of acquisition. Later calls do
// nothing.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	if len(closers) > 0 {
		a.logger.Info("resources released", slog.Int("count", len(closers)))
	}
}
