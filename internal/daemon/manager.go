package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/genba/internal/config"
)

// Daemon owns the component lifecycle: init and start in registration
// order, stop in reverse, with a periodic health monitor in between.
type Daemon struct {
	cfg        *config.Config
	components []Component

	mu          sync.RWMutex
	health      HealthStatus
	uptimeStart time.Time
}

func NewDaemon(cfg *config.Config) *Daemon {
	return &Daemon{
		cfg:         cfg,
		health:      StatusStarting,
		uptimeStart: time.Now(),
	}
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	slog.Info("Component registered", "component", comp.Name(), "total", len(d.components))
}

// Run blocks until the context is cancelled or a signal arrives, then
// shuts the components down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if d.cfg.Server.Port < 1 || d.cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", d.cfg.Server.Port)
	}

	for _, comp := range d.components {
		slog.Info("Initializing component", "component", comp.Name())
		if err := comp.Init(ctx); err != nil {
			d.stopComponents(context.Background())
			return fmt.Errorf("component %s init failed: %w", comp.Name(), err)
		}
	}

	for _, comp := range d.components {
		slog.Info("Starting component", "component", comp.Name())
		if err := comp.Start(ctx); err != nil {
			d.stopComponents(context.Background())
			return fmt.Errorf("component %s startup failed: %w", comp.Name(), err)
		}
	}

	d.setHealth(StatusRunning)
	slog.Info("Daemon is running", "components", len(d.components))

	go d.healthMonitor(ctx)

	<-ctx.Done()

	slog.Info("Shutting down", "reason", ctx.Err())
	d.setHealth(StatusStopping)

	shutdownTimeout, err := config.DurationOrDefault(d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon shutdown timeout: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.stopComponents(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		slog.Error("Shutdown timeout exceeded", "timeout", shutdownTimeout)
		return fmt.Errorf("shutdown timeout after %v", shutdownTimeout)
	}
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.uptimeStart)
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) stopComponents(ctx context.Context) {
	for i := len(d.components) - 1; i >= 0; i-- {
		comp := d.components[i]
		slog.Info("Stopping component", "component", comp.Name())
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Component stop failed", "component", comp.Name(), "error", err)
		}
	}
	d.setHealth(StatusStopped)
}

func (d *Daemon) healthMonitor(ctx context.Context) {
	interval, err := config.DurationOrDefault(d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthInterval)
	if err != nil {
		slog.Error("Failed to parse health check interval", "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			unhealthy := 0
			for _, comp := range d.components {
				if err := comp.Health(ctx); err != nil {
					unhealthy++
					slog.Warn("Component unhealthy", "component", comp.Name(), "error", err)
				}
			}
			if unhealthy == 0 {
				slog.Debug("All components healthy", "count", len(d.components))
			}
		}
	}
}
