package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/genba/internal/config"
	genbaErrors "github.com/harunnryd/genba/internal/errors"
	"github.com/harunnryd/genba/internal/task"

	"github.com/gofrs/flock"
)

type ctxKey struct{}

// heldKeys returns the set of session keys already held by this call
// chain. The set travels in the context so any nested operation can
// re-enter its own lock without blocking on itself.
func heldKeys(ctx context.Context) map[string]bool {
	if held, ok := ctx.Value(ctxKey{}).(map[string]bool); ok {
		return held
	}
	return nil
}

func withHeldKey(ctx context.Context, key string) context.Context {
	held := make(map[string]bool, len(heldKeys(ctx))+1)
	for k := range heldKeys(ctx) {
		held[k] = true
	}
	held[key] = true
	return context.WithValue(ctx, ctxKey{}, held)
}

// Manager hands out per-session exclusive locks. Each lock is backed by
// a flock file named after the session key, so a second process (or a
// crashed predecessor) is excluded too. Constructed at startup, torn
// down at shutdown; never a package global.
type Manager struct {
	dir           string
	timeout       time.Duration
	retryInterval time.Duration
	staleTTL      time.Duration

	mu   sync.Mutex
	held map[string]bool
}

func NewManager(dir string, cfg config.LocksConfig) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, genbaErrors.InvalidInput("lock dir is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	timeout, err := config.DurationOrDefault(cfg.Timeout, config.DefaultLockTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse lock timeout: %w", err)
	}
	retryInterval, err := config.DurationOrDefault(cfg.RetryInterval, config.DefaultLockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("parse lock retry interval: %w", err)
	}
	staleTTL, err := config.DurationOrDefault(cfg.StaleTTL, config.DefaultLockStaleTTL)
	if err != nil {
		return nil, fmt.Errorf("parse lock stale ttl: %w", err)
	}

	return &Manager{
		dir:           dir,
		timeout:       timeout,
		retryInterval: retryInterval,
		staleTTL:      staleTTL,
		held:          make(map[string]bool),
	}, nil
}

func (m *Manager) lockPath(key task.SessionKey) string {
	return filepath.Join(m.dir, strings.ReplaceAll(key.String(), ":", "__")+".lock")
}

// Held reports whether this process currently holds the lock for key.
// The worker loop uses it to avoid preempting a session with in-flight
// work.
func (m *Manager) Held(key task.SessionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[key.String()]
}

// WithLock runs fn while holding the exclusive lock for key. Re-entry
// from the same call chain is a no-op. Acquisition is bounded by the
// configured timeout; on expiry the caller gets ErrLockTimeout and must
// not assume any partial progress was persisted.
func (m *Manager) WithLock(ctx context.Context, key task.SessionKey, fn func(ctx context.Context) error) error {
	keyStr := key.String()

	if heldKeys(ctx)[keyStr] {
		return fn(ctx)
	}

	fl, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.held[keyStr] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.held, keyStr)
		m.mu.Unlock()

		if err := fl.Unlock(); err != nil {
			slog.Error("Failed to release session lock", "session", keyStr, "error", err)
		}
	}()

	return fn(withHeldKey(ctx, keyStr))
}

func (m *Manager) acquire(ctx context.Context, key task.SessionKey) (*flock.Flock, error) {
	path := m.lockPath(key)
	if !m.Held(key) {
		// only a lock nobody in this process owns can be abandoned
		m.clearIfStale(path)
	}

	fl := flock.New(path)
	deadline := time.Now().Add(m.timeout)

	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("try lock %s: %w", path, err)
		}
		if locked {
			// refresh mtime so the staleness clock restarts at acquisition
			now := time.Now()
			if err := os.Chtimes(path, now, now); err != nil {
				slog.Warn("Failed to touch lock file", "path", path, "error", err)
			}
			return fl, nil
		}

		if time.Now().After(deadline) {
			return nil, genbaErrors.LockTimeout(fmt.Sprintf("session %s after %v", key.String(), m.timeout))
		}

		select {
		case <-ctx.Done():
			return nil, genbaErrors.Wrap(ctx.Err(), "lock acquisition cancelled")
		case <-time.After(m.retryInterval):
		}
	}
}

// clearIfStale force-clears a lock file whose marker is older than the
// staleness threshold. A holder that old has abandoned it.
func (m *Manager) clearIfStale(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	age := time.Since(info.ModTime())
	if age <= m.staleTTL {
		return
	}

	slog.Warn("Clearing stale session lock", "path", path, "age", age, "stale_ttl", m.staleTTL)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("Failed to remove stale lock", "path", path, "error", err)
	}
}
