package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/genba/internal/breaker"
	"github.com/harunnryd/genba/internal/config"
	genbaErrors "github.com/harunnryd/genba/internal/errors"
	"github.com/harunnryd/genba/internal/healing"
	"github.com/harunnryd/genba/internal/lock"
	"github.com/harunnryd/genba/internal/logger"
	"github.com/harunnryd/genba/internal/notify"
	"github.com/harunnryd/genba/internal/planner/contract"
	"github.com/harunnryd/genba/internal/remote"
	"github.com/harunnryd/genba/internal/retry"
	"github.com/harunnryd/genba/internal/store"
	"github.com/harunnryd/genba/internal/task"

	"github.com/oklog/ulid/v2"
)

// Generator is the planning/generation collaborator the engine talks
// to. The planner router satisfies it.
type Generator interface {
	Generate(ctx context.Context, req contract.Request) (string, error)
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Store     *store.Store
	Locks     *lock.Manager
	Generator Generator
	Files     remote.FileStore
	Breakers  *breaker.Registry
	Notifier  *notify.Notifier
	Verifier  *healing.Verifier
}

// Engine is the single scheduler process driving task execution. One
// loop periodically scans every session; runnable work is dispatched to
// its own goroutine so a slow task cannot stall the scan.
type Engine struct {
	store     *store.Store
	locks     *lock.Manager
	generator Generator
	files     remote.FileStore
	breakers  *breaker.Registry
	notifier  *notify.Notifier
	verifier  *healing.Verifier

	defaultModel string
	remoteKey    string
	retryCfg     retry.Config

	tickInterval      time.Duration
	execTimeout       time.Duration
	awaitStaleness    time.Duration
	shutdownTimeout   time.Duration
	generationRetries int

	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	ticker   *time.Ticker
	inflight map[string]bool
	inFlight uint
}

func New(deps Deps, engCfg config.EngineConfig, retryCfg config.RetryConfig, remoteCfg config.RemoteConfig, modelsCfg config.ModelsConfig) (*Engine, error) {
	tickInterval, err := config.DurationOrDefault(engCfg.TickInterval, config.DefaultEngineTickInterval)
	if err != nil {
		return nil, fmt.Errorf("parse engine tick interval: %w", err)
	}
	execTimeout, err := config.DurationOrDefault(engCfg.ExecTimeout, config.DefaultEngineExecTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse engine exec timeout: %w", err)
	}
	awaitStaleness, err := config.DurationOrDefault(engCfg.AwaitStaleness, config.DefaultEngineAwaitStaleness)
	if err != nil {
		return nil, fmt.Errorf("parse engine await staleness: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(engCfg.ShutdownTimeout, config.DefaultEngineShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse engine shutdown timeout: %w", err)
	}

	rc, err := retry.FromConfig(retryCfg)
	if err != nil {
		return nil, err
	}

	generationRetries := engCfg.GenerationRetries
	if generationRetries <= 0 {
		generationRetries = config.DefaultEngineGenerationRetry
	}

	remoteKey := remoteCfg.HostKey
	if remoteKey == "" {
		remoteKey = config.DefaultRemoteHostKey
	}

	return &Engine{
		store:             deps.Store,
		locks:             deps.Locks,
		generator:         deps.Generator,
		files:             deps.Files,
		breakers:          deps.Breakers,
		notifier:          deps.Notifier,
		verifier:          deps.Verifier,
		defaultModel:      modelsCfg.Default,
		remoteKey:         remoteKey,
		retryCfg:          rc,
		tickInterval:      tickInterval,
		execTimeout:       execTimeout,
		awaitStaleness:    awaitStaleness,
		shutdownTimeout:   shutdownTimeout,
		generationRetries: generationRetries,
		inflight:          make(map[string]bool),
	}, nil
}

func (e *Engine) Name() string { return "engine" }

func (e *Engine) Init(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	slog.Info("Engine initialized")
	return nil
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	e.ticker = time.NewTicker(e.tickInterval)
	go e.run()

	slog.Info("Engine started", "tick_interval", e.tickInterval)
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	if e.ticker != nil {
		e.ticker.Stop()
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.waitForInFlight()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Engine stopped gracefully")
		return nil
	case <-time.After(e.shutdownTimeout):
		slog.Warn("Engine shutdown timeout, force stopping")
		return genbaErrors.Internal("engine shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Health(ctx context.Context) error {
	if e.ctx == nil {
		return genbaErrors.Internal("engine not initialized")
	}
	if !e.IsRunning() {
		return genbaErrors.Internal("engine not running")
	}
	return nil
}

func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Submit appends a task under the session lock and returns immediately
// with its queue position. Execution always happens on a later tick,
// never inline.
func (e *Engine) Submit(ctx context.Context, key task.SessionKey, input string, dryRun, testMode bool, webhookURL string) (*task.Task, int, error) {
	var t *task.Task
	var pos int

	err := e.locks.WithLock(ctx, key, func(ctx context.Context) error {
		var cerr error
		t, pos, cerr = e.store.CreateTask(key, input, dryRun, testMode, webhookURL)
		return cerr
	})
	if err != nil {
		return nil, 0, err
	}
	return t, pos, nil
}

func (e *Engine) run() {
	for {
		select {
		case <-e.ticker.C:
			e.onTick()
		case <-e.ctx.Done():
			slog.Info("Engine run loop stopped")
			return
		}
	}
}

// onTick scans every session independently so one session's backlog
// cannot starve another's first task.
func (e *Engine) onTick() {
	for _, key := range e.store.SessionKeys() {
		e.scanSession(key)
	}
}

func (e *Engine) scanSession(key task.SessionKey) {
	// a held lock means in-flight work; never preempt it
	if e.locks.Held(key) {
		return
	}

	sess := e.store.Load(key)
	if sess == nil || sess.ActiveTaskID == "" {
		return
	}

	t, err := e.store.FindByTaskID(sess.ActiveTaskID)
	if err != nil {
		slog.Error("Active task lookup failed", "session", key.String(), "error", err)
		return
	}

	if t.Status.IsTerminal() {
		e.advance(key, t)
		return
	}

	if t.Awaiting {
		if time.Since(t.UpdatedAt) > e.awaitStaleness {
			e.failStale(key, t)
		}
		return
	}

	if e.markInflight(key) {
		go e.execute(key, t.ID)
	}
}

// advance pops a finished active task so the queue head can run.
func (e *Engine) advance(key task.SessionKey, t *task.Task) {
	err := e.locks.WithLock(e.ctx, key, func(ctx context.Context) error {
		_, err := e.store.MarkCompleted(t.ID, t.Status)
		return err
	})
	if err != nil {
		slog.Error("Queue advance failed", "task", t.ID, "error", err)
	}
}

// failStale gives up on a task stuck awaiting external input for longer
// than the staleness threshold.
func (e *Engine) failStale(key task.SessionKey, t *task.Task) {
	age := time.Since(t.UpdatedAt)
	slog.Warn("Failing stale awaiting task",
		"task", t.ID, "awaiting", t.AwaitingType, "age", age)

	err := e.locks.WithLock(e.ctx, key, func(ctx context.Context) error {
		reason := fmt.Sprintf("no %s received for %s", t.AwaitingType, age.Round(time.Second))
		if err := e.store.UpdateStatus(t.ID, task.StatusFailed, func(t *task.Task) {
			t.AppendError(reason)
			t.SetAwaiting(task.AwaitingNone)
		}); err != nil {
			return err
		}
		_, err := e.store.MarkCompleted(t.ID, task.StatusFailed)
		return err
	})
	if err != nil {
		slog.Error("Failed to fail stale task", "task", t.ID, "error", err)
	}
}

func (e *Engine) markInflight(key task.SessionKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight[key.String()] {
		return false
	}
	e.inflight[key.String()] = true
	e.inFlight++
	return true
}

func (e *Engine) clearInflight(key task.SessionKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key.String())
	e.inFlight--
}

// execute runs the active task's pipeline off the scan loop, bounded by
// the execution timeout. The session lock is scoped to WithLock, so a
// timeout can never leak it.
func (e *Engine) execute(key task.SessionKey, taskID string) {
	defer e.clearInflight(key)

	ctx, cancel := context.WithTimeout(e.ctx, e.execTimeout)
	defer cancel()

	ctx = logger.WithTraceID(ctx, ulid.Make().String())
	ctx = logger.WithTaskID(ctx, taskID)

	err := e.locks.WithLock(ctx, key, func(ctx context.Context) error {
		return e.runPipeline(ctx, taskID)
	})
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, context.Canceled):
		// shutdown, not failure: the persisted status is untouched, so
		// the next scan after restart resumes the task where it stopped
		slog.Info("Task execution interrupted by shutdown", "task", taskID)

	case errors.Is(err, context.DeadlineExceeded):
		slog.Error("Task execution timed out", "task", taskID, "timeout", e.execTimeout)
		e.failTask(key, taskID, fmt.Sprintf("execution exceeded %s", e.execTimeout))

	case genbaErrors.IsCategory(err, genbaErrors.ErrLockTimeout):
		// another call chain owns the session; retry on a later tick
		slog.Warn("Session busy, deferring task", "task", taskID, "error", err)

	default:
		slog.Error("Task execution failed", "task", taskID, "error", err)
		e.failTask(key, taskID, err.Error())
	}
}

// failTask records the reason, moves the task to FAILED and advances
// the queue. Uses a fresh context because the execution context may
// already be dead.
func (e *Engine) failTask(key task.SessionKey, taskID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
	defer cancel()

	err := e.locks.WithLock(ctx, key, func(ctx context.Context) error {
		if err := e.store.UpdateStatus(taskID, task.StatusFailed, func(t *task.Task) {
			t.AppendError(reason)
			t.SetAwaiting(task.AwaitingNone)
		}); err != nil && !genbaErrors.IsCategory(err, genbaErrors.ErrConflict) {
			return err
		}
		_, err := e.store.MarkCompleted(taskID, task.StatusFailed)
		return err
	})
	if err != nil {
		slog.Error("Failed to record task failure", "task", taskID, "error", err)
		return
	}

	if t, err := e.store.FindByTaskID(taskID); err == nil {
		e.notifier.Notify(context.Background(), t.WebhookURL, notify.Event{
			TaskID: taskID,
			Status: "failed",
			Result: reason,
		})
	}
}

func (e *Engine) waitForInFlight() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		e.mu.RLock()
		count := e.inFlight
		e.mu.RUnlock()
		if count == 0 {
			return
		}

		slog.Info("Waiting for in-flight tasks", "count", count)
		<-ticker.C
	}
}
