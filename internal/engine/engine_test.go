package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
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
	"github.com/harunnryd/genba/internal/store"
	"github.com/harunnryd/genba/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGen replays canned responses in order, repeating the last.
type scriptedGen struct {
	mu        sync.Mutex
	responses []string
	err       error
	delay     time.Duration
	calls     int
}

func (g *scriptedGen) Generate(ctx context.Context, req contract.Request) (string, error) {
	if g.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(g.delay):
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	if g.err != nil {
		return "", g.err
	}

	idx := g.calls - 1
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	return g.responses[idx], nil
}

type testEnv struct {
	engine *Engine
	store  *store.Store
	locks  *lock.Manager
	files  *remote.DirStore
	gen    *scriptedGen
	key    task.SessionKey
}

func newTestEnv(t *testing.T, gen *scriptedGen, verifier *healing.Verifier) *testEnv {
	t.Helper()

	st, err := store.NewStore(config.StoreConfig{DataPath: t.TempDir()})
	require.NoError(t, err)

	locks, err := lock.NewManager(t.TempDir(), config.LocksConfig{
		Timeout: "2s", RetryInterval: "10ms", StaleTTL: "300s",
	})
	require.NoError(t, err)

	files, err := remote.NewDirStore(config.RemoteConfig{RootPath: t.TempDir()})
	require.NoError(t, err)

	notifier, err := notify.NewNotifier(config.NotifyConfig{Timeout: "2s"})
	require.NoError(t, err)

	eng, err := New(Deps{
		Store:     st,
		Locks:     locks,
		Generator: gen,
		Files:     files,
		Breakers:  breaker.NewRegistry(breaker.Settings{FailureThreshold: 100, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1}),
		Notifier:  notifier,
		Verifier:  verifier,
	},
		config.EngineConfig{TickInterval: "10ms", ExecTimeout: "5s", AwaitStaleness: "100ms", ShutdownTimeout: "2s"},
		config.RetryConfig{MaxAttempts: 1, InitialDelay: "1ms", BackoffMultiplier: 2},
		config.RemoteConfig{HostKey: "remote"},
		config.ModelsConfig{Default: "test-model"},
	)
	require.NoError(t, err)
	require.NoError(t, eng.Init(context.Background()))

	return &testEnv{
		engine: eng,
		store:  st,
		locks:  locks,
		files:  files,
		gen:    gen,
		key:    task.SessionKey{ChatID: "chat-1", Source: "test"},
	}
}

func (env *testEnv) runToIdle(t *testing.T, taskID string) error {
	t.Helper()
	return env.locks.WithLock(context.Background(), env.key, func(ctx context.Context) error {
		return env.engine.runPipeline(ctx, taskID)
	})
}

func planGen(files map[string]string) *scriptedGen {
	plan := "1. make the change\nREAD: main.go\n"
	payload, _ := json.Marshal(map[string]interface{}{"files": files})
	return &scriptedGen{responses: []string{plan, string(payload)}}
}

func TestEngine_PipelineReachesDiffReady(t *testing.T) {
	env := newTestEnv(t, planGen(map[string]string{"main.go": "package main\n\nfunc main() {}\n"}), nil)
	ctx := context.Background()

	_, err := env.files.Write(ctx, "main.go", "package main\n")
	require.NoError(t, err)

	tk, pos, err := env.engine.Submit(ctx, env.key, "add a main func", false, false, "")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	require.NoError(t, env.runToIdle(t, tk.ID))

	got, err := env.store.FindByTaskID(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDiffReady, got.Status)
	assert.True(t, got.Awaiting)
	assert.Equal(t, task.AwaitingApproval, got.AwaitingType)
	assert.NotEmpty(t, got.Plan)
	assert.Contains(t, got.Diffs["main.go"], "+func main() {}")
	assert.Equal(t, "package main\n\nfunc main() {}\n", got.NewContents["main.go"])
}

func TestEngine_ApprovalWritesAndCompletes(t *testing.T) {
	var gotEvent notify.Event
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotEvent)
	}))
	defer hook.Close()

	env := newTestEnv(t, planGen(map[string]string{"main.go": "package main\n\nfunc main() {}\n"}), nil)
	ctx := context.Background()

	tk, _, err := env.engine.Submit(ctx, env.key, "add a main func", false, false, hook.URL)
	require.NoError(t, err)
	require.NoError(t, env.runToIdle(t, tk.ID))

	approve := true
	_, err = env.engine.SupplyInput(ctx, tk.ID, Input{Approval: &approve})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := env.store.FindByTaskID(tk.ID)
		return err == nil && got.Status == task.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	content, err := env.files.Read(ctx, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nfunc main() {}\n", content)

	got, _ := env.store.FindByTaskID(tk.ID)
	assert.Contains(t, got.WrittenFiles, "main.go")
	assert.Equal(t, "completed", gotEvent.Status)
	assert.Equal(t, tk.ID, gotEvent.TaskID)
}

func TestEngine_RejectionFailsTaskAndAdvancesQueue(t *testing.T) {
	env := newTestEnv(t, planGen(map[string]string{"main.go": "x"}), nil)
	ctx := context.Background()

	t1, _, err := env.engine.Submit(ctx, env.key, "first", false, false, "")
	require.NoError(t, err)
	t2, pos, err := env.engine.Submit(ctx, env.key, "second", false, false, "")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	require.NoError(t, env.runToIdle(t, t1.ID))

	reject := false
	got, err := env.engine.SupplyInput(ctx, t1.ID, Input{Approval: &reject})
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)

	sess := env.store.Load(env.key)
	assert.Equal(t, t2.ID, sess.ActiveTaskID)
	assert.Empty(t, sess.TaskQueue)
}

func TestEngine_DryRunCompletesWithoutWriting(t *testing.T) {
	env := newTestEnv(t, planGen(map[string]string{"main.go": "new content\n"}), nil)
	ctx := context.Background()

	tk, _, err := env.engine.Submit(ctx, env.key, "change it", true, false, "")
	require.NoError(t, err)
	require.NoError(t, env.runToIdle(t, tk.ID))

	got, err := env.store.FindByTaskID(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.Diffs)

	pt, err := env.files.Type(ctx, "main.go")
	require.NoError(t, err)
	assert.Equal(t, remote.PathMissing, pt)
}

func TestEngine_MalformedModelOutputRetriesThenFails(t *testing.T) {
	gen := &scriptedGen{responses: []string{"1. plan\n", "this is not json"}}
	env := newTestEnv(t, gen, nil)
	ctx := context.Background()

	tk, _, err := env.engine.Submit(ctx, env.key, "change it", false, false, "")
	require.NoError(t, err)

	err = env.runToIdle(t, tk.ID)
	require.Error(t, err)
	assert.True(t, genbaErrors.IsCategory(err, genbaErrors.ErrInvalidModelOutput))

	got, _ := env.store.FindByTaskID(tk.ID)
	assert.Equal(t, 2, got.RetryCount)
	assert.NotEmpty(t, got.Errors)
}

func TestEngine_SupplyInputValidation(t *testing.T) {
	env := newTestEnv(t, planGen(map[string]string{"main.go": "x"}), nil)
	ctx := context.Background()

	_, err := env.engine.SupplyInput(ctx, "no-such-task", Input{Answer: "hi"})
	assert.True(t, genbaErrors.IsCategory(err, genbaErrors.ErrNotFound))

	tk, _, err := env.engine.Submit(ctx, env.key, "change it", false, false, "")
	require.NoError(t, err)

	_, err = env.engine.SupplyInput(ctx, tk.ID, Input{})
	assert.True(t, genbaErrors.IsCategory(err, genbaErrors.ErrInvalidInput))

	// not awaiting anything yet
	_, err = env.engine.SupplyInput(ctx, tk.ID, Input{Answer: "hi"})
	assert.True(t, genbaErrors.IsCategory(err, genbaErrors.ErrInvalidInput))

	require.NoError(t, env.runToIdle(t, tk.ID))

	// awaiting approval, answer is the wrong kind of input
	_, err = env.engine.SupplyInput(ctx, tk.ID, Input{Answer: "just do it"})
	assert.True(t, genbaErrors.IsCategory(err, genbaErrors.ErrInvalidInput))
}

func TestEngine_StaleAwaitingTaskIsFailed(t *testing.T) {
	env := newTestEnv(t, planGen(map[string]string{"main.go": "x"}), nil)
	ctx := context.Background()

	tk, _, err := env.engine.Submit(ctx, env.key, "change it", false, false, "")
	require.NoError(t, err)
	require.NoError(t, env.runToIdle(t, tk.ID))

	got, _ := env.store.FindByTaskID(tk.ID)
	require.True(t, got.Awaiting)

	// backdate the awaiting task past the staleness threshold
	require.NoError(t, env.store.UpdateStatus(tk.ID, task.StatusDiffReady, func(x *task.Task) {
		x.UpdatedAt = time.Now().Add(-time.Hour)
	}))

	env.engine.scanSession(env.key)

	got, _ = env.store.FindByTaskID(tk.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.False(t, got.Awaiting)
	require.NotEmpty(t, got.Errors)
	assert.Contains(t, got.Errors[0].Message, "approval")
}

func TestEngine_ExecutionTimeoutFailsTaskAndReleasesLock(t *testing.T) {
	gen := &scriptedGen{responses: []string{"1. plan\n"}, delay: 500 * time.Millisecond}
	env := newTestEnv(t, gen, nil)
	env.engine.execTimeout = 50 * time.Millisecond
	ctx := context.Background()

	tk, _, err := env.engine.Submit(ctx, env.key, "slow change", false, false, "")
	require.NoError(t, err)

	require.True(t, env.engine.markInflight(env.key))
	env.engine.execute(env.key, tk.ID)

	got, _ := env.store.FindByTaskID(tk.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.False(t, env.locks.Held(env.key))
}

// ctxCaptureGen records the task id carried on the generation context.
type ctxCaptureGen struct {
	inner  *scriptedGen
	mu     sync.Mutex
	taskID string
}

func (g *ctxCaptureGen) Generate(ctx context.Context, req contract.Request) (string, error) {
	g.mu.Lock()
	g.taskID = logger.GetTaskID(ctx)
	g.mu.Unlock()
	return g.inner.Generate(ctx, req)
}

func TestEngine_ExecutionCarriesTaskID(t *testing.T) {
	inner := planGen(map[string]string{"main.go": "x"})
	env := newTestEnv(t, inner, nil)
	capture := &ctxCaptureGen{inner: inner}
	env.engine.generator = capture
	ctx := context.Background()

	tk, _, err := env.engine.Submit(ctx, env.key, "change it", false, false, "")
	require.NoError(t, err)

	require.True(t, env.engine.markInflight(env.key))
	env.engine.execute(env.key, tk.ID)

	capture.mu.Lock()
	got := capture.taskID
	capture.mu.Unlock()
	assert.Equal(t, tk.ID, got)
}

func TestEngine_ShutdownLeavesInFlightTaskResumable(t *testing.T) {
	gen := planGen(map[string]string{"main.go": "package main\n"})
	gen.delay = 150 * time.Millisecond
	env := newTestEnv(t, gen, nil)
	ctx := context.Background()

	tk, _, err := env.engine.Submit(ctx, env.key, "slow change", false, false, "")
	require.NoError(t, err)

	require.True(t, env.engine.markInflight(env.key))
	done := make(chan struct{})
	go func() {
		env.engine.execute(env.key, tk.ID)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	env.engine.cancel()
	<-done

	// a cancelled execution is not a failure: status stays where the
	// pipeline left it so a later scan picks the task up again
	got, err := env.store.FindByTaskID(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanning, got.Status)
	assert.Empty(t, got.Errors)
	assert.False(t, env.locks.Held(env.key))

	gen.delay = 0
	require.NoError(t, env.runToIdle(t, tk.ID))
	got, err = env.store.FindByTaskID(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDiffReady, got.Status)
}

func TestEngine_DeployApprovalFlow(t *testing.T) {
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer probe.Close()

	files, err := remote.NewDirStore(config.RemoteConfig{RootPath: t.TempDir()})
	require.NoError(t, err)
	notifier, err := notify.NewNotifier(config.NotifyConfig{Timeout: "2s"})
	require.NoError(t, err)
	verifier, err := healing.NewVerifier(config.HealingConfig{
		Enabled: true, GracePeriod: "1ms", ProbeURL: probe.URL, ProbeTimeout: "1s",
	}, files, breaker.NewRegistry(breaker.Settings{FailureThreshold: 100, HalfOpenMaxCalls: 1}), notifier)
	require.NoError(t, err)

	env := newTestEnv(t, planGen(map[string]string{"main.go": "deployed\n"}), verifier)
	env.engine.files = files
	ctx := context.Background()

	tk, _, err := env.engine.Submit(ctx, env.key, "deploy it", false, false, "")
	require.NoError(t, err)
	require.NoError(t, env.runToIdle(t, tk.ID))

	approve := true
	_, err = env.engine.SupplyInput(ctx, tk.ID, Input{Approval: &approve})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := env.store.FindByTaskID(tk.ID)
		return err == nil && got.AwaitingType == task.AwaitingDeployApproval
	}, 3*time.Second, 20*time.Millisecond)

	got, _ := env.store.FindByTaskID(tk.ID)
	assert.Equal(t, task.StatusWritingFiles, got.Status)

	_, err = env.engine.SupplyInput(ctx, tk.ID, Input{Approval: &approve})
	require.NoError(t, err)

	got, _ = env.store.FindByTaskID(tk.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestEngine_UnhealthyDeploymentAutoRollsBack(t *testing.T) {
	files, err := remote.NewDirStore(config.RemoteConfig{RootPath: t.TempDir()})
	require.NoError(t, err)
	notifier, err := notify.NewNotifier(config.NotifyConfig{Timeout: "2s"})
	require.NoError(t, err)
	verifier, err := healing.NewVerifier(config.HealingConfig{
		Enabled: true, GracePeriod: "1ms", ProbeURL: "http://127.0.0.1:1/healthz", ProbeTimeout: "1s",
	}, files, breaker.NewRegistry(breaker.Settings{FailureThreshold: 100, HalfOpenMaxCalls: 1}), notifier)
	require.NoError(t, err)

	env := newTestEnv(t, planGen(map[string]string{"app.conf": "v2\n"}), verifier)
	env.engine.files = files
	ctx := context.Background()

	_, err = files.Write(ctx, "app.conf", "v1\n")
	require.NoError(t, err)

	// test mode forces the probe unhealthy deterministically
	tk, _, err := env.engine.Submit(ctx, env.key, "deploy it", false, true, "")
	require.NoError(t, err)
	require.NoError(t, env.runToIdle(t, tk.ID))

	approve := true
	_, err = env.engine.SupplyInput(ctx, tk.ID, Input{Approval: &approve})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := env.store.FindByTaskID(tk.ID)
		return err == nil && got.Status == task.StatusRolledBack
	}, 3*time.Second, 20*time.Millisecond)

	content, err := files.Read(ctx, "app.conf")
	require.NoError(t, err)
	assert.Equal(t, "v1\n", content)
}

func TestEngine_OperatorRollback(t *testing.T) {
	env := newTestEnv(t, planGen(map[string]string{"main.go": "v2\n"}), nil)
	ctx := context.Background()

	_, err := env.files.Write(ctx, "main.go", "v1\n")
	require.NoError(t, err)

	tk, _, err := env.engine.Submit(ctx, env.key, "change it", false, false, "")
	require.NoError(t, err)
	require.NoError(t, env.runToIdle(t, tk.ID))

	approve := true
	_, err = env.engine.SupplyInput(ctx, tk.ID, Input{Approval: &approve})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := env.store.FindByTaskID(tk.ID)
		return err == nil && got.Status == task.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	got, err := env.engine.Rollback(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRolledBack, got.Status)

	content, err := env.files.Read(ctx, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "v1\n", content)

	// a rolled back task cannot be rolled back again
	_, err = env.engine.Rollback(ctx, tk.ID)
	assert.True(t, genbaErrors.IsCategory(err, genbaErrors.ErrConflict))
}

func TestParseReadPaths(t *testing.T) {
	plan := "1. do things\nREAD: a/b.go\nread: lower.go\nREAD: a/b.go\nREAD:   c.go\nREAD:\n"
	assert.Equal(t, []string{"a/b.go", "c.go"}, parseReadPaths(plan))
}

func TestParseGeneratedFiles(t *testing.T) {
	files, err := parseGeneratedFiles("```json\n{\"files\": {\"a.go\": \"x\"}}\n```")
	require.NoError(t, err)
	assert.Equal(t, "x", files["a.go"])

	_, err = parseGeneratedFiles("nope")
	assert.True(t, genbaErrors.IsCategory(err, genbaErrors.ErrInvalidModelOutput))

	_, err = parseGeneratedFiles("{\"files\": {}}")
	assert.True(t, genbaErrors.IsCategory(err, genbaErrors.ErrInvalidModelOutput))
}

func TestUnifiedDiff(t *testing.T) {
	d := unifiedDiff("a.go", "line1\nline2\nline3\n", "line1\nchanged\nline3\n")
	assert.Contains(t, d, "-line2")
	assert.Contains(t, d, "+changed")
	assert.NotContains(t, d, "-line1")
	assert.NotContains(t, d, "+line3")

	d = unifiedDiff("new.go", "", "fresh\n")
	assert.Contains(t, d, "--- /dev/null")
	assert.Contains(t, d, "+fresh")

	assert.Empty(t, unifiedDiff("same.go", "x", "x"))
}
