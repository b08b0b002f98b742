package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/genba/internal/breaker"
	"github.com/harunnryd/genba/internal/config"
	"github.com/harunnryd/genba/internal/engine"
	"github.com/harunnryd/genba/internal/lock"
	"github.com/harunnryd/genba/internal/notify"
	"github.com/harunnryd/genba/internal/planner/contract"
	"github.com/harunnryd/genba/internal/remote"
	"github.com/harunnryd/genba/internal/store"
	"github.com/harunnryd/genba/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGen struct{}

func (stubGen) Generate(ctx context.Context, req contract.Request) (string, error) {
	return "1. plan\n", nil
}

func newTestAdapter(t *testing.T) (*TelegramAdapter, *store.Store) {
	t.Helper()

	st, err := store.NewStore(config.StoreConfig{DataPath: t.TempDir()})
	require.NoError(t, err)
	locks, err := lock.NewManager(t.TempDir(), config.LocksConfig{
		Timeout: "2s", RetryInterval: "10ms", StaleTTL: "300s",
	})
	require.NoError(t, err)
	files, err := remote.NewDirStore(config.RemoteConfig{RootPath: t.TempDir()})
	require.NoError(t, err)
	notifier, err := notify.NewNotifier(config.NotifyConfig{Timeout: "1s"})
	require.NoError(t, err)

	eng, err := engine.New(engine.Deps{
		Store:     st,
		Locks:     locks,
		Generator: stubGen{},
		Files:     files,
		Breakers:  breaker.NewRegistry(breaker.Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1}),
		Notifier:  notifier,
	},
		config.EngineConfig{}, config.RetryConfig{}, config.RemoteConfig{}, config.ModelsConfig{})
	require.NoError(t, err)
	require.NoError(t, eng.Init(context.Background()))

	return NewTelegramAdapter(config.TelegramConfig{}, eng, st), st
}

func TestDispatch_PlainMessageSubmitsTask(t *testing.T) {
	a, st := newTestAdapter(t)
	key := task.SessionKey{ChatID: "100", Source: "telegram"}

	reply := a.dispatch(context.Background(), key, "rename the config key")
	assert.Contains(t, reply, "Queued")
	assert.Contains(t, reply, "starting now")

	sess := st.Load(key)
	require.NotNil(t, sess)
	assert.NotEmpty(t, sess.ActiveTaskID)

	reply = a.dispatch(context.Background(), key, "second change")
	assert.Contains(t, reply, "position 1")
}

func TestDispatch_ApprovalWithNothingAwaiting(t *testing.T) {
	a, _ := newTestAdapter(t)
	key := task.SessionKey{ChatID: "200", Source: "telegram"}

	assert.Equal(t, "Nothing is waiting for your approval.",
		a.dispatch(context.Background(), key, "/approve"))
	assert.Equal(t, "Nothing is waiting for an answer.",
		a.dispatch(context.Background(), key, "/answer sure"))
}

func TestDispatch_StatusAndUnknownCommand(t *testing.T) {
	a, _ := newTestAdapter(t)
	key := task.SessionKey{ChatID: "300", Source: "telegram"}

	assert.Equal(t, "No active task.", a.dispatch(context.Background(), key, "/status"))
	assert.Contains(t, a.dispatch(context.Background(), key, "/frobnicate"), "Unknown command")

	a.dispatch(context.Background(), key, "do something")
	assert.Contains(t, a.dispatch(context.Background(), key, "/status"), "PLANNING")
}

func TestDispatch_DryRunNeedsInput(t *testing.T) {
	a, _ := newTestAdapter(t)
	key := task.SessionKey{ChatID: "400", Source: "telegram"}

	assert.Equal(t, "Tell me what to change.", a.dispatch(context.Background(), key, "/dryrun"))
	assert.Contains(t, a.dispatch(context.Background(), key, "/dryrun change it"), "Queued")
}

func TestDispatch_RollbackNoSession(t *testing.T) {
	a, _ := newTestAdapter(t)
	key := task.SessionKey{ChatID: "500", Source: "telegram"}

	assert.Equal(t, "No session to roll back.", a.dispatch(context.Background(), key, "/rollback"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := truncate("aaaaaaaaaa", 4)
	assert.Contains(t, long, "truncated")
}
