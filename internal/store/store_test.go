package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/genba/internal/config"
	genbaErrors "github.com/harunnryd/genba/internal/errors"
	"github.com/harunnryd/genba/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(config.StoreConfig{DataPath: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestCreateTask_QuickAckPositions(t *testing.T) {
	s := newTestStore(t)
	key := task.NewSessionKey("42", "telegram")

	t1, pos1, err := s.CreateTask(key, "first", false, false, "")
	require.NoError(t, err)
	assert.Equal(t, 0, pos1)
	assert.Equal(t, task.StatusPlanning, t1.Status)

	_, pos2, err := s.CreateTask(key, "second", false, false, "")
	require.NoError(t, err)
	assert.Equal(t, 1, pos2)

	_, pos3, err := s.CreateTask(key, "third", false, false, "")
	require.NoError(t, err)
	assert.Equal(t, 2, pos3)
}

func TestMarkCompleted_AdvancesFIFO(t *testing.T) {
	s := newTestStore(t)
	key := task.NewSessionKey("42", "telegram")

	t1, _, _ := s.CreateTask(key, "one", false, false, "")
	t2, _, _ := s.CreateTask(key, "two", false, false, "")
	t3, _, _ := s.CreateTask(key, "three", false, false, "")

	sess := s.Load(key)
	require.Equal(t, t1.ID, sess.ActiveTaskID)

	next, err := s.MarkCompleted(t1.ID, task.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, t2.ID, next)

	next, err = s.MarkCompleted(t2.ID, task.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, t3.ID, next)

	next, err = s.MarkCompleted(t3.ID, task.StatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, next)

	sess = s.Load(key)
	assert.Empty(t, sess.ActiveTaskID)
	assert.Empty(t, sess.TaskQueue)
}

func TestUpdateStatus_TerminalGuard(t *testing.T) {
	s := newTestStore(t)
	key := task.NewSessionKey("7", "api")
	t1, _, _ := s.CreateTask(key, "guarded", false, false, "")

	require.NoError(t, s.UpdateStatus(t1.ID, task.StatusFailed, nil))

	// terminal -> non-terminal must be refused
	err := s.UpdateStatus(t1.ID, task.StatusPlanning, nil)
	require.Error(t, err)
	assert.True(t, genbaErrors.IsCategory(err, genbaErrors.ErrConflict))

	got, err := s.FindByTaskID(t1.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)

	// terminal -> terminal is permitted
	require.NoError(t, s.UpdateStatus(t1.ID, task.StatusRolledBack, nil))
}

func TestUpdateStatus_UnknownTask(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateStatus("nope", task.StatusFailed, nil)
	assert.True(t, genbaErrors.IsCategory(err, genbaErrors.ErrNotFound))
}

func TestAtMostOneNonTerminalActive(t *testing.T) {
	s := newTestStore(t)
	key := task.NewSessionKey("9", "api")

	for _, input := range []string{"a", "b", "c"} {
		_, _, err := s.CreateTask(key, input, false, false, "")
		require.NoError(t, err)
	}

	sess := s.Load(key)
	// only the active task may be running; queued tasks stay PLANNING
	// but are not active
	require.NotEmpty(t, sess.ActiveTaskID)
	for _, id := range sess.TaskQueue {
		assert.NotEqual(t, sess.ActiveTaskID, id)
	}
	assert.Equal(t, 0, sess.QueuePosition(sess.ActiveTaskID))
}

func TestStore_ReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	key := task.NewSessionKey("55", "telegram")

	s1, err := NewStore(config.StoreConfig{DataPath: dir})
	require.NoError(t, err)
	t1, _, err := s1.CreateTask(key, "persisted", true, false, "https://cb.example/done")
	require.NoError(t, err)
	require.NoError(t, s1.UpdateStatus(t1.ID, task.StatusReadingFiles, func(tk *task.Task) {
		tk.AppendError("transient blip")
	}))

	s2, err := NewStore(config.StoreConfig{DataPath: dir})
	require.NoError(t, err)

	got, err := s2.FindByTaskID(t1.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReadingFiles, got.Status)
	assert.True(t, got.DryRun)
	assert.Equal(t, "https://cb.example/done", got.WebhookURL)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "transient blip", got.Errors[0].Message)
}

func TestStore_RepairsGhostOnLoad(t *testing.T) {
	dir := t.TempDir()
	key := task.NewSessionKey("13", "api")

	s1, err := NewStore(config.StoreConfig{DataPath: dir})
	require.NoError(t, err)
	t1, _, err := s1.CreateTask(key, "real", false, false, "")
	require.NoError(t, err)

	// corrupt the on-disk record: active id pointing nowhere
	sess := s1.Load(key)
	sess.ActiveTaskID = "ghost"
	require.NoError(t, s1.Save(sess))

	s2, err := NewStore(config.StoreConfig{DataPath: dir})
	require.NoError(t, err)
	got := s2.Load(key)
	assert.Empty(t, got.ActiveTaskID)
	assert.Contains(t, got.Tasks, t1.ID)
}

func TestSweep_RemovesOnlyIdleTerminalSessions(t *testing.T) {
	s := newTestStore(t)
	oldKey := task.NewSessionKey("old", "api")
	liveKey := task.NewSessionKey("live", "api")

	tOld, _, _ := s.CreateTask(oldKey, "done long ago", false, false, "")
	_, err := s.MarkCompleted(tOld.ID, task.StatusCompleted)
	require.NoError(t, err)
	s.CreateTask(liveKey, "still running", false, false, "")

	// age the old session
	sess := s.Load(oldKey)
	sess.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	s.sessions[oldKey.String()] = sess

	removed := s.Sweep(24 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.Nil(t, s.Load(oldKey))
	assert.NotNil(t, s.Load(liveKey))
}

func TestFindByTaskID_ReturnsSnapshot(t *testing.T) {
	s := newTestStore(t)
	key := task.NewSessionKey("31", "api")
	t1, _, err := s.CreateTask(key, "isolate me", false, false, "")
	require.NoError(t, err)

	// mutating a returned task must not touch the stored record
	got, err := s.FindByTaskID(t1.ID)
	require.NoError(t, err)
	got.Status = task.StatusFailed
	got.WrittenFiles = map[string]string{"a.go": "ref"}

	fresh, err := s.FindByTaskID(t1.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanning, fresh.Status)
	assert.Empty(t, fresh.WrittenFiles)

	// same for tasks reached through a session snapshot
	sess := s.Load(key)
	sess.Tasks[t1.ID].AppendError("stray write")
	fresh, err = s.FindByTaskID(t1.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.Errors)
}

func TestStore_ConcurrentReadersAndWriters(t *testing.T) {
	s := newTestStore(t)
	key := task.NewSessionKey("77", "api")
	t1, _, err := s.CreateTask(key, "hammer it", false, false, "")
	require.NoError(t, err)

	const iterations = 200
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			path := fmt.Sprintf("file-%d.go", i)
			err := s.UpdateStatus(t1.ID, task.StatusWritingFiles, func(tk *task.Task) {
				if tk.WrittenFiles == nil {
					tk.WrittenFiles = make(map[string]string)
				}
				tk.WrittenFiles[path] = "ref"
			})
			if err != nil {
				t.Errorf("update status: %v", err)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			got, err := s.FindByTaskID(t1.ID)
			if err != nil {
				t.Errorf("find task: %v", err)
				continue
			}
			if _, err := json.Marshal(got); err != nil {
				t.Errorf("marshal snapshot: %v", err)
			}
			for range s.Load(key).Tasks {
			}
		}
	}()

	wg.Wait()

	got, err := s.FindByTaskID(t1.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusWritingFiles, got.Status)
	assert.Len(t, got.WrittenFiles, iterations)
}

func TestMigrateLegacy(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "tasks.yaml")
	data := []byte(`
sessions:
  "telegram:100":
    chat_id: "100"
    source: telegram
    active_task_id: task-a
    task_queue: [task-b]
    tasks:
      task-a:
        status: GENERATING_CODE
        user_input: "tweak the banner"
        retry_count: 1
      task-b:
        status: PLANNING
        user_input: "fix footer"
`)
	require.NoError(t, os.WriteFile(legacy, data, 0644))

	s, err := NewStore(config.StoreConfig{DataPath: dir, LegacyPath: legacy})
	require.NoError(t, err)

	sess := s.Load(task.NewSessionKey("100", "telegram"))
	require.NotNil(t, sess)
	assert.Equal(t, "task-a", sess.ActiveTaskID)
	assert.Equal(t, []string{"task-b"}, sess.TaskQueue)
	assert.Equal(t, task.StatusGeneratingCode, sess.Tasks["task-a"].Status)
	assert.Equal(t, 1, sess.Tasks["task-a"].RetryCount)

	// legacy file retired, second boot does not re-run
	_, statErr := os.Stat(legacy)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(legacy + ".migrated")
	assert.NoError(t, statErr)
}
