package store

import (
	"bytes"
	"encoding/json"
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

	"github.com/natefinch/atomic"
)

// Store is the sole owner of session and task records. One JSON document
// per session holds the session and its full task set, so a save is a
// single atomic unit; partial writes across tasks cannot happen.
//
// The store mutex protects the in-memory index. Logical mutation
// ordering across processes and call chains is the lock manager's job;
// callers mutate tasks only while holding the session lock.
type Store struct {
	dataPath string
	mu       sync.RWMutex
	sessions map[string]*task.Session
	// taskIndex maps task id -> session key string
	taskIndex map[string]string
}

func NewStore(cfg config.StoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.DataPath) == "" {
		return nil, genbaErrors.InvalidInput("store data path is empty")
	}

	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &Store{
		dataPath:  cfg.DataPath,
		sessions:  make(map[string]*task.Session),
		taskIndex: make(map[string]string),
	}

	if err := migrateLegacy(cfg.LegacyPath, cfg.DataPath); err != nil {
		return nil, fmt.Errorf("migrate legacy store: %w", err)
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dataPath)
	if err != nil {
		return fmt.Errorf("read store dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(s.dataPath, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read session file %s: %w", entry.Name(), err)
		}

		var sess task.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			slog.Warn("Skipping unparseable session file", "file", entry.Name(), "error", err)
			continue
		}
		if sess.Tasks == nil {
			sess.Tasks = make(map[string]*task.Task)
		}

		if sess.CheckInvariants() {
			slog.Warn("Repaired session invariants on load", "session", sess.Key.String())
			if err := s.persist(&sess); err != nil {
				return err
			}
		}

		s.index(&sess)
	}

	slog.Info("Store loaded", "sessions", len(s.sessions))
	return nil
}

// index registers a session in the in-memory maps. Caller holds no lock
// during construction; later callers hold s.mu.
func (s *Store) index(sess *task.Session) {
	keyStr := sess.Key.String()
	s.sessions[keyStr] = sess
	for id := range sess.Tasks {
		s.taskIndex[id] = keyStr
	}
}

func sessionFileName(key task.SessionKey) string {
	// ':' is awkward in file names on some filesystems
	return strings.ReplaceAll(key.String(), ":", "__") + ".json"
}

func (s *Store) persist(sess *task.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	path := filepath.Join(s.dataPath, sessionFileName(sess.Key))
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// Load returns a snapshot of the session for key, or nil when it does
// not exist. Invariants are re-checked on every load so a record
// corrupted by a crashed writer heals itself. The snapshot is the
// caller's to keep; store records are mutated only under s.mu, so live
// pointers never leave this package.
func (s *Store) Load(key task.SessionKey) *task.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key.String()]
	if !ok {
		return nil
	}

	if sess.CheckInvariants() {
		slog.Warn("Repaired session invariants", "session", key.String())
		if err := s.persist(sess); err != nil {
			slog.Error("Failed to persist repaired session", "session", key.String(), "error", err)
		}
	}

	return sess.Clone()
}

// Save persists the full session atomically. Must be called only while
// the session lock for sess.Key is held. The store keeps its own copy;
// the caller's pointer stays the caller's.
func (s *Store) Save(sess *task.Session) error {
	if sess == nil {
		return genbaErrors.InvalidInput("session is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess.UpdatedAt = time.Now().UTC()
	s.index(sess.Clone())
	return s.persist(sess)
}

// CreateTask creates a task under key, lazily creating the session. The
// task becomes active when the session has no active task, otherwise it
// is appended to the FIFO backlog. Returns a snapshot of the task and
// its queue position (0 = active).
func (s *Store) CreateTask(key task.SessionKey, input string, dryRun, testMode bool, webhookURL string) (*task.Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key.String()]
	if !ok {
		sess = task.NewSession(key)
		s.sessions[key.String()] = sess
	}

	t := task.New(input, dryRun, testMode, webhookURL)
	sess.Tasks[t.ID] = t
	s.taskIndex[t.ID] = key.String()

	if sess.ActiveTaskID == "" {
		sess.ActiveTaskID = t.ID
	} else {
		sess.TaskQueue = append(sess.TaskQueue, t.ID)
	}
	sess.UpdatedAt = time.Now().UTC()

	if err := s.persist(sess); err != nil {
		return nil, 0, err
	}

	pos := sess.QueuePosition(t.ID)
	slog.Info("Task created",
		"task", t.ID,
		"session", key.String(),
		"position", pos,
		"dry_run", dryRun)
	return t.Clone(), pos, nil
}

// UpdateStatus transitions a task, applying extra field mutations via
// mutate while the store lock is held. A terminal status refuses to be
// replaced by a non-terminal one; that returns ErrConflict.
func (s *Store) UpdateStatus(taskID string, next task.Status, mutate func(*task.Task)) error {
	if !next.Valid() {
		return genbaErrors.InvalidInput("unknown status " + string(next))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, t, err := s.findLocked(taskID)
	if err != nil {
		return err
	}

	if !t.Status.CanTransition(next) {
		return genbaErrors.Conflict(fmt.Sprintf("refusing %s -> %s for task %s", t.Status, next, taskID))
	}

	prev := t.Status
	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	if next.IsTerminal() && t.CompletedAt == nil {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	if mutate != nil {
		mutate(t)
	}

	if err := s.persist(sess); err != nil {
		return err
	}

	slog.Debug("Task status updated", "task", taskID, "from", prev, "to", next)
	return nil
}

// MarkCompleted moves a task to the given terminal status (unless one is
// already set), clears the active slot, and activates the queue head.
// Returns the newly activated task id, or "" when the queue is empty.
func (s *Store) MarkCompleted(taskID string, terminal task.Status) (string, error) {
	if !terminal.IsTerminal() {
		return "", genbaErrors.InvalidInput("MarkCompleted requires a terminal status, got " + string(terminal))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, t, err := s.findLocked(taskID)
	if err != nil {
		return "", err
	}

	if !t.Status.IsTerminal() {
		t.Status = terminal
		now := time.Now().UTC()
		t.CompletedAt = &now
		t.UpdatedAt = now
	}
	t.SetAwaiting(task.AwaitingNone)

	next := ""
	if sess.ActiveTaskID == taskID {
		sess.ActiveTaskID = ""
		if len(sess.TaskQueue) > 0 {
			next = sess.TaskQueue[0]
			sess.TaskQueue = sess.TaskQueue[1:]
			sess.ActiveTaskID = next
		}
	}
	sess.UpdatedAt = time.Now().UTC()

	if err := s.persist(sess); err != nil {
		return "", err
	}

	slog.Info("Task completed", "task", taskID, "status", t.Status, "next", next)
	return next, nil
}

// FindByTaskID returns a snapshot of the task for id.
func (s *Store) FindByTaskID(taskID string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, t, err := s.findLocked(taskID)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// FindSessionByTaskID returns a snapshot of the owning session for a
// task id.
func (s *Store) FindSessionByTaskID(taskID string) (*task.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, _, err := s.findLocked(taskID)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

func (s *Store) findLocked(taskID string) (*task.Session, *task.Task, error) {
	keyStr, ok := s.taskIndex[taskID]
	if !ok {
		return nil, nil, genbaErrors.NotFound("task " + taskID)
	}
	sess, ok := s.sessions[keyStr]
	if !ok {
		return nil, nil, genbaErrors.NotFound("session for task " + taskID)
	}
	t, ok := sess.Tasks[taskID]
	if !ok {
		return nil, nil, genbaErrors.NotFound("task " + taskID)
	}
	return sess, t, nil
}

// SessionKeys returns every known session key, for the worker loop scan.
func (s *Store) SessionKeys() []task.SessionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]task.SessionKey, 0, len(s.sessions))
	for _, sess := range s.sessions {
		keys = append(keys, sess.Key)
	}
	return keys
}

// Sweep removes sessions untouched for longer than maxAge that hold no
// non-terminal task. Returns the number of sessions removed.
func (s *Store) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0

	for keyStr, sess := range s.sessions {
		if sess.UpdatedAt.After(cutoff) {
			continue
		}

		live := false
		for _, t := range sess.Tasks {
			if !t.Status.IsTerminal() {
				live = true
				break
			}
		}
		if live {
			continue
		}

		path := filepath.Join(s.dataPath, sessionFileName(sess.Key))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Error("Failed to remove swept session file", "session", keyStr, "error", err)
			continue
		}

		for id := range sess.Tasks {
			delete(s.taskIndex, id)
		}
		delete(s.sessions, keyStr)
		removed++
	}

	if removed > 0 {
		slog.Info("Session retention sweep", "removed", removed, "max_age", maxAge)
	}
	return removed
}
