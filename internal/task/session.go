package task

import (
	"fmt"
	"strings"
	"time"
)

// SessionKey identifies one requester/channel pair.
type SessionKey struct {
	ChatID string `json:"chat_id"`
	Source string `json:"source"`
}

func NewSessionKey(chatID, source string) SessionKey {
	return SessionKey{ChatID: chatID, Source: source}
}

// String renders the key in "source:chat_id" form, used for lock file
// names and log fields.
func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%s", k.Source, k.ChatID)
}

// ParseSessionKey is the inverse of String.
func ParseSessionKey(s string) (SessionKey, error) {
	source, chatID, ok := strings.Cut(s, ":")
	if !ok || source == "" || chatID == "" {
		return SessionKey{}, fmt.Errorf("malformed session key %q", s)
	}
	return SessionKey{ChatID: chatID, Source: source}, nil
}

// Session is the continuity scope for one requester/channel pair. It
// holds at most one active task and an ordered FIFO backlog. The queue
// excludes the active task.
type Session struct {
	Key          SessionKey       `json:"key"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	ActiveTaskID string           `json:"active_task_id,omitempty"`
	TaskQueue    []string         `json:"task_queue,omitempty"`
	Tasks        map[string]*Task `json:"tasks"`
}

func NewSession(key SessionKey) *Session {
	now := time.Now().UTC()
	return &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
		Tasks:     make(map[string]*Task),
	}
}

// Active returns the active task, or nil.
func (s *Session) Active() *Task {
	if s.ActiveTaskID == "" {
		return nil
	}
	return s.Tasks[s.ActiveTaskID]
}

// Clone returns an independent deep copy of the session and every task
// in it.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}

	c := *s
	if s.TaskQueue != nil {
		c.TaskQueue = make([]string, len(s.TaskQueue))
		copy(c.TaskQueue, s.TaskQueue)
	}
	c.Tasks = make(map[string]*Task, len(s.Tasks))
	for id, t := range s.Tasks {
		c.Tasks[id] = t.Clone()
	}
	return &c
}

// QueuePosition returns the 0-based position of taskID: 0 means active,
// n>0 means n-th in the backlog, -1 means not present.
func (s *Session) QueuePosition(taskID string) int {
	if s.ActiveTaskID == taskID {
		return 0
	}
	for i, id := range s.TaskQueue {
		if id == taskID {
			return i + 1
		}
	}
	return -1
}

// CheckInvariants repairs a session in place: a ghost active task id is
// cleared, queue entries referencing missing tasks are dropped. Returns
// true when anything was repaired.
func (s *Session) CheckInvariants() bool {
	repaired := false

	if s.ActiveTaskID != "" {
		if _, ok := s.Tasks[s.ActiveTaskID]; !ok {
			s.ActiveTaskID = ""
			repaired = true
		}
	}

	if len(s.TaskQueue) > 0 {
		kept := s.TaskQueue[:0]
		for _, id := range s.TaskQueue {
			if _, ok := s.Tasks[id]; ok {
				kept = append(kept, id)
			} else {
				repaired = true
			}
		}
		s.TaskQueue = kept
	}

	return repaired
}
