package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the task state machine. The pipeline advances
// PLANNING -> READING_FILES -> GENERATING_CODE -> DIFF_READY ->
// WRITING_FILES -> COMPLETED. FAILED is reachable from any non-terminal
// state. ROLLED_BACK is reached from WRITING_FILES (self-healing
// auto-rollback, deploy rejection) or from FAILED/COMPLETED (operator
// rollback).
type Status string

const (
	StatusPlanning       Status = "PLANNING"
	StatusReadingFiles   Status = "READING_FILES"
	StatusGeneratingCode Status = "GENERATING_CODE"
	StatusDiffReady      Status = "DIFF_READY"
	StatusWritingFiles   Status = "WRITING_FILES"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusRolledBack     Status = "ROLLED_BACK"
)

// AwaitingType records which external input a task needs next. It is
// orthogonal to Status and never participates in the terminal guard.
type AwaitingType string

const (
	AwaitingNone              AwaitingType = ""
	AwaitingApproval          AwaitingType = "approval"
	AwaitingDeployApproval    AwaitingType = "deploy_approval"
	AwaitingContinueOperation AwaitingType = "continue_operation"
	AwaitingAnswerQuestions   AwaitingType = "answer_questions"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a status write from s to next is legal.
// Terminal statuses refuse non-terminal replacements; terminal to
// terminal (FAILED -> ROLLED_BACK, COMPLETED -> ROLLED_BACK) is allowed
// so late rollback records are never lost to a racing worker retry.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() && !next.IsTerminal() {
		return false
	}
	return true
}

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusPlanning, StatusReadingFiles, StatusGeneratingCode,
		StatusDiffReady, StatusWritingFiles,
		StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

func (a AwaitingType) Valid() bool {
	switch a {
	case AwaitingNone, AwaitingApproval, AwaitingDeployApproval,
		AwaitingContinueOperation, AwaitingAnswerQuestions:
		return true
	default:
		return false
	}
}

// TaskError is one append-only entry in a task's error history.
type TaskError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Task is one requested change operation with its status and artifacts.
// Immutable once terminal; mutated only while the session lock is held.
type Task struct {
	ID         string `json:"id"`
	UserInput  string `json:"user_input"`
	DryRun     bool   `json:"dry_run"`
	TestMode   bool   `json:"test_mode"`
	WebhookURL string `json:"webhook_url,omitempty"`

	Status       Status       `json:"status"`
	Awaiting     bool         `json:"awaiting_response"`
	AwaitingType AwaitingType `json:"awaiting_type,omitempty"`

	// Plan is owned by the planning collaborator; opaque here.
	Plan string `json:"plan,omitempty"`
	// Diffs and NewContents are owned by the generation collaborator,
	// keyed by file path.
	Diffs       map[string]string `json:"diffs,omitempty"`
	NewContents map[string]string `json:"new_contents,omitempty"`
	// WrittenFiles maps path -> backup reference, populated only by the
	// write step.
	WrittenFiles map[string]string `json:"written_files,omitempty"`

	Errors     []TaskError `json:"errors,omitempty"`
	RetryCount int         `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a task in PLANNING with a fresh UUID.
func New(input string, dryRun, testMode bool, webhookURL string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:         uuid.NewString(),
		UserInput:  input,
		DryRun:     dryRun,
		TestMode:   testMode,
		WebhookURL: webhookURL,
		Status:     StatusPlanning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AppendError records a failure without destroying prior entries.
func (t *Task) AppendError(msg string) {
	t.Errors = append(t.Errors, TaskError{Timestamp: time.Now().UTC(), Message: msg})
	t.UpdatedAt = time.Now().UTC()
}

// SetAwaiting flips the awaiting axis.
func (t *Task) SetAwaiting(kind AwaitingType) {
	t.Awaiting = kind != AwaitingNone
	t.AwaitingType = kind
	t.UpdatedAt = time.Now().UTC()
}

// Clone returns an independent deep copy. Readers outside the store
// lock must work on clones, never on store-owned records.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	c := *t
	c.Diffs = cloneStringMap(t.Diffs)
	c.NewContents = cloneStringMap(t.NewContents)
	c.WrittenFiles = cloneStringMap(t.WrittenFiles)
	if t.Errors != nil {
		c.Errors = make([]TaskError, len(t.Errors))
		copy(c.Errors, t.Errors)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
