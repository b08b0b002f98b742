package engine

import (
	"context"
	"fmt"
	"log/slog"

	genbaErrors "github.com/harunnryd/genba/internal/errors"
	"github.com/harunnryd/genba/internal/notify"
	"github.com/harunnryd/genba/internal/task"
)

// Input is one piece of external input for an awaiting task. Exactly
// one of Approval or Answer must be set.
type Input struct {
	Approval *bool  `json:"approval,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// SupplyInput delivers a human response to an awaiting task. Returns
// the task snapshot after the input was applied. ErrNotFound for an
// unknown task id, ErrInvalidInput when the input does not match what
// the task is waiting for.
func (e *Engine) SupplyInput(ctx context.Context, taskID string, in Input) (*task.Task, error) {
	if in.Approval == nil && in.Answer == "" {
		return nil, genbaErrors.InvalidInput("either approval or answer is required")
	}

	sess, err := e.store.FindSessionByTaskID(taskID)
	if err != nil {
		return nil, err
	}
	key := sess.Key

	resume := false
	err = e.locks.WithLock(ctx, key, func(ctx context.Context) error {
		t, err := e.store.FindByTaskID(taskID)
		if err != nil {
			return err
		}
		if !t.Awaiting {
			return genbaErrors.InvalidInput("task is not awaiting input")
		}

		switch t.AwaitingType {
		case task.AwaitingApproval:
			if in.Approval == nil {
				return genbaErrors.InvalidInput("task is awaiting approval, not an answer")
			}
			if !*in.Approval {
				return e.reject(ctx, t, "change rejected by approver")
			}
			if err := e.store.UpdateStatus(taskID, task.StatusWritingFiles, func(t *task.Task) {
				t.SetAwaiting(task.AwaitingNone)
			}); err != nil {
				return err
			}
			resume = true
			return nil

		case task.AwaitingDeployApproval:
			if in.Approval == nil {
				return genbaErrors.InvalidInput("task is awaiting deploy approval, not an answer")
			}
			if !*in.Approval {
				return e.rollbackWrites(ctx, t, "deploy rejected by approver")
			}
			return e.complete(ctx, t)

		case task.AwaitingAnswerQuestions, task.AwaitingContinueOperation:
			if in.Answer == "" {
				return genbaErrors.InvalidInput("task is awaiting an answer")
			}
			answer := in.Answer
			if err := e.store.UpdateStatus(taskID, task.StatusPlanning, func(t *task.Task) {
				t.UserInput += "\n\nAdditional context: " + answer
				t.SetAwaiting(task.AwaitingNone)
			}); err != nil {
				return err
			}
			resume = true
			return nil

		default:
			return genbaErrors.Internal("unknown awaiting type " + string(t.AwaitingType))
		}
	})
	if err != nil {
		return nil, err
	}

	if resume && e.markInflight(key) {
		go e.execute(key, taskID)
	}

	return e.store.FindByTaskID(taskID)
}

// Rollback is the operator rollback command: restore every file a
// finished task wrote and mark it ROLLED_BACK. Only FAILED and
// COMPLETED tasks can be rolled back.
func (e *Engine) Rollback(ctx context.Context, taskID string) (*task.Task, error) {
	sess, err := e.store.FindSessionByTaskID(taskID)
	if err != nil {
		return nil, err
	}

	err = e.locks.WithLock(ctx, sess.Key, func(ctx context.Context) error {
		t, err := e.store.FindByTaskID(taskID)
		if err != nil {
			return err
		}

		switch t.Status {
		case task.StatusFailed, task.StatusCompleted:
		default:
			return genbaErrors.Conflict(fmt.Sprintf("cannot roll back task in %s", t.Status))
		}

		return e.rollbackWrites(ctx, t, "rolled back by operator")
	})
	if err != nil {
		return nil, err
	}

	return e.store.FindByTaskID(taskID)
}

// reject finishes a task whose change the approver declined.
func (e *Engine) reject(ctx context.Context, t *task.Task, reason string) error {
	if err := e.store.UpdateStatus(t.ID, task.StatusFailed, func(t *task.Task) {
		t.AppendError(reason)
		t.SetAwaiting(task.AwaitingNone)
	}); err != nil {
		return err
	}
	if _, err := e.store.MarkCompleted(t.ID, task.StatusFailed); err != nil {
		return err
	}

	e.notifier.Notify(ctx, t.WebhookURL, notify.Event{
		TaskID: t.ID,
		Status: "failed",
		Result: reason,
	})
	return nil
}

// rollbackWrites restores every written file from its backup reference
// and moves the task to ROLLED_BACK.
func (e *Engine) rollbackWrites(ctx context.Context, t *task.Task, reason string) error {
	restored := 0
	for path, backupRef := range t.WrittenFiles {
		if err := e.files.Restore(ctx, path, backupRef); err != nil {
			slog.Error("Rollback restore failed", "task", t.ID, "path", path, "error", err)
			continue
		}
		restored++
	}

	if err := e.store.UpdateStatus(t.ID, task.StatusRolledBack, func(t *task.Task) {
		t.AppendError(reason)
		t.SetAwaiting(task.AwaitingNone)
	}); err != nil {
		return err
	}
	if _, err := e.store.MarkCompleted(t.ID, task.StatusRolledBack); err != nil {
		return err
	}

	e.notifier.Notify(ctx, t.WebhookURL, notify.Event{
		TaskID: t.ID,
		Status: "rolled_back",
		Result: fmt.Sprintf("%s, restored %d of %d files", reason, restored, len(t.WrittenFiles)),
	})
	return nil
}
