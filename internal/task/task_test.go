package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusRolledBack}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []Status{StatusPlanning, StatusReadingFiles, StatusGeneratingCode, StatusDiffReady, StatusWritingFiles}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestStatus_CanTransition(t *testing.T) {
	// terminal never goes back to non-terminal
	assert.False(t, StatusFailed.CanTransition(StatusPlanning))
	assert.False(t, StatusCompleted.CanTransition(StatusWritingFiles))
	assert.False(t, StatusRolledBack.CanTransition(StatusGeneratingCode))

	// terminal to terminal is allowed
	assert.True(t, StatusFailed.CanTransition(StatusRolledBack))
	assert.True(t, StatusCompleted.CanTransition(StatusRolledBack))

	// pipeline forward motion
	assert.True(t, StatusPlanning.CanTransition(StatusReadingFiles))
	assert.True(t, StatusWritingFiles.CanTransition(StatusCompleted))
	assert.True(t, StatusDiffReady.CanTransition(StatusFailed))

	// self-healing rolls back straight from the write step
	assert.True(t, StatusWritingFiles.CanTransition(StatusRolledBack))
}

func TestTask_AppendError(t *testing.T) {
	tk := New("fix the header", false, false, "")
	tk.AppendError("first failure")
	tk.AppendError("second failure")

	require.Len(t, tk.Errors, 2)
	assert.Equal(t, "first failure", tk.Errors[0].Message)
	assert.Equal(t, "second failure", tk.Errors[1].Message)
	assert.False(t, tk.Errors[0].Timestamp.After(tk.Errors[1].Timestamp))
}

func TestSessionKey_RoundTrip(t *testing.T) {
	key := NewSessionKey("12345", "telegram")
	parsed, err := ParseSessionKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = ParseSessionKey("no-separator")
	assert.Error(t, err)
}

func TestSession_QueuePosition(t *testing.T) {
	sess := NewSession(NewSessionKey("1", "api"))
	t1 := New("a", false, false, "")
	t2 := New("b", false, false, "")
	t3 := New("c", false, false, "")
	sess.Tasks[t1.ID] = t1
	sess.Tasks[t2.ID] = t2
	sess.Tasks[t3.ID] = t3
	sess.ActiveTaskID = t1.ID
	sess.TaskQueue = []string{t2.ID, t3.ID}

	assert.Equal(t, 0, sess.QueuePosition(t1.ID))
	assert.Equal(t, 1, sess.QueuePosition(t2.ID))
	assert.Equal(t, 2, sess.QueuePosition(t3.ID))
	assert.Equal(t, -1, sess.QueuePosition("missing"))
}

func TestSession_CheckInvariants_GhostActive(t *testing.T) {
	sess := NewSession(NewSessionKey("1", "api"))
	real := New("real", false, false, "")
	sess.Tasks[real.ID] = real
	sess.ActiveTaskID = "ghost-task-id"
	sess.TaskQueue = []string{real.ID, "another-ghost"}

	repaired := sess.CheckInvariants()

	assert.True(t, repaired)
	assert.Empty(t, sess.ActiveTaskID)
	assert.Equal(t, []string{real.ID}, sess.TaskQueue)
	// real tasks untouched
	assert.Contains(t, sess.Tasks, real.ID)
}

func TestSession_CheckInvariants_Clean(t *testing.T) {
	sess := NewSession(NewSessionKey("1", "api"))
	tk := New("x", false, false, "")
	sess.Tasks[tk.ID] = tk
	sess.ActiveTaskID = tk.ID

	assert.False(t, sess.CheckInvariants())
	assert.Equal(t, tk.ID, sess.ActiveTaskID)
}
