package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusApproved, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusPending, StatusRunning, false},
		{StatusApproved, StatusRejected, false},
		{StatusRejected, StatusApproved, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusApproved, StatusApproved, false},
		{StatusApproved, StatusCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusRejected.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusApproved.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, Status("bogus").IsTerminal())
}

// Any sequence of legal transitions strictly increases rank and never leaves a terminal state.
func TestTransitionsMoveForward(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		current := StatusPending
		steps := rapid.IntRange(1, 10).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			next := rapid.SampledFrom(Statuses).Draw(t, "next")
			if !CanTransition(current, next) {
				continue
			}
			if current.IsTerminal() {
				t.Fatalf("transition out of terminal %s to %s", current, next)
			}
			if next.Rank() <= current.Rank() {
				t.Fatalf("transition %s -> %s does not move forward", current, next)
			}
			current = next
		}
	})
}

func TestPatchApply(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := Task{Status: StatusApproved}

	Patch{ExecutionID: "exec-1", At: at}.Apply(&task, StatusRunning)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, "exec-1", task.ExecutionID)
	if assert.NotNil(t, task.StartedAt) {
		assert.Equal(t, at, *task.StartedAt)
	}
	assert.Nil(t, task.FinishedAt)

	Patch{ReportHandle: "h-1", At: at.Add(time.Hour)}.Apply(&task, StatusCompleted)
	assert.Equal(t, "exec-1", task.ExecutionID)
	assert.Equal(t, "h-1", task.ReportHandle)
	if assert.NotNil(t, task.FinishedAt) {
		assert.Equal(t, at.Add(time.Hour), *task.FinishedAt)
	}
}

func TestValidationError(t *testing.T) {
	err := Invalid("num_users", "must be positive, got %d", 0)
	assert.True(t, IsValidation(err))
	assert.Equal(t, "num_users: must be positive, got 0", err.Error())
	assert.False(t, IsValidation(ErrConflict))
}
