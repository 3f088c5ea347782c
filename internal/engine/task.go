package engine

import (
	"time"
)

// TaskState describes where a task is in its lifecycle.
type TaskState string

const (
	// StateQueued means the task is waiting for a concurrency slot and for
	// its dependencies to complete.
	StateQueued TaskState = "queued"
	// StateRunning means the task has been handed to the runner.
	StateRunning TaskState = "running"
	// StateCompleted means the task finished successfully.
	StateCompleted TaskState = "completed"
	// StateFailed means the task exhausted its retry budget.
	StateFailed TaskState = "failed"
	// StateCancelled means the task was cancelled before reaching a natural
	// terminal state.
	StateCancelled TaskState = "cancelled"
)

// Terminal reports whether the state is final. Tasks in a terminal state
// never transition again and their result is cached.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Task is one schedulable unit of agent work. Immutable once submitted;
// the engine owns all lifecycle state.
type Task struct {
	// ID uniquely identifies the task. Generated when empty at submission.
	ID string
	// Type is a free-form category tag (e.g. "implement", "review").
	Type string
	// Prompt is the payload handed to the agent runner.
	Prompt string
	// WorkDir is the directory the agent runs in, typically an isolated
	// worktree.
	WorkDir string
	// Priority is advisory metadata carried through to the runner. Dispatch
	// order is dependency-then-FIFO; priority does not reorder the queue.
	Priority int
	// Dependencies lists task ids that must complete before this task may
	// start. Every id must already be known to the engine at submission.
	Dependencies []string
	// MaxRetries bounds additional attempts beyond the first. Zero means a
	// single attempt.
	MaxRetries int
	// CreatedAt is stamped at submission when zero.
	CreatedAt time.Time
}

// TaskResult is the terminal outcome of a task, produced exactly once and
// shared by value with every waiter.
type TaskResult struct {
	TaskID      string
	Success     bool
	Output      string
	CompletedAt time.Time
	Err         error
}

// TaskStatus is a point-in-time view of one task's scheduling state.
type TaskStatus struct {
	ID    string
	State TaskState
	// Position is the task's stable 0-based queue position. Meaningful only
	// while State is queued; assigned at enqueue and unchanged by other
	// tasks leaving the queue.
	Position int
	// Attempt counts runner invocations so far (1-based once running).
	Attempt int
}

// taskEntry is the engine's internal record for one task.
type taskEntry struct {
	task      Task
	state     TaskState
	position  int
	attempt   int
	cancelled bool
	startedAt time.Time
}
