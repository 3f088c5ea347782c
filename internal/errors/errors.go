// Package errors provides centralized error definitions and error handling
// utilities for the flotilla codebase. It defines domain-specific errors for
// the task engine, git/worktree operations, the merge primitive, and the
// synchronizer, plus classification helpers used by retry logic.
//
// Creating errors:
//
//	err := errors.NewTaskError("task execution failed", errors.ErrTaskFailed).WithTaskID("t1")
//	err := errors.NewMergeError("merge-file failed", cause).WithExitCode(128)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrTaskNotFound) { ... }
//	var syncErr *errors.SyncError
//	if errors.As(err, &syncErr) { ... }
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience. This allows callers
// to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Engine-related sentinel errors
var (
	// ErrTaskNotFound indicates that a task id is unknown to the engine.
	ErrTaskNotFound = New("task not found")
	// ErrDuplicateTask indicates that a task id was submitted twice.
	ErrDuplicateTask = New("task already submitted")
	// ErrUnknownDependency indicates a task depends on an id the engine has never seen.
	ErrUnknownDependency = New("unknown dependency")
	// ErrTaskFailed indicates a task exhausted its retry budget.
	ErrTaskFailed = New("task failed")
	// ErrTaskCancelled indicates a task was cancelled before reaching a
	// natural terminal state.
	ErrTaskCancelled = New("task cancelled")
	// ErrEngineClosed indicates the engine has been shut down.
	ErrEngineClosed = New("engine closed")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeNotFound indicates that a worktree could not be found.
	ErrWorktreeNotFound = New("worktree not found")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrDirtyWorktree indicates that the worktree has uncommitted changes.
	ErrDirtyWorktree = New("worktree has uncommitted changes")
)

// Merge/sync-related sentinel errors
var (
	// ErrMergeTool indicates the three-way merge tool failed fatally
	// (exit status above 1 or missing executable). Distinct from a conflict,
	// which is a normal outcome and not an error.
	ErrMergeTool = New("merge tool error")
	// ErrExecutionNotFound indicates no persisted record exists for an
	// execution id.
	ErrExecutionNotFound = New("execution record not found")
	// ErrSyncInProgress indicates another sync for the same execution id is
	// already running.
	ErrSyncInProgress = New("sync already in progress")
	// ErrCodeConflicts indicates a sync was halted because files outside the
	// structured-log convention conflict and need human resolution.
	ErrCodeConflicts = New("unresolved code conflicts")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// baseError provides common functionality for all flotilla error types.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// IsRetryable reports whether the error represents a transient condition.
func (e *baseError) IsRetryable() bool { return e.retryable }

// retryableError is implemented by errors that carry their own retry hint.
type retryableError interface {
	error
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// TaskError
// -----------------------------------------------------------------------------

// TaskError represents errors from the task execution engine.
//
// Example:
//
//	err := errors.NewTaskError("agent exited nonzero", cause).
//		WithTaskID("task-3").WithAttempt(2)
type TaskError struct {
	baseError
	TaskID  string
	Attempt int
}

// NewTaskError creates a new TaskError.
func NewTaskError(message string, cause error) *TaskError {
	return &TaskError{
		baseError: baseError{message: message, cause: cause},
		Attempt:   -1,
	}
}

// WithTaskID adds a task id to the error context.
func (e *TaskError) WithTaskID(id string) *TaskError {
	e.TaskID = id
	return e
}

// WithAttempt adds the attempt number (1-based) to the error context.
func (e *TaskError) WithAttempt(n int) *TaskError {
	e.Attempt = n
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *TaskError) WithRetryable(r bool) *TaskError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TaskError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}

	prefix := "task error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("task error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *TaskError) Is(target error) bool {
	if _, ok := target.(*TaskError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// GitError
// -----------------------------------------------------------------------------

// GitError represents errors from git operations (worktrees, branches,
// diffs, tags).
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", cause).
//		WithBranch("flotilla/t1").WithGitOutput(string(out))
type GitError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{baseError: baseError{message: message, cause: cause}}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds captured git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *GitError) WithRetryable(r bool) *GitError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// MergeError
// -----------------------------------------------------------------------------

// MergeError represents a fatal failure of the three-way merge tool. A merge
// conflict is never a MergeError; conflicts are reported through the merge
// result, not through the error path.
type MergeError struct {
	baseError
	ExitCode int
}

// NewMergeError creates a new MergeError.
func NewMergeError(message string, cause error) *MergeError {
	return &MergeError{
		baseError: baseError{message: message, cause: cause},
		ExitCode:  -1,
	}
}

// WithExitCode records the merge tool's exit status.
func (e *MergeError) WithExitCode(code int) *MergeError {
	e.ExitCode = code
	return e
}

// Error returns the formatted error message.
func (e *MergeError) Error() string {
	prefix := "merge error"
	if e.ExitCode >= 0 {
		prefix = fmt.Sprintf("merge error [exit=%d]", e.ExitCode)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *MergeError) Is(target error) bool {
	if _, ok := target.(*MergeError); ok {
		return true
	}
	if errors.Is(target, ErrMergeTool) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// SyncError
// -----------------------------------------------------------------------------

// SyncError represents errors from the worktree synchronizer. BackupTag, when
// set, names the rollback tag that was created before the failure; the tag is
// left in place so the pre-sync state remains recoverable.
type SyncError struct {
	baseError
	ExecutionID string
	BackupTag   string
}

// NewSyncError creates a new SyncError.
func NewSyncError(message string, cause error) *SyncError {
	return &SyncError{baseError: baseError{message: message, cause: cause}}
}

// WithExecutionID adds an execution id to the error context.
func (e *SyncError) WithExecutionID(id string) *SyncError {
	e.ExecutionID = id
	return e
}

// WithBackupTag records the backup tag that survives the failed sync.
func (e *SyncError) WithBackupTag(tag string) *SyncError {
	e.BackupTag = tag
	return e
}

// Error returns the formatted error message.
func (e *SyncError) Error() string {
	var parts []string
	if e.ExecutionID != "" {
		parts = append(parts, fmt.Sprintf("execution=%s", e.ExecutionID))
	}
	if e.BackupTag != "" {
		parts = append(parts, fmt.Sprintf("backup=%s", e.BackupTag))
	}

	prefix := "sync error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("sync error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SyncError) Is(target error) bool {
	if _, ok := target.(*SyncError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition that
// may succeed on retry. Fatal merge tool errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var mergeErr *MergeError
	if As(err, &mergeErr) {
		return false
	}

	var re retryableError
	if As(err, &re) {
		return re.IsRetryable()
	}

	return false
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
