// Package merge provides a three-way line merge over text blobs.
//
// The merge delegates to git's merge-file algorithm, operated as a pure
// text transform: no repository state is read or written, only a private
// scratch directory that is removed on every exit path. Semantics are
// line-based diff3 — edits on disjoint lines combine cleanly, edits that
// land on the same line from both sides conflict, and identical edits on
// both sides merge without conflict.
package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ahoyland/flotilla/internal/errors"
	"github.com/google/uuid"
)

// Conflict marker prefixes emitted by git merge-file.
const (
	markerOurs   = "<<<<<<<"
	markerBase   = "======="
	markerTheirs = ">>>>>>>"
)

// Result is the outcome of a three-way merge. Content always holds the
// merged text; when HasConflicts is true it embeds literal conflict
// markers around the disagreeing hunks.
type Result struct {
	// Success is true when the merge completed without conflicts.
	Success bool
	// Content is the merged text, with conflict markers if any.
	Content string
	// HasConflicts is true when at least one hunk conflicted.
	HasConflicts bool
}

// Merger performs three-way merges using the local git installation.
type Merger struct {
	executor CommandExecutor
}

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns its combined output and
	// exit code. A negative exit code means the command could not run.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, int, error)
}

// execExecutor runs commands with os/exec.
type execExecutor struct{}

func (execExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, exitErr.ExitCode(), nil
		}
		// The command never ran (missing binary, bad dir).
		return output, -1, err
	}
	return output, 0, nil
}

// New creates a Merger backed by the git CLI.
func New() *Merger {
	return &Merger{executor: execExecutor{}}
}

// NewWithExecutor creates a Merger with a custom executor, primarily for tests.
func NewWithExecutor(executor CommandExecutor) *Merger {
	return &Merger{executor: executor}
}

// Merge combines ours and theirs relative to their common ancestor base.
//
// Exit status mapping from git merge-file: 0 means a clean merge, 1 means
// the merge completed with conflicts (the content, including markers, is
// still returned), and anything else is a fatal tool error which is
// propagated as a *errors.MergeError rather than reported as a conflict.
func (m *Merger) Merge(ctx context.Context, base, ours, theirs string) (*Result, error) {
	scratch, err := os.MkdirTemp("", "flotilla-merge-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return nil, errors.NewMergeError("failed to create scratch directory", err)
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	basePath := filepath.Join(scratch, "base")
	oursPath := filepath.Join(scratch, "ours")
	theirsPath := filepath.Join(scratch, "theirs")

	for _, f := range []struct {
		path    string
		content string
	}{
		{basePath, base},
		{oursPath, ours},
		{theirsPath, theirs},
	} {
		if err := os.WriteFile(f.path, []byte(f.content), 0644); err != nil {
			return nil, errors.NewMergeError("failed to write scratch file", err)
		}
	}

	// git merge-file rewrites the "ours" file in place with the merged
	// result. Arguments are passed as a discrete vector, never a shell
	// string.
	output, code, err := m.executor.Run(ctx, scratch, "git", "merge-file",
		"-L", "ours", "-L", "base", "-L", "theirs",
		oursPath, basePath, theirsPath)
	if err != nil {
		return nil, errors.NewMergeError("failed to invoke git merge-file", err)
	}

	switch code {
	case 0, 1:
		// Fall through and read the merged content.
	default:
		cause := errors.ErrMergeTool
		if msg := strings.TrimSpace(string(output)); msg != "" {
			cause = errors.Wrap(errors.ErrMergeTool, msg)
		}
		return nil, errors.NewMergeError("git merge-file failed", cause).
			WithExitCode(code)
	}

	merged, err := os.ReadFile(oursPath)
	if err != nil {
		return nil, errors.NewMergeError("failed to read merge output", err)
	}

	return &Result{
		Success:      code == 0,
		Content:      string(merged),
		HasConflicts: code == 1,
	}, nil
}

// HasConflictMarkers reports whether text contains git conflict markers.
// Markers are only recognized at the start of a line, matching how
// merge-file emits them.
func HasConflictMarkers(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, markerOurs) ||
			strings.HasPrefix(line, markerTheirs) ||
			strings.HasPrefix(line, markerBase) {
			return true
		}
	}
	return false
}
