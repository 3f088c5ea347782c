package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ahoyland/flotilla/internal/errors"
)

// Manager handles git worktree, branch, and tag operations for a single
// repository. It is the worktree-lifecycle collaborator consumed by the
// engine and the synchronizer.
type Manager struct {
	repoDir  string
	executor CommandExecutor
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. It returns the directory containing .git (a directory for a
// normal checkout, or a file for a linked worktree).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewGitError("no repository found above directory", errors.ErrNotGitRepository).
				WithRepository(startDir)
		}
		dir = parent
	}
}

// New creates a Manager rooted at the repository containing repoDir.
func New(repoDir string) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	return &Manager{repoDir: gitRoot, executor: NewCLICommandExecutor()}, nil
}

// NewWithExecutor creates a Manager with a custom executor. The repoDir is
// used as-is without root discovery. Primarily useful for testing.
func NewWithExecutor(repoDir string, executor CommandExecutor) *Manager {
	return &Manager{repoDir: repoDir, executor: executor}
}

// RepoDir returns the repository root this Manager operates on.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// -----------------------------------------------------------------------------
// Worktree lifecycle
// -----------------------------------------------------------------------------

// Create creates a new worktree at the given path with a new branch from HEAD.
func (m *Manager) Create(path, branch string) error {
	output, err := m.executor.Run(m.repoDir, "git", "worktree", "add", "-b", branch, path)
	if err != nil {
		return errors.NewGitError("failed to create worktree", err).
			WithBranch(branch).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// CreateFromBranch creates a new worktree at path with a new branch based
// off a specific base branch rather than HEAD.
func (m *Manager) CreateFromBranch(path, newBranch, baseBranch string) error {
	output, err := m.executor.Run(m.repoDir, "git", "worktree", "add", "-b", newBranch, path, baseBranch)
	if err != nil {
		return errors.NewGitError(fmt.Sprintf("failed to create worktree from %s", baseBranch), err).
			WithBranch(newBranch).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// Remove removes a worktree, falling back to manual cleanup and pruning if
// git refuses.
func (m *Manager) Remove(path string) error {
	output, err := m.executor.Run(m.repoDir, "git", "worktree", "remove", "--force", path)
	if err != nil {
		_ = os.RemoveAll(path)
		_ = m.executor.RunQuiet(m.repoDir, "git", "worktree", "prune")
		return errors.NewGitError("failed to remove worktree cleanly", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// List returns the paths of all worktrees attached to the repository.
func (m *Manager) List() ([]string, error) {
	output, err := m.executor.Run(m.repoDir, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewGitError("failed to list worktrees", err).
			WithRepository(m.repoDir).
			WithGitOutput(string(output))
	}

	var worktrees []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			worktrees = append(worktrees, strings.TrimPrefix(line, "worktree "))
		}
	}
	return worktrees, nil
}

// -----------------------------------------------------------------------------
// Branch operations
// -----------------------------------------------------------------------------

// CurrentBranch returns the branch checked out at path.
func (m *Manager) CurrentBranch(path string) (string, error) {
	output, err := m.executor.Run(path, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to resolve current branch", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// BranchExists reports whether a branch resolves in the repository.
func (m *Manager) BranchExists(branch string) bool {
	return m.executor.RunQuiet(m.repoDir, "git", "rev-parse", "--verify", "--quiet", branch) == nil
}

// DeleteBranch force-deletes a branch.
func (m *Manager) DeleteBranch(branch string) error {
	output, err := m.executor.Run(m.repoDir, "git", "branch", "-D", branch)
	if err != nil {
		return errors.NewGitError("failed to delete branch", err).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	return nil
}

// FindMainBranch returns the name of the main branch (main or master).
func (m *Manager) FindMainBranch() string {
	if m.BranchExists("main") {
		return "main"
	}
	return "master"
}

// RevParse resolves a ref to a commit sha.
func (m *Manager) RevParse(ref string) (string, error) {
	output, err := m.executor.Run(m.repoDir, "git", "rev-parse", ref)
	if err != nil {
		return "", errors.NewGitError("failed to resolve ref", err).
			WithBranch(ref).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// MergeBase returns the common ancestor of two refs.
func (m *Manager) MergeBase(refA, refB string) (string, error) {
	output, err := m.executor.Run(m.repoDir, "git", "merge-base", refA, refB)
	if err != nil {
		return "", errors.NewGitError("failed to find merge base", err).
			WithBranch(refA + "..." + refB).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// CountCommitsBetween returns the number of commits in base..head.
func (m *Manager) CountCommitsBetween(baseRef, headRef string) (int, error) {
	output, err := m.executor.Run(m.repoDir, "git", "rev-list", "--count", baseRef+".."+headRef)
	if err != nil {
		return 0, errors.NewGitError("failed to count commits", err).
			WithBranch(baseRef + ".." + headRef).
			WithGitOutput(string(output))
	}

	count := 0
	_, _ = fmt.Sscanf(strings.TrimSpace(string(output)), "%d", &count)
	return count, nil
}

// BlobContent returns the content of path at rev. A file missing at rev
// reads as empty, matching three-way merge semantics for additions.
func (m *Manager) BlobContent(rev, path string) string {
	output, err := m.executor.Run(m.repoDir, "git", "show", rev+":"+path)
	if err != nil {
		return ""
	}
	return string(output)
}

// ChangedFiles returns files whose content differs between two refs.
func (m *Manager) ChangedFiles(refA, refB string) ([]string, error) {
	output, err := m.executor.Run(m.repoDir, "git", "diff", "--name-only", refA, refB)
	if err != nil {
		return nil, errors.NewGitError("failed to diff refs", err).
			WithBranch(refA + ".." + refB).
			WithGitOutput(string(output))
	}

	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// -----------------------------------------------------------------------------
// Commit and status operations
// -----------------------------------------------------------------------------

// HasUncommittedChanges checks whether a worktree has uncommitted changes.
func (m *Manager) HasUncommittedChanges(path string) (bool, error) {
	output, err := m.executor.Run(path, "git", "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("failed to check status", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// CommitAll stages and commits all changes at path. Returns nil when there
// is nothing to commit.
func (m *Manager) CommitAll(path, message string) error {
	output, err := m.executor.Run(path, "git", "add", "-A")
	if err != nil {
		return errors.NewGitError("failed to stage changes", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}

	output, err = m.executor.Run(path, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(output), "nothing to commit") {
			return nil
		}
		return errors.NewGitError("failed to commit", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// Commit records staged changes at path.
func (m *Manager) Commit(path, message string) error {
	output, err := m.executor.Run(path, "git", "commit", "-m", message)
	if err != nil {
		return errors.NewGitError("failed to commit", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// WriteAndStage rewrites relPath under path with content and stages it.
// Used to fold auto-resolved merge results into an in-progress merge.
func (m *Manager) WriteAndStage(path, relPath, content string) error {
	abs := filepath.Join(path, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return errors.NewGitError("failed to create directory for merged file", err).
			WithWorktree(path)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return errors.NewGitError("failed to write merged file", err).
			WithWorktree(path)
	}

	output, err := m.executor.Run(path, "git", "add", "--", relPath)
	if err != nil {
		return errors.NewGitError("failed to stage merged file", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// ConflictingFiles returns files with unresolved merge conflicts at path.
func (m *Manager) ConflictingFiles(path string) ([]string, error) {
	output, err := m.executor.Run(path, "git", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, errors.NewGitError("failed to list conflicting files", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}

	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// -----------------------------------------------------------------------------
// Squash merge and rollback
// -----------------------------------------------------------------------------

// Checkout switches the checkout at path to the given branch.
func (m *Manager) Checkout(path, branch string) error {
	output, err := m.executor.Run(path, "git", "checkout", branch)
	if err != nil {
		return errors.NewGitError("failed to checkout branch", err).
			WithBranch(branch).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// SquashMerge stages sourceBranch's cumulative diff onto the branch checked
// out at path without committing. Returns conflicted=true when the merge
// stopped on conflicts; the index is left mid-merge for resolution or abort.
func (m *Manager) SquashMerge(path, sourceBranch string) (conflicted bool, err error) {
	output, runErr := m.executor.Run(path, "git", "merge", "--squash", sourceBranch)
	if runErr != nil {
		if strings.Contains(string(output), "CONFLICT") ||
			strings.Contains(string(output), "Automatic merge failed") {
			return true, nil
		}
		return false, errors.NewGitError("failed to squash merge", runErr).
			WithBranch(sourceBranch).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return false, nil
}

// ResetHard discards all local state at path and moves the checked-out
// branch to ref.
func (m *Manager) ResetHard(path, ref string) error {
	output, err := m.executor.Run(path, "git", "reset", "--hard", ref)
	if err != nil {
		return errors.NewGitError("failed to reset", err).
			WithBranch(ref).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Tag operations
// -----------------------------------------------------------------------------

// CreateTag creates a lightweight tag pointing at ref. The tag lives in the
// repository object store and is discoverable by name alone, outliving the
// process that created it.
func (m *Manager) CreateTag(name, ref string) error {
	output, err := m.executor.Run(m.repoDir, "git", "tag", name, ref)
	if err != nil {
		return errors.NewGitError("failed to create tag", err).
			WithBranch(ref).
			WithGitOutput(string(output))
	}
	return nil
}

// TagsWithPrefix lists tags whose names start with prefix, most recent
// first.
func (m *Manager) TagsWithPrefix(prefix string) ([]string, error) {
	output, err := m.executor.Run(m.repoDir, "git", "tag", "--list", prefix+"*", "--sort=-creatordate")
	if err != nil {
		return nil, errors.NewGitError("failed to list tags", err).
			WithGitOutput(string(output))
	}

	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}
