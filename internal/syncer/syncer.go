// Package syncer reconciles one execution's isolated branch back onto the
// shared target branch. Preview is a read-only risk assessment; Squash
// collapses the branch's history into a single change on the target,
// creating a rollback tag before any destructive step and auto-resolving
// structured-log conflicts via the line-merge primitive.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ahoyland/flotilla/internal/conflict"
	"github.com/ahoyland/flotilla/internal/errors"
	"github.com/ahoyland/flotilla/internal/logging"
	"github.com/ahoyland/flotilla/internal/merge"
	"github.com/ahoyland/flotilla/internal/store"
)

// DefaultBackupTagPrefix names rollback tags when no prefix is configured.
const DefaultBackupTagPrefix = "flotilla-backup"

// GitManager is the worktree-lifecycle collaborator the syncer drives. The
// concrete implementation is worktree.Manager.
type GitManager interface {
	RepoDir() string
	FindMainBranch() string
	BranchExists(branch string) bool
	RevParse(ref string) (string, error)
	MergeBase(refA, refB string) (string, error)
	CountCommitsBetween(baseRef, headRef string) (int, error)
	HasUncommittedChanges(path string) (bool, error)
	Checkout(path, branch string) error
	CurrentBranch(path string) (string, error)
	SquashMerge(path, sourceBranch string) (bool, error)
	ResetHard(path, ref string) error
	CreateTag(name, ref string) error
	Commit(path, message string) error
	WriteAndStage(path, relPath, content string) error
	ConflictingFiles(path string) ([]string, error)
	BlobContent(rev, path string) string
}

// Detector classifies the conflicts between two branches.
type Detector interface {
	Detect(ctx context.Context, branchA, branchB string) (*conflict.Report, error)
}

// Merger is the three-way line-merge primitive.
type Merger interface {
	Merge(ctx context.Context, base, ours, theirs string) (*merge.Result, error)
}

// RecordStore reads and updates persisted execution records.
type RecordStore interface {
	Get(id string) (store.ExecutionRecord, error)
	SetAfterCommit(id, sha string) error
}

// Assessment is the read-only result of a sync preview.
type Assessment struct {
	CanSync  bool     `json:"can_sync"`
	Warnings []string `json:"warnings"`
}

// Result is the outcome of a squash sync. BackupTag is set only on success;
// on failure the target branch is unchanged and any tag created before the
// failure is left in place for manual recovery.
type Result struct {
	Success   bool     `json:"success"`
	BackupTag string   `json:"backup_tag,omitempty"`
	Warnings  []string `json:"warnings"`
}

// Syncer orchestrates reconciliation for executions.
type Syncer struct {
	git          GitManager
	detector     Detector
	merger       Merger
	records      RecordStore
	logger       *logging.Logger
	targetBranch string
	tagPrefix    string

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithTargetBranch overrides the branch syncs land on. When unset the
// repository's main branch is used.
func WithTargetBranch(branch string) Option {
	return func(s *Syncer) { s.targetBranch = branch }
}

// WithBackupTagPrefix overrides the rollback tag prefix. An empty prefix
// keeps the default.
func WithBackupTagPrefix(prefix string) Option {
	return func(s *Syncer) {
		if prefix != "" {
			s.tagPrefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// New creates a Syncer over the given collaborators.
func New(git GitManager, detector Detector, merger Merger, records RecordStore, opts ...Option) *Syncer {
	s := &Syncer{
		git:       git,
		detector:  detector,
		merger:    merger,
		records:   records,
		logger:    logging.NopLogger(),
		tagPrefix: DefaultBackupTagPrefix,
		inFlight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Preview assesses whether an execution's branch can be squashed onto the
// target branch. It never mutates repository state.
func (s *Syncer) Preview(ctx context.Context, executionID string) (*Assessment, error) {
	rec, err := s.records.Get(executionID)
	if err != nil {
		return nil, err
	}

	target := s.resolveTarget()
	assessment := &Assessment{CanSync: true, Warnings: []string{}}

	if !s.git.BranchExists(rec.BranchName) {
		assessment.CanSync = false
		assessment.Warnings = append(assessment.Warnings,
			fmt.Sprintf("branch %s no longer exists", rec.BranchName))
		return assessment, nil
	}

	commits, err := s.git.CountCommitsBetween(target, rec.BranchName)
	if err != nil {
		return nil, err
	}
	if commits == 0 {
		assessment.CanSync = false
		assessment.Warnings = append(assessment.Warnings,
			fmt.Sprintf("branch %s has no commits beyond %s", rec.BranchName, target))
		return assessment, nil
	}

	if rec.WorktreePath != "" {
		dirty, err := s.git.HasUncommittedChanges(rec.WorktreePath)
		if err == nil && dirty {
			assessment.Warnings = append(assessment.Warnings,
				"worktree has uncommitted changes that will not be included in the sync")
		}
	}

	report, err := s.detector.Detect(ctx, target, rec.BranchName)
	if err != nil {
		return nil, err
	}
	for _, jc := range report.JsonlConflicts {
		assessment.Warnings = append(assessment.Warnings,
			fmt.Sprintf("%s conflicts but will be auto-resolved (%s log)", jc.FilePath, jc.EntityType))
	}
	for _, cc := range report.CodeConflicts {
		assessment.CanSync = false
		assessment.Warnings = append(assessment.Warnings,
			fmt.Sprintf("%s requires manual resolution: %s", cc.FilePath, cc.Description))
	}

	return assessment, nil
}

// Squash collapses the execution branch's history into one change on the
// target branch. The whole squash lands cleanly with auto-resolved logs
// folded in, or nothing is committed. No two syncs of the same execution id
// may interleave; a concurrent call returns errors.ErrSyncInProgress.
func (s *Syncer) Squash(ctx context.Context, executionID string) (*Result, error) {
	if err := s.acquire(executionID); err != nil {
		return nil, err
	}
	defer s.release(executionID)

	rec, err := s.records.Get(executionID)
	if err != nil {
		return nil, err
	}

	target := s.resolveTarget()
	logger := s.logger.WithExecution(executionID).With("branch", rec.BranchName, "target", target)

	if !s.git.BranchExists(rec.BranchName) {
		return nil, errors.NewSyncError("source branch missing", errors.ErrBranchNotFound).
			WithExecutionID(executionID)
	}

	commits, err := s.git.CountCommitsBetween(target, rec.BranchName)
	if err != nil {
		return nil, err
	}
	if commits == 0 {
		return &Result{
			Success:  false,
			Warnings: []string{fmt.Sprintf("branch %s has no commits beyond %s", rec.BranchName, target)},
		}, nil
	}

	// Pre-flight classification. Code conflicts halt the sync before any
	// repository state changes; no tag is created.
	report, err := s.detector.Detect(ctx, target, rec.BranchName)
	if err != nil {
		return nil, err
	}
	if len(report.CodeConflicts) > 0 {
		warnings := make([]string, 0, len(report.CodeConflicts))
		for _, cc := range report.CodeConflicts {
			warnings = append(warnings, fmt.Sprintf("%s requires manual resolution: %s", cc.FilePath, cc.Description))
		}
		logger.Info("squash halted on code conflicts", "files", len(report.CodeConflicts))
		return &Result{Success: false, Warnings: warnings}, nil
	}

	repoDir := s.git.RepoDir()
	if current, err := s.git.CurrentBranch(repoDir); err != nil || current != target {
		if err := s.git.Checkout(repoDir, target); err != nil {
			return nil, err
		}
	}

	targetTip, err := s.git.RevParse(target)
	if err != nil {
		return nil, err
	}

	// Rollback point. The tag lands before the first destructive step and
	// is never deleted, success or failure.
	backupTag := fmt.Sprintf("%s/%s-%d", s.tagPrefix, executionID, time.Now().Unix())
	if err := s.git.CreateTag(backupTag, targetTip); err != nil {
		return nil, err
	}
	logger.Info("backup tag created", "tag", backupTag, "tip", targetTip)

	conflicted, err := s.git.SquashMerge(repoDir, rec.BranchName)
	if err != nil {
		s.rollback(repoDir, backupTag, logger)
		return nil, errors.NewSyncError("squash merge failed", err).
			WithExecutionID(executionID).
			WithBackupTag(backupTag)
	}

	warnings := []string{}
	if conflicted {
		resolved, resolveErr := s.resolveStructuredLogs(ctx, repoDir, target, rec.BranchName, report)
		if resolveErr != nil {
			s.rollback(repoDir, backupTag, logger)
			return nil, errors.NewSyncError("auto-resolution failed", resolveErr).
				WithExecutionID(executionID).
				WithBackupTag(backupTag)
		}
		if len(resolved) == 0 {
			// The squash surfaced conflicts the pre-flight trial did not
			// classify as auto-resolvable. All or nothing: roll back.
			s.rollback(repoDir, backupTag, logger)
			return &Result{
				Success:  false,
				Warnings: []string{"squash produced conflicts outside the structured-log convention"},
			}, nil
		}
		for _, path := range resolved {
			warnings = append(warnings, fmt.Sprintf("auto-resolved %s via line merge", path))
		}
	}

	message := fmt.Sprintf("Squash sync of %s", rec.BranchName)
	if rec.StreamID != "" {
		message = fmt.Sprintf("Squash sync of %s (stream %s)", rec.BranchName, rec.StreamID)
	}
	if err := s.git.Commit(repoDir, message); err != nil {
		s.rollback(repoDir, backupTag, logger)
		return nil, errors.NewSyncError("squash commit failed", err).
			WithExecutionID(executionID).
			WithBackupTag(backupTag)
	}

	afterCommit, err := s.git.RevParse(target)
	if err == nil {
		if recErr := s.records.SetAfterCommit(executionID, afterCommit); recErr != nil {
			logger.Warn("failed to persist after-commit", "error", recErr)
		}
	}

	logger.Info("squash sync landed", "commit", afterCommit, "tag", backupTag)
	return &Result{Success: true, BackupTag: backupTag, Warnings: warnings}, nil
}

// resolveStructuredLogs merges each conflicted structured-log file from its
// three blob versions and stages the result. Returns the resolved paths; a
// conflicted file outside the report's auto-resolvable set yields an empty
// list so the caller can abort.
func (s *Syncer) resolveStructuredLogs(ctx context.Context, repoDir, target, branch string, report *conflict.Report) ([]string, error) {
	conflictedFiles, err := s.git.ConflictingFiles(repoDir)
	if err != nil {
		return nil, err
	}

	autoResolvable := make(map[string]struct{}, len(report.JsonlConflicts))
	for _, jc := range report.JsonlConflicts {
		autoResolvable[jc.FilePath] = struct{}{}
	}
	for _, path := range conflictedFiles {
		if _, ok := autoResolvable[path]; !ok {
			return nil, nil
		}
	}

	mergeBase, err := s.git.MergeBase(target, branch)
	if err != nil {
		return nil, err
	}

	resolved := make([]string, 0, len(conflictedFiles))
	for _, path := range conflictedFiles {
		baseBlob := s.git.BlobContent(mergeBase, path)
		oursBlob := s.git.BlobContent(target, path)
		theirsBlob := s.git.BlobContent(branch, path)

		merged, err := s.merger.Merge(ctx, baseBlob, oursBlob, theirsBlob)
		if err != nil {
			return nil, err
		}

		content := merged.Content
		if merged.HasConflicts {
			// Append-only logs: both sides added records at the same
			// position. Union of both sides preserves every record.
			content = unionResolve(content)
		}

		if err := s.git.WriteAndStage(repoDir, path, content); err != nil {
			return nil, err
		}
		resolved = append(resolved, path)
	}
	return resolved, nil
}

// rollback moves the target branch back to the backup tag. The tag itself
// stays.
func (s *Syncer) rollback(repoDir, backupTag string, logger *logging.Logger) {
	if err := s.git.ResetHard(repoDir, backupTag); err != nil {
		logger.Error("rollback failed, repository left mid-sync",
			"tag", backupTag, "error", err)
		return
	}
	logger.Info("rolled back to backup tag", "tag", backupTag)
}

// unionResolve flattens three-way conflict hunks by keeping both sides in
// order (ours then theirs) and dropping the marker lines.
func unionResolve(content string) string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "<<<<<<<") ||
			strings.HasPrefix(line, "=======") ||
			strings.HasPrefix(line, ">>>>>>>") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// resolveTarget picks the branch syncs land on.
func (s *Syncer) resolveTarget() string {
	if s.targetBranch != "" {
		return s.targetBranch
	}
	return s.git.FindMainBranch()
}

// acquire claims the per-execution critical section.
func (s *Syncer) acquire(executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[executionID]; busy {
		return errors.Wrapf(errors.ErrSyncInProgress, "execution %s", executionID)
	}
	s.inFlight[executionID] = struct{}{}
	return nil
}

func (s *Syncer) release(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, executionID)
}
