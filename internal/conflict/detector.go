// Package conflict determines whether two divergent branches can be
// reconciled automatically. It walks the files that conflict under a trial
// three-way merge and partitions them into structured-log conflicts (safe to
// auto-resolve line-by-line) and code conflicts (require human resolution).
package conflict

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/ahoyland/flotilla/internal/errors"
	"github.com/ahoyland/flotilla/internal/logging"
	"github.com/ahoyland/flotilla/internal/merge"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// JsonlConflict describes a conflicting append-only entity log. These are
// always auto-resolvable via the line-merge primitive.
type JsonlConflict struct {
	FilePath       string `json:"file_path"`
	EntityType     string `json:"entity_type"`
	CanAutoResolve bool   `json:"can_auto_resolve"`
}

// CodeConflict describes a conflicting file outside the entity-log
// convention. These always require manual resolution.
type CodeConflict struct {
	FilePath           string `json:"file_path"`
	ConflictType       string `json:"conflict_type"`
	Description        string `json:"description"`
	ResolutionStrategy string `json:"resolution_strategy"`
	CanAutoResolve     bool   `json:"can_auto_resolve"`
}

// Report is the result of comparing two branches.
type Report struct {
	HasConflicts   bool            `json:"has_conflicts"`
	JsonlConflicts []JsonlConflict `json:"jsonl_conflicts"`
	CodeConflicts  []CodeConflict  `json:"code_conflicts"`
	TotalFiles     int             `json:"total_files"`
	Summary        string          `json:"summary"`
}

// Merger is the three-way merge primitive used for trial merges.
type Merger interface {
	Merge(ctx context.Context, base, ours, theirs string) (*merge.Result, error)
}

// GitRunner abstracts git invocation for testability. Arguments are passed
// as discrete vectors, never through a shell string.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// execGitRunner runs git with os/exec.
type execGitRunner struct{}

func (execGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Detector classifies the diverging file set between two branches.
type Detector struct {
	repoDir string
	git     GitRunner
	merger  Merger
	matcher *Matcher
	logger  *logging.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithGitRunner overrides the git runner, primarily for tests.
func WithGitRunner(git GitRunner) Option {
	return func(d *Detector) { d.git = git }
}

// WithMerger overrides the trial-merge primitive.
func WithMerger(m Merger) Option {
	return func(d *Detector) { d.merger = m }
}

// WithMatcher overrides the structured-log matcher.
func WithMatcher(m *Matcher) Option {
	return func(d *Detector) { d.matcher = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// NewDetector creates a Detector for the repository at repoDir.
func NewDetector(repoDir string, opts ...Option) *Detector {
	d := &Detector{
		repoDir: repoDir,
		git:     execGitRunner{},
		merger:  merge.New(),
		matcher: NewMatcher(nil),
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect compares branchA and branchB relative to their merge base and
// reports, per conflicting file, whether it can be auto-resolved.
//
// Files changed on only one side, or changed identically on both sides,
// merge cleanly and are excluded even though they differ from the ancestor.
func (d *Detector) Detect(ctx context.Context, branchA, branchB string) (*Report, error) {
	base, err := d.mergeBase(ctx, branchA, branchB)
	if err != nil {
		return nil, err
	}

	changedA, err := d.changedFiles(ctx, base, branchA)
	if err != nil {
		return nil, err
	}
	changedB, err := d.changedFiles(ctx, base, branchB)
	if err != nil {
		return nil, err
	}

	candidates := intersect(changedA, changedB)
	d.logger.Debug("conflict candidates computed",
		"branch_a", branchA, "branch_b", branchB,
		"changed_a", len(changedA), "changed_b", len(changedB),
		"candidates", len(candidates))

	report := &Report{
		JsonlConflicts: []JsonlConflict{},
		CodeConflicts:  []CodeConflict{},
	}

	for _, path := range candidates {
		baseBlob := d.blobContent(ctx, base, path)
		oursBlob := d.blobContent(ctx, branchA, path)
		theirsBlob := d.blobContent(ctx, branchB, path)

		trial, err := d.merger.Merge(ctx, baseBlob, oursBlob, theirsBlob)
		if err != nil {
			return nil, errors.Wrapf(err, "trial merge of %s", path)
		}
		if !trial.HasConflicts {
			continue
		}

		if entity, ok := d.matcher.Match(path); ok {
			report.JsonlConflicts = append(report.JsonlConflicts, JsonlConflict{
				FilePath:       path,
				EntityType:     entity,
				CanAutoResolve: true,
			})
		} else {
			report.CodeConflicts = append(report.CodeConflicts, CodeConflict{
				FilePath:           path,
				ConflictType:       "content",
				Description:        describeCodeConflict(path, oursBlob, theirsBlob),
				ResolutionStrategy: fmt.Sprintf("manually merge %s: open the file in a worktree with both branches merged and resolve the marked hunks", path),
				CanAutoResolve:     false,
			})
		}
	}

	report.HasConflicts = len(report.JsonlConflicts) > 0 || len(report.CodeConflicts) > 0
	report.TotalFiles = len(report.JsonlConflicts) + len(report.CodeConflicts)
	report.Summary = summarize(report)

	return report, nil
}

// mergeBase resolves the common ancestor of two branches.
func (d *Detector) mergeBase(ctx context.Context, branchA, branchB string) (string, error) {
	out, err := d.git.Run(ctx, d.repoDir, "merge-base", branchA, branchB)
	if err != nil {
		return "", errors.NewGitError("failed to find merge base", err).
			WithRepository(d.repoDir).
			WithBranch(branchA + "..." + branchB)
	}
	return strings.TrimSpace(string(out)), nil
}

// changedFiles lists files whose content differs between base and ref.
func (d *Detector) changedFiles(ctx context.Context, base, ref string) ([]string, error) {
	out, err := d.git.Run(ctx, d.repoDir, "diff", "--name-only", base, ref)
	if err != nil {
		return nil, errors.NewGitError("failed to diff branch against merge base", err).
			WithRepository(d.repoDir).
			WithBranch(ref)
	}

	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// blobContent returns the file content at rev. A file missing at rev (added
// on the other side) reads as empty, which matches three-way merge semantics
// for additions.
func (d *Detector) blobContent(ctx context.Context, rev, path string) string {
	out, err := d.git.Run(ctx, d.repoDir, "show", rev+":"+path)
	if err != nil {
		return ""
	}
	return string(out)
}

// intersect returns the sorted set of paths present in both slices.
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, path := range a {
		set[path] = struct{}{}
	}

	var out []string
	seen := make(map[string]struct{})
	for _, path := range b {
		if _, ok := set[path]; !ok {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// describeCodeConflict builds a human-readable description including how far
// the two sides have diverged in lines.
func describeCodeConflict(path, ours, theirs string) string {
	dmp := diffmatchpatch.New()
	chars1, chars2, lines := dmp.DiffLinesToChars(ours, theirs)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lines)

	changed := 0
	for _, diff := range diffs {
		if diff.Type == diffmatchpatch.DiffEqual {
			continue
		}
		changed += strings.Count(diff.Text, "\n")
	}

	return fmt.Sprintf("%s modified on both sides (%s differ%s between branches)",
		path, pluralize(changed, "line"), pluralSuffix(changed))
}

// summarize renders the report's human-readable summary with correct
// pluralization for each conflict kind.
func summarize(r *Report) string {
	if !r.HasConflicts {
		return "No conflicts detected"
	}

	var parts []string
	if n := len(r.JsonlConflicts); n > 0 {
		parts = append(parts, fmt.Sprintf("%s (auto-resolvable)", pluralize(n, "JSONL conflict")))
	}
	if n := len(r.CodeConflicts); n > 0 {
		parts = append(parts, fmt.Sprintf("%s (manual resolution required)", pluralize(n, "code conflict")))
	}
	return strings.Join(parts, ", ")
}

// pluralize renders "1 code conflict" / "2 code conflicts".
func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// pluralSuffix returns "s" when a verb needs the singular form ("1 line
// differs", "2 lines differ").
func pluralSuffix(n int) string {
	if n == 1 {
		return "s"
	}
	return ""
}
