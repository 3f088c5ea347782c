package conflict

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ahoyland/flotilla/internal/merge"
)

// fakeGit serves canned responses keyed by the joined argument string.
type fakeGit struct {
	responses map[string]string
	missing   map[string]bool
	calls     []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		responses: make(map[string]string),
		missing:   make(map[string]bool),
	}
}

func (f *fakeGit) on(args, output string) {
	f.responses[args] = output
}

func (f *fakeGit) fail(args string) {
	f.missing[args] = true
}

func (f *fakeGit) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if f.missing[key] {
		return nil, fmt.Errorf("exit status 128")
	}
	out, ok := f.responses[key]
	if !ok {
		return nil, fmt.Errorf("unexpected git call: %s", key)
	}
	return []byte(out), nil
}

// realishMerger reports a conflict whenever ours and theirs differ and both
// differ from base, mirroring same-line diff3 behavior for one-line blobs.
type realishMerger struct{}

func (realishMerger) Merge(ctx context.Context, base, ours, theirs string) (*merge.Result, error) {
	if ours == theirs || ours == base || theirs == base {
		content := ours
		if ours == base {
			content = theirs
		}
		return &merge.Result{Success: true, Content: content}, nil
	}
	return &merge.Result{
		HasConflicts: true,
		Content:      "<<<<<<< ours\n" + ours + "=======\n" + theirs + ">>>>>>> theirs\n",
	}, nil
}

func setupDetector(git *fakeGit) *Detector {
	return NewDetector("/repo",
		WithGitRunner(git),
		WithMerger(realishMerger{}),
	)
}

func TestDetectNoOverlappingFiles(t *testing.T) {
	git := newFakeGit()
	git.on("merge-base branchA branchB", "abc123\n")
	git.on("diff --name-only abc123 branchA", "src/a.go\n")
	git.on("diff --name-only abc123 branchB", "src/b.go\n")

	report, err := setupDetector(git).Detect(context.Background(), "branchA", "branchB")
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if report.HasConflicts {
		t.Error("disjoint file changes should not conflict")
	}
	if report.TotalFiles != 0 {
		t.Errorf("TotalFiles = %d, want 0", report.TotalFiles)
	}
	if report.Summary != "No conflicts detected" {
		t.Errorf("Summary = %q, want 'No conflicts detected'", report.Summary)
	}
}

func TestDetectIdenticalEditsExcluded(t *testing.T) {
	git := newFakeGit()
	git.on("merge-base branchA branchB", "abc123\n")
	git.on("diff --name-only abc123 branchA", "notes.txt\n")
	git.on("diff --name-only abc123 branchB", "notes.txt\n")
	git.on("show abc123:notes.txt", "old\n")
	git.on("show branchA:notes.txt", "new\n")
	git.on("show branchB:notes.txt", "new\n")

	report, err := setupDetector(git).Detect(context.Background(), "branchA", "branchB")
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if report.HasConflicts {
		t.Error("identical edits on both sides merge cleanly and are not conflicts")
	}
}

func TestDetectJsonlConflict(t *testing.T) {
	git := newFakeGit()
	git.on("merge-base branchA branchB", "abc123\n")
	git.on("diff --name-only abc123 branchA", "project/state/issues.jsonl\n")
	git.on("diff --name-only abc123 branchB", "project/state/issues.jsonl\n")
	git.on("show abc123:project/state/issues.jsonl", `{"id":1}`+"\n")
	git.on("show branchA:project/state/issues.jsonl", `{"id":1,"status":"open"}`+"\n")
	git.on("show branchB:project/state/issues.jsonl", `{"id":1,"status":"done"}`+"\n")

	report, err := setupDetector(git).Detect(context.Background(), "branchA", "branchB")
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if len(report.JsonlConflicts) != 1 {
		t.Fatalf("expected 1 jsonl conflict, got %d", len(report.JsonlConflicts))
	}
	jc := report.JsonlConflicts[0]
	if jc.EntityType != "issue" {
		t.Errorf("EntityType = %q, want issue", jc.EntityType)
	}
	if !jc.CanAutoResolve {
		t.Error("jsonl conflicts must be auto-resolvable")
	}
	if jc.FilePath != "project/state/issues.jsonl" {
		t.Errorf("FilePath = %q", jc.FilePath)
	}
	if report.TotalFiles != 1 {
		t.Errorf("TotalFiles = %d, want 1", report.TotalFiles)
	}
	if !strings.Contains(report.Summary, "1 JSONL conflict") || !strings.Contains(report.Summary, "auto-resolvable") {
		t.Errorf("Summary = %q", report.Summary)
	}
}

func TestDetectSpecsEntityType(t *testing.T) {
	git := newFakeGit()
	git.on("merge-base branchA branchB", "abc123\n")
	git.on("diff --name-only abc123 branchA", "specs.jsonl\n")
	git.on("diff --name-only abc123 branchB", "specs.jsonl\n")
	git.on("show abc123:specs.jsonl", "base\n")
	git.on("show branchA:specs.jsonl", "ours\n")
	git.on("show branchB:specs.jsonl", "theirs\n")

	report, err := setupDetector(git).Detect(context.Background(), "branchA", "branchB")
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(report.JsonlConflicts) != 1 || report.JsonlConflicts[0].EntityType != "spec" {
		t.Fatalf("expected one spec conflict, got %+v", report.JsonlConflicts)
	}
}

func TestDetectCodeConflict(t *testing.T) {
	git := newFakeGit()
	git.on("merge-base branchA branchB", "abc123\n")
	git.on("diff --name-only abc123 branchA", "src/main.go\n")
	git.on("diff --name-only abc123 branchB", "src/main.go\n")
	git.on("show abc123:src/main.go", "package main\n")
	git.on("show branchA:src/main.go", "package main // A\n")
	git.on("show branchB:src/main.go", "package main // B\n")

	report, err := setupDetector(git).Detect(context.Background(), "branchA", "branchB")
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if len(report.CodeConflicts) != 1 {
		t.Fatalf("expected 1 code conflict, got %d", len(report.CodeConflicts))
	}
	cc := report.CodeConflicts[0]
	if cc.CanAutoResolve {
		t.Error("code conflicts must not be auto-resolvable")
	}
	if cc.ConflictType != "content" {
		t.Errorf("ConflictType = %q, want content", cc.ConflictType)
	}
	if !strings.Contains(cc.Description, "modified on both sides") {
		t.Errorf("Description = %q", cc.Description)
	}
	if cc.ResolutionStrategy == "" {
		t.Error("ResolutionStrategy should not be empty")
	}
	if !strings.Contains(report.Summary, "1 code conflict") || !strings.Contains(report.Summary, "manual") {
		t.Errorf("Summary = %q", report.Summary)
	}
}

func TestDetectMixedSummaryMentionsBothKinds(t *testing.T) {
	git := newFakeGit()
	git.on("merge-base branchA branchB", "abc123\n")
	git.on("diff --name-only abc123 branchA", "issues.jsonl\nsrc/a.go\nsrc/b.go\n")
	git.on("diff --name-only abc123 branchB", "issues.jsonl\nsrc/a.go\nsrc/b.go\n")
	git.on("show abc123:issues.jsonl", "base\n")
	git.on("show branchA:issues.jsonl", "ours\n")
	git.on("show branchB:issues.jsonl", "theirs\n")
	git.on("show abc123:src/a.go", "base\n")
	git.on("show branchA:src/a.go", "ours\n")
	git.on("show branchB:src/a.go", "theirs\n")
	git.on("show abc123:src/b.go", "base\n")
	git.on("show branchA:src/b.go", "ours\n")
	git.on("show branchB:src/b.go", "theirs\n")

	report, err := setupDetector(git).Detect(context.Background(), "branchA", "branchB")
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if report.TotalFiles != 3 {
		t.Errorf("TotalFiles = %d, want 3", report.TotalFiles)
	}
	if !strings.Contains(report.Summary, "JSONL") || !strings.Contains(report.Summary, "code") {
		t.Errorf("mixed summary should mention both kinds: %q", report.Summary)
	}
	if !strings.Contains(report.Summary, "2 code conflicts") {
		t.Errorf("expected pluralized code conflicts: %q", report.Summary)
	}
}

func TestDetectFileAddedOnBothSides(t *testing.T) {
	// File absent at the merge base reads as empty; two distinct additions
	// conflict.
	git := newFakeGit()
	git.on("merge-base branchA branchB", "abc123\n")
	git.on("diff --name-only abc123 branchA", "new.txt\n")
	git.on("diff --name-only abc123 branchB", "new.txt\n")
	git.fail("show abc123:new.txt")
	git.on("show branchA:new.txt", "from A\n")
	git.on("show branchB:new.txt", "from B\n")

	report, err := setupDetector(git).Detect(context.Background(), "branchA", "branchB")
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(report.CodeConflicts) != 1 {
		t.Fatalf("expected 1 code conflict, got %d", len(report.CodeConflicts))
	}
}

func TestDetectMergeBaseFailure(t *testing.T) {
	git := newFakeGit()
	git.fail("merge-base branchA branchB")

	_, err := setupDetector(git).Detect(context.Background(), "branchA", "branchB")
	if err == nil {
		t.Fatal("expected error when merge-base fails")
	}
}

func TestPluralize(t *testing.T) {
	if got := pluralize(1, "code conflict"); got != "1 code conflict" {
		t.Errorf("pluralize(1) = %q", got)
	}
	if got := pluralize(2, "code conflict"); got != "2 code conflicts" {
		t.Errorf("pluralize(2) = %q", got)
	}
}
