package conflict

import "path/filepath"

// Matcher classifies changed files by their basename. Files matching the
// project's append-only entity-log convention (issues.jsonl, specs.jsonl by
// default) are safe to auto-resolve with a line-based three-way merge;
// everything else needs a human. The set of log basenames is a project-level
// concern, so the mapping is configurable rather than hard-coded.
type Matcher struct {
	logs map[string]string // basename -> entity type
}

// DefaultStructuredLogs is the built-in entity-log convention.
func DefaultStructuredLogs() map[string]string {
	return map[string]string{
		"issues.jsonl": "issue",
		"specs.jsonl":  "spec",
	}
}

// NewMatcher creates a Matcher from a basename-to-entity-type mapping.
// A nil or empty mapping falls back to DefaultStructuredLogs.
func NewMatcher(logs map[string]string) *Matcher {
	if len(logs) == 0 {
		logs = DefaultStructuredLogs()
	}
	copied := make(map[string]string, len(logs))
	for basename, entity := range logs {
		copied[basename] = entity
	}
	return &Matcher{logs: copied}
}

// Match reports whether path is a structured entity log and, if so, its
// entity type. Only the basename is considered: a match applies at any
// directory depth.
func (m *Matcher) Match(path string) (entityType string, ok bool) {
	entityType, ok = m.logs[filepath.Base(path)]
	return entityType, ok
}
