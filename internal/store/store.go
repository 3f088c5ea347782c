// Package store persists execution records to the local filesystem with JSON
// encoding. Records survive process restarts so that a finished execution's
// branch can be reconciled by a later flotilla invocation.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ahoyland/flotilla/internal/errors"
)

const stateFileName = "executions.json"

// ExecutionRecord describes one completed (or in-flight) task execution and
// the git artifacts it produced.
type ExecutionRecord struct {
	ID           string    `json:"id"`
	StreamID     string    `json:"streamId"`
	WorktreePath string    `json:"worktreePath"`
	BranchName   string    `json:"branchName"`
	AfterCommit  string    `json:"afterCommit,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ExecutionStore is a file-backed store of execution records keyed by
// execution id. All mutations are written through to disk atomically under a
// cross-process flock.
type ExecutionStore struct {
	dir string
	mu  sync.RWMutex
}

// NewExecutionStore creates a store rooted at dir. The directory is created
// if it does not exist.
func NewExecutionStore(dir string) (*ExecutionStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &ExecutionStore{dir: dir}, nil
}

// Save inserts or replaces the record for rec.ID. CreatedAt is preserved for
// existing records; UpdatedAt is stamped on every save.
func (s *ExecutionStore) Save(rec ExecutionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("execution record requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLockedState(func(records map[string]ExecutionRecord) {
		now := time.Now().UTC()
		if existing, ok := records[rec.ID]; ok {
			rec.CreatedAt = existing.CreatedAt
		} else if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		records[rec.ID] = rec
	})
}

// Get returns the record for an execution id. Returns
// errors.ErrExecutionNotFound when no record exists.
func (s *ExecutionStore) Get(id string) (ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.load()
	if err != nil {
		return ExecutionRecord{}, err
	}

	rec, ok := records[id]
	if !ok {
		return ExecutionRecord{}, errors.Wrapf(errors.ErrExecutionNotFound, "execution %s", id)
	}
	return rec, nil
}

// List returns all records ordered by creation time, oldest first.
func (s *ExecutionStore) List() ([]ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make([]ExecutionRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SetAfterCommit records the commit sha produced by a successful sync of the
// execution's branch.
func (s *ExecutionStore) SetAfterCommit(id, sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing bool
	err := s.withLockedState(func(records map[string]ExecutionRecord) {
		rec, ok := records[id]
		if !ok {
			missing = true
			return
		}
		rec.AfterCommit = sha
		rec.UpdatedAt = time.Now().UTC()
		records[id] = rec
	})
	if err != nil {
		return err
	}
	if missing {
		return errors.Wrapf(errors.ErrExecutionNotFound, "execution %s", id)
	}
	return nil
}

// Delete removes the record for an execution id. Deleting a missing record
// returns errors.ErrExecutionNotFound.
func (s *ExecutionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing bool
	err := s.withLockedState(func(records map[string]ExecutionRecord) {
		if _, ok := records[id]; !ok {
			missing = true
			return
		}
		delete(records, id)
	})
	if err != nil {
		return err
	}
	if missing {
		return errors.Wrapf(errors.ErrExecutionNotFound, "execution %s", id)
	}
	return nil
}

// withLockedState loads the record map under the cross-process lock, applies
// mutate, and writes the result back atomically. Callers must hold s.mu.
func (s *ExecutionStore) withLockedState(mutate func(map[string]ExecutionRecord)) error {
	fl := NewFileLock(s.dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	records, err := s.load()
	if err != nil {
		return err
	}

	mutate(records)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution records: %w", err)
	}

	target := filepath.Join(s.dir, stateFileName)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// load reads the record map from disk. A missing state file yields an empty
// map.
func (s *ExecutionStore) load() (map[string]ExecutionRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]ExecutionRecord), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	records := make(map[string]ExecutionRecord)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal execution records: %w", err)
	}
	return records, nil
}
