package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mlbridge/mlbridge/internal/vcs"
)

// ErrConflict is returned when the backing ref keeps moving and all push
// attempts are exhausted. The work item fails without durable mutation.
var ErrConflict = errors.New("state ref conflict, push attempts exhausted")

// storeAttempts bounds the pull/merge/push loop.
const storeAttempts = 3

// RefStore persists a record set as a single blob inside a
// version-controlled ref with optimistic concurrency.
type RefStore struct {
	repo   *vcs.Repository
	branch string
	path   string // blob path inside the repository
}

// NewRefStore creates a store backed by the given working copy. The caller
// materializes the repository; path is relative to its root.
func NewRefStore(repo *vcs.Repository, branch, path string) *RefStore {
	return &RefStore{repo: repo, branch: branch, path: path}
}

// Current fetches the ref tip and returns the deserialized set. A missing
// blob yields an empty set (fresh archive repository).
func (s *RefStore) Current(ctx context.Context) (*Set, error) {
	if err := s.repo.Fetch(ctx); err != nil {
		return nil, err
	}
	if err := s.repo.ResetHard(ctx, "origin/"+s.branch); err != nil {
		return nil, err
	}
	return s.read()
}

// Put writes a record through the pull/merge/push cycle. On a conflicting
// push the loop re-fetches, re-applies the record on the new tip (key wins
// last-write), and retries up to storeAttempts times before failing with
// ErrConflict.
func (s *RefStore) Put(ctx context.Context, rec Record) error {
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		set, err := s.Current(ctx)
		if err != nil {
			return err
		}
		set.Put(rec)

		data, err := set.Serialize()
		if err != nil {
			return err
		}
		full := filepath.Join(s.repo.Dir, s.path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return fmt.Errorf("creating state directory: %w", err)
		}
		if err := os.WriteFile(full, data, 0644); err != nil {
			return fmt.Errorf("writing state blob: %w", err)
		}

		committed, err := s.repo.CommitAll(ctx, fmt.Sprintf("Update state for %s", rec.EntityID))
		if err != nil {
			return err
		}
		if !committed {
			// Nothing changed, the record was already at this value.
			return nil
		}

		if err := s.repo.Push(ctx, s.branch); err != nil {
			slog.Debug("state push rejected, retrying on new tip", "attempt", attempt, "entity", rec.EntityID, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("persisting %s: %w", rec.EntityID, ErrConflict)
}

func (s *RefStore) read() (*Set, error) {
	data, err := os.ReadFile(filepath.Join(s.repo.Dir, s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return NewSet(), nil
		}
		return nil, fmt.Errorf("reading state blob: %w", err)
	}
	return Deserialize(data)
}
