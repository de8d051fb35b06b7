package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps each work item's state and history in one JSON document
// under baseDir. Documents are replaced atomically, so readers never see a
// state without its latest transition. Writes are serialised per process.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// DefaultFileStore returns a FileStore at ~/.autopr/states, creating the directory if needed.
func DefaultFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".autopr", "states")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileStore{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// statePath maps an issue id to its document. The id is path-escaped so
// owner/repo#n becomes a single file name.
func (s *FileStore) statePath(id string) string {
	return filepath.Join(s.baseDir, url.PathEscape(id)+".json")
}

func (s *FileStore) Insert(_ context.Context, st *State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.statePath(st.ID)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := WriteJSON(path, st); err != nil {
		return false, fmt.Errorf("write state %s: %w", st.ID, err)
	}
	return true, nil
}

func (s *FileStore) Get(_ context.Context, id string) (*State, error) {
	return s.read(id)
}

func (s *FileStore) read(id string) (*State, error) {
	var st State
	if err := ReadJSON(s.statePath(id), &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if st.History == nil {
		st.History = []Transition{}
	}
	return &st, nil
}

func (s *FileStore) Update(_ context.Context, id string, expectedVersion int, fn UpdateFunc) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	tr, err := fn(next)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, &ConflictError{ID: id, Expected: expectedVersion, Actual: current.Version}
	}
	next.Version = current.Version + 1
	if tr != nil {
		if tr.Details, err = NormalizeDetails(tr.Details); err != nil {
			return nil, err
		}
		next.History = append(next.History, *tr)
	}

	if err := WriteJSON(s.statePath(id), next); err != nil {
		return nil, fmt.Errorf("write state %s: %w", id, err)
	}
	return next, nil
}

func (s *FileStore) ListByStage(ctx context.Context, stage Stage) ([]State, error) {
	return s.list(func(st *State) bool { return st.Stage == stage })
}

func (s *FileStore) ListActive(ctx context.Context) ([]State, error) {
	return s.list(func(st *State) bool { return !st.Stage.Terminal() })
}

func (s *FileStore) list(keep func(*State) bool) ([]State, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var states []State
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // not one of ours
		}
		st, err := s.read(id)
		if err != nil {
			continue // skip broken entries
		}
		if keep(st) {
			states = append(states, *st)
		}
	}

	sort.Slice(states, func(i, j int) bool {
		if !states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].CreatedAt.Before(states[j].CreatedAt)
		}
		return states[i].ID < states[j].ID
	})
	return states, nil
}
