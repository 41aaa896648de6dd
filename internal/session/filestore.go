package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/fabrica/model"
)

// FileStore keeps one JSON file per session under a directory. Writes go
// through a temp file and a rename so readers never see a partial file.
type FileStore struct {
	dir string
}

var _ model.Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.NewStoreFailedError(err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the state as JSON, atomically.
func (s *FileStore) Save(_ context.Context, key string, state map[string]string) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return model.NewStoreFailedError(err)
	}

	tmp, err := os.CreateTemp(s.dir, ".session-*")
	if err != nil {
		return model.NewStoreFailedError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return model.NewStoreFailedError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return model.NewStoreFailedError(err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return model.NewStoreFailedError(err)
	}
	return nil
}

// Load reads and parses the session file.
func (s *FileStore) Load(_ context.Context, key string) (map[string]string, error) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewNotFoundError(fmt.Sprintf("session %q not found", key))
		}
		return nil, model.NewStoreFailedError(err)
	}

	state := make(map[string]string)
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, model.NewStoreFailedError(err)
	}
	return state, nil
}

// Update merges the given entries into the stored state.
func (s *FileStore) Update(ctx context.Context, key string, partial map[string]string) error {
	state, err := s.Load(ctx, key)
	if err != nil {
		if !model.IsCode(err, model.ErrNotFound) {
			return err
		}
		state = make(map[string]string, len(partial))
	}
	for k, v := range partial {
		state[k] = v
	}
	return s.Save(ctx, key, state)
}

// Clear removes the session file. A missing file is not an error.
func (s *FileStore) Clear(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return model.NewStoreFailedError(err)
	}
	return nil
}

// Exists reports whether a session file is present.
func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, model.NewStoreFailedError(err)
	}
	return true, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".json")
}

// sanitizeKey keeps session keys filesystem-safe.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}
