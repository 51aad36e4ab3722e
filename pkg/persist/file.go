package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/loupelabs/loupe/core/pkg/state"
)

// DefaultSnapshotPath is used when STATE_SNAPSHOT_PATH is unset.
const DefaultSnapshotPath = "./.runtime/state-snapshot.json"

// FileStore persists the snapshot as one JSON file. Writes go through a
// temp file and rename so a crash mid-write never corrupts the snapshot.
type FileStore struct {
	path string
}

// NewFileStore builds a file store at the given path, or the default
// when path is empty.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultSnapshotPath
	}
	return &FileStore{path: path}
}

func (f *FileStore) Init() error {
	return os.MkdirAll(filepath.Dir(f.path), 0o755)
}

func (f *FileStore) Load() (*state.Snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (f *FileStore) Save(snap *state.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
