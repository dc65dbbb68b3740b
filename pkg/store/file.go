package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pashagolub/bookvote/pkg/data"
)

// FileStore keeps the whole catalog in memory and rewrites a JSON snapshot
// file after every change. A change that cannot be written is rolled back.
type FileStore struct {
	*data.MemoryStore
	path string
}

// NewFileStore loads the snapshot at path, or starts empty when the file does
// not exist yet.
func NewFileStore(path string) (*FileStore, error) {
	snap, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create data directory: %v", ErrAtomicWrite, err)
	}

	fsStore := &FileStore{path: path}
	fsStore.MemoryStore = data.NewMemoryStoreFrom(snap, fsStore.write)
	return fsStore, nil
}

// Path returns the snapshot file location
func (f *FileStore) Path() string {
	return f.path
}

func loadSnapshot(path string) (data.Snapshot, error) {
	var snap data.Snapshot
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("cannot read snapshot %s: %w", path, err)
	}
	if len(raw) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("%w: %s: %v", ErrCorruptedFile, path, err)
	}
	return snap, nil
}

// write performs an atomic write using temporary file + rename
func (f *FileStore) write(snap data.Snapshot) error {
	tempFile := f.path + ".tmp"

	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("%w: cannot create temp file: %v", ErrAtomicWrite, err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(snap); err != nil {
		_ = file.Close()
		_ = os.Remove(tempFile)
		return fmt.Errorf("%w: failed to encode snapshot: %v", ErrAtomicWrite, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tempFile)
		return fmt.Errorf("%w: failed to sync snapshot: %v", ErrAtomicWrite, err)
	}
	_ = file.Close()

	if err := os.Rename(tempFile, f.path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("%w: atomic rename failed: %v", ErrAtomicWrite, err)
	}
	return nil
}
