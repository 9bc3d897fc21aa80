package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps the chain as one indented JSON array.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path, creating its directory.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, persistErr("create data directory", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string    { return s.path }
func (s *FileStore) Backend() string { return BackendFile }
func (s *FileStore) Close() error    { return nil }

func (s *FileStore) Load() ([]Block, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, persistErr("read "+s.path, err)
	}
	blocks, err := DecodeChain(data)
	if err != nil {
		return nil, persistErr("decode "+s.path, err)
	}
	if len(blocks) == 0 {
		return nil, ErrNotFound
	}
	return blocks, nil
}

// Save writes to a temp file in the same directory, fsyncs it and renames
// it over the old file.
func (s *FileStore) Save(blocks []Block) error {
	data, err := EncodeChain(blocks)
	if err != nil {
		return persistErr("encode chain", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return persistErr("write "+s.path, err)
	}
	return nil
}

func (s *FileStore) Quarantine() (string, error) {
	to, err := quarantineRename(s.path)
	if err != nil {
		return "", persistErr("quarantine", err)
	}
	return to, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	_, writeErr := f.Write(data)
	var syncErr error
	if writeErr == nil {
		syncErr = f.Sync()
	}
	closeErr := f.Close()
	switch {
	case writeErr != nil:
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", writeErr)
	case syncErr != nil:
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", syncErr)
	case closeErr != nil:
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", closeErr)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
