package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var _ Store = (*FileStore)(nil)

// FileStore keeps every key in one JSON document on disk. Each write
// replaces the document via fsync'd temp file + rename, so a crash leaves
// either the old or the new document, never a torn one.
type FileStore struct {
	path   string
	values map[string]string
	lock   sync.Mutex
}

// OpenFileStore loads path, creating parent directories as needed. A
// missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	fs := &FileStore{
		path:   path,
		values: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("read storage file: %w", err)
	}
	if len(data) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(data, &fs.values); err != nil {
		return nil, fmt.Errorf("decode storage file %s: %w", path, err)
	}
	return fs, nil
}

func (fs *FileStore) Path() string {
	return fs.path
}

func (fs *FileStore) Get(key string) ([]byte, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	v, ok := fs.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

func (fs *FileStore) Set(key string, value []byte) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	prev, had := fs.values[key]
	fs.values[key] = string(value)
	if err := fs.flush(); err != nil {
		if had {
			fs.values[key] = prev
		} else {
			delete(fs.values, key)
		}
		return err
	}
	return nil
}

func (fs *FileStore) Remove(key string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	prev, had := fs.values[key]
	if !had {
		return nil
	}
	delete(fs.values, key)
	if err := fs.flush(); err != nil {
		fs.values[key] = prev
		return err
	}
	return nil
}

// flush writes the document. Callers hold fs.lock.
func (fs *FileStore) flush() error {
	data, err := json.MarshalIndent(fs.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.path), ".session-guard-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		return fmt.Errorf("replace storage file: %w", err)
	}
	return nil
}
