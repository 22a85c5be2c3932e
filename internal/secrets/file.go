package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps each secret in its own file under a private directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir with mode 0700 if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("secret directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating secret directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) file(path string) (string, error) {
	if err := ValidPath(path); err != nil {
		return "", err
	}
	return filepath.Join(f.dir, filepath.FromSlash(path)), nil
}

func (f *FileStore) Get(_ context.Context, path string) (string, error) {
	name, err := f.file(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func (f *FileStore) Put(_ context.Context, path, value string) error {
	name, err := f.file(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o700); err != nil {
		return err
	}
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

func (f *FileStore) Delete(_ context.Context, path string) error {
	name, err := f.file(path)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
