package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/variantgroup/variant-analytics/internal/config"
)

// FileSystemStore keeps objects as files under a base directory. It exists
// for local development and tests; the layout mirrors the object keys.
type FileSystemStore struct {
	baseDir string
}

// NewFileSystemStore creates a filesystem-backed store, creating the base
// directory if necessary.
func NewFileSystemStore(cfg *config.FileSystemConfig) (*FileSystemStore, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("base directory is required for filesystem storage")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileSystemStore{baseDir: cfg.BaseDir}, nil
}

func (fs *FileSystemStore) securePath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	fullPath := filepath.Clean(filepath.Join(fs.baseDir, filepath.FromSlash(key)))
	cleanBase := filepath.Clean(fs.baseDir)
	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q", key)
	}
	return fullPath, nil
}

func (fs *FileSystemStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := fs.securePath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is validated above
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %q: %w", key, err)
	}
	return data, nil
}

func (fs *FileSystemStore) Put(ctx context.Context, key string, data []byte) error {
	path, err := fs.securePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write object %q: %w", key, err)
	}
	return nil
}

func (fs *FileSystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := filepath.Walk(fs.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(fs.baseDir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk base directory: %w", err)
	}
	return keys, nil
}

func (fs *FileSystemStore) Delete(ctx context.Context, key string) error {
	path, err := fs.securePath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil // deleting a missing object succeeds
	}
	if err != nil {
		return fmt.Errorf("failed to delete object %q: %w", key, err)
	}
	return nil
}
