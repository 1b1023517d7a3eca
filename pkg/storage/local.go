package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Local stores blobs under a root directory, one file per key.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) Put(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(l.root, filepath.FromSlash(key)))
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	start := filepath.Join(l.root, filepath.FromSlash(prefix))
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			rel, relErr := filepath.Rel(l.root, path)
			if relErr != nil {
				return relErr
			}
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}
