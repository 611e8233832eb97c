package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Compile-time interface check.
var _ Reader = (*LocalReader)(nil)

// LocalReader reads artifacts from a directory, normally the one task
// containers bind-mount as their results directory.
type LocalReader struct {
	dir string
}

// NewLocalReader creates a reader rooted at dir.
func NewLocalReader(dir string) *LocalReader {
	return &LocalReader{dir: dir}
}

// resolve maps a key onto the directory, refusing keys that escape it.
func (r *LocalReader) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}

	return filepath.Join(r.dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Get returns the contents of key.
func (r *LocalReader) Get(_ context.Context, key string) ([]byte, error) {
	p, err := r.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	return data, nil
}

// List walks the directory below prefix.
func (r *LocalReader) List(ctx context.Context, prefix string) ([]string, error) {
	root := r.dir

	if strings.Trim(prefix, "/") != "" {
		p, err := r.resolve(strings.TrimSuffix(prefix, "/"))
		if err != nil {
			return nil, err
		}

		root = p
	}

	var keys []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(r.dir, p)
		if err != nil {
			return err
		}

		keys = append(keys, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}

	sort.Strings(keys)

	return keys, nil
}
