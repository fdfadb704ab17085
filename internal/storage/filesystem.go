package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemBackend keeps objects under {root}/{bucket}/{key}. It lets the
// pointer path run end to end on one machine without cloud credentials.
type FilesystemBackend struct {
	root string
}

func NewFilesystemBackend(root string) *FilesystemBackend {
	return &FilesystemBackend{root: root}
}

// resolve maps bucket and key to a path that is guaranteed to stay inside root.
func (f *FilesystemBackend) resolve(bucket, key string) (string, error) {
	for _, part := range []string{bucket, key} {
		if part == "" || strings.ContainsRune(part, 0) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, part)
		}
		if filepath.IsAbs(part) || filepath.VolumeName(part) != "" {
			return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, part)
		}
	}

	root := filepath.Clean(f.root)
	full := filepath.Join(root, bucket, key)

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s/%s escapes the storage root", ErrInvalidPath, bucket, key)
	}
	return full, nil
}

// Put writes to a temporary file and renames it into place, so readers never
// observe a partial object.
func (f *FilesystemBackend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	path, err := f.resolve(bucket, key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing object: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("committing object: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	path, err := f.resolve(bucket, key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening object: %w", err)
	}
	return file, nil
}

// Delete is idempotent.
func (f *FilesystemBackend) Delete(ctx context.Context, bucket, key string) error {
	path, err := f.resolve(bucket, key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing object: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	path, err := f.resolve(bucket, key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking object: %w", err)
	}
}
