// Package storage holds the object stores that carry payloads too large for
// the pub/sub transport.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/watzon/tether/internal/config"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrInvalidConfig = errors.New("invalid backend configuration")
	ErrInvalidPath   = errors.New("invalid object path")
)

// Backend stores opaque objects addressed by bucket and key.
type Backend interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// NewBackend builds the backend named by cfg.Type.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "filesystem":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: filesystem backend needs a path", ErrInvalidConfig)
		}
		return NewFilesystemBackend(cfg.Path), nil
	case "s3":
		backend, err := NewS3Backend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, cfg.Type)
	}
}
