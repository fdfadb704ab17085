package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watzon/tether/internal/config"
)

// memoryBackend records what reaches the wrapped backend.
type memoryBackend struct {
	objects map[string][]byte
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{objects: make(map[string][]byte)}
}

func (m *memoryBackend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memoryBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryBackend) Delete(ctx context.Context, bucket, key string) error {
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *memoryBackend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, ok := m.objects[bucket+"/"+key]
	return ok, nil
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	backend, err := NewBackend(ctx, config.StorageConfig{Type: "filesystem", Path: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &FilesystemBackend{}, backend)

	_, err = NewBackend(ctx, config.StorageConfig{Type: "filesystem"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewBackend(ctx, config.StorageConfig{Type: "s3"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewBackend(ctx, config.StorageConfig{Type: "tape"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCompressedBackend(t *testing.T) {
	payload := strings.Repeat(`{"body":"hello world"}`, 5000)

	for _, compression := range []string{"", "gzip", "zstd"} {
		t.Run("compression="+compression, func(t *testing.T) {
			ctx := context.Background()
			inner := newMemoryBackend()
			backend := NewCompressedBackend(inner, compression)

			require.NoError(t, backend.Put(ctx, "b", "k", strings.NewReader(payload), int64(len(payload))))

			stored := inner.objects["b/k"]
			if compression == "" {
				require.Equal(t, payload, string(stored))
			} else {
				require.Less(t, len(stored), len(payload))
			}

			rc, err := backend.Get(ctx, "b", "k")
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			require.Equal(t, payload, string(got))

			exists, err := backend.Exists(ctx, "b", "k")
			require.NoError(t, err)
			require.True(t, exists)

			require.NoError(t, backend.Delete(ctx, "b", "k"))
			_, err = backend.Get(ctx, "b", "k")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCompressedBackend_UnsupportedCompression(t *testing.T) {
	backend := NewCompressedBackend(newMemoryBackend(), "lz4")
	err := backend.Put(context.Background(), "b", "k", strings.NewReader("x"), 1)
	require.Error(t, err)
}
