package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesystemBackend_Lifecycle(t *testing.T) {
	root := t.TempDir()
	backend := NewFilesystemBackend(root)
	ctx := context.Background()

	data := []byte(`{"type":"function.invoked"}`)
	require.NoError(t, backend.Put(ctx, "pointers", "tether/shop/dev/01H.json", bytes.NewReader(data), int64(len(data))))

	_, err := os.Stat(filepath.Join(root, "pointers", "tether", "shop", "dev", "01H.json"))
	require.NoError(t, err)

	exists, err := backend.Exists(ctx, "pointers", "tether/shop/dev/01H.json")
	require.NoError(t, err)
	require.True(t, exists)

	rc, err := backend.Get(ctx, "pointers", "tether/shop/dev/01H.json")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, data, got)

	require.NoError(t, backend.Delete(ctx, "pointers", "tether/shop/dev/01H.json"))
	require.NoError(t, backend.Delete(ctx, "pointers", "tether/shop/dev/01H.json"))

	exists, err = backend.Exists(ctx, "pointers", "tether/shop/dev/01H.json")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = backend.Get(ctx, "pointers", "tether/shop/dev/01H.json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemBackend_OverwriteLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	backend := NewFilesystemBackend(root)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "b", "k", strings.NewReader("one"), 3))
	require.NoError(t, backend.Put(ctx, "b", "k", strings.NewReader("two"), 3))

	entries, err := os.ReadDir(filepath.Join(root, "b"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rc, err := backend.Get(ctx, "b", "k")
	require.NoError(t, err)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	require.Equal(t, "two", string(got))
}

func TestFilesystemBackend_RejectsEscapingPaths(t *testing.T) {
	backend := NewFilesystemBackend(t.TempDir())
	ctx := context.Background()

	tests := []struct {
		name        string
		bucket, key string
	}{
		{"parent key", "b", "../../etc/passwd"},
		{"parent bucket", "..", "k"},
		{"absolute key", "b", "/etc/passwd"},
		{"null byte", "b", "a\x00b"},
		{"empty key", "b", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := backend.Put(ctx, tt.bucket, tt.key, strings.NewReader("x"), 1)
			require.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}
