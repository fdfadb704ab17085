package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
functions:
  - id: api
    handler: src/api.handler
    srcPath: packages/functions
    runtime: nodejs18.x
    environment:
      TABLE: users
  - id: worker
    handler: cmd/worker/main.go
    runtime: go1.x
    architecture: arm64
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "functions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	d, err := Load(path)
	require.NoError(t, err)

	api, err := d.Get("api")
	require.NoError(t, err)
	assert.Equal(t, "src/api.handler", api.Handler)
	assert.Equal(t, filepath.Join(dir, "packages/functions"), api.SrcPath)
	assert.Equal(t, ArchX86, api.Architecture)
	assert.Equal(t, "users", api.Environment["TABLE"])

	worker, err := d.Get("worker")
	require.NoError(t, err)
	assert.Equal(t, dir, worker.SrcPath)
	assert.Equal(t, ArchARM, worker.Architecture)

	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, "api", list[0].ID)
	assert.Equal(t, []string{"api", "worker"}, d.IDs())
}

func TestGetUnknown(t *testing.T) {
	d, err := Parse([]byte(sample), "/srv")
	require.NoError(t, err)

	_, err = d.Get("missing")
	require.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "functions:\n  - handler: a.b\n    runtime: go1.x\n"},
		{"missing handler", "functions:\n  - id: a\n    runtime: go1.x\n"},
		{"missing runtime", "functions:\n  - id: a\n    handler: a.b\n"},
		{"slash in id", "functions:\n  - id: a/b\n    handler: a.b\n    runtime: go1.x\n"},
		{"bad architecture", "functions:\n  - id: a\n    handler: a.b\n    runtime: go1.x\n    architecture: mips\n"},
		{"duplicate", "functions:\n  - id: a\n    handler: a.b\n    runtime: go1.x\n  - id: a\n    handler: c.d\n    runtime: go1.x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "/srv")
			require.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("functions: [\n"), "/srv")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidDescriptor)
}
