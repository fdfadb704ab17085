package ids

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func TestULIDIsSortable(t *testing.T) {
	a := ULID()
	b := ULID()

	require.Len(t, a, 26)
	require.Less(t, a, b)

	_, err := ulid.ParseStrict(a)
	require.NoError(t, err)
}

func TestWorkerID(t *testing.T) {
	id := WorkerID()
	require.Len(t, id, 32)
	require.NotEqual(t, id, WorkerID())
}
