package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/tether/internal/project"
)

func TestNodeBootstrapExitsWhenRuntimeAPIRejectsWorker(t *testing.T) {
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node not available")
	}

	var polls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/invocation/next") {
			polls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown worker","code":"NOT_FOUND"}`))
	}))
	defer api.Close()

	src := t.TempDir()
	marker := filepath.Join(src, "called")
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.mjs"), []byte(
		`import fs from "node:fs";
export const handler = async (event) => { fs.appendFileSync(process.env.MARKER, "x"); return event; };
`), 0o644))

	h := NewNodeHandler()
	out := t.TempDir()
	fn := project.Function{
		ID:          "api",
		Handler:     "index.handler",
		SrcPath:     src,
		Runtime:     "nodejs18.x",
		Environment: map[string]string{"MARKER": marker},
	}
	result := h.Build(context.Background(), BuildInput{Function: fn, Out: out})
	require.True(t, result.OK(), result.Errors)

	sink := newRecordingSink()
	require.NoError(t, h.StartWorker(context.Background(), WorkerInput{
		WorkerID:   "w1",
		Function:   fn,
		Handler:    result.Handler,
		Out:        out,
		RuntimeAPI: strings.TrimPrefix(api.URL, "http://"),
		Sink:       sink,
	}))
	t.Cleanup(func() { _ = h.StopWorker(context.Background(), "w1") })

	select {
	case code := <-sink.exited:
		assert.Equal(t, 1, code)
	case <-time.After(10 * time.Second):
		t.Fatal("worker kept polling a runtime API that rejects it")
	}

	assert.Equal(t, int32(1), polls.Load())
	assert.NoFileExists(t, marker)
}
