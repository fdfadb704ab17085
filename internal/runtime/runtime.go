// Package runtime builds functions and runs them as local worker processes.
//
// Each supported language is a Handler. Handlers are tried in registration
// order and the first one whose CanHandle accepts the runtime identifier
// serves the function.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/metrics"
	"github.com/watzon/tether/internal/project"
)

// ErrNoHandler is returned when no handler accepts a runtime identifier.
var ErrNoHandler = errors.New("no handler for runtime")

// Build result types.
const (
	BuildSuccess = "success"
	BuildError   = "error"
)

// Worker environment variables.
const (
	EnvRuntimeAPI = "AWS_LAMBDA_RUNTIME_API"
	EnvWorkerID   = "TETHER_WORKER_ID"
	EnvIsLocal    = "IS_LOCAL"
)

// BuildInput describes one function build.
type BuildInput struct {
	Function project.Function

	// Out is the directory that receives build artifacts.
	Out string
}

// BuildResult is the outcome of a build. Handler is the entry point the
// worker should load; Errors is set when Type is BuildError.
type BuildResult struct {
	Type    string   `json:"type"`
	Handler string   `json:"handler,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// OK reports whether the build succeeded.
func (r BuildResult) OK() bool { return r.Type == BuildSuccess }

func buildFailed(errs ...string) BuildResult {
	return BuildResult{Type: BuildError, Errors: errs}
}

// WorkerSink receives process output and exit notifications.
type WorkerSink interface {
	Stdout(workerID, line string)
	Exited(workerID string, code int)
}

// WorkerInput describes one worker process to start.
type WorkerInput struct {
	WorkerID string
	Function project.Function

	// Handler and Out come from the successful build.
	Handler string
	Out     string

	// RuntimeAPI is the host:port of the Runtime API emulator.
	RuntimeAPI string
	Sink       WorkerSink
}

// Handler builds and runs functions for a family of runtimes.
type Handler interface {
	CanHandle(runtime string) bool
	ShouldBuild(functionID, changedFile string) bool
	Build(ctx context.Context, in BuildInput) BuildResult
	StartWorker(ctx context.Context, in WorkerInput) error
	StopWorker(ctx context.Context, workerID string) error
}

// Registry is an ordered list of handlers.
type Registry struct {
	handlers []Handler
}

// NewRegistry returns a registry over handlers, in priority order.
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// DefaultRegistry returns a registry with every built-in handler.
func DefaultRegistry() *Registry {
	return NewRegistry(NewNodeHandler(), NewPythonHandler(), NewGoHandler(), NewJavaHandler())
}

// For returns the first handler that accepts runtime.
func (r *Registry) For(runtime string) (Handler, error) {
	for _, h := range r.handlers {
		if h.CanHandle(runtime) {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoHandler, runtime)
}

// ShouldBuild reports whether any handler wants to rebuild functionID
// after changedFile was modified.
func (r *Registry) ShouldBuild(functionID, changedFile string) bool {
	for _, h := range r.handlers {
		if h.ShouldBuild(functionID, changedFile) {
			return true
		}
	}
	return false
}

// Build runs the handler for in.Function. Handler panics are converted into
// a failed result.
func (r *Registry) Build(ctx context.Context, in BuildInput) (result BuildResult) {
	h, err := r.For(in.Function.Runtime)
	if err != nil {
		return buildFailed(err.Error())
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Interface("panic", p).
				Str("function", in.Function.ID).
				Msg("Build panicked")
			result = buildFailed(fmt.Sprint(p))
		}
		outcome := "success"
		if !result.OK() {
			outcome = "error"
		}
		metrics.RecordBuild(runtimeFamily(in.Function.Runtime), outcome, time.Since(start))
	}()

	if err := os.MkdirAll(in.Out, 0o755); err != nil {
		return buildFailed(fmt.Sprintf("creating build directory: %v", err))
	}

	return h.Build(ctx, in)
}

// WorkerEnv returns the environment of a worker process: the current
// process environment, then the function's, then the worker variables.
func WorkerEnv(in WorkerInput) []string {
	env := os.Environ()
	for k, v := range in.Function.Environment {
		env = append(env, k+"="+v)
	}
	return append(env,
		EnvIsLocal+"=true",
		EnvRuntimeAPI+"="+in.RuntimeAPI+"/"+in.WorkerID,
		EnvWorkerID+"="+in.WorkerID,
	)
}

// IsChild reports whether path lies inside parent.
func IsChild(parent, path string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func runtimeFamily(runtime string) string {
	for _, prefix := range []string{"nodejs", "python", "java", "go"} {
		if strings.HasPrefix(runtime, prefix) {
			return prefix
		}
	}
	return "other"
}

// splitHandler splits "path/to/file.export" into its file and export parts.
func splitHandler(handler string) (file, export string, err error) {
	i := strings.LastIndex(handler, ".")
	if i <= 0 || i == len(handler)-1 || strings.ContainsRune(handler[i:], '/') {
		return "", "", fmt.Errorf("handler %q must look like path/to/file.export", handler)
	}
	return handler[:i], handler[i+1:], nil
}
