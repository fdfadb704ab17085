package runtime

import (
	"context"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
)

// GoHandler compiles go* functions into a bootstrap binary. The binary talks
// to the Runtime API itself through aws-lambda-go.
type GoHandler struct {
	// Command is the go toolchain executable.
	Command string
	LDFlags string
	table   *processTable
}

// NewGoHandler creates a handler for go* runtimes.
func NewGoHandler() *GoHandler {
	return &GoHandler{Command: "go", LDFlags: "-s -w", table: newProcessTable()}
}

func (h *GoHandler) CanHandle(runtime string) bool {
	return strings.HasPrefix(runtime, "go")
}

func (h *GoHandler) ShouldBuild(functionID, changedFile string) bool {
	return h.table.shouldBuild(functionID, changedFile)
}

func (h *GoHandler) Build(ctx context.Context, in BuildInput) BuildResult {
	pkg := filepath.Join(in.Function.SrcPath, in.Function.Handler)
	if strings.HasSuffix(pkg, ".go") {
		pkg = filepath.Dir(pkg)
	}

	module, err := findUp(pkg, "go.mod")
	if err != nil {
		return buildFailed(err.Error())
	}
	h.table.setSource(in.Function.ID, module)

	rel, err := filepath.Rel(module, pkg)
	if err != nil {
		return buildFailed(err.Error())
	}

	target := filepath.Join(in.Out, goBinaryName())
	args := []string{"build"}
	if h.LDFlags != "" {
		args = append(args, "-ldflags", h.LDFlags)
	}
	args = append(args, "-o", target, "./"+filepath.ToSlash(rel))

	if issues := runBuild(ctx, module, os.Environ(), h.Command, args...); issues != nil {
		return buildFailed(issues...)
	}

	return BuildResult{Type: BuildSuccess, Handler: goBinaryName()}
}

func (h *GoHandler) StartWorker(_ context.Context, in WorkerInput) error {
	return h.table.spawn(in, ProcessConfig{
		Name: filepath.Join(in.Out, in.Handler),
		Dir:  in.Out,
	})
}

func (h *GoHandler) StopWorker(ctx context.Context, workerID string) error {
	return h.table.stop(ctx, workerID)
}

func goBinaryName() string {
	if goruntime.GOOS == "windows" {
		return "bootstrap.exe"
	}
	return "bootstrap"
}
