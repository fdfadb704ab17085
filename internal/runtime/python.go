package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const pythonBootstrapName = "tether_bootstrap.py"

// PythonHandler runs python* functions with an embedded Runtime API client.
type PythonHandler struct {
	// Command is the interpreter executable.
	Command string
	table   *processTable
}

// NewPythonHandler creates a handler for python* runtimes.
func NewPythonHandler() *PythonHandler {
	return &PythonHandler{Command: "python3", table: newProcessTable()}
}

func (h *PythonHandler) CanHandle(runtime string) bool {
	return strings.HasPrefix(runtime, "python")
}

func (h *PythonHandler) ShouldBuild(functionID, changedFile string) bool {
	return h.table.shouldBuild(functionID, changedFile)
}

func (h *PythonHandler) Build(_ context.Context, in BuildInput) BuildResult {
	file, function, err := splitHandler(in.Function.Handler)
	if err != nil {
		return buildFailed(err.Error())
	}

	base := filepath.Join(in.Function.SrcPath, file)
	entry, ok := findFile(base, ".py")
	if !ok {
		return buildFailed(fmt.Sprintf("could not find handler file %s.py", base))
	}
	h.table.setSource(in.Function.ID, in.Function.SrcPath)

	if _, err := writeBootstrap(in.Out, pythonBootstrapName, pythonBootstrap); err != nil {
		return buildFailed(err.Error())
	}

	return BuildResult{Type: BuildSuccess, Handler: entry + "." + function}
}

func (h *PythonHandler) StartWorker(_ context.Context, in WorkerInput) error {
	file, function, err := splitHandler(in.Handler)
	if err != nil {
		return err
	}
	return h.table.spawn(in, ProcessConfig{
		Name: h.Command,
		Args: []string{"-u", filepath.Join(in.Out, pythonBootstrapName), file, function},
		Dir:  in.Function.SrcPath,
	})
}

func (h *PythonHandler) StopWorker(ctx context.Context, workerID string) error {
	return h.table.stop(ctx, workerID)
}
