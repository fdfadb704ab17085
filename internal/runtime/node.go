package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const nodeBootstrapName = "tether-bootstrap.mjs"

// NodeHandler runs nodejs* functions with an embedded Runtime API client.
// Sources are loaded as-is; no bundling happens.
type NodeHandler struct {
	// Command is the node executable.
	Command string
	table   *processTable
}

// NewNodeHandler creates a handler for nodejs* runtimes.
func NewNodeHandler() *NodeHandler {
	return &NodeHandler{Command: "node", table: newProcessTable()}
}

func (h *NodeHandler) CanHandle(runtime string) bool {
	return strings.HasPrefix(runtime, "nodejs")
}

func (h *NodeHandler) ShouldBuild(functionID, changedFile string) bool {
	return h.table.shouldBuild(functionID, changedFile)
}

func (h *NodeHandler) Build(_ context.Context, in BuildInput) BuildResult {
	file, export, err := splitHandler(in.Function.Handler)
	if err != nil {
		return buildFailed(err.Error())
	}

	base := filepath.Join(in.Function.SrcPath, file)
	entry, ok := findFile(base, ".js", ".mjs", ".cjs")
	if !ok {
		return buildFailed(fmt.Sprintf("could not find handler file %s.{js,mjs,cjs}", base))
	}
	h.table.setSource(in.Function.ID, in.Function.SrcPath)

	if _, err := writeBootstrap(in.Out, nodeBootstrapName, nodeBootstrap); err != nil {
		return buildFailed(err.Error())
	}

	return BuildResult{Type: BuildSuccess, Handler: entry + "." + export}
}

func (h *NodeHandler) StartWorker(_ context.Context, in WorkerInput) error {
	file, export, err := splitHandler(in.Handler)
	if err != nil {
		return err
	}
	return h.table.spawn(in, ProcessConfig{
		Name: h.Command,
		Args: []string{filepath.Join(in.Out, nodeBootstrapName), file, export},
		Dir:  in.Function.SrcPath,
	})
}

func (h *NodeHandler) StopWorker(ctx context.Context, workerID string) error {
	return h.table.stop(ctx, workerID)
}
