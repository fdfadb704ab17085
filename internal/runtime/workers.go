package runtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// processTable is the bookkeeping every handler keeps: where each function's
// sources live and which process serves each worker.
type processTable struct {
	mu        sync.Mutex
	sources   map[string]string
	processes map[string]*Process
}

func newProcessTable() *processTable {
	return &processTable{
		sources:   make(map[string]string),
		processes: make(map[string]*Process),
	}
}

func (t *processTable) setSource(functionID, root string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources[functionID] = root
}

func (t *processTable) shouldBuild(functionID, changedFile string) bool {
	t.mu.Lock()
	root, ok := t.sources[functionID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return IsChild(root, changedFile)
}

// spawn starts cfg for in and wires its output and exit to in.Sink.
func (t *processTable) spawn(in WorkerInput, cfg ProcessConfig) error {
	cfg.Env = WorkerEnv(in)
	cfg.Output = func(line string) {
		if in.Sink != nil {
			in.Sink.Stdout(in.WorkerID, line)
		}
	}
	var proc *Process
	registered := make(chan struct{})
	cfg.Exit = func(code int) {
		<-registered
		t.mu.Lock()
		if t.processes[in.WorkerID] == proc {
			delete(t.processes, in.WorkerID)
		}
		t.mu.Unlock()
		if in.Sink != nil {
			in.Sink.Exited(in.WorkerID, code)
		}
	}

	var err error
	proc, err = StartProcess(cfg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.processes[in.WorkerID] = proc
	t.mu.Unlock()
	close(registered)

	log.Debug().
		Str("worker", in.WorkerID).
		Str("function", in.Function.ID).
		Int("pid", proc.Pid()).
		Msg("Worker process started")

	return nil
}

func (t *processTable) stop(_ context.Context, workerID string) error {
	t.mu.Lock()
	proc, ok := t.processes[workerID]
	delete(t.processes, workerID)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return proc.Kill()
}
