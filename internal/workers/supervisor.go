// Package workers owns the local worker processes of a dev session. It
// routes every invocation received from the cloud to the process for its
// WorkerID, building the function and starting the process on first use.
package workers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/events"
	"github.com/watzon/tether/internal/metrics"
	"github.com/watzon/tether/internal/project"
	"github.com/watzon/tether/internal/runtime"
	"github.com/watzon/tether/internal/runtime/api"
)

// Error types reported in function.error when the supervisor fails an
// invocation itself.
const (
	ErrorTypeWorkerExited      = "WorkerExited"
	ErrorTypeBuildFailed       = "BuildFailed"
	ErrorTypeFunctionNotFound  = "FunctionNotFound"
	ErrorTypeWorkerStartFailed = "WorkerStartFailed"
)

// State is the lifecycle stage of a worker.
type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateKilled   State = "killed"
)

// Phases reported through Config.Phase.
const (
	PhaseBuilding = "building"
	PhaseStarting = "starting"
)

func (s State) terminal() bool {
	return s == StateExited || s == StateKilled
}

// Emulator is the Runtime API the worker processes poll.
type Emulator interface {
	Register(workerID, functionID string)
	Enqueue(workerID string, inv api.Invocation) error
	Drop(workerID string) []api.Invocation
	Current(workerID string) string
	Addr() string
}

// Catalog resolves function IDs to their descriptor entries.
type Catalog interface {
	Get(id string) (project.Function, error)
	List() []project.Function
}

// Config wires a Supervisor.
type Config struct {
	Bus       *events.Bus
	Functions Catalog
	Runtimes  *runtime.Registry
	API       Emulator

	// BuildDir receives one artifact directory per function.
	BuildDir string

	// Phase, when set, is called as a function starts building and as a
	// worker starts spawning.
	Phase func(functionID, phase string)
}

type worker struct {
	id         string
	functionID string
	runtime    string
	handler    runtime.Handler
	state      State
	queue      []events.InvokedProperties
	signal     chan struct{}
	done       chan struct{}
}

// Supervisor starts, tracks and stops worker processes.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	workers map[string]*worker
	builds  map[string]runtime.BuildResult
	locks   map[string]*sync.Mutex

	sub    *events.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. Call Start to begin handling invocations.
func New(cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		workers: make(map[string]*worker),
		builds:  make(map[string]runtime.BuildResult),
		locks:   make(map[string]*sync.Mutex),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to function.invoked.
func (s *Supervisor) Start() {
	s.sub = events.On(s.cfg.Bus, events.TypeFunctionInvoked, s.invoked)
}

// State returns the state of a worker, or "" when it is unknown.
func (s *Supervisor) State(workerID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[workerID]; ok {
		return w.state
	}
	return ""
}

// invoked queues an invocation on its worker, creating the worker when
// needed. It never blocks on I/O.
func (s *Supervisor) invoked(props events.InvokedProperties) {
	if props.WorkerID == "" {
		log.Warn().Str("request", props.RequestID).Msg("Dropping invocation without worker id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	w, ok := s.workers[props.WorkerID]
	if !ok || w.state.terminal() {
		w = &worker{
			id:         props.WorkerID,
			functionID: props.FunctionID,
			state:      StateSpawning,
			signal:     make(chan struct{}, 1),
			done:       make(chan struct{}),
		}
		s.workers[props.WorkerID] = w
		s.wg.Add(1)
		go s.run(w)
	}

	w.queue = append(w.queue, props)
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// run processes a worker's invocations in arrival order.
func (s *Supervisor) run(w *worker) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		var (
			props events.InvokedProperties
			ok    bool
		)
		if len(w.queue) > 0 && !w.state.terminal() {
			props, w.queue, ok = w.queue[0], w.queue[1:], true
		}
		s.mu.Unlock()

		if ok {
			s.dispatch(w, props)
			continue
		}

		select {
		case <-w.signal:
		case <-w.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) dispatch(w *worker, props events.InvokedProperties) {
	fn, err := s.cfg.Functions.Get(props.FunctionID)
	if err != nil {
		s.fail(props, ErrorTypeFunctionNotFound, err.Error())
		return
	}

	result, out := s.ensureBuilt(fn)
	if !result.OK() {
		s.fail(props, ErrorTypeBuildFailed, strings.Join(result.Errors, "\n"))
		return
	}

	s.mu.Lock()
	state := w.state
	s.mu.Unlock()

	switch {
	case state.terminal():
		s.fail(props, ErrorTypeWorkerExited, "worker stopped before the invocation was delivered")
		return
	case state == StateSpawning:
		if err := s.spawn(w, fn, result, out, props.Env); err != nil {
			s.fail(props, ErrorTypeWorkerStartFailed, err.Error())
			return
		}
	}

	err = s.cfg.API.Enqueue(w.id, api.Invocation{
		RequestID:  props.RequestID,
		FunctionID: props.FunctionID,
		Deadline:   props.Deadline,
		Event:      props.Event,
		Context:    props.Context,
	})
	if err != nil {
		s.fail(props, ErrorTypeWorkerExited, err.Error())
	}
}

func (s *Supervisor) spawn(w *worker, fn project.Function, build runtime.BuildResult, out string, cloudEnv map[string]string) error {
	handler, err := s.cfg.Runtimes.For(fn.Runtime)
	if err != nil {
		s.abort(w, err.Error())
		return err
	}

	env := make(map[string]string, len(fn.Environment)+len(cloudEnv))
	for k, v := range fn.Environment {
		env[k] = v
	}
	for k, v := range cloudEnv {
		env[k] = v
	}
	fn.Environment = env

	s.mu.Lock()
	w.handler = handler
	w.runtime = fn.Runtime
	s.mu.Unlock()

	s.cfg.API.Register(w.id, fn.ID)
	s.phase(fn.ID, PhaseStarting)

	err = handler.StartWorker(s.ctx, runtime.WorkerInput{
		WorkerID:   w.id,
		Function:   fn,
		Handler:    build.Handler,
		Out:        out,
		RuntimeAPI: s.cfg.API.Addr(),
		Sink:       &sink{supervisor: s, worker: w},
	})
	if err != nil {
		s.abort(w, err.Error())
		return fmt.Errorf("starting worker: %w", err)
	}

	s.mu.Lock()
	running := w.state == StateSpawning
	if running {
		w.state = StateRunning
	}
	s.mu.Unlock()
	if !running {
		// Stopped while StartWorker was still running: the process exists
		// now even though the earlier StopWorker found nothing to kill.
		if err := handler.StopWorker(s.ctx, w.id); err != nil {
			log.Warn().Err(err).Str("worker", w.id).Msg("Failed to stop worker")
		}
		return errors.New("worker exited during startup")
	}

	metrics.WorkerStarted(fn.Runtime)
	log.Info().
		Str("worker", w.id).
		Str("function", fn.ID).
		Str("runtime", fn.Runtime).
		Msg("Worker started")

	s.cfg.Bus.Publish(events.TypeWorkerStarted, events.WorkerProperties{
		WorkerID:   w.id,
		FunctionID: fn.ID,
		Runtime:    fn.Runtime,
	})
	return nil
}

// ensureBuilt returns the cached build of fn, building it first if needed.
func (s *Supervisor) ensureBuilt(fn project.Function) (runtime.BuildResult, string) {
	lock := s.buildLock(fn.ID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	result, ok := s.builds[fn.ID]
	s.mu.Unlock()
	if ok && result.OK() {
		return result, s.artifactDir(fn.ID)
	}

	return s.build(fn), s.artifactDir(fn.ID)
}

// build runs the build and publishes its outcome. Callers hold the
// function's build lock.
func (s *Supervisor) build(fn project.Function) runtime.BuildResult {
	log.Info().Str("function", fn.ID).Str("runtime", fn.Runtime).Msg("Building function")
	s.phase(fn.ID, PhaseBuilding)

	result := s.cfg.Runtimes.Build(s.ctx, runtime.BuildInput{
		Function: fn,
		Out:      s.artifactDir(fn.ID),
	})

	s.mu.Lock()
	s.builds[fn.ID] = result
	s.mu.Unlock()

	if result.OK() {
		log.Info().Str("function", fn.ID).Msg("Build succeeded")
		s.cfg.Bus.Publish(events.TypeBuildSuccess, events.BuildProperties{FunctionID: fn.ID})
	} else {
		log.Error().Str("function", fn.ID).Strs("errors", result.Errors).Msg("Build failed")
		s.cfg.Bus.Publish(events.TypeBuildFailed, events.BuildProperties{
			FunctionID: fn.ID,
			Errors:     result.Errors,
		})
	}
	return result
}

func (s *Supervisor) phase(functionID, phase string) {
	if s.cfg.Phase != nil {
		s.cfg.Phase(functionID, phase)
	}
}

func (s *Supervisor) buildLock(functionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[functionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[functionID] = lock
	}
	return lock
}

func (s *Supervisor) artifactDir(functionID string) string {
	dir, err := filepath.Abs(filepath.Join(s.cfg.BuildDir, functionID))
	if err != nil {
		return filepath.Join(s.cfg.BuildDir, functionID)
	}
	return dir
}

// Rebuild rebuilds every function that owns file and stops its workers.
// The next invocation starts a fresh worker from the new build.
func (s *Supervisor) Rebuild(file string) {
	for _, fn := range s.cfg.Functions.List() {
		if !s.cfg.Runtimes.ShouldBuild(fn.ID, file) {
			continue
		}

		log.Debug().Str("file", file).Str("function", fn.ID).Msg("Source changed")

		lock := s.buildLock(fn.ID)
		lock.Lock()
		s.build(fn)
		lock.Unlock()

		for _, id := range s.workersOf(fn.ID) {
			if err := s.Stop(s.ctx, id); err != nil {
				log.Warn().Err(err).Str("worker", id).Msg("Failed to stop worker")
			}
		}
	}
}

func (s *Supervisor) workersOf(functionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, w := range s.workers {
		if w.functionID == functionID && !w.state.terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stop kills a worker. Invocations it had not finished fail immediately.
// Stopping an unknown or already stopped worker is a no-op.
func (s *Supervisor) Stop(ctx context.Context, workerID string) error {
	s.mu.Lock()
	w, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	handler, started, ok := s.terminate(w, StateKilled)
	if !ok {
		return nil
	}

	var err error
	if handler != nil {
		err = handler.StopWorker(ctx, workerID)
	}
	s.release(w, started, 0, "worker stopped")
	return err
}

// Shutdown stops every worker and waits for the dispatch goroutines.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.sub.Unsubscribe()

	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// terminate moves w into a terminal state. It reports the handler that
// started the process, whether a process was started, and false when w was
// already terminal.
func (s *Supervisor) terminate(w *worker, state State) (runtime.Handler, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.state.terminal() {
		return nil, false, false
	}
	started := w.state == StateRunning
	w.state = state
	if s.workers[w.id] == w {
		delete(s.workers, w.id)
	}
	close(w.done)
	return w.handler, started, true
}

// release publishes worker.exited and fails every invocation the worker
// still owned, both those delivered to the process and those waiting in the
// supervisor's queue.
func (s *Supervisor) release(w *worker, started bool, code int, reason string) {
	s.mu.Lock()
	queued := w.queue
	w.queue = nil
	runtimeName := w.runtime
	s.mu.Unlock()

	unfinished := s.cfg.API.Drop(w.id)

	if started {
		metrics.WorkerStopped(runtimeName)
	}

	log.Info().
		Str("worker", w.id).
		Str("function", w.functionID).
		Int("code", code).
		Int("failed", len(unfinished)+len(queued)).
		Msg("Worker exited")

	s.cfg.Bus.Publish(events.TypeWorkerExited, events.WorkerProperties{
		WorkerID:   w.id,
		FunctionID: w.functionID,
		Runtime:    runtimeName,
		ExitCode:   code,
	})

	message := fmt.Sprintf("%s before responding", reason)
	for _, inv := range unfinished {
		s.cfg.Bus.Publish(events.TypeFunctionError, events.ErrorProperties{
			WorkerID:     w.id,
			RequestID:    inv.RequestID,
			FunctionID:   inv.FunctionID,
			ErrorType:    ErrorTypeWorkerExited,
			ErrorMessage: message,
			Trace:        []string{},
		})
	}
	for _, props := range queued {
		s.fail(props, ErrorTypeWorkerExited, message)
	}
}

// abort ends a worker that never started.
func (s *Supervisor) abort(w *worker, reason string) {
	if _, _, ok := s.terminate(w, StateExited); ok {
		s.release(w, false, -1, reason)
	}
}

func (s *Supervisor) fail(props events.InvokedProperties, errorType, message string) {
	s.cfg.Bus.Publish(events.TypeFunctionError, events.ErrorProperties{
		WorkerID:     props.WorkerID,
		RequestID:    props.RequestID,
		FunctionID:   props.FunctionID,
		ErrorType:    errorType,
		ErrorMessage: message,
		Trace:        []string{},
	})
}

// sink receives the output of one worker process. It is bound to the worker
// instance, so a late callback from a replaced process cannot touch the
// worker that reused its ID.
type sink struct {
	supervisor *Supervisor
	worker     *worker
}

func (k *sink) Stdout(workerID, line string) {
	s := k.supervisor

	s.mu.Lock()
	dead := k.worker.state.terminal()
	functionID := k.worker.functionID
	s.mu.Unlock()
	if dead {
		return
	}

	s.cfg.Bus.Publish(events.TypeWorkerStdout, events.StdoutProperties{
		WorkerID:   workerID,
		FunctionID: functionID,
		RequestID:  s.cfg.API.Current(workerID),
		Message:    line,
	})
}

func (k *sink) Exited(_ string, code int) {
	s := k.supervisor
	_, started, ok := s.terminate(k.worker, StateExited)
	if !ok {
		return
	}
	s.release(k.worker, started, code, fmt.Sprintf("worker exited with code %d", code))
}
