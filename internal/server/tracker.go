package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/events"
	"github.com/watzon/tether/internal/ids"
	"github.com/watzon/tether/internal/realtime"
	"github.com/watzon/tether/internal/state"
	"github.com/watzon/tether/internal/workers"
)

// Tracker turns bus events into the two views the console reads: the
// observer history, pushed per invocation, and the diffed session state.
type Tracker struct {
	store     *state.Store
	observers *realtime.Observers
	now       func() time.Time

	mu sync.Mutex
	// served holds the workers that already received an invocation, so the
	// first invocation of each worker is reported as cold.
	served map[string]bool

	subs []*events.Subscription
}

// NewTracker creates a tracker feeding store and observers. It sees no events
// until Subscribe is called.
func NewTracker(store *state.Store, observers *realtime.Observers) *Tracker {
	return &Tracker{
		store:     store,
		observers: observers,
		now:       time.Now,
		served:    make(map[string]bool),
	}
}

// Subscribe attaches the tracker to bus.
func (t *Tracker) Subscribe(bus *events.Bus) {
	t.subs = append(t.subs,
		events.On(bus, events.TypeFunctionInvoked, t.invoked),
		events.On(bus, events.TypeWorkerStdout, t.stdout),
		events.On(bus, events.TypeFunctionSuccess, t.success),
		events.On(bus, events.TypeFunctionError, t.failure),
		events.On(bus, events.TypeBuildSuccess, t.built),
		events.On(bus, events.TypeBuildFailed, t.built),
		events.On(bus, events.TypeWorkerStarted, t.workerStarted),
		events.On(bus, events.TypeWorkerExited, t.workerExited),
	)
}

// Close detaches the tracker from the bus.
func (t *Tracker) Close() {
	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
	t.subs = nil
}

// Phase records a supervisor phase on the function state.
func (t *Tracker) Phase(functionID, phase string) {
	next := state.FunctionBuilding
	if phase == workers.PhaseStarting {
		next = state.FunctionStarting
	}
	t.update(functionID, func(f *state.FunctionState) { f.State = next })
}

func (t *Tracker) invoked(p events.InvokedProperties) {
	now := t.now().UnixMilli()

	t.mu.Lock()
	cold := !t.served[p.WorkerID]
	t.served[p.WorkerID] = true
	t.mu.Unlock()

	t.observers.Add(realtime.Invocation{
		ID:     p.RequestID,
		Source: p.FunctionID,
		Cold:   cold,
		Input:  p.Event,
		Start:  now,
	})
	t.update(p.FunctionID, func(f *state.FunctionState) {
		f.Push(state.Invocation{
			ID:      p.RequestID,
			Request: p.Event,
			Times:   state.Times{Start: now},
		})
	})
}

func (t *Tracker) stdout(p events.StdoutProperties) {
	now := t.now().UnixMilli()

	t.observers.Update(p.RequestID, func(inv *realtime.Invocation) {
		inv.Logs = append(inv.Logs, realtime.LogLine{ID: ids.ULID(), Timestamp: now, Message: p.Message})
	})
	t.update(p.FunctionID, func(f *state.FunctionState) {
		if inv := f.Find(p.RequestID); inv != nil {
			inv.Logs = append(inv.Logs, state.Log{Timestamp: now, Message: p.Message})
		}
	})
}

func (t *Tracker) success(p events.SuccessProperties) {
	now := t.now().UnixMilli()

	t.observers.Update(p.RequestID, func(inv *realtime.Invocation) {
		inv.Output = p.Body
		inv.Finish(now)
	})
	t.update(p.FunctionID, func(f *state.FunctionState) {
		inv := f.Find(p.RequestID)
		if inv == nil {
			return
		}
		inv.Response = &state.Response{Type: state.ResponseSuccess, Data: p.Body}
		inv.Times.End = now
	})
}

func (t *Tracker) failure(p events.ErrorProperties) {
	now := t.now().UnixMilli()
	trace := p.Trace
	if trace == nil {
		trace = []string{}
	}

	t.observers.Update(p.RequestID, func(inv *realtime.Invocation) {
		stack := make([]realtime.StackFrame, len(trace))
		for i, line := range trace {
			stack[i] = realtime.StackFrame{Raw: line}
		}
		inv.Errors = append(inv.Errors, realtime.InvocationError{
			ID:      inv.ID,
			Error:   p.ErrorType,
			Message: p.ErrorMessage,
			Stack:   stack,
		})
		inv.Finish(now)
	})
	t.update(p.FunctionID, func(f *state.FunctionState) {
		inv := f.Find(p.RequestID)
		if inv == nil {
			return
		}
		inv.Response = &state.Response{
			Type:  state.ResponseFailure,
			Error: &state.ResponseError{ErrorMessage: p.ErrorMessage, StackTrace: trace},
		}
		inv.Times.End = now
	})
}

func (t *Tracker) built(p events.BuildProperties) {
	t.update(p.FunctionID, func(f *state.FunctionState) {
		if len(p.Errors) == 0 {
			delete(f.Issues, "build")
		} else {
			if f.Issues == nil {
				f.Issues = map[string][]state.Issue{}
			}
			issues := make([]state.Issue, len(p.Errors))
			for i, msg := range p.Errors {
				issues[i] = state.Issue{Message: msg}
			}
			f.Issues["build"] = issues
		}
		if f.State == state.FunctionBuilding {
			f.State = state.FunctionIdle
		}
	})
}

func (t *Tracker) workerStarted(p events.WorkerProperties) {
	t.update(p.FunctionID, func(f *state.FunctionState) {
		f.State = state.FunctionRunning
		f.Warm = true
	})
}

func (t *Tracker) workerExited(p events.WorkerProperties) {
	t.mu.Lock()
	delete(t.served, p.WorkerID)
	t.mu.Unlock()

	t.update(p.FunctionID, func(f *state.FunctionState) {
		f.State = state.FunctionIdle
		f.Warm = false
	})
}

func (t *Tracker) update(functionID string, fn func(*state.FunctionState)) {
	if functionID == "" {
		return
	}
	if err := t.store.UpdateFunction(functionID, fn); err != nil {
		log.Error().Err(err).Str("function", functionID).Msg("Failed to update function state")
	}
}
