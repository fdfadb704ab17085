package state

import "encoding/json"

// Function lifecycle values of FunctionState.State.
const (
	FunctionIdle     = "idle"
	FunctionBuilding = "building"
	FunctionStarting = "starting"
	FunctionRunning  = "running"
)

// Response types of an invocation.
const (
	ResponseSuccess = "success"
	ResponseFailure = "failure"
)

// MaxInvocations is the number of invocations kept per function.
const MaxInvocations = 25

// State is the document streamed to state observers.
type State struct {
	App       string                    `json:"app"`
	Stage     string                    `json:"stage"`
	Live      bool                      `json:"live"`
	Stacks    Stacks                    `json:"stacks"`
	Functions map[string]*FunctionState `json:"functions"`
}

// Stacks reports deployment status. The store starts it as "idle".
type Stacks struct {
	Status string `json:"status"`
}

// FunctionState tracks one function across the session.
type FunctionState struct {
	Warm        bool               `json:"warm"`
	State       string             `json:"state"`
	Issues      map[string][]Issue `json:"issues"`
	Invocations []Invocation       `json:"invocations"`
}

// Issue is a build diagnostic.
type Issue struct {
	Message string `json:"message"`
}

// Invocation is one request as seen by the state stream, newest first in
// FunctionState.Invocations.
type Invocation struct {
	ID       string          `json:"id"`
	Request  json.RawMessage `json:"request"`
	Response *Response       `json:"response,omitempty"`
	Times    Times           `json:"times"`
	Logs     []Log           `json:"logs"`
}

// Response is the outcome of a finished invocation. Type is
// ResponseSuccess or ResponseFailure.
type Response struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ResponseError  `json:"error,omitempty"`
}

// ResponseError describes a failed invocation.
type ResponseError struct {
	ErrorMessage string   `json:"errorMessage"`
	StackTrace   []string `json:"stackTrace"`
}

// Times are Unix milliseconds. End is zero until the invocation completes.
type Times struct {
	Start int64 `json:"start"`
	End   int64 `json:"end,omitempty"`
}

// Log is one line of worker output attributed to an invocation.
type Log struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

func newFunctionState() *FunctionState {
	return &FunctionState{
		Warm:        true,
		State:       FunctionIdle,
		Issues:      map[string][]Issue{},
		Invocations: []Invocation{},
	}
}

// Find returns the invocation with the given ID.
func (f *FunctionState) Find(id string) *Invocation {
	for i := range f.Invocations {
		if f.Invocations[i].ID == id {
			return &f.Invocations[i]
		}
	}
	return nil
}

// Push adds inv as the newest invocation, dropping the oldest beyond
// MaxInvocations.
func (f *FunctionState) Push(inv Invocation) {
	if inv.Logs == nil {
		inv.Logs = []Log{}
	}
	f.Invocations = append([]Invocation{inv}, f.Invocations...)
	if len(f.Invocations) > MaxInvocations {
		f.Invocations = f.Invocations[:MaxInvocations]
	}
}
