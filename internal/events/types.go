package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/watzon/tether/internal/jsoncodec"
)

// Type is the closed vocabulary of event kinds carried on the bus and over
// the transport.
type Type string

const (
	// TypeFunctionInvoked is a cloud invocation that must run locally.
	TypeFunctionInvoked Type = "function.invoked"
	// TypeFunctionAck is sent once a local worker has picked up an invocation.
	TypeFunctionAck Type = "function.ack"
	// TypeFunctionSuccess carries the handler's response body.
	TypeFunctionSuccess Type = "function.success"
	// TypeFunctionError carries the handler's error.
	TypeFunctionError Type = "function.error"
	// TypeBuildSuccess is published after a function builds cleanly.
	TypeBuildSuccess Type = "function.build.success"
	// TypeBuildFailed is published when a build produced errors.
	TypeBuildFailed Type = "function.build.failed"
	// TypeWorkerStarted is published when a local process is spawned.
	TypeWorkerStarted Type = "worker.started"
	// TypeWorkerStdout carries one line of process output.
	TypeWorkerStdout Type = "worker.stdout"
	// TypeWorkerExited is published when a local process terminates.
	TypeWorkerExited Type = "worker.exited"
	// TypeLocalPatches carries a batch of JSON patches against the state store.
	TypeLocalPatches Type = "local.patches"
	// TypePointer replaces an oversized event with an object store reference.
	TypePointer Type = "pointer"
)

// ErrUnknownEventType is returned when decoding an event outside the vocabulary.
var ErrUnknownEventType = errors.New("unknown event type")

// Valid reports whether t belongs to the vocabulary.
func (t Type) Valid() bool {
	_, ok := decoders[t]
	return ok
}

// InvokedProperties is the payload of function.invoked.
type InvokedProperties struct {
	WorkerID   string            `json:"workerID"`
	RequestID  string            `json:"requestID"`
	FunctionID string            `json:"functionID"`
	Deadline   int64             `json:"deadline"`
	Event      json.RawMessage   `json:"event"`
	Context    json.RawMessage   `json:"context"`
	Env        map[string]string `json:"env"`
}

// AckProperties is the payload of function.ack.
type AckProperties struct {
	WorkerID   string `json:"workerID"`
	RequestID  string `json:"requestID"`
	FunctionID string `json:"functionID"`
}

// SuccessProperties is the payload of function.success.
type SuccessProperties struct {
	WorkerID   string          `json:"workerID"`
	RequestID  string          `json:"requestID"`
	FunctionID string          `json:"functionID"`
	Body       json.RawMessage `json:"body"`
}

// ErrorProperties is the payload of function.error.
type ErrorProperties struct {
	WorkerID     string   `json:"workerID"`
	RequestID    string   `json:"requestID"`
	FunctionID   string   `json:"functionID"`
	ErrorType    string   `json:"errorType"`
	ErrorMessage string   `json:"errorMessage"`
	Trace        []string `json:"trace"`
}

// BuildProperties is the payload of function.build.success and
// function.build.failed.
type BuildProperties struct {
	FunctionID string   `json:"functionID"`
	Errors     []string `json:"errors,omitempty"`
}

// WorkerProperties is the payload of worker.started and worker.exited.
type WorkerProperties struct {
	WorkerID   string `json:"workerID"`
	FunctionID string `json:"functionID"`
	Runtime    string `json:"runtime,omitempty"`
	ExitCode   int    `json:"exitCode,omitempty"`
}

// StdoutProperties is the payload of worker.stdout.
type StdoutProperties struct {
	WorkerID   string `json:"workerID"`
	FunctionID string `json:"functionID"`
	RequestID  string `json:"requestID"`
	Message    string `json:"message"`
}

// PointerProperties is the payload of pointer.
type PointerProperties struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// PatchOperation is one RFC 6902 operation.
type PatchOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchesProperties is the payload of local.patches.
type PatchesProperties []PatchOperation

var decoders = map[Type]func(json.RawMessage) (any, error){
	TypeFunctionInvoked: decodeAs[InvokedProperties],
	TypeFunctionAck:     decodeAs[AckProperties],
	TypeFunctionSuccess: decodeAs[SuccessProperties],
	TypeFunctionError:   decodeAs[ErrorProperties],
	TypeBuildSuccess:    decodeAs[BuildProperties],
	TypeBuildFailed:     decodeAs[BuildProperties],
	TypeWorkerStarted:   decodeAs[WorkerProperties],
	TypeWorkerStdout:    decodeAs[StdoutProperties],
	TypeWorkerExited:    decodeAs[WorkerProperties],
	TypeLocalPatches:    decodeAs[PatchesProperties],
	TypePointer:         decodeAs[PointerProperties],
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := jsoncodec.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Event is a typed bus message. Properties holds the value type that
// matches Type (InvokedProperties for function.invoked, and so on).
type Event struct {
	Type       Type
	Properties any
}

type wireEvent struct {
	Type       Type            `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// MarshalJSON encodes the {type, properties} wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	props, err := jsoncodec.Marshal(e.Properties)
	if err != nil {
		return nil, fmt.Errorf("encoding %s properties: %w", e.Type, err)
	}
	return jsoncodec.Marshal(wireEvent{Type: e.Type, Properties: props})
}

// Decode parses a wire event into its typed form. Unknown types are rejected.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := jsoncodec.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	decode, ok := decoders[w.Type]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, w.Type)
	}
	props, err := decode(w.Properties)
	if err != nil {
		return Event{}, fmt.Errorf("decoding %s properties: %w", w.Type, err)
	}
	return Event{Type: w.Type, Properties: props}, nil
}

// WorkerID returns the worker an event is addressed to, if any.
func (e Event) WorkerID() string {
	switch p := e.Properties.(type) {
	case InvokedProperties:
		return p.WorkerID
	case AckProperties:
		return p.WorkerID
	case SuccessProperties:
		return p.WorkerID
	case ErrorProperties:
		return p.WorkerID
	case WorkerProperties:
		return p.WorkerID
	case StdoutProperties:
		return p.WorkerID
	}
	return ""
}

// RequestID returns the invocation an event belongs to, if any.
func (e Event) RequestID() string {
	switch p := e.Properties.(type) {
	case InvokedProperties:
		return p.RequestID
	case AckProperties:
		return p.RequestID
	case SuccessProperties:
		return p.RequestID
	case ErrorProperties:
		return p.RequestID
	case StdoutProperties:
		return p.RequestID
	}
	return ""
}
