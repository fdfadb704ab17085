// Package realtime serves the websocket streams of the dev console: the
// observer stream of invocations and the state stream of JSON patches.
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/watzon/tether/internal/jsoncodec"
)

// Message types.
const (
	MessageTypeInvocation    = "invocation"
	MessageTypeCLIDev        = "cli.dev"
	MessageTypeLogCleared    = "log.cleared"
	MessageTypeStateSnapshot = "state.snapshot"
	MessageTypeStatePatches  = "state.patches"
)

// ClearAll is the log.cleared source that clears every function.
const ClearAll = "all"

// Message is the envelope of every websocket frame.
type Message struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// NewMessage encodes properties into a message of type t.
func NewMessage(t string, properties any) (Message, error) {
	raw, err := jsoncodec.Marshal(properties)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s: %w", t, err)
	}
	return Message{Type: t, Properties: raw}, nil
}

// DevProperties is the payload of cli.dev.
type DevProperties struct {
	App    string `json:"app"`
	Stage  string `json:"stage"`
	Region string `json:"region"`
}

// LogClearedProperties is the payload of log.cleared.
type LogClearedProperties struct {
	Source string `json:"source"`
}

// Invocation is one request as shown to observers.
type Invocation struct {
	ID     string            `json:"id"`
	Source string            `json:"source"`
	Cold   bool              `json:"cold"`
	Input  json.RawMessage   `json:"input"`
	Output json.RawMessage   `json:"output,omitempty"`
	Errors []InvocationError `json:"errors"`
	Report *Report           `json:"report,omitempty"`
	Start  int64             `json:"start"`
	End    int64             `json:"end,omitempty"`
	Logs   []LogLine         `json:"logs"`
}

// InvocationError is an error raised by the handler, as shown to observers.
type InvocationError struct {
	ID      string       `json:"id"`
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Stack   []StackFrame `json:"stack"`
}

// StackFrame is one line of a stack trace.
type StackFrame struct {
	Raw string `json:"raw"`
}

// Report summarizes a finished invocation. Durations are milliseconds.
type Report struct {
	Duration int64  `json:"duration"`
	Size     int    `json:"size"`
	Memory   int    `json:"memory"`
	XRay     string `json:"xray"`
}

// LogLine is worker output captured during an invocation.
type LogLine struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Finish sets the end time and report of inv.
func (inv *Invocation) Finish(end int64) {
	inv.End = end
	inv.Report = &Report{Duration: end - inv.Start}
}
