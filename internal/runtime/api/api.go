// Package api emulates the AWS Lambda Runtime API for local worker
// processes. Every route is prefixed with the worker ID, which is how a
// process started with AWS_LAMBDA_RUNTIME_API=host:port/<workerID> reaches
// its own queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/events"
	"github.com/watzon/tether/internal/jsoncodec"
	"github.com/watzon/tether/internal/server/handlers"
)

// Runtime API headers.
const (
	HeaderRequestID       = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadline        = "Lambda-Runtime-Deadline-Ms"
	HeaderFunctionARN     = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderClientContext   = "Lambda-Runtime-Client-Context"
	HeaderCognitoIdentity = "Lambda-Runtime-Cognito-Identity"
	HeaderTraceID         = "Lambda-Runtime-Trace-Id"
	HeaderErrorType       = "Lambda-Runtime-Function-Error-Type"
)

const (
	version = "2018-06-01"

	// maxPayloadBytes matches the synchronous invocation limit.
	maxPayloadBytes = 6 * 1024 * 1024

	defaultDeadline = 15 * time.Minute
)

// ErrUnknownWorker is returned when enqueuing for a worker that was never
// registered or has been dropped.
var ErrUnknownWorker = errors.New("unknown worker")

// Invocation is an event queued for, or being handled by, a worker.
type Invocation struct {
	RequestID  string
	FunctionID string

	// Deadline is a Unix timestamp in milliseconds.
	Deadline int64
	Event    json.RawMessage

	// Context is the cloud-side invocation context.
	Context json.RawMessage
}

// invocationContext is the subset of the cloud context forwarded as headers.
type invocationContext struct {
	InvokedFunctionArn string          `json:"invokedFunctionArn"`
	Identity           json.RawMessage `json:"identity"`
	ClientContext      json.RawMessage `json:"clientContext"`
	TraceID            string          `json:"traceID"`
}

type worker struct {
	id         string
	functionID string
	pending    []Invocation
	inflight   map[string]Invocation
	current    string
	signal     chan struct{}
	gone       chan struct{}
}

// Server is the Runtime API emulator.
type Server struct {
	bus *events.Bus

	mu      sync.Mutex
	workers map[string]*worker

	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener
}

// New creates an emulator that publishes worker activity on bus.
func New(bus *events.Bus) *Server {
	s := &Server{
		bus:     bus,
		workers: make(map[string]*worker),
		mux:     http.NewServeMux(),
	}

	prefix := "/{worker}/" + version + "/runtime"
	s.mux.HandleFunc("GET "+prefix+"/invocation/next", s.next)
	s.mux.HandleFunc("POST "+prefix+"/invocation/{request}/response", s.response)
	s.mux.HandleFunc("POST "+prefix+"/invocation/{request}/error", s.invocationError)
	s.mux.HandleFunc("POST "+prefix+"/init/error", s.initError)

	return s
}

// Handler returns the emulator's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Listen binds addr. Port 0 picks a free port; Addr reports the result.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Addr returns the bound host:port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve handles requests until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("runtime api: Listen not called")
	}

	log.Info().Str("address", s.Addr()).Msg("Runtime API listening")

	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("runtime api: %w", err)
	}
	return nil
}

// Shutdown releases every waiting worker and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, w := range s.workers {
		close(w.gone)
		delete(s.workers, id)
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Register creates the queue of a worker. Registering twice is a no-op.
func (s *Server) Register(workerID, functionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[workerID]; ok {
		return
	}
	s.workers[workerID] = &worker{
		id:         workerID,
		functionID: functionID,
		inflight:   make(map[string]Invocation),
		signal:     make(chan struct{}, 1),
		gone:       make(chan struct{}),
	}
}

// Enqueue hands inv to the worker's next poll.
func (s *Server) Enqueue(workerID string, inv Invocation) error {
	s.mu.Lock()
	w, ok := s.workers[workerID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if inv.FunctionID == "" {
		inv.FunctionID = w.functionID
	}
	w.pending = append(w.pending, inv)
	s.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	return nil
}

// Current returns the request the worker is handling, or "".
func (s *Server) Current(workerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.workers[workerID]; ok {
		return w.current
	}
	return ""
}

// Drop removes a worker and returns every invocation it had not finished,
// in-flight first. Pollers waiting on the worker are released.
func (s *Server) Drop(workerID string) []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil
	}
	delete(s.workers, workerID)
	close(w.gone)

	return w.drain()
}

func (w *worker) drain() []Invocation {
	out := make([]Invocation, 0, len(w.inflight)+len(w.pending))
	if inv, ok := w.inflight[w.current]; ok {
		out = append(out, inv)
		delete(w.inflight, w.current)
	}
	for _, inv := range w.inflight {
		out = append(out, inv)
	}
	out = append(out, w.pending...)

	w.inflight = make(map[string]Invocation)
	w.pending = nil
	w.current = ""
	return out
}

func (s *Server) lookup(r *http.Request) (*worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[r.PathValue("worker")]
	return w, ok
}

// take pops the next pending invocation and marks it in flight.
func (s *Server) take(w *worker) (Invocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(w.pending) == 0 {
		return Invocation{}, false
	}
	inv := w.pending[0]
	w.pending = w.pending[1:]
	w.inflight[inv.RequestID] = inv
	w.current = inv.RequestID
	return inv, true
}

// requeue puts an invocation that never reached the process back at the
// front of the queue. It does nothing once the worker has been dropped.
func (s *Server) requeue(w *worker, inv Invocation) {
	s.mu.Lock()
	if _, ok := w.inflight[inv.RequestID]; !ok || s.workers[w.id] != w {
		s.mu.Unlock()
		return
	}
	delete(w.inflight, inv.RequestID)
	if w.current == inv.RequestID {
		w.current = ""
	}
	w.pending = append([]Invocation{inv}, w.pending...)
	s.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// finish removes a request from the worker's in-flight set.
func (s *Server) finish(w *worker, requestID string) (Invocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := w.inflight[requestID]
	if !ok {
		return Invocation{}, false
	}
	delete(w.inflight, requestID)
	if w.current == requestID {
		w.current = ""
	}
	return inv, true
}

func (s *Server) next(rw http.ResponseWriter, r *http.Request) {
	w, ok := s.lookup(r)
	if !ok {
		handlers.NotFound(rw, "unknown worker")
		return
	}

	for {
		if r.Context().Err() != nil {
			return
		}
		if inv, ok := s.take(w); ok {
			s.deliver(rw, w, inv)
			return
		}

		select {
		case <-w.signal:
		case <-w.gone:
			handlers.Gone(rw, "worker stopped")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) deliver(rw http.ResponseWriter, w *worker, inv Invocation) {
	deadline := inv.Deadline
	if deadline <= 0 {
		deadline = time.Now().Add(defaultDeadline).UnixMilli()
	}

	var ictx invocationContext
	if len(inv.Context) > 0 {
		if err := jsoncodec.Unmarshal(inv.Context, &ictx); err != nil {
			log.Debug().Err(err).Str("request", inv.RequestID).Msg("Ignoring malformed invocation context")
		}
	}

	h := rw.Header()
	h.Set("Content-Type", "application/json")
	h.Set(HeaderRequestID, inv.RequestID)
	h.Set(HeaderDeadline, strconv.FormatInt(deadline, 10))
	if ictx.InvokedFunctionArn != "" {
		h.Set(HeaderFunctionARN, ictx.InvokedFunctionArn)
	}
	if isPresent(ictx.ClientContext) {
		h.Set(HeaderClientContext, string(ictx.ClientContext))
	}
	if isPresent(ictx.Identity) {
		h.Set(HeaderCognitoIdentity, string(ictx.Identity))
	}
	if ictx.TraceID != "" {
		h.Set(HeaderTraceID, ictx.TraceID)
	}

	body := []byte(inv.Event)
	if len(body) == 0 {
		body = []byte("{}")
	}
	rw.WriteHeader(http.StatusOK)
	_, err := rw.Write(body)
	if err == nil {
		if ferr := http.NewResponseController(rw).Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
			err = ferr
		}
	}
	if err != nil {
		log.Debug().Err(err).Str("worker", w.id).Str("request", inv.RequestID).Msg("Failed to deliver invocation, requeueing")
		s.requeue(w, inv)
		return
	}

	s.bus.Publish(events.TypeFunctionAck, events.AckProperties{
		WorkerID:   w.id,
		RequestID:  inv.RequestID,
		FunctionID: inv.FunctionID,
	})
}

func (s *Server) response(rw http.ResponseWriter, r *http.Request) {
	w, ok := s.lookup(r)
	if !ok {
		handlers.NotFound(rw, "unknown worker")
		return
	}

	body, err := readPayload(r)
	if err != nil {
		handlers.Error(rw, http.StatusRequestEntityTooLarge, "RequestEntityTooLarge", err.Error())
		return
	}

	inv, ok := s.finish(w, r.PathValue("request"))
	if !ok {
		handlers.BadRequest(rw, "invalid request id")
		return
	}

	s.bus.Publish(events.TypeFunctionSuccess, events.SuccessProperties{
		WorkerID:   w.id,
		RequestID:  inv.RequestID,
		FunctionID: inv.FunctionID,
		Body:       asJSON(body),
	})

	handlers.JSON(rw, http.StatusAccepted, map[string]string{"status": "OK"})
}

func (s *Server) invocationError(rw http.ResponseWriter, r *http.Request) {
	w, ok := s.lookup(r)
	if !ok {
		handlers.NotFound(rw, "unknown worker")
		return
	}

	body, err := readPayload(r)
	if err != nil {
		handlers.Error(rw, http.StatusRequestEntityTooLarge, "RequestEntityTooLarge", err.Error())
		return
	}

	inv, ok := s.finish(w, r.PathValue("request"))
	if !ok {
		handlers.BadRequest(rw, "invalid request id")
		return
	}

	s.publishError(w.id, inv, parseError(r, body))
	handlers.JSON(rw, http.StatusAccepted, map[string]string{"status": "OK"})
}

func (s *Server) initError(rw http.ResponseWriter, r *http.Request) {
	w, ok := s.lookup(r)
	if !ok {
		handlers.NotFound(rw, "unknown worker")
		return
	}

	body, err := readPayload(r)
	if err != nil {
		handlers.Error(rw, http.StatusRequestEntityTooLarge, "RequestEntityTooLarge", err.Error())
		return
	}
	failure := parseError(r, body)

	s.mu.Lock()
	failed := w.drain()
	s.mu.Unlock()

	log.Warn().
		Str("worker", w.id).
		Str("function", w.functionID).
		Str("error", failure.ErrorMessage).
		Msg("Worker failed to initialize")

	for _, inv := range failed {
		s.publishError(w.id, inv, failure)
	}

	handlers.JSON(rw, http.StatusAccepted, map[string]string{"status": "OK"})
}

func (s *Server) publishError(workerID string, inv Invocation, failure events.ErrorProperties) {
	failure.WorkerID = workerID
	failure.RequestID = inv.RequestID
	failure.FunctionID = inv.FunctionID
	s.bus.Publish(events.TypeFunctionError, failure)
}

type errorBody struct {
	ErrorType    string   `json:"errorType"`
	ErrorMessage string   `json:"errorMessage"`
	Trace        []string `json:"trace"`
	StackTrace   []string `json:"stackTrace"`
}

func parseError(r *http.Request, body []byte) events.ErrorProperties {
	var eb errorBody
	if err := jsoncodec.Unmarshal(body, &eb); err != nil {
		eb = errorBody{ErrorMessage: string(body)}
	}

	out := events.ErrorProperties{
		ErrorType:    eb.ErrorType,
		ErrorMessage: eb.ErrorMessage,
		Trace:        eb.Trace,
	}
	if len(out.Trace) == 0 {
		out.Trace = eb.StackTrace
	}
	if out.ErrorType == "" {
		out.ErrorType = r.Header.Get(HeaderErrorType)
	}
	if out.ErrorType == "" {
		out.ErrorType = "Unhandled"
	}
	if out.Trace == nil {
		out.Trace = []string{}
	}
	return out
}

func readPayload(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if len(body) > maxPayloadBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", maxPayloadBytes)
	}
	return body, nil
}

// asJSON returns body when it is a JSON document and a JSON string of it
// otherwise.
func asJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	if jsoncodec.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := jsoncodec.Marshal(string(body))
	if err != nil {
		return json.RawMessage("null")
	}
	return quoted
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
