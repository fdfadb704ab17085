package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/events"
	"github.com/watzon/tether/internal/fragment"
	"github.com/watzon/tether/internal/ids"
	"github.com/watzon/tether/internal/jsoncodec"
	"github.com/watzon/tether/internal/metrics"
	"github.com/watzon/tether/internal/transport"
)

// DefaultTimeout bounds the wait for the local side to pick up an invocation.
const DefaultTimeout = 5 * time.Second

// NoResponseMessage is returned to the caller when no local session answered.
const NoResponseMessage = "This function is in live development mode but did not get a response from your machine. " +
	"Make sure `tether dev` is running for this app and stage."

var ErrRelayClosed = errors.New("relay closed")

// InvokeRequest is one cloud invocation to tunnel.
type InvokeRequest struct {
	RequestID  string
	FunctionID string
	Deadline   time.Time
	Event      json.RawMessage
	Context    json.RawMessage
}

// Result is the outcome of a tunneled invocation. Degraded is set when the
// local side never acknowledged the invocation and Body holds the fallback
// HTTP-style response.
type Result struct {
	Body     json.RawMessage
	Degraded bool
}

// InvocationError is a handler failure reported by the local worker.
type InvocationError struct {
	Type    string
	Message string
	Trace   []string
}

func (e *InvocationError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// CloudConfig configures a CloudRelay.
type CloudConfig struct {
	Transport transport.Transport
	Topics    transport.Topics
	Offloader *Offloader

	// Timeout bounds the wait for an acknowledgement. Zero means DefaultTimeout.
	Timeout time.Duration

	// WorkerID identifies this container. Empty generates one.
	WorkerID string

	// Environ supplies the environment snapshot. Nil uses os.Environ.
	Environ func() []string
}

type pending struct {
	acked  chan struct{}
	result chan events.Event
	once   sync.Once
}

// CloudRelay runs inside the deployed function and forwards each invocation
// to the local side, then blocks until the result comes back.
type CloudRelay struct {
	cfg      CloudConfig
	sender   *Sender
	receiver *Receiver

	mu      sync.Mutex
	pending map[string]*pending
	started bool
	closed  bool
}

// NewCloudRelay creates a relay. Start must be called before Invoke.
func NewCloudRelay(cfg CloudConfig) *CloudRelay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = ids.WorkerID()
	}
	if cfg.Environ == nil {
		cfg.Environ = os.Environ
	}
	cfg.Topics.Separator = cfg.Transport.Separator

	return &CloudRelay{
		cfg:      cfg,
		sender:   NewSender(cfg.Transport.Publisher, cfg.Offloader),
		receiver: NewReceiver(fragment.NewDecoder(), cfg.Offloader),
		pending:  make(map[string]*pending),
	}
}

// WorkerID returns the identifier of this container.
func (r *CloudRelay) WorkerID() string {
	return r.cfg.WorkerID
}

// Start subscribes to the worker topic. Messages are consumed until ctx ends.
func (r *CloudRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	topic := r.cfg.Topics.Worker(r.cfg.WorkerID)
	messages, err := r.cfg.Transport.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	log.Debug().Str("topic", topic).Str("worker_id", r.cfg.WorkerID).Msg("Cloud relay listening")

	go func() {
		for msg := range messages {
			r.handle(ctx, msg.Payload)
			msg.Ack()
		}
		r.closeAll()
	}()
	return nil
}

func (r *CloudRelay) handle(ctx context.Context, payload []byte) {
	evt, complete, err := r.receiver.Receive(ctx, payload)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed message from local side")
		return
	}
	if !complete {
		return
	}
	if evt.WorkerID() != "" && evt.WorkerID() != r.cfg.WorkerID {
		return
	}

	p := r.match(evt.RequestID())
	if p == nil {
		log.Debug().Str("type", string(evt.Type)).Str("request_id", evt.RequestID()).Msg("No pending invocation for event")
		return
	}

	switch evt.Type {
	case events.TypeFunctionAck:
		p.once.Do(func() { close(p.acked) })
	case events.TypeFunctionSuccess, events.TypeFunctionError:
		select {
		case p.result <- evt:
		default:
		}
	}
}

// match finds the pending invocation for requestID. An empty requestID
// matches the only pending invocation, since a container runs one at a time.
func (r *CloudRelay) match(requestID string) *pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requestID != "" {
		return r.pending[requestID]
	}
	if len(r.pending) == 1 {
		for _, p := range r.pending {
			return p
		}
	}
	return nil
}

// Invoke publishes the invocation and waits for its result. When nothing
// acknowledges it within the configured timeout a degraded Result is returned
// instead of an error, so the caller still gets a response.
func (r *CloudRelay) Invoke(ctx context.Context, req InvokeRequest) (Result, error) {
	start := time.Now()

	if req.RequestID == "" {
		req.RequestID = ids.ULID()
	}
	if req.Deadline.IsZero() {
		if deadline, ok := ctx.Deadline(); ok {
			req.Deadline = deadline
		}
	}

	p := &pending{acked: make(chan struct{}), result: make(chan events.Event, 1)}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Result{}, ErrRelayClosed
	}
	r.pending[req.RequestID] = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.RequestID)
		r.mu.Unlock()
	}()

	evt := events.Event{Type: events.TypeFunctionInvoked, Properties: events.InvokedProperties{
		WorkerID:   r.cfg.WorkerID,
		RequestID:  req.RequestID,
		FunctionID: req.FunctionID,
		Deadline:   unixMilli(req.Deadline),
		Event:      orEmptyObject(req.Event),
		Context:    orEmptyObject(req.Context),
		Env:        SnapshotEnv(r.cfg.Environ()),
	}}
	if err := r.sender.Send(ctx, r.cfg.Topics.Events(), evt); err != nil {
		metrics.RecordRelayInvocation("publish_error", time.Since(start))
		return Result{}, err
	}

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	noResponse := timer.C
	acked := p.acked

	for {
		select {
		case <-acked:
			// The worker is running; only the function's own deadline applies now.
			acked = nil
			noResponse = nil
		case <-noResponse:
			metrics.RecordRelayInvocation("timeout", time.Since(start))
			log.Warn().Str("request_id", req.RequestID).Str("function_id", req.FunctionID).Msg("No response from local session")
			return degraded(), nil
		case evt, ok := <-p.result:
			if !ok {
				return Result{}, ErrRelayClosed
			}
			return r.complete(evt, start)
		case <-ctx.Done():
			metrics.RecordRelayInvocation("cancelled", time.Since(start))
			return Result{}, ctx.Err()
		}
	}
}

func (r *CloudRelay) complete(evt events.Event, start time.Time) (Result, error) {
	switch p := evt.Properties.(type) {
	case events.SuccessProperties:
		metrics.RecordRelayInvocation("success", time.Since(start))
		return Result{Body: p.Body}, nil
	case events.ErrorProperties:
		metrics.RecordRelayInvocation("error", time.Since(start))
		return Result{}, &InvocationError{Type: p.ErrorType, Message: p.ErrorMessage, Trace: p.Trace}
	}
	return Result{}, fmt.Errorf("unexpected result event %s", evt.Type)
}

// closeAll fails every pending invocation once the subscription ends.
func (r *CloudRelay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, p := range r.pending {
		close(p.result)
		delete(r.pending, id)
	}
}

func degraded() Result {
	body, _ := jsoncodec.Marshal(map[string]any{
		"statusCode": 500,
		"body":       NoResponseMessage,
	})
	return Result{Body: body, Degraded: true}
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
