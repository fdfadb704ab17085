package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	for _, name := range []string{"A", "B", "C"} {
		name := name
		bus.Subscribe(TypeWorkerStdout, func(Event) {
			order = append(order, name)
		})
	}

	bus.Publish(TypeWorkerStdout, StdoutProperties{Message: "hi"})

	require.Equal(t, []string{"A", "B", "C"}, order)
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	require.NotPanics(t, func() {
		bus.Publish(TypeFunctionAck, AckProperties{WorkerID: "w1"})
	})
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()

	calls := 0
	sub := bus.Subscribe(TypeFunctionAck, func(Event) { calls++ })

	bus.Publish(TypeFunctionAck, AckProperties{})
	sub.Unsubscribe()
	sub.Unsubscribe()
	bus.Publish(TypeFunctionAck, AckProperties{})

	require.Equal(t, 1, calls)
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus()

	var order []string
	var second *Subscription
	bus.Subscribe(TypeFunctionAck, func(Event) {
		order = append(order, "first")
		second.Unsubscribe()
	})
	second = bus.Subscribe(TypeFunctionAck, func(Event) {
		order = append(order, "second")
	})

	// The in-flight publish still sees the snapshot it started with.
	bus.Publish(TypeFunctionAck, AckProperties{})
	require.Equal(t, []string{"first", "second"}, order)

	order = nil
	bus.Publish(TypeFunctionAck, AckProperties{})
	require.Equal(t, []string{"first"}, order)
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus()

	reached := false
	bus.Subscribe(TypeFunctionError, func(Event) { panic("boom") })
	bus.Subscribe(TypeFunctionError, func(Event) { reached = true })

	bus.Publish(TypeFunctionError, ErrorProperties{})
	require.True(t, reached)
}

func TestBus_UnknownTypeIsDropped(t *testing.T) {
	bus := NewBus()

	called := false
	bus.Subscribe(Type("function.bogus"), func(Event) { called = true })
	bus.Publish(Type("function.bogus"), nil)

	require.False(t, called)
}

func TestOn_TypedProperties(t *testing.T) {
	bus := NewBus()

	var got InvokedProperties
	On(bus, TypeFunctionInvoked, func(p InvokedProperties) { got = p })

	bus.Publish(TypeFunctionInvoked, InvokedProperties{WorkerID: "w1", FunctionID: "F1"})
	require.Equal(t, "w1", got.WorkerID)

	bus.Publish(TypeFunctionInvoked, &InvokedProperties{WorkerID: "w2"})
	require.Equal(t, "w2", got.WorkerID)
}

func TestOn_MismatchedPropertiesSkipped(t *testing.T) {
	bus := NewBus()

	called := false
	On(bus, TypeFunctionInvoked, func(InvokedProperties) { called = true })
	bus.Publish(TypeFunctionInvoked, AckProperties{})

	require.False(t, called)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		check   func(t *testing.T, evt Event)
		wantErr error
	}{
		{
			name:  "invoked",
			input: `{"type":"function.invoked","properties":{"workerID":"w1","requestID":"r1","functionID":"F1","deadline":1700000000000,"event":{"path":"/"},"context":{},"env":{"A":"1"}}}`,
			check: func(t *testing.T, evt Event) {
				p, ok := evt.Properties.(InvokedProperties)
				require.True(t, ok)
				require.Equal(t, "w1", p.WorkerID)
				require.Equal(t, "F1", p.FunctionID)
				require.Equal(t, int64(1700000000000), p.Deadline)
				require.JSONEq(t, `{"path":"/"}`, string(p.Event))
				require.Equal(t, "1", p.Env["A"])
				require.Equal(t, "w1", evt.WorkerID())
				require.Equal(t, "r1", evt.RequestID())
			},
		},
		{
			name:  "error",
			input: `{"type":"function.error","properties":{"workerID":"w1","requestID":"r1","errorType":"Error","errorMessage":"bad","trace":["at x"]}}`,
			check: func(t *testing.T, evt Event) {
				p, ok := evt.Properties.(ErrorProperties)
				require.True(t, ok)
				require.Equal(t, "bad", p.ErrorMessage)
				require.Equal(t, []string{"at x"}, p.Trace)
			},
		},
		{
			name:  "pointer",
			input: `{"type":"pointer","properties":{"bucket":"b","key":"k"}}`,
			check: func(t *testing.T, evt Event) {
				require.Equal(t, PointerProperties{Bucket: "b", Key: "k"}, evt.Properties)
			},
		},
		{
			name:    "unknown type",
			input:   `{"type":"function.unknown","properties":{}}`,
			wantErr: ErrUnknownEventType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := Decode([]byte(tt.input))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, evt)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
}

func TestEvent_MarshalJSON(t *testing.T) {
	evt := Event{
		Type: TypeFunctionSuccess,
		Properties: SuccessProperties{
			WorkerID:  "w1",
			RequestID: "r1",
			Body:      json.RawMessage(`{"statusCode":200}`),
		},
	}

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeFunctionSuccess, decoded.Type)

	p := decoded.Properties.(SuccessProperties)
	require.JSONEq(t, `{"statusCode":200}`, string(p.Body))
}
