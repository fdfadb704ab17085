package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invokerFunc func(ctx context.Context, req InvokeRequest) (Result, error)

func (f invokerFunc) Invoke(ctx context.Context, req InvokeRequest) (Result, error) {
	return f(ctx, req)
}

func TestLambdaHandler(t *testing.T) {
	ctx := lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{
		AwsRequestID:       "req-1",
		InvokedFunctionArn: "arn:aws:lambda:us-east-1:123:function:api",
	})

	tests := []struct {
		name    string
		result  Result
		err     error
		want    string
		wantErr error
	}{
		{
			name:   "success",
			result: Result{Body: json.RawMessage(`{"statusCode":200}`)},
			want:   `{"statusCode":200}`,
		},
		{
			name:   "degraded",
			result: degraded(),
			want:   string(degraded().Body),
		},
		{
			name: "handler error",
			err:  &InvocationError{Type: "TypeError", Message: "boom", Trace: []string{"at a", "at b"}},
			wantErr: messages.InvokeResponse_Error{
				Type:    "TypeError",
				Message: "boom",
				StackTrace: []*messages.InvokeResponse_Error_StackFrame{
					{Label: "at a"},
					{Label: "at b"},
				},
			},
		},
		{
			name:    "relay error",
			err:     ErrRelayClosed,
			wantErr: ErrRelayClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got InvokeRequest
			h := NewLambdaHandler(invokerFunc(func(_ context.Context, req InvokeRequest) (Result, error) {
				got = req
				return tt.result, tt.err
			}), "api")

			body, err := h.Handle(ctx, json.RawMessage(`{"path":"/"}`))

			assert.Equal(t, "api", got.FunctionID)
			assert.Equal(t, "req-1", got.RequestID)
			assert.JSONEq(t, `{"path":"/"}`, string(got.Event))

			var lc map[string]any
			require.NoError(t, json.Unmarshal(got.Context, &lc))
			assert.Equal(t, "req-1", lc["awsRequestId"])
			assert.Equal(t, "arn:aws:lambda:us-east-1:123:function:api", lc["invokedFunctionArn"])

			if tt.wantErr != nil {
				if errors.Is(tt.wantErr, ErrRelayClosed) {
					assert.ErrorIs(t, err, ErrRelayClosed)
				} else {
					assert.Equal(t, tt.wantErr, err)
				}
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(body))
		})
	}
}
