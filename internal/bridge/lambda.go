package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/jsoncodec"
)

// Invoker tunnels one invocation. CloudRelay implements it.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (Result, error)
}

// LambdaHandler adapts inv to the aws-lambda-go handler signature. Handler
// failures are returned as messages.InvokeResponse_Error so the caller sees
// the local error type and stack.
type LambdaHandler struct {
	inv        Invoker
	functionID string
}

func NewLambdaHandler(inv Invoker, functionID string) *LambdaHandler {
	return &LambdaHandler{inv: inv, functionID: functionID}
}

// Handle forwards event and waits for the local result.
func (h *LambdaHandler) Handle(ctx context.Context, event json.RawMessage) (json.RawMessage, error) {
	req := InvokeRequest{FunctionID: h.functionID, Event: event}

	if lc, ok := lambdacontext.FromContext(ctx); ok {
		req.RequestID = lc.AwsRequestID
		raw, err := jsoncodec.Marshal(invocationContext{
			AwsRequestID:       lc.AwsRequestID,
			InvokedFunctionArn: lc.InvokedFunctionArn,
			Identity:           lc.Identity,
			ClientContext:      lc.ClientContext,
		})
		if err != nil {
			return nil, err
		}
		req.Context = raw
	}
	if req.FunctionID == "" {
		req.FunctionID = lambdacontext.FunctionName
	}

	result, err := h.inv.Invoke(ctx, req)

	var invErr *InvocationError
	if errors.As(err, &invErr) {
		frames := make([]*messages.InvokeResponse_Error_StackFrame, len(invErr.Trace))
		for i, line := range invErr.Trace {
			frames[i] = &messages.InvokeResponse_Error_StackFrame{Label: line}
		}
		return nil, messages.InvokeResponse_Error{
			Type:       invErr.Type,
			Message:    invErr.Message,
			StackTrace: frames,
		}
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", req.RequestID).Msg("Failed to relay invocation")
		return nil, err
	}
	return result.Body, nil
}

type invocationContext struct {
	AwsRequestID       string                        `json:"awsRequestId"`
	InvokedFunctionArn string                        `json:"invokedFunctionArn"`
	Identity           lambdacontext.CognitoIdentity `json:"identity"`
	ClientContext      lambdacontext.ClientContext   `json:"clientContext"`
}
