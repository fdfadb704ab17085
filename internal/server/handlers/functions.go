package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/bridge"
	"github.com/watzon/tether/internal/jsoncodec"
	"github.com/watzon/tether/internal/project"
	"github.com/watzon/tether/internal/requestctx"
)

// maxEventBytes matches the synchronous invoke payload limit of the cloud.
const maxEventBytes = 6 * 1024 * 1024

// Invoker tunnels an invocation to the local session.
type Invoker interface {
	Invoke(ctx context.Context, req bridge.InvokeRequest) (bridge.Result, error)
}

// Catalog lists the functions of the project.
type Catalog interface {
	Get(id string) (project.Function, error)
	List() []project.Function
}

// FunctionHandlers serves the function endpoints.
type FunctionHandlers struct {
	invoker   Invoker
	functions Catalog
	timeout   time.Duration
}

// NewFunctionHandlers creates function handlers. Invocations are bounded by
// timeout.
func NewFunctionHandlers(invoker Invoker, functions Catalog, timeout time.Duration) *FunctionHandlers {
	return &FunctionHandlers{invoker: invoker, functions: functions, timeout: timeout}
}

// InvokeError describes a handler failure.
type InvokeError struct {
	Type    string   `json:"type,omitempty"`
	Message string   `json:"message"`
	Trace   []string `json:"trace,omitempty"`
}

// InvokeResponse is the response for a function invocation.
type InvokeResponse struct {
	RequestID  string          `json:"request_id"`
	Success    bool            `json:"success"`
	Degraded   bool            `json:"degraded,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *InvokeError    `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Invoke handles POST /api/functions/{id}/invoke. The body is the event.
func (h *FunctionHandlers) Invoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.functions.Get(id); err != nil {
		NotFound(w, "Function not found: "+id)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		BadRequest(w, "Failed to read request body")
		return
	}
	if len(body) > maxEventBytes {
		Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Event exceeds 6 MB")
		return
	}
	if len(body) > 0 && !jsoncodec.Valid(body) {
		Error(w, http.StatusBadRequest, "INVALID_JSON", "Event must be valid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	start := time.Now()
	req := bridge.InvokeRequest{
		RequestID:  requestctx.RequestID(r.Context()),
		FunctionID: id,
		Event:      body,
	}
	log.Debug().Str("function", id).Str("request_id", req.RequestID).Msg("Invoking function")

	result, err := h.invoker.Invoke(ctx, req)
	resp := InvokeResponse{RequestID: req.RequestID, DurationMs: time.Since(start).Milliseconds()}

	var invErr *bridge.InvocationError
	switch {
	case err == nil:
		resp.Success = !result.Degraded
		resp.Degraded = result.Degraded
		resp.Output = result.Body
	case errors.As(err, &invErr):
		resp.Error = &InvokeError{Type: invErr.Type, Message: invErr.Message, Trace: invErr.Trace}
	case errors.Is(err, context.DeadlineExceeded):
		GatewayTimeout(w, "Function did not finish within "+h.timeout.String())
		return
	default:
		log.Error().Err(err).Str("function", id).Msg("Function invocation failed")
		InternalError(w, "Failed to invoke function: "+err.Error())
		return
	}

	JSON(w, http.StatusOK, resp)
}

type functionSummary struct {
	ID           string `json:"id"`
	Runtime      string `json:"runtime"`
	Handler      string `json:"handler"`
	Architecture string `json:"architecture"`
}

// List handles GET /api/functions.
func (h *FunctionHandlers) List(w http.ResponseWriter, r *http.Request) {
	funcs := h.functions.List()

	result := make([]functionSummary, 0, len(funcs))
	for _, fn := range funcs {
		result = append(result, functionSummary{
			ID:           fn.ID,
			Runtime:      fn.Runtime,
			Handler:      fn.Handler,
			Architecture: fn.Architecture,
		})
	}

	JSON(w, http.StatusOK, map[string]any{
		"functions": result,
		"count":     len(result),
	})
}
