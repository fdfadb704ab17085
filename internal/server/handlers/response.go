// Package handlers holds the HTTP response helpers shared by every tether
// endpoint.
package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/jsoncodec"
)

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := jsoncodec.Encode(w, data); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

func ErrorWithDetails(w http.ResponseWriter, status int, code string, message string, details any) {
	JSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message)
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func Forbidden(w http.ResponseWriter, message string) {
	Error(w, http.StatusForbidden, "FORBIDDEN", message)
}

func Gone(w http.ResponseWriter, message string) {
	Error(w, http.StatusGone, "GONE", message)
}

func BadGateway(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadGateway, "BAD_GATEWAY", message)
}

func GatewayTimeout(w http.ResponseWriter, message string) {
	Error(w, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT", message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}
