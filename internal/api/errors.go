package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ctrlai/chainlog/internal/audit"
	"github.com/ctrlai/chainlog/internal/auth"
	"github.com/ctrlai/chainlog/internal/canon"
	"github.com/ctrlai/chainlog/internal/replay"
)

// Error codes returned in the envelope.
const (
	CodeInvalidQuery          = "INVALID_QUERY"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeEncodingError         = "ENCODING_ERROR"
	CodeAppendConflict        = "APPEND_CONFLICT"
	CodeUnsupportedReplayMode = "UNSUPPORTED_REPLAY_MODE"
	CodeNotFound              = "NOT_FOUND"
	CodeRunTooLarge           = "RUN_TOO_LARGE"
	CodeTimeout               = "TIMEOUT"
	CodeUnavailable           = "UNAVAILABLE"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeInternal              = "INTERNAL"
)

// errBadRequest marks a body or parameter the handler itself rejected.
var errBadRequest = errors.New("bad request")

// ErrorBody is the error envelope: {"error": {...}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// classify maps an error to its HTTP status and envelope.
func classify(err error) (int, ErrorDetail) {
	d := ErrorDetail{Message: err.Error()}

	var encErr *canon.EncodingError
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		d.Code = CodeUnauthorized
		return http.StatusUnauthorized, d
	case errors.Is(err, auth.ErrForbidden):
		d.Code = CodeForbidden
		return http.StatusForbidden, d
	case errors.As(err, &encErr):
		d.Code = CodeEncodingError
		if encErr.Path != "" {
			d.Details = map[string]any{"path": encErr.Path}
		}
		return http.StatusUnprocessableEntity, d
	case errors.Is(err, replay.ErrUnsupportedReplayMode):
		d.Code = CodeUnsupportedReplayMode
		return http.StatusBadRequest, d
	case errors.Is(err, audit.ErrInvalidQuery):
		d.Code = CodeInvalidQuery
		return http.StatusBadRequest, d
	case errors.Is(err, audit.ErrInvalidEvent), errors.Is(err, errBadRequest):
		d.Code = CodeInvalidRequest
		return http.StatusBadRequest, d
	case errors.Is(err, audit.ErrAppendConflict):
		d.Code = CodeAppendConflict
		d.Details = map[string]any{"retryable": true}
		return http.StatusConflict, d
	case errors.Is(err, replay.ErrRunNotFound):
		d.Code = CodeNotFound
		return http.StatusNotFound, d
	case errors.Is(err, replay.ErrRunTooLarge):
		d.Code = CodeRunTooLarge
		return http.StatusRequestEntityTooLarge, d
	case errors.Is(err, audit.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		d.Code = CodeTimeout
		return http.StatusGatewayTimeout, d
	case errors.Is(err, audit.ErrUnavailable):
		d.Code = CodeUnavailable
		return http.StatusServiceUnavailable, d
	default:
		d.Code = CodeInternal
		d.Message = "internal error"
		return http.StatusInternalServerError, d
	}
}

// writeError classifies err and writes the envelope. Server-side failures
// are logged; client mistakes are not.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, d := classify(err)
	switch {
	case status >= 500:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", d.Code, "error", err)
	case status == http.StatusConflict:
		slog.Warn("append conflict", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrorBody{Error: d})
}
