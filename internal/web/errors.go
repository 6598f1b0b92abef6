package web

// errors.go provides unified error response handling for the API.
//
// Every error is:
//   - Logged with full technical details and the request id (server-side)
//   - Returned to the client as a user-friendly message with an action and
//     a support code from core.MapError
//
// statusFor picks the HTTP status from the error chain, so handlers only
// decide when to fail, not how.

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/orgtransfer/internal/codec"
	"github.com/JonMunkholm/orgtransfer/internal/core"
	"github.com/JonMunkholm/orgtransfer/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// errBadRequest marks request parameter problems.
var errBadRequest = errors.New("bad request")

// respondError logs err and writes its user message with statusCode.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)

	level := slog.LevelWarn
	if statusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logging.FromContext(r.Context()).Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	)

	resp := ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	}
	// Parameter errors carry their own text; the generic fallback would hide it.
	if errors.Is(err, errBadRequest) {
		resp = ErrorResponse{Error: err.Error(), Message: err.Error(), Code: "REQ400"}
	}
	writeJSON(w, statusCode, resp)
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes), errors.Is(err, codec.ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, core.ErrUnknownEntityKind),
		errors.Is(err, core.ErrUnknownStrategy),
		errors.Is(err, core.ErrUnsupportedOperation),
		errors.Is(err, core.ErrInvalidFilter),
		errors.Is(err, codec.ErrUnknownFormat),
		errors.Is(err, codec.ErrSingleKind):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTransactionExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyOperations):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail responds with the status matching err.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.respondError(w, r, err, statusFor(err))
}

// writeError writes a JSON error with a fixed message, for failures raised
// by middleware before any handler runs.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Message: message, Code: code})
}
