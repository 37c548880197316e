package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bleepstore/gridstore/internal/delivery"
	gserr "github.com/bleepstore/gridstore/internal/errors"
)

var (
	errRouteNotFound = &gserr.APIError{
		Code:       "RouteNotFound",
		Message:    "No route matches the request path",
		HTTPStatus: http.StatusNotFound,
	}
	errMethodNotAllowed = &gserr.APIError{
		Code:       "MethodNotAllowed",
		Message:    "The method is not allowed for this route",
		HTTPStatus: http.StatusMethodNotAllowed,
	}
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error" doc:"Human-readable error message"`
	Code      string `json:"code" doc:"Machine-readable error code"`
	RequestID string `json:"requestId,omitempty"`
	// Stack is only filled on diagnostics routes with server.debug set.
	Stack string `json:"stack,omitempty"`
}

// errorBody maps err to its status and JSON body.
func errorBody(r *http.Request, err error) (int, ErrorBody) {
	apiErr := gserr.FromError(err)
	return apiErr.HTTPStatus, ErrorBody{
		Success:   false,
		Error:     apiErr.Message,
		Code:      apiErr.Code,
		RequestID: RequestIDFromContext(r.Context()),
	}
}

// writeError renders err as a JSON error response. It is the one place the
// HTTP layer maps storage errors to status codes. Server-side failures are
// logged with their cause; the response carries only the public message.
func writeError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	var streamErr *delivery.StreamError
	if errors.As(err, &streamErr) {
		// The status line is already on the wire.
		logger.Warn("response aborted mid-stream",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", streamErr.Err,
		)
		return
	}

	status, body := errorBody(r, err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"request_id", body.RequestID,
			"method", r.Method,
			"path", r.URL.Path,
			"code", body.Code,
			"error", err,
		)
	}
	writeJSON(w, status, body)
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	for _, k := range []string{"Content-Disposition", "Content-Length", "ETag", "Last-Modified", "Cache-Control"} {
		h.Del(k)
	}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
