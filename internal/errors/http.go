package errors

import (
	"encoding/json"
	"net/http"

	"github.com/3leaps/stillpoint/pkg/breaker"
	"github.com/3leaps/stillpoint/pkg/download"
	"github.com/3leaps/stillpoint/pkg/jobs"
	"github.com/3leaps/stillpoint/pkg/provider"
)

// Error codes carried in HTTP error bodies.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the envelope every error response uses.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// Classify maps err to an HTTP status and error code.
func Classify(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case breaker.IsOpen(err), Is(err, ErrServiceUnavailable),
		provider.IsThrottled(err), provider.IsProviderUnavailable(err):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	case Is(err, jobs.ErrNotFound), Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case Is(err, jobs.ErrInvalidArgument), Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	case Is(err, jobs.ErrInvalidTransition), Is(err, download.ErrNoSegments), Is(err, ErrConflict):
		return http.StatusConflict, CodeConflict
	}
	return http.StatusInternalServerError, CodeInternal
}

// RespondWithError writes the error envelope for err. Internal errors are
// reported without their message.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	msg := "internal server error"
	if status != http.StatusInternalServerError {
		msg = err.Error()
	}
	body := HTTPError{Code: code, Message: msg}
	if r != nil {
		body.RequestID = r.Header.Get("X-Request-ID")
	}
	WriteError(w, status, body)
}

// WriteError writes body with status.
func WriteError(w http.ResponseWriter, status int, body HTTPError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}
