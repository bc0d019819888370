// Package errors defines the worker's HTTP error envelope and the typed
// application errors that map onto it.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes used in HTTPErrorResponse.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the JSON body returned for every non-2xx response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the payload of HTTPErrorResponse.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func NewInvalidRequest(message string) *AppError {
	return &AppError{Code: CodeInvalidRequest, Status: http.StatusBadRequest, Message: message}
}

func NewUnauthorized(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: message}
}

func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

func NewMethodNotAllowed(message string) *AppError {
	return &AppError{Code: CodeMethodNotAllowed, Status: http.StatusMethodNotAllowed, Message: message}
}

func NewRateLimited(message string) *AppError {
	return &AppError{Code: CodeRateLimited, Status: http.StatusTooManyRequests, Message: message}
}

func NewServiceUnavailable(message string) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message}
}

// NewExternalServiceError reports a dependency outside the worker as failing.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: message}
}

// WrapInternal wraps err as an INTERNAL_ERROR. The request ID from ctx, if
// any, is attached as a detail so CLI callers can correlate it too.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	appErr := &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
	if id := RequestIDFrom(ctx); id != "" {
		appErr.Details = map[string]any{"request_id": id}
	}
	return appErr
}

// RespondWithError writes err as an HTTPErrorResponse. Errors that are not
// *AppError become INTERNAL_ERROR with the error text as message.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: err.Error()}
	}

	body := HTTPErrorResponse{Error: HTTPError{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}}
	if r != nil {
		body.Error.RequestID = RequestIDFrom(r.Context())
	}

	WriteJSON(w, appErr.Status, body)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type requestIDKey struct{}

// WithRequestID stores a request ID on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored on ctx, or "".
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
