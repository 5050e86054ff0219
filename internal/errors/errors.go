// Package errors defines application errors and the HTTP error envelope.
//
// Every failed API request is answered with
//
//	{"error": {"code": "...", "message": "...", "details": {...}, "request_id": "..."}}
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// AppError is an error with an API code and HTTP status.
type AppError struct {
	Code    string
	Message string
	Status  int
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

// WithDetails returns a copy of e with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		out.Details[k] = v
	}
	for k, v := range details {
		out.Details[k] = v
	}
	return &out
}

// New creates an AppError.
func New(status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

// Wrap creates an AppError around err.
func Wrap(err error, status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

func NewBadRequest(message string) *AppError {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

func NewValidationError(message string) *AppError {
	return New(http.StatusBadRequest, CodeValidation, message)
}

func NewUnauthorized(message string) *AppError {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func NewNotFound(message string) *AppError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func NewConflict(message string) *AppError {
	return New(http.StatusConflict, CodeConflict, message)
}

func NewServiceUnavailable(message string) *AppError {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

func NewExternalServiceError(message string) *AppError {
	return New(http.StatusBadGateway, CodeExternalService, message)
}

// WrapInternal wraps err as a 500. The request id in ctx, if any, is
// attached to the details.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := Wrap(err, http.StatusInternalServerError, CodeInternal, message)
	if id := RequestIDFromContext(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

// As reports whether err carries an AppError.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the error envelope.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type requestIDKey struct{}

// WithRequestID stores a request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RespondWithError writes err as an envelope. Errors that are not an
// AppError are answered with a 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := As(err)
	if !ok {
		ae = Wrap(err, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
	message := ae.Message
	if ae.Status < http.StatusInternalServerError && ae.Err != nil {
		message = ae.Error()
	}
	WriteError(w, r, ae.Status, ae.Code, message, ae.Details)
}

// WriteError writes an envelope with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := HTTPErrorResponse{Error: HTTPError{
		Code:    code,
		Message: message,
		Details: details,
	}}
	if r != nil {
		body.Error.RequestID = RequestIDFromContext(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
