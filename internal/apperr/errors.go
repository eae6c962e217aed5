// Package apperr defines the error taxonomy shared by every component.
// Handlers never render these themselves; the fiber error handler does.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func New(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func BadRequestError(msg string) *AppError {
	return New("BAD_REQUEST", http.StatusBadRequest, msg)
}

func BadRequestf(format string, args ...any) *AppError {
	return BadRequestError(fmt.Sprintf(format, args...))
}

func UnauthorizedError(msg string) *AppError {
	return New("UNAUTHORIZED", http.StatusUnauthorized, msg)
}

func ForbiddenError(msg string) *AppError {
	return New("FORBIDDEN", http.StatusForbidden, msg)
}

func NotFoundError(msg string) *AppError {
	return New("NOT_FOUND", http.StatusNotFound, msg)
}

func ConflictError(msg string) *AppError {
	return New("CONFLICT", http.StatusConflict, msg)
}

func PayloadTooLargeError(msg string) *AppError {
	return New("PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, msg)
}

// As reports whether err is (or wraps) an *AppError and returns it.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasStatus reports whether err is an *AppError with the given HTTP status.
func HasStatus(err error, status int) bool {
	appErr, ok := As(err)
	return ok && appErr.Status == status
}
