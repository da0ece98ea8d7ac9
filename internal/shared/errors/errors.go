package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Callers test the kind with errors.Is against these sentinels.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrAlreadyResolved  = errors.New("already resolved")
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrPersistence      = errors.New("persistence error")
	ErrBadRequest       = errors.New("bad request")
	ErrValidation       = errors.New("validation error")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized reports an actor lacking the role or relationship an operation
// requires. Authentication failures never reach this layer.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusForbidden,
	}
}

// AlreadyResolved reports an operation on a record whose status no longer
// admits it.
func AlreadyResolved(resource, id, status string) *AppError {
	return &AppError{
		Err:        ErrAlreadyResolved,
		Message:    fmt.Sprintf("%s is already %s", resource, status),
		Code:       "ALREADY_RESOLVED",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"resource": resource, "id": id, "status": status},
	}
}

// DuplicateRequest reports an in-flight request that would be contradicted
func DuplicateRequest(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrDuplicateRequest,
		Message:    message,
		Code:       "DUPLICATE_REQUEST",
		HTTPStatus: http.StatusConflict,
		Details:    details,
	}
}

// InvalidTarget reports a request aimed at a clinic it cannot target
func InvalidTarget(message string) *AppError {
	return &AppError{
		Err:        ErrInvalidTarget,
		Message:    message,
		Code:       "INVALID_TARGET",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// SameClinic is the InvalidTarget raised when a consultation names the
// patient's home clinic as the requesting clinic.
func SameClinic() *AppError {
	return &AppError{
		Err:        ErrInvalidTarget,
		Message:    "requesting clinic must differ from parent clinic",
		Code:       "SAME_CLINIC",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Persistence wraps a storage-layer failure
func Persistence(err error, message string) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrPersistence, err),
		Message:    message,
		Code:       "PERSISTENCE_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context. Errors that already carry a
// kind keep it; anything else becomes a PersistenceError.
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return Persistence(err, message)
}

// Is reports whether err matches target. It lets callers import this package
// in place of the standard one.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// HTTPStatus returns the status code for err, defaulting to 500
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
