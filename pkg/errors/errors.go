package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"rillcast/internal/core/domain"
)

// ErrorCode is the machine-readable code returned to HTTP and signaling clients.
type ErrorCode string

const (
	ErrCodeInvalidInput             ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound                 ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized             ErrorCode = "UNAUTHORIZED"
	ErrCodeIncompatibleCapabilities ErrorCode = "INCOMPATIBLE_CAPABILITIES"
	ErrCodeConflict                 ErrorCode = "CONFLICT"
	ErrCodeRateLimit                ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeWorkerFatal              ErrorCode = "WORKER_FATAL"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable       ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError is an error with a code, an HTTP status and optional context.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds a key to the error context and returns the error.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewIncompatibleCapabilitiesError(message string) *AppError {
	return NewAppError(ErrCodeIncompatibleCapabilities, message, http.StatusUnprocessableEntity)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewWorkerFatalError() *AppError {
	return NewAppError(ErrCodeWorkerFatal, "relay worker died, service is shutting down", http.StatusServiceUnavailable)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// GetAppError extracts the first AppError from the error chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// FromDomain maps domain sentinels onto AppErrors. Errors already carrying an
// AppError are returned as is; anything unknown becomes INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrStreamNotFound):
		return WrapError(err, ErrCodeNotFound, "stream not found", http.StatusNotFound)
	case domain.IsNotFound(err):
		return WrapError(err, ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, domain.ErrIncompatibleCapabilities):
		return WrapError(err, ErrCodeIncompatibleCapabilities, "cannot consume producer with the given rtp capabilities", http.StatusUnprocessableEntity)
	case stderrors.Is(err, domain.ErrUnauthorized):
		return WrapError(err, ErrCodeUnauthorized, "unauthorized", http.StatusUnauthorized)
	case stderrors.Is(err, domain.ErrWorkerFatal), stderrors.Is(err, domain.ErrNoWorkers):
		return WrapError(err, ErrCodeWorkerFatal, err.Error(), http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrInvalidRole),
		stderrors.Is(err, domain.ErrInvalidDirection),
		stderrors.Is(err, domain.ErrInvalidKind),
		stderrors.Is(err, domain.ErrUnsupportedCodec),
		stderrors.Is(err, domain.ErrNotJoined):
		return WrapError(err, ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrStreamEnded), stderrors.Is(err, domain.ErrDuplicateID):
		return WrapError(err, ErrCodeConflict, err.Error(), http.StatusConflict)
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
