package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeValidation             ErrorCode = "VALIDATION_ERROR"
	ErrCodeBadRequest             ErrorCode = "BAD_REQUEST"
	ErrCodeInsufficientFunds      ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeTipRequired            ErrorCode = "TIP_REQUIRED"
	ErrCodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrCodeConflict               ErrorCode = "CONFLICT"
	ErrCodeNotFound               ErrorCode = "NOT_FOUND"
	ErrCodeGateway                ErrorCode = "GATEWAY_ERROR"
	ErrCodeStorage                ErrorCode = "STORAGE_ERROR"
	ErrCodeUnauthorized           ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden              ErrorCode = "FORBIDDEN"
	ErrCodeInternal               ErrorCode = "INTERNAL_ERROR"
)

// AppError is the error type every service returns across package
// boundaries. Fields carries per-field validation messages, Details carries
// machine readable context such as the minimum tip.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Fields     map[string]string
	Details    map[string]any
	Cause      error
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

// Is matches any AppError with the same code, so errors.Is(err,
// ErrInsufficientFunds) holds for every insufficient funds failure.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithField(field, message string) *AppError {
	cp := *e
	cp.Fields = make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	cp.Fields[field] = message
	return &cp
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func (e *AppError) WithStatus(status int) *AppError {
	cp := *e
	cp.HTTPStatus = status
	return &cp
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeInsufficientFunds:
		return http.StatusPaymentRequired
	case ErrCodeTipRequired:
		return http.StatusPreconditionRequired
	case ErrCodeInvalidStateTransition, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeGateway:
		return http.StatusBadGateway
	case ErrCodeStorage:
		return http.StatusServiceUnavailable
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// As extracts the AppError from err, converting unknown errors into an
// internal error that hides the cause from callers.
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, ErrCodeInternal, "internal error")
}

func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeStorage, ErrCodeGateway:
		return true
	}
	return false
}

func Validation(field, message string) *AppError {
	return New(ErrCodeValidation, "validation failed").WithField(field, message)
}

func NotFound(what string) *AppError {
	return New(ErrCodeNotFound, what+" not found")
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func InvalidTransition(from, to string) *AppError {
	return New(ErrCodeInvalidStateTransition, fmt.Sprintf("cannot move from %s to %s", from, to)).
		WithDetail("from", from).
		WithDetail("to", to)
}

func Storage(err error) *AppError {
	return Wrap(err, ErrCodeStorage, "storage unavailable, retry later")
}

func Gateway(err error, message string) *AppError {
	return Wrap(err, ErrCodeGateway, message)
}

var (
	ErrInsufficientFunds      = New(ErrCodeInsufficientFunds, "insufficient funds")
	ErrTipRequired            = New(ErrCodeTipRequired, "a tip is required to message this user")
	ErrInvalidStateTransition = New(ErrCodeInvalidStateTransition, "invalid state transition")
	ErrInvalidSignature       = New(ErrCodeGateway, "webhook signature verification failed").WithStatus(http.StatusUnauthorized)
	ErrUnauthorized           = New(ErrCodeUnauthorized, "authorization required")
	ErrForbidden              = New(ErrCodeForbidden, "insufficient permissions")
	ErrStorage                = New(ErrCodeStorage, "storage unavailable, retry later")
	ErrConflict               = New(ErrCodeConflict, "conflict")
	ErrNotFound               = New(ErrCodeNotFound, "not found")
)
