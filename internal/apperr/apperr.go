package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable failure identifier returned to clients.
type Code string

const (
	CodeFileNotFound       Code = "FILE_NOT_FOUND"
	CodeFileTooLarge       Code = "FILE_TOO_LARGE"
	CodeUnsupportedFormat  Code = "UNSUPPORTED_FORMAT"
	CodeInvalidMimeType    Code = "INVALID_MIME_TYPE"
	CodeMissingFile        Code = "MISSING_FILE"
	CodeConversionFailed   Code = "CONVERSION_FAILED"
	CodeInvalidAPIKey      Code = "INVALID_API_KEY"
	CodeForbidden          Code = "FORBIDDEN"
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeRateLimit          Code = "RATE_LIMIT"
	CodeServerError        Code = "SERVER_ERROR"
	CodeTimeout            Code = "TIMEOUT"
	CodeNetworkError       Code = "NETWORK_ERROR"
	CodeEmptyResponse      Code = "EMPTY_RESPONSE"
	CodeInvalidResponse    Code = "INVALID_RESPONSE"
	CodeMaxRetriesExceeded Code = "MAX_RETRIES_EXCEEDED"
	CodeJobCreationFailed  Code = "JOB_CREATION_FAILED"
	CodeJobUpdateFailed    Code = "JOB_UPDATE_FAILED"
	CodeJobNotFound        Code = "JOB_NOT_FOUND"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error carries a taxonomy code plus the HTTP-equivalent status of the cause.
type Error struct {
	Code       Code
	Message    string
	Status     int // upstream status, 0 when not externally caused
	Retryable  bool
	RetryAfter time.Duration // honoured exactly by the retry loop when > 0
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds a non-retryable error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error around a cause. Retryability follows the code.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err, Retryable: IsRetryableCode(code)}
}

// As extracts the first *Error in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsRetryable reports whether the retry loop may try again after err.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

// IsRetryableCode lists the transient classes.
func IsRetryableCode(code Code) bool {
	switch code {
	case CodeRateLimit, CodeServerError, CodeTimeout, CodeNetworkError, CodeEmptyResponse:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a code to the status returned by this service's own API.
func HTTPStatus(code Code) int {
	switch code {
	case CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnsupportedFormat, CodeInvalidMimeType:
		return http.StatusUnsupportedMediaType
	case CodeMissingFile, CodeBadRequest:
		return http.StatusBadRequest
	case CodeFileNotFound, CodeJobNotFound:
		return http.StatusNotFound
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeConversionFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
