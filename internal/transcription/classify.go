package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"audioscribe/internal/apperr"
)

// classifyStatus turns a non-2xx upstream status into a taxonomy error.
func classifyStatus(status int, message string, retryAfter time.Duration) *apperr.Error {
	e := &apperr.Error{Status: status, Message: message}
	switch status {
	case http.StatusUnauthorized:
		e.Code = apperr.CodeInvalidAPIKey
	case http.StatusForbidden:
		e.Code = apperr.CodeForbidden
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		e.Code = apperr.CodeBadRequest
	case http.StatusRequestEntityTooLarge:
		e.Code = apperr.CodeFileTooLarge
	case http.StatusUnsupportedMediaType:
		e.Code = apperr.CodeUnsupportedFormat
	case http.StatusTooManyRequests:
		e.Code = apperr.CodeRateLimit
		e.Retryable = true
		e.RetryAfter = retryAfter
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Code = apperr.CodeTimeout
		e.Retryable = true
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		e.Code = apperr.CodeServerError
		e.Retryable = true
	default:
		if status >= 500 {
			e.Code = apperr.CodeServerError
		} else {
			e.Code = apperr.CodeBadRequest
		}
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("transcription service returned %d", status)
	}
	return e
}

// classifyTransportError maps errors raised before a response was read.
func classifyTransportError(err error) *apperr.Error {
	if err == nil {
		return nil
	}
	if e, ok := apperr.As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &apperr.Error{Code: apperr.CodeNetworkError, Message: "request cancelled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &apperr.Error{Code: apperr.CodeTimeout, Message: "request timed out", Retryable: true, Err: err}
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return &apperr.Error{Code: apperr.CodeNetworkError, Message: "connection failed", Retryable: true, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &apperr.Error{Code: apperr.CodeNetworkError, Message: "dns lookup failed", Retryable: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &apperr.Error{Code: apperr.CodeTimeout, Message: "request timed out", Retryable: true, Err: err}
		}
		return &apperr.Error{Code: apperr.CodeNetworkError, Message: "network error", Retryable: true, Err: err}
	}
	return &apperr.Error{Code: apperr.CodeInternal, Message: "transcription request failed", Err: err}
}

// parseRetryAfter reads Retry-After (seconds or HTTP date) and retry-after-ms.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if ms := strings.TrimSpace(h.Get("retry-after-ms")); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// errorMessage extracts {"error":{"message":...}} or falls back to the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if err := json.Unmarshal(payload.Error, &flat); err == nil && flat != "" {
			return flat
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
