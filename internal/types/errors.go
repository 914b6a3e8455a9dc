package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All services MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidField ErrorCode = "validation_invalid_field"
	ErrCodeValidationBody         ErrorCode = "validation_invalid_body"

	// Auth (401/403)
	ErrCodeAuthSecretMissing ErrorCode = "auth_cron_secret_missing"
	ErrCodeAuthSecretInvalid ErrorCode = "auth_cron_secret_invalid"

	// Configuration of a channel or schedule. These are skipped and logged,
	// never retried.
	ErrCodeConfigInvalidTime     ErrorCode = "config_invalid_time"
	ErrCodeConfigInvalidTimezone ErrorCode = "config_invalid_timezone"
	ErrCodeConfigNoDestination   ErrorCode = "config_missing_destination"
	ErrCodeConfigNoAPIKey        ErrorCode = "config_missing_api_key"

	// Not Found (404)
	ErrCodeNotFoundTask     ErrorCode = "not_found_task"
	ErrCodeNotFoundDocument ErrorCode = "not_found_document"

	// Conflict (409)
	ErrCodeConflictTaskRunning ErrorCode = "conflict_task_running"

	// Upstream, transient. Retried on a later tick.
	ErrCodeUpstreamUnavailable  ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited  ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout      ErrorCode = "upstream_timeout"
	ErrCodeUpstreamInProgress   ErrorCode = "upstream_in_progress"
	ErrCodeUpstreamGeneration   ErrorCode = "upstream_generation_unavailable"
	ErrCodeUpstreamPublisher    ErrorCode = "upstream_publisher_unavailable"
	ErrCodeUpstreamMetadata     ErrorCode = "upstream_metadata_unavailable"
	ErrCodeUpstreamNotification ErrorCode = "upstream_notification_unavailable"

	// Terminal. The same input will fail the same way again.
	ErrCodeTerminalPublishRejected ErrorCode = "terminal_publish_rejected"
	ErrCodeTerminalMetadata        ErrorCode = "terminal_metadata_failed"
	ErrCodeTerminalRequest         ErrorCode = "terminal_request_rejected"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalFilesystem ErrorCode = "internal_filesystem_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"), strings.HasPrefix(s, "config_"):
		return http.StatusBadRequest // 400
	case s == string(ErrCodeAuthSecretMissing):
		return http.StatusInternalServerError // 500
	case strings.HasPrefix(s, "auth_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "upstream_"), strings.HasPrefix(s, "terminal_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the engine.
// All domain errors should be expressed as AppError so callers can classify
// them (retryable, terminal, configuration) without string matching.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// retryableMarkers are message fragments upstream publishers use for
// conditions that clear on their own.
var retryableMarkers = []string{
	"already in progress",
	"please wait",
	"failed to read media metadata",
	"timeout",
	"timed out",
}

// IsRetryable reports whether err describes a transient condition that a
// later tick may resolve. Unknown errors are treated as terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		if strings.HasPrefix(string(appErr.Code), "upstream_") {
			return true
		}
		if strings.HasPrefix(string(appErr.Code), "terminal_") || strings.HasPrefix(string(appErr.Code), "config_") {
			// Publisher 4xx bodies still carry the in-progress markers.
			return hasRetryableMarker(appErr.Message)
		}
	}
	return hasRetryableMarker(err.Error())
}

// IsTerminal reports whether err should not be retried automatically.
func IsTerminal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// IsConfigError reports whether err is a channel or schedule configuration
// problem.
func IsConfigError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && strings.HasPrefix(string(appErr.Code), "config_")
}

func hasRetryableMarker(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
