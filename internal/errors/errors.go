package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for OCRGateway Worker
 *
 * Every failure in the gateway pipeline is a GatewayError with a stable code,
 * so job records, Redis events, and webhook payloads all speak the same taxonomy.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Gateway client errors
	ErrorConfiguration     ErrorCode = "CONFIGURATION_ERROR"
	ErrorRateLimitLocal    ErrorCode = "RATE_LIMIT_LOCAL"
	ErrorUpstreamRetryable ErrorCode = "UPSTREAM_RETRYABLE"
	ErrorUpstreamTerminal  ErrorCode = "UPSTREAM_TERMINAL"
	ErrorNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrorExtractionFailed  ErrorCode = "EXTRACTION_FAILED"

	// Worker pipeline errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
	ErrorFallbackFailed    ErrorCode = "FALLBACK_FAILED"
)

// GatewayError represents a structured gateway error
type GatewayError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// WithJob attaches a job ID to the error and returns it
func (e *GatewayError) WithJob(jobID string) *GatewayError {
	e.JobID = jobID
	return e
}

// CodeOf extracts the ErrorCode from an error chain, or "" if none is present
func CodeOf(err error) ErrorCode {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// Factory functions for common errors

func NewConfigurationError(message string) *GatewayError {
	return &GatewayError{
		Code:      ErrorConfiguration,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewLocalRateLimitError(message string, retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		Code:      ErrorRateLimitLocal,
		Message:   message,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"retry_after_ms": retryAfter.Milliseconds(),
		},
	}
}

func NewUpstreamRetryableError(statusCode int, message string) *GatewayError {
	return &GatewayError{
		Code:      ErrorUpstreamRetryable,
		Message:   message,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"status_code": statusCode,
		},
	}
}

func NewUpstreamTerminalError(statusCode int, message string, cause error) *GatewayError {
	return &GatewayError{
		Code:      ErrorUpstreamTerminal,
		Message:   message,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"status_code": statusCode,
		},
		Cause: cause,
	}
}

func NewNetworkFailureError(message string, cause error) *GatewayError {
	return &GatewayError{
		Code:      ErrorNetworkFailure,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewExtractionFailedError(message string) *GatewayError {
	return &GatewayError{
		Code:      ErrorExtractionFailed,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *GatewayError {
	return &GatewayError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *GatewayError {
	return &GatewayError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported image format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewStorageFailedError(jobID string, cause error) *GatewayError {
	return &GatewayError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewFallbackFailedError(jobID string, cause error) *GatewayError {
	return &GatewayError{
		Code:      ErrorFallbackFailed,
		Message:   "Local OCR fallback failed",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *GatewayError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
