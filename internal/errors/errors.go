/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides structured error types for the ingestion pipeline.
// Every failure mode carries a typed kind so callers branch on the kind
// instead of matching message strings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies a pipeline failure.
type ErrorType string

const (
	// ErrorTypeValidation indicates malformed input or configuration values.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfiguration indicates the process cannot start with the
	// supplied configuration.
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeNetwork indicates a transient transport failure
	// (reset, refused, 5xx).
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout indicates a deadline was exceeded.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeRateLimit indicates the remote side throttled us
	// (429, CAPTCHA interstitial).
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeSchemaDrift indicates a source page no longer parses within
	// tolerance.
	ErrorTypeSchemaDrift ErrorType = "schema_drift"
	// ErrorTypeAnomaly indicates a batch failed the yield-threshold guard.
	ErrorTypeAnomaly ErrorType = "volume_anomaly"
	// ErrorTypeCircuitOpen indicates the per-adapter circuit breaker
	// rejected the call.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeDatabase indicates a property-store failure.
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeEnrichment indicates the risk-analysis service failed or
	// returned a schema-invalid response.
	ErrorTypeEnrichment ErrorType = "enrichment"
	// ErrorTypeNotFound indicates a referenced entity does not exist.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict indicates a uniqueness or concurrency conflict.
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeInternal is the catch-all for programming errors.
	ErrorTypeInternal ErrorType = "internal"
)

// AppError is the structured error carried across pipeline layers.
type AppError struct {
	Type    ErrorType
	Message string
	Details string
	Cause   error
}

// New creates an AppError of the given type.
func New(errorType ErrorType, message string) *AppError {
	return &AppError{Type: errorType, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(errorType ErrorType, format string, args ...interface{}) *AppError {
	return &AppError{Type: errorType, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a typed message.
func Wrap(cause error, errorType ErrorType, message string) *AppError {
	return &AppError{Type: errorType, Message: message, Cause: cause}
}

// Wrapf wraps an underlying error with a typed, formatted message.
func Wrapf(cause error, errorType ErrorType, format string, args ...interface{}) *AppError {
	return &AppError{Type: errorType, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails attaches free-form detail text to the error in place.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted detail text to the error in place.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// TypeOf extracts the ErrorType from an error chain. Untyped errors
// report ErrorTypeInternal.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether the first AppError in the chain carries the given
// type; AppErrors wrapped beneath it are not inspected.
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// Retryable reports whether the failure is worth retrying with backoff.
// Transient transport conditions and store (database) failures qualify;
// drift, anomalies and open breakers need operator attention or time, not
// retries.
func Retryable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeDatabase:
		return true
	default:
		return false
	}
}

// Predefined constructors for the common cases.

// NewValidationError creates a validation error.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string) *AppError {
	return New(ErrorTypeConfiguration, message)
}

// NewNetworkError wraps a transport failure for the named endpoint.
func NewNetworkError(endpoint string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeNetwork, "request to %s failed", endpoint)
}

// NewTimeoutError records an exceeded deadline for the named operation.
func NewTimeoutError(operation string) *AppError {
	return Newf(ErrorTypeTimeout, "%s timed out", operation)
}

// NewDatabaseError wraps a store failure for the named operation.
func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

// NewNotFoundError records a missing entity.
func NewNotFoundError(entity string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", entity)
}

// NewAnomalyError records a rejected batch: observed yield vs the moving
// average the guard compared against.
func NewAnomalyError(adapterID string, observed, baseline float64) *AppError {
	return Newf(ErrorTypeAnomaly, "adapter %s yielded %.0f items against a 30-day average of %.1f", adapterID, observed, baseline)
}

// NewSchemaDriftError records a tripped parse-quality threshold.
func NewSchemaDriftError(adapterID string, badRows, totalRows int) *AppError {
	return Newf(ErrorTypeSchemaDrift, "adapter %s: %d of %d rows missing critical fields", adapterID, badRows, totalRows)
}

// NewCircuitOpenError records a call rejected by an open breaker.
func NewCircuitOpenError(adapterID string) *AppError {
	return Newf(ErrorTypeCircuitOpen, "adapter %s circuit breaker is open", adapterID)
}

// NewEnrichmentError wraps a risk-analysis failure with its reason.
func NewEnrichmentError(reason string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeEnrichment, "risk analysis failed: %s", reason)
}
