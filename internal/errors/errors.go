// Package errors holds the consolidated error definitions for gridpulse.
//
// This file provides:
// - Wire protocol error codes
// - Sentinel errors for every error condition of the engine
// - Error category checking functions
// - ErrorToCode / HTTPStatus mapping
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Wire protocol error codes - used in TCP ingestion replies
// ============================================================================

const (
	CodeUnknown        int32 = 1
	CodeInvalidRequest int32 = 2
	CodeValidation     int32 = 3
	CodeOutOfOrder     int32 = 4
	CodeOverloaded     int32 = 5
	CodeNotRunning     int32 = 6
	CodeNotFound       int32 = 7
	CodeInternal       int32 = 8
	CodeTimeout        int32 = 9
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeValidation:
		return "Validation"
	case CodeOutOfOrder:
		return "OutOfOrder"
	case CodeOverloaded:
		return "Overloaded"
	case CodeNotRunning:
		return "NotRunning"
	case CodeNotFound:
		return "NotFound"
	case CodeInternal:
		return "Internal"
	case CodeTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Validation errors (recoverable, the reading is dropped and counted)
	ErrValidation     = errors.New("validation failed")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrDerivedChannel = errors.New("derived channel cannot be ingested")
	ErrNonFinite      = errors.New("value is not finite")
	ErrOutOfRange     = errors.New("value out of physical range")
	ErrOutOfOrder     = errors.New("timestamp not after last accepted")

	// Configuration errors (fatal at construction)
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Subscriber errors (isolated per subscriber)
	ErrSubscriber       = errors.New("subscriber failed")
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrDeliveryTimeout  = errors.New("subscriber delivery timed out")

	// Runtime state errors
	ErrNotRunning     = errors.New("engine not running")
	ErrAlreadyRunning = errors.New("engine already running")
	ErrOverloaded     = errors.New("ingestion overloaded")
	ErrBufferFull     = errors.New("buffer full")
	ErrTimeout        = errors.New("timeout")

	// Lookup errors
	ErrNotFound     = errors.New("not found")
	ErrTierNotFound = errors.New("rollup tier not found")

	// Persistence errors
	ErrCorrupt = errors.New("corrupt record")
	ErrClosed  = errors.New("already closed")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternal       = errors.New("internal error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsValidation returns true if err rejects a single reading.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnknownChannel) ||
		errors.Is(err, ErrDerivedChannel) ||
		errors.Is(err, ErrNonFinite) ||
		errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrOutOfOrder)
}

// IsConfiguration returns true if err is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsSubscriber returns true if err originated in a subscriber.
func IsSubscriber(err error) bool {
	return errors.Is(err, ErrSubscriber) ||
		errors.Is(err, ErrSubscriberClosed) ||
		errors.Is(err, ErrDeliveryTimeout)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTierNotFound)
}

// IsRetriable returns true if the same reading may succeed later.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrBufferFull) ||
		errors.Is(err, ErrTimeout)
}

// ============================================================================
// Error to wire code / HTTP status mapping
// ============================================================================

// ErrorToCode maps an error to its wire protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrOutOfOrder):
		return CodeOutOfOrder
	case IsValidation(err):
		return CodeValidation
	case Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case Is(err, ErrOverloaded), Is(err, ErrBufferFull):
		return CodeOverloaded
	case Is(err, ErrNotRunning):
		return CodeNotRunning
	case IsNotFound(err):
		return CodeNotFound
	case Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeInvalidRequest:
		return ErrInvalidRequest
	case CodeValidation:
		return ErrValidation
	case CodeOutOfOrder:
		return ErrOutOfOrder
	case CodeOverloaded:
		return ErrOverloaded
	case CodeNotRunning:
		return ErrNotRunning
	case CodeNotFound:
		return ErrNotFound
	case CodeTimeout:
		return ErrTimeout
	default:
		return ErrInternal
	}
}

// HTTPStatus maps an error to the REST status code of the query API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case Is(err, ErrOutOfOrder):
		return http.StatusConflict
	case IsValidation(err), Is(err, ErrInvalidRequest):
		return http.StatusUnprocessableEntity
	case IsNotFound(err):
		return http.StatusNotFound
	case Is(err, ErrOverloaded), Is(err, ErrBufferFull):
		return http.StatusTooManyRequests
	case Is(err, ErrNotRunning):
		return http.StatusServiceUnavailable
	case Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a configuration validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid configuration value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// NewRejection creates a reading rejection that matches both ErrValidation
// and the specific cause.
func NewRejection(channel string, cause error, format string, args ...interface{}) error {
	return &RejectionError{
		Channel: channel,
		Cause:   cause,
		Detail:  fmt.Sprintf(format, args...),
	}
}

// RejectionError describes why a single reading was rejected.
type RejectionError struct {
	Channel string
	Cause   error
	Detail  string
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("channel %q: %v", e.Channel, e.Cause)
	}
	return fmt.Sprintf("channel %q: %v: %s", e.Channel, e.Cause, e.Detail)
}

// Unwrap exposes both the validation category and the specific cause.
func (e *RejectionError) Unwrap() []error {
	return []error{ErrValidation, e.Cause}
}

// Reason returns a short label for metrics.
func (e *RejectionError) Reason() string {
	switch {
	case errors.Is(e.Cause, ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(e.Cause, ErrDerivedChannel):
		return "derived_channel"
	case errors.Is(e.Cause, ErrNonFinite):
		return "non_finite"
	case errors.Is(e.Cause, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(e.Cause, ErrOutOfOrder):
		return "out_of_order"
	default:
		return "other"
	}
}

// RejectReason returns the metrics label of a rejection, or "other".
func RejectReason(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason()
	}
	return "other"
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
