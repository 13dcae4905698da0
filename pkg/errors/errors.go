// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed error taxonomy shared by the gateway.
//
// Errors carry a stable machine-readable type so the HTTP and JSON-RPC edges
// can map them without string matching. Wrap underlying failures as the
// Cause; callers test categories with the Is* helpers or TypeOf.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrAuthRequired is returned when no credential is presented and anonymous access is disabled
	ErrAuthRequired = "auth_required"

	// ErrAuthInvalid is returned when a presented credential fails validation
	ErrAuthInvalid = "auth_invalid"

	// ErrNotFound is returned when an entity or run is missing or not visible
	ErrNotFound = "not_found"

	// ErrForbidden is returned when visibility or team scope denies access
	ErrForbidden = "forbidden"

	// ErrPolicyViolation is returned when a plugin blocks a request in enforce mode
	ErrPolicyViolation = "policy_violation"

	// ErrSSRFBlocked is returned when a passthrough target resolves to a refused address
	ErrSSRFBlocked = "ssrf_blocked"

	// ErrAllowlistViolation is returned when a passthrough host matches no allowlist entry
	ErrAllowlistViolation = "allowlist_violation"

	// ErrPayloadTooLarge is returned when a passthrough body exceeds the configured limit
	ErrPayloadTooLarge = "payload_too_large"

	// ErrUpstreamUnavailable is returned on DNS or connection-level upstream failures
	ErrUpstreamUnavailable = "upstream_unavailable"

	// ErrUpstreamTimeout is returned when a pool or RPC deadline elapses
	ErrUpstreamTimeout = "upstream_timeout"

	// ErrUpstreamError is returned when the upstream answered with a failure
	ErrUpstreamError = "upstream_error"

	// ErrCircuitOpen is returned by the pool while the creation circuit is open
	ErrCircuitOpen = "circuit_open"

	// ErrAcquireTimeout is returned when the pool is saturated past acquire_timeout
	ErrAcquireTimeout = "acquire_timeout"

	// ErrCancelled is returned when a run was cancelled locally or cluster-wide
	ErrCancelled = "cancelled"

	// ErrInvalidArgs is returned when call arguments fail schema validation
	ErrInvalidArgs = "invalid_args"

	// ErrInternal is returned for unexpected failures
	ErrInternal = "internal"
)

// StatusClientClosedRequest is the nginx-style status reported for cancelled runs.
const StatusClientClosedRequest = 499

// Error represents a typed error in the gateway.
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error

	// Meta carries structured detail exposed to clients, such as the
	// plugin name and reason on a policy violation. Never put secrets here.
	Meta map[string]any
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewAuthRequiredError creates a new auth required error
func NewAuthRequiredError(message string, cause error) *Error {
	return NewError(ErrAuthRequired, message, cause)
}

// NewAuthInvalidError creates a new auth invalid error
func NewAuthInvalidError(message string, cause error) *Error {
	return NewError(ErrAuthInvalid, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewPolicyViolationError creates a policy violation error carrying the
// plugin name, severity, and reason for the client-facing response.
func NewPolicyViolationError(plugin, severity, reason string) *Error {
	return &Error{
		Type:    ErrPolicyViolation,
		Message: fmt.Sprintf("blocked by plugin %s: %s", plugin, reason),
		Meta: map[string]any{
			"plugin":   plugin,
			"severity": severity,
			"reason":   reason,
		},
	}
}

// NewSSRFBlockedError creates a new SSRF blocked error
func NewSSRFBlockedError(message string, cause error) *Error {
	return NewError(ErrSSRFBlocked, message, cause)
}

// NewAllowlistViolationError creates a new allowlist violation error
func NewAllowlistViolationError(message string, cause error) *Error {
	return NewError(ErrAllowlistViolation, message, cause)
}

// NewPayloadTooLargeError creates a new payload too large error
func NewPayloadTooLargeError(message string, cause error) *Error {
	return NewError(ErrPayloadTooLarge, message, cause)
}

// NewUpstreamUnavailableError creates a new upstream unavailable error
func NewUpstreamUnavailableError(message string, cause error) *Error {
	return NewError(ErrUpstreamUnavailable, message, cause)
}

// NewUpstreamTimeoutError creates a new upstream timeout error
func NewUpstreamTimeoutError(message string, cause error) *Error {
	return NewError(ErrUpstreamTimeout, message, cause)
}

// NewUpstreamError creates a new upstream error. The status of the upstream
// response, when known, belongs in Meta under "status_code".
func NewUpstreamError(message string, statusCode int, cause error) *Error {
	e := NewError(ErrUpstreamError, message, cause)
	if statusCode != 0 {
		e.Meta = map[string]any{"status_code": statusCode}
	}
	return e
}

// NewCircuitOpenError creates a new circuit open error
func NewCircuitOpenError(message string) *Error {
	return NewError(ErrCircuitOpen, message, nil)
}

// NewAcquireTimeoutError creates a new acquire timeout error
func NewAcquireTimeoutError(message string) *Error {
	return NewError(ErrAcquireTimeout, message, nil)
}

// NewCancelledError creates a new cancelled error
func NewCancelledError(message string, cause error) *Error {
	return NewError(ErrCancelled, message, cause)
}

// NewInvalidArgsError creates a new invalid arguments error
func NewInvalidArgsError(message string, cause error) *Error {
	return NewError(ErrInvalidArgs, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// TypeOf returns the taxonomy type of err, or ErrInternal when err carries
// no type. A nil err returns the empty string.
func TypeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// MetaOf returns the structured detail attached to err, if any.
func MetaOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Meta
	}
	return nil
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsAuthRequired checks if the error is an auth required error
func IsAuthRequired(err error) bool { return isType(err, ErrAuthRequired) }

// IsAuthInvalid checks if the error is an auth invalid error
func IsAuthInvalid(err error) bool { return isType(err, ErrAuthInvalid) }

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool { return isType(err, ErrNotFound) }

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool { return isType(err, ErrForbidden) }

// IsPolicyViolation checks if the error is a policy violation error
func IsPolicyViolation(err error) bool { return isType(err, ErrPolicyViolation) }

// IsSSRFBlocked checks if the error is an SSRF blocked error
func IsSSRFBlocked(err error) bool { return isType(err, ErrSSRFBlocked) }

// IsPayloadTooLarge checks if the error is a payload too large error
func IsPayloadTooLarge(err error) bool { return isType(err, ErrPayloadTooLarge) }

// IsUpstreamUnavailable checks if the error is an upstream unavailable error
func IsUpstreamUnavailable(err error) bool { return isType(err, ErrUpstreamUnavailable) }

// IsUpstreamTimeout checks if the error is an upstream timeout error
func IsUpstreamTimeout(err error) bool { return isType(err, ErrUpstreamTimeout) }

// IsCircuitOpen checks if the error is a circuit open error
func IsCircuitOpen(err error) bool { return isType(err, ErrCircuitOpen) }

// IsAcquireTimeout checks if the error is an acquire timeout error
func IsAcquireTimeout(err error) bool { return isType(err, ErrAcquireTimeout) }

// IsCancelled checks if the error is a cancelled error
func IsCancelled(err error) bool { return isType(err, ErrCancelled) }

// httpStatusByType maps taxonomy types to edge HTTP statuses. Passthrough
// responses that mirror upstream 4xx statuses bypass this table.
var httpStatusByType = map[string]int{
	ErrAuthRequired:        http.StatusUnauthorized,
	ErrAuthInvalid:         http.StatusUnauthorized,
	ErrNotFound:            http.StatusNotFound,
	ErrForbidden:           http.StatusForbidden,
	ErrPolicyViolation:     http.StatusUnprocessableEntity,
	ErrSSRFBlocked:         http.StatusForbidden,
	ErrAllowlistViolation:  http.StatusForbidden,
	ErrPayloadTooLarge:     http.StatusRequestEntityTooLarge,
	ErrUpstreamUnavailable: http.StatusBadGateway,
	ErrUpstreamTimeout:     http.StatusGatewayTimeout,
	ErrUpstreamError:       http.StatusBadGateway,
	ErrCircuitOpen:         http.StatusServiceUnavailable,
	ErrAcquireTimeout:      http.StatusServiceUnavailable,
	ErrCancelled:           StatusClientClosedRequest,
	ErrInvalidArgs:         http.StatusBadRequest,
	ErrInternal:            http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status for err's taxonomy type. Untyped errors
// map to 500.
func HTTPStatus(err error) int {
	if status, ok := httpStatusByType[TypeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// JSON-RPC error codes in the implementation-defined server range, plus the
// reserved internal error code for untyped failures.
const (
	CodeInternalError   = -32603
	CodeInvalidParams   = -32602
	CodeUpstreamFailure = -32000
	CodeCancelled       = -32001
	CodeTimeout         = -32002
	CodePolicyViolation = -32003
	CodeAuthFailure     = -32004
)

var rpcCodeByType = map[string]int64{
	ErrAuthRequired:        CodeAuthFailure,
	ErrAuthInvalid:         CodeAuthFailure,
	ErrNotFound:            CodeInvalidParams,
	ErrForbidden:           CodeAuthFailure,
	ErrPolicyViolation:     CodePolicyViolation,
	ErrSSRFBlocked:         CodePolicyViolation,
	ErrAllowlistViolation:  CodePolicyViolation,
	ErrPayloadTooLarge:     CodeInvalidParams,
	ErrUpstreamUnavailable: CodeUpstreamFailure,
	ErrUpstreamTimeout:     CodeTimeout,
	ErrUpstreamError:       CodeUpstreamFailure,
	ErrCircuitOpen:         CodeUpstreamFailure,
	ErrAcquireTimeout:      CodeUpstreamFailure,
	ErrCancelled:           CodeCancelled,
	ErrInvalidArgs:         CodeInvalidParams,
	ErrInternal:            CodeInternalError,
}

// JSONRPCError maps err to a JSON-RPC error code, message, and data payload.
// Internal errors report an opaque message; everything else reports the
// typed message plus Meta detail.
func JSONRPCError(err error) (int64, string, map[string]any) {
	errType := TypeOf(err)

	code, ok := rpcCodeByType[errType]
	if !ok {
		code = CodeInternalError
	}

	data := map[string]any{"type": errType}
	for k, v := range MetaOf(err) {
		data[k] = v
	}

	message := err.Error()
	if errType == ErrInternal {
		message = "internal_error"
	}

	return code, message, data
}
