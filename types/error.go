package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable reason code carried by errors and terminal events.
type ErrorCode string

// Lookup error codes
const (
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrConflict      ErrorCode = "CONFLICT"
)

// Directory error codes
const (
	ErrInvalidTrustVector ErrorCode = "INVALID_TRUST_VECTOR"
	ErrCapacityExceeded   ErrorCode = "CAPACITY_EXCEEDED"
	ErrAgentActive        ErrorCode = "AGENT_ACTIVE"
	ErrAgentIneligible    ErrorCode = "AGENT_INELIGIBLE"
	ErrTrustCritical      ErrorCode = "TRUST_CRITICAL"
)

// Dispatch error codes
const (
	ErrNoEligibleAgent    ErrorCode = "NO_ELIGIBLE_AGENT"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrApprovalPending    ErrorCode = "APPROVAL_PENDING"
	ErrTaskTimeout        ErrorCode = "TASK_TIMEOUT"
	ErrExecutionFailed    ErrorCode = "EXECUTION_FAILED"
	ErrGovernanceRejected ErrorCode = "GOVERNANCE_REJECTED"
	ErrTaskCancelled      ErrorCode = "TASK_CANCELLED"
)

// Governance error codes
const (
	ErrInsufficientQuorum ErrorCode = "INSUFFICIENT_QUORUM"
	ErrSessionNotActive   ErrorCode = "SESSION_NOT_ACTIVE"
	ErrSessionExpired     ErrorCode = "SESSION_EXPIRED"
	ErrNotParticipant     ErrorCode = "NOT_PARTICIPANT"
	ErrDuplicateVote      ErrorCode = "DUPLICATE_VOTE"
	ErrVoterIneligible    ErrorCode = "VOTER_INELIGIBLE"
)

// Swarm error codes
const (
	ErrSwarmFull ErrorCode = "SWARM_FULL"
)

// Error represents a structured error with code, message, and cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, types.NewError(types.ErrNotFound, "")) matches by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code from anywhere in err's chain.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
