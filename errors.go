package stategraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error
	ErrorTypeAll = "all"

	// ErrorTypeStructural indicates an invalid graph definition. Structural
	// errors are raised at compile time and never reach execution.
	ErrorTypeStructural = "structural"

	// ErrorTypeNode indicates a node's external call or internal logic failed
	ErrorTypeNode = "node"

	// ErrorTypeValidation indicates a node-generated payload (e.g. a SQL
	// query) was rejected by a safety gate before reaching its client. It is
	// handled like a node failure but logged distinctly, since it suggests a
	// malformed or adversarial payload rather than a transient fault.
	ErrorTypeValidation = "validation"

	// ErrorTypePersistence indicates a checkpoint or record write failed.
	// Persistence errors are retried with backoff before failing the run.
	ErrorTypePersistence = "persistence"

	// ErrorTypeTimeout indicates a node exceeded its execution deadline
	ErrorTypeTimeout = "timeout"
)

// Error represents a structured runtime error with classification.
// It supports Go's error wrapping patterns with Unwrap() method.
type Error struct {
	Type    string      `json:"type"`
	Node    string      `json:"node,omitempty"`
	Cause   string      `json:"cause"`
	Details interface{} `json:"details,omitempty"`
	Wrapped error       `json:"-"` // Original error being wrapped
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Type, e.Node, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// StructuralError is returned by Compile when a graph definition is invalid.
// It carries every violation found so a definition can be fixed in one pass.
type StructuralError struct {
	Violations []string `json:"violations"`
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural: invalid graph definition: %s",
		strings.Join(e.Violations, "; "))
}

// NewStructuralError creates a StructuralError from a list of violations.
func NewStructuralError(violations []string) *StructuralError {
	return &StructuralError{Violations: violations}
}

// NewNodeError creates an Error marking a node execution failure.
func NewNodeError(node string, err error) *Error {
	return &Error{Type: ErrorTypeNode, Node: node, Cause: err.Error(), Wrapped: err}
}

// NewValidationError creates an Error marking a rejected node payload.
func NewValidationError(node, cause string) *Error {
	return &Error{Type: ErrorTypeValidation, Node: node, Cause: cause}
}

// NewPersistenceError creates an Error marking a failed store write or read.
func NewPersistenceError(op string, err error) *Error {
	return &Error{Type: ErrorTypePersistence, Cause: fmt.Sprintf("%s: %s", op, err), Wrapped: err}
}

// NewTimeoutError creates an Error marking a node deadline expiry.
func NewTimeoutError(node string, err error) *Error {
	return &Error{Type: ErrorTypeTimeout, Node: node, Cause: err.Error(), Wrapped: err}
}

// ClassifyError attempts to classify a regular error into a typed Error
func ClassifyError(err error) *Error {
	// If the error is already typed, return it
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	// Check for timeout patterns
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &Error{
			Type:    ErrorTypeTimeout,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	// Default to a node failure
	return &Error{
		Type:    ErrorTypeNode,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	if errorType == ErrorTypeAll {
		return true
	}
	return ClassifyError(err).Type == errorType
}

// IsTimeout reports whether the error is a node timeout.
func IsTimeout(err error) bool {
	return MatchesErrorType(err, ErrorTypeTimeout)
}
