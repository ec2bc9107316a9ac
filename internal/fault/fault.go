// Package fault defines the error taxonomy shared by the pipeline, the
// audit log, and the HTTP surface. Classification decides retry behavior:
// validation and policy faults are terminal, transient faults are retried
// by the caller, integrity faults halt progress entirely.
package fault

import (
	"errors"
	"fmt"
)

// ValidationError marks input that can never succeed (unsupported
// container, zero duration, over policy limits). Not retryable.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// TransientError marks a failure that may succeed on retry (timeouts,
// temporary I/O or store errors).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IntegrityError marks an audit-chain write failure or verification
// mismatch. Must never be swallowed; the affected job stays halted.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string { return fmt.Sprintf("integrity: %s: %v", e.Op, e.Err) }
func (e *IntegrityError) Unwrap() error { return e.Err }

// PolicyError marks a request rejected for safety (e.g. an unsafe
// correction-rule pattern).
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "policy: " + e.Reason }

func Validation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func Integrity(op string, err error) error {
	return &IntegrityError{Op: op, Err: err}
}

func Policy(format string, args ...any) error {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

func IsIntegrity(err error) bool {
	var e *IntegrityError
	return errors.As(err, &e)
}

func IsPolicy(err error) bool {
	var e *PolicyError
	return errors.As(err, &e)
}

// Class returns the taxonomy name for an error, for audit payloads and
// API responses. Unclassified errors report as "internal".
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsTransient(err):
		return "transient"
	case IsIntegrity(err):
		return "integrity"
	case IsPolicy(err):
		return "policy"
	default:
		return "internal"
	}
}
