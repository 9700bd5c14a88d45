/*
errors.go - Centralized error types for the circulation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Policy, request and service packages build on these rather than
  inventing their own failure shapes.

ERROR CATEGORIES:
  1. Validation errors - a business rule was violated (not loanable,
     renewal limit reached, item does not exist, ...)
  2. Policy configuration errors - a subset of validation errors raised
     when policy data is malformed or incomplete
  3. Server errors - an unexpected fault trapped at the policy boundary
  4. Store errors - a referenced record does not exist, or a write
     conflicts with an existing open loan

VALIDATION SHAPE:
  Every validation failure carries a human-readable message and named
  parameters for the offending fields:

    {"message": "loan is not renewable",
     "parameters": [{"key": "loanPolicyId", "value": "..."}]}

  Multi-rule operations (renew, recall) return ValidationErrors, a list of
  every violated rule, instead of stopping at the first one.

USAGE:
    if errs, ok := circulation.ValidationErrorsOf(err); ok {
        for _, e := range errs { ... }
    }
    if errors.Is(err, circulation.ErrPolicyConfiguration) { ... }
*/
package circulation

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrPolicyConfiguration matches failures caused by malformed or missing
	// policy data (unknown profile, unrecognised interval, invalid duration).
	ErrPolicyConfiguration = errors.New("invalid policy configuration")

	// ErrServer matches unexpected faults converted into a ServerError.
	ErrServer = errors.New("server error")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by stores when a write would leave an item
	// with more than one open loan.
	ErrConflict = errors.New("conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Parameter names an offending field of a validation failure.
type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ValidationError is a single violated business rule.
type ValidationError struct {
	Message    string
	Parameters []Parameter

	// Cause is the underlying failure, if any (e.g. a *policy.IntervalError).
	Cause error
}

// NewValidationError creates a validation error with a single parameter.
func NewValidationError(message, key, value string) *ValidationError {
	return &ValidationError{
		Message:    message,
		Parameters: []Parameter{{Key: key, Value: value}},
	}
}

func (e *ValidationError) Error() string {
	if len(e.Parameters) == 0 {
		return e.Message
	}
	params := make([]string, len(e.Parameters))
	for i, p := range e.Parameters {
		params[i] = p.Key + "=" + p.Value
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(params, ", "))
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Cause}
}

// Parameter returns the value of the named parameter.
func (e *ValidationError) Parameter(key string) (string, bool) {
	for _, p := range e.Parameters {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// ValidationErrors is an accumulated list of violated rules.
type ValidationErrors []*ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (errs ValidationErrors) Unwrap() []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

// Messages returns the message of every contained error, in order.
func (errs ValidationErrors) Messages() []string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Message
	}
	return msgs
}

// ServerError wraps an unexpected fault so callers always get a structured
// result instead of a panic.
type ServerError struct {
	Cause error
}

func (e *ServerError) Error() string {
	if e.Cause == nil {
		return ErrServer.Error()
	}
	return fmt.Sprintf("%s: %v", ErrServer, e.Cause)
}

func (e *ServerError) Unwrap() error { return e.Cause }

func (e *ServerError) Is(target error) bool { return target == ErrServer }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// FailedValidation returns a ValidationErrors holding a single error.
func FailedValidation(message, key, value string) error {
	return ValidationErrors{NewValidationError(message, key, value)}
}

// ValidationErrorsOf extracts every validation error carried by err.
// It accepts a single *ValidationError as well as a ValidationErrors list.
func ValidationErrorsOf(err error) (ValidationErrors, bool) {
	var errs ValidationErrors
	if errors.As(err, &errs) {
		return errs, true
	}
	var single *ValidationError
	if errors.As(err, &single) {
		return ValidationErrors{single}, true
	}
	return nil, false
}

// RecoverServerError converts a recovered panic value into a ServerError.
// Use as: defer func() { circulation.RecoverServerError(recover(), &err) }()
func RecoverServerError(recovered any, err *error) {
	if recovered == nil {
		return
	}
	if e, ok := recovered.(error); ok {
		*err = &ServerError{Cause: e}
		return
	}
	*err = &ServerError{Cause: fmt.Errorf("%v", recovered)}
}

// IsValidation returns true if the error is due to a violated business rule.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsServerError returns true if the error is an unexpected fault.
func IsServerError(err error) bool {
	return errors.Is(err, ErrServer)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is a rejected duplicate write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
