package virtualization

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by this package.
type ErrorKind int

const (
	// KindConstruction: the framework refused to create an object.
	KindConstruction ErrorKind = iota + 1
	// KindValidation: a configuration is incomplete or inconsistent.
	KindValidation
	// KindAsync: an asynchronous operation reported an error.
	KindAsync
	// KindEmptyResponse: an asynchronous operation returned neither a result
	// nor an error.
	KindEmptyResponse
	// KindUnsupported: the host or driver cannot do this.
	KindUnsupported
	// KindState: the machine is not in a state that allows the operation.
	KindState
)

func (k ErrorKind) String() string {
	switch k {
	case KindConstruction:
		return "construction"
	case KindValidation:
		return "validation"
	case KindAsync:
		return "async"
	case KindEmptyResponse:
		return "empty response"
	case KindUnsupported:
		return "unsupported"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Sentinels matching each kind with errors.Is.
var (
	ErrConstruction  = errors.New("virtualization: object construction failed")
	ErrValidation    = errors.New("virtualization: invalid configuration")
	ErrAsync         = errors.New("virtualization: asynchronous operation failed")
	ErrEmptyResponse = errors.New("virtualization: framework returned neither a result nor an error")
	ErrUnsupported   = errors.New("virtualization: not supported")
	ErrInvalidState  = errors.New("virtualization: operation not valid in current state")
)

// Usage errors
var (
	ErrNilObject          = errors.New("virtualization: framework returned a nil object")
	ErrHandleReleased     = errors.New("virtualization: handle already released")
	ErrBuilderConsumed    = errors.New("virtualization: builder already built")
	ErrConfigurationInUse = errors.New("virtualization: configuration already backs a machine")
	ErrQueueClosed        = errors.New("virtualization: queue closed")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConstruction:
		return ErrConstruction
	case KindValidation:
		return ErrValidation
	case KindAsync:
		return ErrAsync
	case KindEmptyResponse:
		return ErrEmptyResponse
	case KindUnsupported:
		return ErrUnsupported
	case KindState:
		return ErrInvalidState
	}
	return nil
}

// Error is the error type returned by this package.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("virtualization: %s: %s failed", e.Op, e.Kind)
	}
	return fmt.Sprintf("virtualization: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ValidationError reports a configuration problem. Field is set when a
// required builder field is missing; Reason carries the framework's
// description otherwise.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("virtualization: invalid configuration: %s is required", e.Field)
	}
	return "virtualization: invalid configuration: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
