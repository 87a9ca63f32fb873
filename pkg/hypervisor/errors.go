package hypervisor

import (
	"errors"
	"fmt"
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
	ErrUnsupported         = errors.New("hypervisor: not supported by this driver")
)

// Object errors
var (
	ErrUnknownObject = errors.New("hypervisor: object does not belong to this driver")
	ErrWrongKind     = errors.New("hypervisor: object has the wrong kind")
	ErrReleased      = errors.New("hypervisor: object already released")
)

// Runtime errors
var (
	ErrInvalidState = errors.New("hypervisor: operation not valid in current state")
)

// NativeError carries a failure reported by the framework.
type NativeError struct {
	Op          string
	Domain      string
	Code        int
	Description string
	Err         error
}

func (e *NativeError) Error() string {
	if e.Domain == "" {
		return fmt.Sprintf("hypervisor: %s: %s", e.Op, e.Description)
	}
	return fmt.Sprintf("hypervisor: %s: %s (%s %d)", e.Op, e.Description, e.Domain, e.Code)
}

func (e *NativeError) Unwrap() error { return e.Err }

// WrongKind builds an error for an object of an unexpected kind.
func WrongKind(op string, got Kind, want ...Kind) error {
	return fmt.Errorf("%s: got %s, want %v: %w", op, got, want, ErrWrongKind)
}
