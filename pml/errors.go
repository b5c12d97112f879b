package pml

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks caller-contract violations detected by Init.
	ErrInvalidArgument = errors.New("pml: invalid argument")
	// ErrAlreadyInitialized indicates Init was called on a bound request.
	ErrAlreadyInitialized = errors.New("pml: request already initialized")
	// ErrRequestActive indicates the request is owned by the transport.
	ErrRequestActive = errors.New("pml: request active")
	// ErrRequestFreed indicates the request was already freed.
	ErrRequestFreed = errors.New("pml: request freed")
	// ErrNotInitialized indicates the request has not been bound with Init.
	ErrNotInitialized = errors.New("pml: request not initialized")
	// ErrNotActive indicates the request has no operation in flight.
	ErrNotActive = errors.New("pml: request not active")
	// ErrNotRestartable indicates a completed one-shot request was started again.
	ErrNotRestartable = errors.New("pml: request is not persistent")
	// ErrAlreadyReturned indicates the shared references were already released.
	ErrAlreadyReturned = errors.New("pml: request references already returned")
	// ErrClosed indicates the engine has already been closed.
	ErrClosed = errors.New("pml: engine closed")
	// ErrNoCompletion indicates a transport has no completion ready.
	ErrNoCompletion = errors.New("pml: no completion available")
	// ErrNoTransport indicates an engine was configured without a transport.
	ErrNoTransport = errors.New("pml: transport required")
)

// StateError reports an operation attempted in the wrong lifecycle state.
type StateError struct {
	Op    string
	State State
	Err   error
}

func (e StateError) Error() string {
	return fmt.Sprintf("pml: %s in state %s: %v", e.Op, e.State, e.Err)
}

// Unwrap allows errors.Is to match the underlying sentinel.
func (e StateError) Unwrap() error {
	return e.Err
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
