package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by engine operations.
var (
	// ErrFunctionNotFound is returned when a trigger names a function that
	// no longer resolves at execution time.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrNoExecutor is returned when a function body needs a script
	// executor and none is configured.
	ErrNoExecutor = errors.New("no script executor configured")

	// ErrNoBus is returned by bus operations when no bus transport is configured.
	ErrNoBus = errors.New("no bus transport configured")

	// ErrNoRelay is returned by relay operations when no relay is configured.
	ErrNoRelay = errors.New("no relay configured")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// ExecError describes a failed function execution. It is converted into an
// error_<name> diagnostic label and never propagated into the drain loop.
type ExecError struct {
	// ModelID is the model the function ran on.
	ModelID int

	// Name is the function name.
	Name string

	// Panic is set when the function panicked rather than returned an error.
	Panic bool

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.Panic {
		return fmt.Sprintf("function %s on model %d panicked: %v", e.Name, e.ModelID, e.Err)
	}
	return fmt.Sprintf("function %s on model %d failed: %v", e.Name, e.ModelID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsExecError returns true if the error is an ExecError.
// Uses errors.As to handle wrapped errors.
func IsExecError(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee)
}
