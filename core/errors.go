package core

import (
	"errors"
	"fmt"
)

// Error taxonomy for the build service. Admission-time errors are returned
// synchronously to the caller; pipeline-time errors are captured into the
// job record and never cross the worker boundary.
var (
	ErrInvalidRequest        = errors.New("invalid build request")
	ErrConflict              = errors.New("conflicting build request")
	ErrInsufficientResources = errors.New("insufficient memory capacity")
	ErrNotFound              = errors.New("job not found")
	ErrTransfer              = errors.New("object transfer failed")
	ErrBuild                 = errors.New("index build failed")
)

func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func Transferf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransfer, fmt.Sprintf(format, args...))
}

func Buildf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBuild, fmt.Sprintf(format, args...))
}
