package sandbox

import "errors"

var (
	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("invalid timeout (must be >= 0)")

	// ErrInvalidOutputLimit is returned when the output limit is invalid
	ErrInvalidOutputLimit = errors.New("invalid output limit (must be >= 0)")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")
)
