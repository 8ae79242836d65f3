package executor

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	// ErrValidation marks failures retrying cannot fix: unknown prompt
	// version, missing template variable. The run fails immediately.
	ErrValidation = errors.New("validation error")
	// ErrRetriesExhausted marks a transient failure that survived every
	// allowed attempt and is now permanent.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// RunError wraps errors with run context.
type RunError struct {
	RunID string
	Op    string // The operation that failed
	Err   error
}

func (e *RunError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("run %s: %s: %s", e.RunID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
