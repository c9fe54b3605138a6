package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/tonimelisma/ownedsync/internal/cloud"
)

// ErrTimeout indicates a cloud operation did not finish within the
// engine's cloud timeout.
var ErrTimeout = errors.New("sync: cloud operation timed out")

// Error codes surfaced in Status.ErrorCode.
const (
	CodeTimeout      = "timeout"
	CodeCanceled     = "canceled"
	CodeThrottled    = "throttled"
	CodeUnauthorized = "unauthorized"
	CodeRejected     = "rejected"
	CodeUnavailable  = "unavailable"
	CodeUnknown      = "unknown"
)

// StepError tags a cloud failure with the step that produced it.
type StepError struct {
	Step Step
	Code string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("sync: %s failed (%s): %v", e.Step, e.Code, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// newStepError wraps err with step and a classified code.
func newStepError(step Step, err error) *StepError {
	return &StepError{Step: step, Code: classify(err), Err: err}
}

// classify maps a cloud error to a status code. Every cloud failure is
// treated as transient by the engine; the code only informs the user.
func classify(err error) string {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, cloud.ErrThrottled):
		return CodeThrottled
	case errors.Is(err, cloud.ErrUnauthorized), errors.Is(err, cloud.ErrForbidden):
		return CodeUnauthorized
	case errors.Is(err, cloud.ErrBadRequest), errors.Is(err, cloud.ErrConflict):
		return CodeRejected
	case errors.Is(err, cloud.ErrServerError), errors.Is(err, cloud.ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeUnknown
	}
}
