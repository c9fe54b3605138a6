package sync

import (
	"context"
	"fmt"
)

// callCloud runs fn under the cloud timeout. When the timeout fires first,
// fn's context is cancelled and callCloud returns without waiting for fn.
// An adapter that does not honor cancellation may still be running; the
// next cloud call waits for it to return, so at most one cloud operation
// is ever in flight. Caller holds the slot.
func (e *Engine) callCloud(parent context.Context, step Step, fn func(context.Context) error) *StepError {
	ctx, cancel := context.WithTimeout(parent, e.cloudTimeout)
	defer cancel()

	if prev := e.abandoned; prev != nil {
		select {
		case <-prev:
			e.abandoned = nil
		case <-ctx.Done():
			return e.timeoutError(parent, step)
		}
	}

	done := make(chan struct{})

	var callErr error

	go func() {
		defer close(done)
		callErr = fn(ctx)
	}()

	select {
	case <-done:
		if callErr != nil {
			if parent.Err() == nil && ctx.Err() != nil {
				return e.timeoutError(parent, step)
			}

			return newStepError(step, callErr)
		}

		return nil
	case <-ctx.Done():
		e.abandoned = done
		return e.timeoutError(parent, step)
	}
}

func (e *Engine) timeoutError(parent context.Context, step Step) *StepError {
	if err := parent.Err(); err != nil {
		return newStepError(step, err)
	}

	return &StepError{
		Step: step,
		Code: CodeTimeout,
		Err:  fmt.Errorf("%w after %s", ErrTimeout, e.cloudTimeout),
	}
}
