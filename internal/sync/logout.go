package sync

import (
	"context"
	"fmt"
)

// Flusher is the part of Engine that FlushBeforeLogout needs.
type Flusher interface {
	HasUnsavedChanges() bool
	Flush(ctx context.Context, reason string, opts FlushOpts) error
}

// FlushBeforeLogout flushes unsaved changes before signing out. setBusy,
// when non-nil, is raised for the duration so the host can block input.
// A failed cloud write does not prevent sign-out: the pending marker and
// cache survive for the next session.
func FlushBeforeLogout(ctx context.Context, f Flusher, signOut func(context.Context) error, setBusy func(bool)) error {
	if setBusy != nil {
		setBusy(true)
		defer setBusy(false)
	}

	if f != nil && f.HasUnsavedChanges() {
		if err := f.Flush(ctx, ReasonLogout, FlushOpts{}); err != nil {
			return fmt.Errorf("sync: flushing before logout: %w", err)
		}
	}

	if signOut == nil {
		return nil
	}

	if err := signOut(ctx); err != nil {
		return fmt.Errorf("sync: signing out: %w", err)
	}

	return nil
}
