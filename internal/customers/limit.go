package customers

import (
	"context"
	"fmt"
)

// LimitChecker enforces the per-workspace customer plan limit before batch
// creates. The check is advisory: count and insert are not atomic, so heavy
// concurrent imports can race past the limit by one batch.
type LimitChecker struct {
	store        Store
	maxCustomers int64
}

// NewLimitChecker creates a checker. maxCustomers <= 0 disables the limit.
func NewLimitChecker(store Store, maxCustomers int64) *LimitChecker {
	return &LimitChecker{store: store, maxCustomers: maxCustomers}
}

// Check returns ErrCapacityExceeded when inserting `adding` customers would
// push the workspace past its limit.
func (l *LimitChecker) Check(ctx context.Context, workspaceID string, adding int) error {
	if l.maxCustomers <= 0 || adding == 0 {
		return nil
	}

	current, err := l.store.CountByWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("count workspace customers: %w", err)
	}

	if current+int64(adding) > l.maxCustomers {
		return fmt.Errorf("%w: %d existing + %d new > limit %d",
			ErrCapacityExceeded, current, adding, l.maxCustomers)
	}
	return nil
}
