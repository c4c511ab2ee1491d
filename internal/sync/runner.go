package sync

import (
	"context"
	"fmt"
	"math"
	"time"
)

// passFunc runs one pass for a user.
type passFunc func(ctx context.Context, userID string) (*PassReport, error)

// runIsolated executes fn with panic recovery, so a bug triggered by one
// user's data fails that user's pass instead of the whole process. A panic
// is reported as a transient failure.
func runIsolated(ctx context.Context, userID string, fn passFunc) (report *PassReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			report = nil
			err = fmt.Errorf("sync: panic in pass for %s: %v: %w", userID, r, ErrTransient)
		}
	}()

	return fn(ctx, userID)
}

// longestDelay is the largest representable time.Duration.
const longestDelay = time.Duration(math.MaxInt64)

// backoffDelay returns base * 2^(failures-1), capped at maxDelay when it
// is positive. Zero failures means no delay. Uncapped delays saturate at
// longestDelay instead of overflowing.
func backoffDelay(base, maxDelay time.Duration, failures int) time.Duration {
	if failures <= 0 || base <= 0 {
		return 0
	}

	d := base
	for i := 1; i < failures; i++ {
		if d > longestDelay/2 {
			d = longestDelay
			break
		}

		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}

	if maxDelay > 0 {
		return min(d, maxDelay)
	}

	return d
}
