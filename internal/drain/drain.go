// Package drain tracks plugin requests in flight so shutdown can wait for
// them.
package drain

import (
	"context"
	"sync/atomic"
	"time"
)

var (
	draining atomic.Bool
	inFlight atomic.Int64
)

// Start marks the process as draining.
func Start() { draining.Store(true) }

// Stop clears the draining flag.
func Stop() { draining.Store(false) }

// IsDraining reports whether draining is in progress.
func IsDraining() bool { return draining.Load() }

// Begin records a plugin request entering a handler.
func Begin() { inFlight.Add(1) }

// End records a plugin request leaving a handler.
func End() { inFlight.Add(-1) }

// InFlight returns the number of plugin requests being handled.
func InFlight() int64 { return inFlight.Load() }

// Wait blocks until no plugin request is in flight or ctx is done.
func Wait(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
