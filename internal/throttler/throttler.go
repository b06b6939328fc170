// Package throttler paces block writes to a configured average rate,
// charging header bytes exactly once per block per spec.md §4.3's
// sendOneByteSource description.
package throttler

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttler limits the aggregate byte rate across every sender thread
// sharing it, matching WDT's process-wide (not per-connection) throttle.
type Throttler struct {
	limiter *rate.Limiter
}

// New returns a Throttler capped at bytesPerSecond, or a no-op Throttler
// if bytesPerSecond <= 0. burst (default bytesPerSecond) is the bucket
// size: the largest n a single Limit call accepts.
func New(bytesPerSecond, burst int64) *Throttler {
	if bytesPerSecond <= 0 {
		return &Throttler{}
	}
	if burst <= 0 {
		burst = bytesPerSecond
	}
	return &Throttler{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))}
}

// Limit blocks until n bytes may be sent under the configured rate. It
// returns an error without waiting if n exceeds the burst or the wait would
// outlast ctx. A nil or unconfigured Throttler never blocks.
func (t *Throttler) Limit(ctx context.Context, n int) error {
	if t == nil || t.limiter == nil || n <= 0 {
		return nil
	}
	return t.limiter.WaitN(ctx, n)
}

// Enabled reports whether this Throttler actually paces traffic.
func (t *Throttler) Enabled() bool {
	return t != nil && t.limiter != nil
}
