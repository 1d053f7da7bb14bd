// Package retry holds the delay ladders and the injectable sleep used by every
// remote call site.
package retry

import (
	"context"
	"time"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoSleep returns immediately, for tests.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Ladder is an escalating delay table indexed by attempt number (1-based).
type Ladder struct {
	Delays []time.Duration
	// Tail is the delay reported once the ladder is exhausted.
	Tail time.Duration
}

// Next returns the delay before the given attempt and whether to go ahead
// with it. Attempts past the end of the ladder stop.
func (l Ladder) Next(attempt int) (time.Duration, bool) {
	if attempt >= 1 && attempt <= len(l.Delays) {
		return l.Delays[attempt-1], true
	}
	return l.Tail, false
}

// Attempts is the number of retries the ladder allows.
func (l Ladder) Attempts() int {
	return len(l.Delays)
}
