package pool

import (
	"context"
	"sync"
	"time"
)

// KillSignal is a one-shot broadcast stop. Once tripped it stays tripped.
type KillSignal struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

func NewKillSignal() *KillSignal {
	return &KillSignal{done: make(chan struct{})}
}

// Trip stops the pool. Only the first reason is kept; later trips are no-ops,
// which lets every role re-trip on exit without coordination.
func (k *KillSignal) Trip(reason string) {
	k.once.Do(func() {
		k.mu.Lock()
		k.reason = reason
		k.mu.Unlock()
		close(k.done)
	})
}

// Tripped reports whether Trip has been called.
func (k *KillSignal) Tripped() bool {
	select {
	case <-k.done:
		return true
	default:
		return false
	}
}

// Done is closed when the signal trips.
func (k *KillSignal) Done() <-chan struct{} {
	return k.done
}

// Reason returns the first trip reason, "" while running.
func (k *KillSignal) Reason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason
}

// ErrorMarker records that an unrecoverable condition happened during a run.
// It is separate from the kill signal: a run that finished cleanly also trips
// kill but leaves the marker unset.
type ErrorMarker struct {
	mu     sync.Mutex
	set    bool
	reason string
}

// Mark records reason. The first reason wins.
func (e *ErrorMarker) Mark(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		return
	}
	e.set = true
	e.reason = reason
}

func (e *ErrorMarker) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

func (e *ErrorMarker) Reason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// pause waits d, returning early when the kill signal trips or ctx ends.
// It reports whether the full wait elapsed.
func pause(ctx context.Context, kill *KillSignal, d time.Duration) bool {
	if d <= 0 {
		return !kill.Tripped() && ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-kill.Done():
		return false
	case <-ctx.Done():
		return false
	}
}
