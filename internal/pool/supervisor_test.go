package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func credSettings() CredentialSettings {
	return CredentialSettings{
		CheckInterval:    2 * time.Millisecond,
		LockPollInterval: 2 * time.Millisecond,
		RefreshOffsets:   []time.Duration{20 * time.Minute, 10 * time.Minute, 5 * time.Minute},
		MaxFailures:      2,
	}
}

func runSupervisor(s *CredentialSupervisor) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func TestCredentialSupervisorWaitsForHeldLock(t *testing.T) {
	creds := newFakeCreds(time.Now().Add(time.Hour))
	lock := &fakeLock{held: true}
	kill, errs := NewKillSignal(), &ErrorMarker{}
	s := NewCredentialSupervisor(creds, lock, credSettings(), kill, errs, nil, quiet())

	done := runSupervisor(s)
	require.Eventually(t, func() bool {
		checks, _, _ := lock.snapshot()
		return checks >= 3
	}, time.Second, time.Millisecond)
	assert.Zero(t, creds.refreshCount(), "no refresh while the lock is held")

	kill.Trip("test over")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not observe the kill signal")
	}
	_, acquired, released := lock.snapshot()
	assert.False(t, acquired)
	assert.False(t, released, "a lock we never claimed is not released")
	assert.False(t, errs.IsSet())
}

func TestCredentialSupervisorProceedsOnceLockFrees(t *testing.T) {
	creds := newFakeCreds(time.Now().Add(time.Hour))
	lock := &fakeLock{held: true}
	kill, errs := NewKillSignal(), &ErrorMarker{}
	s := NewCredentialSupervisor(creds, lock, credSettings(), kill, errs, nil, quiet())

	done := runSupervisor(s)
	time.Sleep(10 * time.Millisecond)
	lock.setHeld(false)
	require.Eventually(t, func() bool { return creds.refreshCount() == 1 }, time.Second, time.Millisecond)

	kill.Trip("test over")
	require.NoError(t, <-done)
	_, acquired, released := lock.snapshot()
	assert.True(t, acquired)
	assert.True(t, released)
}

func TestCredentialSupervisorInitialRefreshFailureIsFatal(t *testing.T) {
	creds := newFakeCreds(time.Now().Add(time.Hour))
	creds.refreshErr = errRefresh
	lock := &fakeLock{}
	kill, errs := NewKillSignal(), &ErrorMarker{}
	s := NewCredentialSupervisor(creds, lock, credSettings(), kill, errs, nil, quiet())

	err := s.Run(context.Background())

	assert.ErrorIs(t, err, ErrFatal)
	assert.True(t, kill.Tripped())
	assert.Equal(t, "initial token refresh failed", errs.Reason())
	_, _, released := lock.snapshot()
	assert.True(t, released)
}

func TestCredentialSupervisorToleratesTwoFailures(t *testing.T) {
	// expiring soon, so every cycle tries to refresh; all but the initial one fail
	creds := newFakeCreds(time.Now().Add(time.Minute))
	creds.refreshErr = errRefresh
	creds.failAfter = 1
	lock := &fakeLock{}
	kill, errs := NewKillSignal(), &ErrorMarker{}
	s := NewCredentialSupervisor(creds, lock, credSettings(), kill, errs, nil, quiet())

	err := s.Run(context.Background())

	assert.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, 4, creds.refreshCount(), "initial refresh, two tolerated failures, one fatal")
	assert.True(t, kill.Tripped())
	assert.True(t, errs.IsSet())
	_, _, released := lock.snapshot()
	assert.True(t, released)
}

func TestCredentialSupervisorRefreshesNearExpiry(t *testing.T) {
	creds := newFakeCreds(time.Now().Add(15 * time.Minute))
	lock := &fakeLock{}
	kill, errs := NewKillSignal(), &ErrorMarker{}
	s := NewCredentialSupervisor(creds, lock, credSettings(), kill, errs, nil, quiet())

	done := runSupervisor(s)
	// 15 minutes left is inside the 20 minute offset, so the loop keeps refreshing
	require.Eventually(t, func() bool { return creds.refreshCount() >= 3 }, time.Second, time.Millisecond)
	kill.Trip("test over")
	require.NoError(t, <-done)
	assert.False(t, errs.IsSet())
}

func TestCredentialSupervisorOffsets(t *testing.T) {
	s := NewCredentialSupervisor(nil, nil, credSettings(), NewKillSignal(), &ErrorMarker{}, nil, quiet())
	assert.Equal(t, 20*time.Minute, s.offset(0))
	assert.Equal(t, 10*time.Minute, s.offset(1))
	assert.Equal(t, 5*time.Minute, s.offset(2))
	assert.Equal(t, 5*time.Minute, s.offset(7))
}

func TestDirectorySupervisor(t *testing.T) {
	kill, errs := NewKillSignal(), &ErrorMarker{}
	require.NoError(t, NewDirectorySupervisor(fakeDir{}, kill, errs, quiet()).Run(context.Background()))
	assert.False(t, kill.Tripped())

	err := NewDirectorySupervisor(fakeDir{err: assert.AnError}, kill, errs, quiet()).Run(context.Background())
	assert.ErrorIs(t, err, ErrFatal)
	assert.True(t, kill.Tripped())
	assert.True(t, errs.IsSet())
}
