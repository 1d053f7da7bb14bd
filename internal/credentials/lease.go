package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LockState is the observed state of the refresh lock file.
type LockState int

const (
	NotLocked LockState = iota
	Locked
)

func (s LockState) String() string {
	if s == Locked {
		return "locked"
	}
	return "not locked"
}

const (
	legacyLocked    = "locked"
	legacyNotLocked = "not locked"
	// a claim file older than this belongs to a claimer that died mid-claim
	staleClaimAge = time.Minute
)

type leaseFile struct {
	State     string    `json:"state"`
	Owner     string    `json:"owner,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Lease is the refresh lock: a lock file carrying an owner id and expiry so a
// crashed holder's lock is reclaimed after the TTL.
type Lease struct {
	path  string
	ttl   time.Duration
	owner string
	now   func() time.Time
}

// NewLease creates a lease handle with a fresh owner id.
func NewLease(path string, ttl time.Duration) *Lease {
	return &Lease{path: path, ttl: ttl, owner: uuid.NewString(), now: time.Now}
}

// Owner is this handle's owner id.
func (l *Lease) Owner() string {
	return l.owner
}

// Check reports whether someone currently holds a live lease.
func (l *Lease) Check() (LockState, error) {
	lf, legacy, err := l.read()
	if err != nil {
		return NotLocked, err
	}
	return l.stateOf(lf, legacy), nil
}

func (l *Lease) stateOf(lf *leaseFile, legacyModTime time.Time) LockState {
	if lf == nil || lf.State != legacyLocked {
		return NotLocked
	}
	now := l.now()
	if !legacyModTime.IsZero() {
		if now.Sub(legacyModTime) > l.ttl {
			return NotLocked
		}
		return Locked
	}
	if !lf.ExpiresAt.After(now) {
		return NotLocked
	}
	return Locked
}

// read returns the parsed lock file. For the bare legacy "locked" string the
// file mtime is returned as the second value.
func (l *Lease) read() (*leaseFile, time.Time, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read lock file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	switch text {
	case "", legacyNotLocked:
		return &leaseFile{State: legacyNotLocked}, time.Time{}, nil
	case legacyLocked:
		info, err := os.Stat(l.path)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to stat lock file: %w", err)
		}
		return &leaseFile{State: legacyLocked}, info.ModTime(), nil
	}

	var lf leaseFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: lock file %s: %v", ErrInvalidRecord, l.path, err)
	}
	return &lf, time.Time{}, nil
}

// Acquire claims the lease if nobody else holds a live one. It returns false
// without error when the lease is held elsewhere or another claim is in flight.
func (l *Lease) Acquire() (bool, error) {
	release, ok, err := l.claim()
	if err != nil || !ok {
		return false, err
	}
	defer release()

	lf, legacy, err := l.read()
	if err != nil {
		return false, err
	}
	if l.stateOf(lf, legacy) == Locked && lf.Owner != l.owner {
		return false, nil
	}
	return true, l.write()
}

// Renew pushes the expiry forward. It fails if the lease was taken over.
func (l *Lease) Renew() error {
	lf, _, err := l.read()
	if err != nil {
		return err
	}
	if lf == nil || lf.Owner != l.owner {
		return fmt.Errorf("lease %s is not held by %s", l.path, l.owner)
	}
	return l.write()
}

// Release marks the lock free if this handle owns it.
func (l *Lease) Release() error {
	lf, _, err := l.read()
	if err != nil {
		return err
	}
	if lf == nil || lf.Owner != l.owner {
		return nil
	}
	return writeAtomic(l.path, []byte(legacyNotLocked), 0o644)
}

func (l *Lease) write() error {
	data, err := json.Marshal(leaseFile{State: legacyLocked, Owner: l.owner, ExpiresAt: l.now().Add(l.ttl)})
	if err != nil {
		return err
	}
	return writeAtomic(l.path, data, 0o644)
}

// claim takes the sibling claim file with O_EXCL so only one process can run
// the check-then-write section at a time.
func (l *Lease) claim() (func(), bool, error) {
	claimPath := l.path + ".claim"
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(claimPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(l.owner)
			f.Close()
			return func() { os.Remove(claimPath) }, true, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, false, fmt.Errorf("failed to create claim file: %w", err)
		}
		info, statErr := os.Stat(claimPath)
		if statErr != nil || l.now().Sub(info.ModTime()) < staleClaimAge {
			return nil, false, nil
		}
		os.Remove(claimPath)
	}
	return nil, false, nil
}
