package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaywantadh/offsite/internal/credentials"
	"github.com/jaywantadh/offsite/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ErrFatal is returned by roles that stopped the pool.
var ErrFatal = errors.New("pool: unrecoverable failure")

// CredentialSource reads and refreshes the persisted token pair.
type CredentialSource interface {
	Read() (credentials.Record, error)
	Refresh(ctx context.Context) (credentials.Record, error)
}

// Locker guards token refresh across processes.
type Locker interface {
	Check() (credentials.LockState, error)
	Acquire() (bool, error)
	Renew() error
	Release() error
}

// CredentialSettings tunes the refresh loop.
type CredentialSettings struct {
	CheckInterval    time.Duration
	LockPollInterval time.Duration
	// RefreshOffsets is indexed by the consecutive failure count; the last
	// entry is used once the count runs past the end.
	RefreshOffsets []time.Duration
	// MaxFailures consecutive refresh failures are tolerated; one more is fatal.
	MaxFailures int
}

// DefaultCredentialSettings checks every minute, polls a held lock every five
// minutes and refreshes 20, 10 then 5 minutes before expiry.
var DefaultCredentialSettings = CredentialSettings{
	CheckInterval:    60 * time.Second,
	LockPollInterval: 300 * time.Second,
	RefreshOffsets:   []time.Duration{20 * time.Minute, 10 * time.Minute, 5 * time.Minute},
	MaxFailures:      2,
}

// CredentialSupervisor keeps the access token fresh for the whole run while
// holding the refresh lock.
type CredentialSupervisor struct {
	creds    CredentialSource
	lock     Locker
	settings CredentialSettings
	kill     *KillSignal
	errs     *ErrorMarker
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewCredentialSupervisor(creds CredentialSource, lock Locker, settings CredentialSettings, kill *KillSignal, errs *ErrorMarker, m *metrics.Metrics, log logrus.FieldLogger) *CredentialSupervisor {
	if len(settings.RefreshOffsets) == 0 {
		settings.RefreshOffsets = DefaultCredentialSettings.RefreshOffsets
	}
	return &CredentialSupervisor{
		creds:    creds,
		lock:     lock,
		settings: settings,
		kill:     kill,
		errs:     errs,
		metrics:  m,
		log:      log.WithField("role", "credentials"),
		now:      time.Now,
	}
}

func (s *CredentialSupervisor) offset(failures int) time.Duration {
	if failures >= len(s.settings.RefreshOffsets) {
		return s.settings.RefreshOffsets[len(s.settings.RefreshOffsets)-1]
	}
	return s.settings.RefreshOffsets[failures]
}

func (s *CredentialSupervisor) fail(reason string) error {
	s.log.Error("❌ " + reason + ", stopping the pool")
	s.kill.Trip(reason)
	s.errs.Mark(reason)
	return fmt.Errorf("%w: %s", ErrFatal, reason)
}

// waitForLock polls until the lock is free and claimed. It returns false if
// the pool stopped first.
func (s *CredentialSupervisor) waitForLock(ctx context.Context) (bool, error) {
	for {
		if s.kill.Tripped() || ctx.Err() != nil {
			return false, nil
		}
		st, err := s.lock.Check()
		switch {
		case err != nil:
			s.log.WithError(err).Warn("⚠️ Problem reading lock file, treating it as held")
		case st == credentials.NotLocked:
			ok, err := s.lock.Acquire()
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		s.log.WithField("poll", s.settings.LockPollInterval).Info("Credential lock is held, waiting")
		pause(ctx, s.kill, s.settings.LockPollInterval)
	}
}

// refresh reads then refreshes, the pair every cycle goes through.
func (s *CredentialSupervisor) refresh(ctx context.Context) (credentials.Record, error) {
	if _, err := s.creds.Read(); err != nil {
		s.metrics.ObserveRefresh(false)
		return credentials.Record{}, err
	}
	rec, err := s.creds.Refresh(ctx)
	s.metrics.ObserveRefresh(err == nil)
	return rec, err
}

// Run holds the lock until the kill signal trips. The lock is released on
// every path out once it was claimed.
func (s *CredentialSupervisor) Run(ctx context.Context) (err error) {
	s.log.Info("Token refresh supervisor starting")

	claimed, err := s.waitForLock(ctx)
	if err != nil {
		return s.fail(fmt.Sprintf("could not claim credential lock: %v", err))
	}
	if !claimed {
		s.log.Info("Pool stopped while waiting for the credential lock")
		return nil
	}
	defer func() {
		if rerr := s.lock.Release(); rerr != nil {
			s.log.WithError(rerr).Error("❌ Could not release credential lock")
			s.errs.Mark("credential lock release failed")
			if err == nil {
				err = rerr
			}
		}
	}()

	s.log.Info("Initial token refresh")
	record, err := s.refresh(ctx)
	if err != nil {
		return s.fail("initial token refresh failed")
	}

	failures := 0
	for !s.kill.Tripped() && ctx.Err() == nil {
		if err := s.lock.Renew(); err != nil {
			s.log.WithError(err).Warn("⚠️ Could not renew credential lock")
		}
		if current, err := s.creds.Read(); err == nil {
			record = current
		}

		offset := s.offset(failures)
		if record.ExpiresWithin(s.now(), offset) {
			next, err := s.refresh(ctx)
			switch {
			case err == nil:
				record = next
				failures = 0
			case failures >= s.settings.MaxFailures:
				return s.fail("token refresh failed repeatedly")
			default:
				failures++
				s.log.WithError(err).WithField("failures", failures).Warn("⚠️ Token refresh failed, will retry")
			}
		}
		pause(ctx, s.kill, s.settings.CheckInterval)
	}

	s.log.Info("Token refresh supervisor exiting")
	return nil
}

// DirectoryEnsurer makes sure the remote target directory exists.
type DirectoryEnsurer interface {
	Ensure(ctx context.Context) error
}

// DirectorySupervisor resolves the remote directory once per upload run.
type DirectorySupervisor struct {
	dir  DirectoryEnsurer
	kill *KillSignal
	errs *ErrorMarker
	log  logrus.FieldLogger
}

func NewDirectorySupervisor(dir DirectoryEnsurer, kill *KillSignal, errs *ErrorMarker, log logrus.FieldLogger) *DirectorySupervisor {
	return &DirectorySupervisor{dir: dir, kill: kill, errs: errs, log: log.WithField("role", "directory")}
}

// Run ensures the directory and exits. Failure stops the pool.
func (s *DirectorySupervisor) Run(ctx context.Context) error {
	if err := s.dir.Ensure(ctx); err != nil {
		reason := "unable to verify or create remote directory"
		s.log.WithError(err).Error("❌ " + reason + ", stopping the pool")
		s.kill.Trip(reason)
		s.errs.Mark(reason)
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	s.log.Info("✅ Remote directory ready")
	return nil
}
