// Package remotedir makes sure the per-run remote folder exists under the
// application root and records its id.
package remotedir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jaywantadh/offsite/internal/credentials"
	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/jaywantadh/offsite/internal/retry"
	"github.com/jaywantadh/offsite/internal/state"
	"github.com/sirupsen/logrus"
)

// Existence is the three-way answer of a directory check.
type Existence int

const (
	Unknown Existence = iota
	Exists
	NotExists
)

func (e Existence) String() string {
	switch e {
	case Exists:
		return "exists"
	case NotExists:
		return "not-exists"
	default:
		return "unknown"
	}
}

// ErrNoDirName means the transfer descriptor does not name a remote directory.
var ErrNoDirName = errors.New("remotedir: no remote directory name")

// API is the subset of the storage client used here.
type API interface {
	ApprootChild(ctx context.Context, token, name string) (*graph.Response, error)
	CreateApprootFolder(ctx context.Context, token, name string) (*graph.Response, error)
}

// TokenReader yields the current credential record.
type TokenReader interface {
	Read() (credentials.Record, error)
}

// DescriptorStore holds the transfer descriptor the directory id goes into.
type DescriptorStore interface {
	Transfer() (state.TransferDescriptor, error)
	UpdateTransfer(fn func(*state.TransferDescriptor)) error
}

// Manager resolves the remote directory for the current transfer.
type Manager struct {
	api       API
	creds     TokenReader
	store     DescriptorStore
	log       logrus.FieldLogger
	retryWait time.Duration
	sleep     retry.Sleeper
}

// NewManager creates a new remote directory manager
func NewManager(api API, creds TokenReader, store DescriptorStore, retryWait time.Duration, log logrus.FieldLogger) *Manager {
	return &Manager{
		api:       api,
		creds:     creds,
		store:     store,
		log:       log.WithField("component", "remotedir"),
		retryWait: retryWait,
		sleep:     retry.Sleep,
	}
}

// WithSleeper replaces the wait used between attempts.
func (m *Manager) WithSleeper(s retry.Sleeper) *Manager {
	m.sleep = s
	return m
}

func (m *Manager) target() (string, string, error) {
	d, err := m.store.Transfer()
	if err != nil {
		return "", "", fmt.Errorf("failed to read transfer descriptor: %w", err)
	}
	if d.RemoteDir == "" {
		return "", "", ErrNoDirName
	}
	creds, err := m.creds.Read()
	if err != nil {
		return "", "", err
	}
	return d.RemoteDir, creds.AccessToken, nil
}

func (m *Manager) record(id string) error {
	return m.store.UpdateTransfer(func(d *state.TransferDescriptor) { d.RemoteDirID = id })
}

// Check looks the directory up. Unknown is returned with the error that
// made the answer ambiguous.
func (m *Manager) Check(ctx context.Context) (Existence, error) {
	name, token, err := m.target()
	if err != nil {
		return Unknown, err
	}
	log := m.log.WithField("dir", name)

	resp, err := m.api.ApprootChild(ctx, token, name)
	if err != nil {
		log.WithError(err).Warn("⚠️ Directory check request failed")
		return Unknown, err
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		log.Info("Remote directory does not exist")
		return NotExists, nil
	case http.StatusOK:
		var item graph.DriveItem
		if err := resp.JSON(&item); err != nil || item.ID == "" {
			return Unknown, fmt.Errorf("directory check: response without id: %v", err)
		}
		if err := m.record(item.ID); err != nil {
			return Unknown, fmt.Errorf("failed to record directory id: %w", err)
		}
		log.WithField("item_id", item.ID).Info("✅ Remote directory exists")
		return Exists, nil
	default:
		log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Warn("⚠️ Unexpected directory check status")
		return Unknown, fmt.Errorf("directory check returned status %d", resp.StatusCode)
	}
}

// Create makes the directory; only 201 counts as success.
func (m *Manager) Create(ctx context.Context) error {
	name, token, err := m.target()
	if err != nil {
		return err
	}
	log := m.log.WithField("dir", name)

	resp, err := m.api.CreateApprootFolder(ctx, token, name)
	if err != nil {
		log.WithError(err).Warn("⚠️ Directory create request failed")
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Warn("⚠️ Directory create rejected")
		return fmt.Errorf("directory create returned status %d", resp.StatusCode)
	}
	var item graph.DriveItem
	if err := resp.JSON(&item); err != nil || item.ID == "" {
		return fmt.Errorf("directory create: response without id: %v", err)
	}
	if err := m.record(item.ID); err != nil {
		return fmt.Errorf("failed to record directory id: %w", err)
	}
	log.WithField("item_id", item.ID).Info("✅ Remote directory created")
	return nil
}

// Ensure checks and, when absent, creates the directory. Each phase gets
// one retry after the configured wait.
func (m *Manager) Ensure(ctx context.Context) error {
	ex, err := m.Check(ctx)
	if errors.Is(err, ErrNoDirName) {
		return err
	}
	if ex == Unknown {
		m.log.WithField("wait", m.retryWait).Warn("⚠️ Directory check ambiguous, retrying once")
		if err := m.sleep(ctx, m.retryWait); err != nil {
			return err
		}
		if ex, err = m.Check(ctx); ex == Unknown {
			return fmt.Errorf("directory check failed twice: %w", err)
		}
	}
	if ex == Exists {
		return nil
	}

	if err := m.Create(ctx); err != nil {
		m.log.WithField("wait", m.retryWait).Warn("⚠️ Directory create failed, retrying once")
		if err := m.sleep(ctx, m.retryWait); err != nil {
			return err
		}
		if err := m.Create(ctx); err != nil {
			return fmt.Errorf("directory create failed twice: %w", err)
		}
	}
	return nil
}
