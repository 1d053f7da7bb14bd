package pool

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jaywantadh/offsite/internal/download"
	"github.com/jaywantadh/offsite/internal/metrics"
	"github.com/jaywantadh/offsite/internal/state"
	"github.com/sirupsen/logrus"
)

// ManagerSettings bounds a queue manager.
type ManagerSettings struct {
	// RetryCeiling is the most error reports a unit may collect; one more
	// fails the run.
	RetryCeiling int
	// StallTimeout fails the run when no report arrives for this long.
	StallTimeout time.Duration
	PollInterval time.Duration
}

// Journal persists status table snapshots.
type Journal interface {
	SaveRun(r state.RunRecord) error
}

// channels are the coordination primitives every role of one run shares.
type channels struct {
	work      *Queue[Unit]
	attempted *Queue[Report]
	kill      *KillSignal
	errs      *ErrorMarker
}

func newChannels() channels {
	return channels{
		work:      NewQueue[Unit](),
		attempted: NewQueue[Report](),
		kill:      NewKillSignal(),
		errs:      &ErrorMarker{},
	}
}

// manager owns the status table of one run.
type manager struct {
	channels
	direction string
	settings  ManagerSettings
	journal   Journal
	record    *state.RunRecord
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	now       func() time.Time
	table     *StatusTable
}

func (m *manager) fail(reason string) Verdict {
	m.log.Error("❌ " + reason + ", stopping the pool")
	m.kill.Trip(reason)
	m.errs.Mark(reason)
	return Failure
}

func (m *manager) persist() {
	if m.journal == nil || m.record == nil {
		return
	}
	m.record.Items = m.table.Snapshot()
	if err := m.journal.SaveRun(*m.record); err != nil {
		m.log.WithError(err).Warn("⚠️ Failed to persist run journal")
	}
}

// loop primes the work queue with units, then reconciles reports until every
// unit is complete, a unit runs out of retries, or the pool stops.
func (m *manager) loop(ctx context.Context, units []Unit) Verdict {
	if len(units) == 0 {
		return m.fail("nothing to transfer")
	}
	m.table.Seed(units...)
	for _, u := range units {
		m.work.Put(u)
	}
	m.persist()
	m.log.WithField("units", len(units)).Info("Work queue primed")

	lastReport := m.now()
	for !m.kill.Tripped() {
		if ctx.Err() != nil {
			m.log.Warn("⚠️ Interrupted, manager exiting")
			m.kill.Trip("interrupted")
			return Indeterminate
		}
		r, ok := m.attempted.TryGet()
		if !ok {
			if m.now().Sub(lastReport) > m.settings.StallTimeout {
				return m.fail(fmt.Sprintf("no worker report for more than %s", m.settings.StallTimeout))
			}
			pause(ctx, m.kill, m.settings.PollInterval)
			continue
		}
		lastReport = m.now()

		log := m.log.WithFields(logrus.Fields{"key": r.Key, "file": r.Name, "status": r.Status})
		if !m.table.Apply(r) {
			log.Warn("⚠️ Report for an unknown unit ignored")
			continue
		}
		m.metrics.ObserveReport(m.direction, string(r.Status))
		if r.Status == Error {
			_, retries, _ := m.table.Get(r.Key)
			log.WithFields(logrus.Fields{"retries": retries, "message": r.Message}).Warn("⚠️ Transfer failed, re-queueing")
			m.metrics.ObserveRetry(m.direction)
			m.work.Put(Unit{Key: r.Key, Name: r.Name})
		} else {
			log.Info("Report received")
		}
		m.persist()

		switch m.table.Evaluate(m.settings.RetryCeiling) {
		case AllComplete:
			m.log.Info("✅ All transfers complete, stopping the pool")
			m.kill.Trip("complete")
			return Success
		case RetriesExceeded:
			return m.fail("too many transfer attempts")
		}
	}

	if ctx.Err() != nil {
		m.log.Warn("⚠️ Interrupted, manager exiting")
		return Indeterminate
	}
	m.log.WithField("reason", m.kill.Reason()).Error("❌ Pool stopped before transfers finished")
	m.errs.Mark("pool stopped before transfers finished")
	return Failure
}

// UploadManager feeds bundle file names to the upload workers.
type UploadManager struct {
	manager
	files []string
}

// Run returns the manager's verdict for the run.
func (m *UploadManager) Run(ctx context.Context) Verdict {
	m.log.Info("Upload manager starting")
	units := make([]Unit, 0, len(m.files))
	for _, f := range m.files {
		units = append(units, Unit{Key: f, Name: f})
	}
	return m.loop(ctx, units)
}

// Lister lists the remote items of the directory being restored.
type Lister interface {
	List(ctx context.Context) ([]download.Item, error)
}

// DownloadManager lists the remote directory and feeds its items to the
// download workers.
type DownloadManager struct {
	manager
	lister Lister
	dir    string
}

func (m *DownloadManager) Run(ctx context.Context) Verdict {
	m.log.Info("Download manager starting")
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		m.log.WithError(err).Error("❌ Failed to create download directory")
		return m.fail("problem creating download directory")
	}
	items, err := m.lister.List(ctx)
	if err != nil {
		m.log.WithError(err).Error("❌ Failed to list remote items")
		return m.fail("problem getting file list")
	}
	units := make([]Unit, 0, len(items))
	for _, it := range items {
		units = append(units, Unit{Key: it.ID, Name: it.Name})
	}
	return m.loop(ctx, units)
}
