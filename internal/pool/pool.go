// Package pool runs the concurrent transfer core: a credential supervisor, an
// optional directory supervisor, one queue manager and a fixed set of
// workers, all stopped together by a shared kill signal.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/offsite/internal/metrics"
	"github.com/jaywantadh/offsite/internal/state"
	"github.com/jaywantadh/offsite/internal/upload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Settings holds the timing of one pool run.
type Settings struct {
	Workers     int
	Manager     ManagerSettings
	Worker      WorkerSettings
	Credentials CredentialSettings

	// Head starts between role launches. Later roles assume the earlier
	// ones already produced a fresh token and a remote directory.
	CredHeadStart    time.Duration
	DirHeadStart     time.Duration
	ManagerHeadStart time.Duration
}

// DefaultUploadSettings mirrors the production upload choreography.
func DefaultUploadSettings() Settings {
	return Settings{
		Workers:          5,
		Manager:          ManagerSettings{RetryCeiling: 5, StallTimeout: 4 * time.Hour, PollInterval: 5 * time.Second},
		Worker:           WorkerSettings{IdleTimeout: 2 * time.Hour, PollInterval: 5 * time.Second},
		Credentials:      DefaultCredentialSettings,
		CredHeadStart:    5 * time.Second,
		DirHeadStart:     50 * time.Second,
		ManagerHeadStart: 2 * time.Second,
	}
}

// DefaultDownloadSettings differs from uploads in its lower retry ceiling and
// shorter stagger.
func DefaultDownloadSettings() Settings {
	s := DefaultUploadSettings()
	s.Manager.RetryCeiling = 2
	s.DirHeadStart = 0
	s.ManagerHeadStart = 5 * time.Second
	return s
}

// Pool holds what every run shares.
type Pool struct {
	Creds    CredentialSource
	Lock     Locker
	Journal  Journal
	Metrics  *metrics.Metrics
	Progress *ProgressTracker
	Log      logrus.FieldLogger
	Now      func() time.Time
}

// RunResult is what a caller learns about a finished run.
type RunResult struct {
	ID      string
	Verdict Verdict
	// Reason is the first recorded error, or the kill reason.
	Reason string
	Items  map[string]state.ItemStatus
}

// UploadTarget carries the upload specific collaborators.
type UploadTarget struct {
	API         upload.API
	Finder      upload.Finder
	Directory   DirectoryEnsurer
	Descriptors DescriptorReader
	Upload      UploadSettings
}

// DownloadTarget carries the download specific collaborators.
type DownloadTarget struct {
	API      DownloadAPI
	Lister   Lister
	Download DownloadSettings
}

type run struct {
	channels
	id      string
	kind    string
	started time.Time
	log     logrus.FieldLogger
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pool) progress() *ProgressTracker {
	if p.Progress == nil {
		p.Progress = NewProgressTracker()
	}
	return p.Progress
}

func (p *Pool) newRun(ctx context.Context, kind string) *run {
	r := &run{
		channels: newChannels(),
		id:       uuid.NewString(),
		kind:     kind,
		started:  p.now(),
	}
	r.log = p.Log.WithFields(logrus.Fields{"run_id": r.id, "direction": kind})
	go func() {
		select {
		case <-ctx.Done():
			r.kill.Trip("interrupted")
		case <-r.kill.Done():
		}
	}()
	return r
}

func (p *Pool) newManager(r *run, s ManagerSettings) manager {
	return manager{
		channels:  r.channels,
		direction: r.kind,
		settings:  s,
		journal:   p.Journal,
		record:    &state.RunRecord{ID: r.id, Kind: r.kind, StartedAt: r.started},
		metrics:   p.Metrics,
		log:       r.log.WithField("role", "manager"),
		now:       p.now,
		table:     NewStatusTable(),
	}
}

func (p *Pool) newWorker(r *run, s WorkerSettings, n int) worker {
	return worker{
		channels: r.channels,
		settings: s,
		progress: p.progress(),
		metrics:  p.Metrics,
		log:      r.log.WithFields(logrus.Fields{"role": "worker", "worker": n}),
		now:      p.now,
	}
}

// RunUpload uploads files (names relative to the bundle directory) and
// blocks until every role has exited.
func (p *Pool) RunUpload(ctx context.Context, files []string, s Settings, t UploadTarget) RunResult {
	r := p.newRun(ctx, metrics.Upload)
	r.log.WithField("files", len(files)).Info("Starting upload pool")

	mgr := &UploadManager{manager: p.newManager(r, s.Manager), files: files}
	workers := make([]*UploadWorker, s.Workers)
	for i := range workers {
		workers[i] = &UploadWorker{
			worker:      p.newWorker(r, s.Worker, i+1),
			api:         t.API,
			finder:      t.Finder,
			creds:       p.Creds,
			descriptors: t.Descriptors,
			upload:      t.Upload,
		}
	}

	var g errgroup.Group
	var verdict Verdict
	cred := NewCredentialSupervisor(p.Creds, p.Lock, s.Credentials, r.kill, r.errs, p.Metrics, r.log)
	g.Go(func() error { return cred.Run(ctx) })
	pause(ctx, r.kill, s.CredHeadStart)

	dir := NewDirectorySupervisor(t.Directory, r.kill, r.errs, r.log)
	g.Go(func() error { return dir.Run(ctx) })
	pause(ctx, r.kill, s.DirHeadStart)

	g.Go(func() error {
		verdict = mgr.Run(ctx)
		return nil
	})
	pause(ctx, r.kill, s.ManagerHeadStart)

	for _, w := range workers {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	return p.finish(ctx, r, &mgr.manager, &verdict, g.Wait())
}

// RunDownload pulls every item of the target directory into the download
// directory and blocks until every role has exited.
func (p *Pool) RunDownload(ctx context.Context, s Settings, t DownloadTarget) RunResult {
	r := p.newRun(ctx, metrics.Download)
	r.log.Info("Starting download pool")

	mgr := &DownloadManager{manager: p.newManager(r, s.Manager), lister: t.Lister, dir: t.Download.Dir}
	workers := make([]*DownloadWorker, s.Workers)
	for i := range workers {
		workers[i] = &DownloadWorker{
			worker:   p.newWorker(r, s.Worker, i+1),
			api:      t.API,
			creds:    p.Creds,
			download: t.Download,
		}
	}

	var g errgroup.Group
	var verdict Verdict
	cred := NewCredentialSupervisor(p.Creds, p.Lock, s.Credentials, r.kill, r.errs, p.Metrics, r.log)
	g.Go(func() error { return cred.Run(ctx) })
	pause(ctx, r.kill, s.CredHeadStart)

	g.Go(func() error {
		verdict = mgr.Run(ctx)
		return nil
	})
	pause(ctx, r.kill, s.ManagerHeadStart)

	for _, w := range workers {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	return p.finish(ctx, r, &mgr.manager, &verdict, g.Wait())
}

// finish turns the joined roles into a verdict and closes the journal entry.
// The manager's verdict is only trusted when nobody recorded an error.
func (p *Pool) finish(ctx context.Context, r *run, mgr *manager, managerVerdict *Verdict, err error) RunResult {
	r.kill.Trip("run finished")

	v := Indeterminate
	switch {
	case r.errs.IsSet():
		v = Failure
	case ctx.Err() != nil:
		v = Indeterminate
	case *managerVerdict == Success:
		v = Success
	}
	reason := r.errs.Reason()
	if reason == "" {
		reason = r.kill.Reason()
	}
	log := r.log.WithFields(logrus.Fields{"verdict": v.String(), "reason": reason})
	if err != nil {
		log = log.WithError(err)
	}
	if v == Success {
		log.Info("✅ Pool finished")
	} else {
		log.Error("❌ Pool finished without success")
	}

	items := mgr.table.Snapshot()
	if p.Journal != nil {
		rec := state.RunRecord{
			ID:         r.id,
			Kind:       r.kind,
			StartedAt:  r.started,
			FinishedAt: p.now(),
			Verdict:    v.String(),
			Reason:     reason,
			Items:      items,
		}
		if jerr := p.Journal.SaveRun(rec); jerr != nil {
			log.WithError(jerr).Warn("⚠️ Failed to persist run journal")
		}
	}
	p.Metrics.ObserveRun(r.kind, v.String())
	return RunResult{ID: r.id, Verdict: v, Reason: reason, Items: items}
}

// Err converts a result into an error for callers that only care whether the
// run succeeded.
func (r RunResult) Err() error {
	if r.Verdict == Success {
		return nil
	}
	return fmt.Errorf("run %s finished with %s: %s", r.ID, r.Verdict, r.Reason)
}
