package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jaywantadh/offsite/internal/credentials"
	"github.com/jaywantadh/offsite/internal/download"
	"github.com/jaywantadh/offsite/internal/metrics"
	"github.com/jaywantadh/offsite/internal/retry"
	"github.com/jaywantadh/offsite/internal/state"
	"github.com/jaywantadh/offsite/internal/upload"
	"github.com/sirupsen/logrus"
)

// WorkerExit says why a worker returned.
type WorkerExit string

const (
	ExitKilled      WorkerExit = "killed"
	ExitIdle        WorkerExit = "idle"
	ExitInterrupted WorkerExit = "interrupted"
)

// WorkerSettings bounds a worker's idle polling.
type WorkerSettings struct {
	IdleTimeout  time.Duration
	PollInterval time.Duration
}

// TokenReader returns the current persisted credentials.
type TokenReader interface {
	Read() (credentials.Record, error)
}

// worker is the pull loop shared by upload and download workers.
type worker struct {
	channels
	settings WorkerSettings
	progress *ProgressTracker
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

// run pulls units until the kill signal trips or the queue stays empty past
// the idle timeout. process returns false when the unit was abandoned because
// of the kill signal and must not be reported.
func (w *worker) run(ctx context.Context, process func(context.Context, Unit) (Report, bool)) WorkerExit {
	w.log.Info("Worker starting")
	idleSince := w.now()
	for !w.kill.Tripped() {
		if ctx.Err() != nil {
			w.log.Warn("⚠️ Interrupted, worker exiting")
			return ExitInterrupted
		}
		u, ok := w.work.TryGet()
		if !ok {
			if w.now().Sub(idleSince) > w.settings.IdleTimeout {
				w.log.WithField("idle", w.settings.IdleTimeout).Info("Work queue empty for too long, worker exiting")
				return ExitIdle
			}
			pause(ctx, w.kill, w.settings.PollInterval)
			continue
		}

		report, publish := process(ctx, u)
		w.progress.Remove(u.Key)
		if publish {
			w.attempted.Put(report)
			w.log.WithFields(logrus.Fields{"file": report.Name, "status": report.Status, "message": report.Message}).Info("Reported transfer outcome")
		}
		idleSince = w.now()
	}
	w.log.WithField("reason", w.kill.Reason()).Info("Worker exiting on kill signal")
	return ExitKilled
}

func errorReport(u Unit, format string, args ...any) Report {
	return Report{Key: u.Key, Name: u.Name, Status: Error, Message: fmt.Sprintf(format, args...)}
}

func completeReport(u Unit, msg string) Report {
	return Report{Key: u.Key, Name: u.Name, Status: Complete, Message: msg}
}

// DescriptorReader returns the current transfer descriptor.
type DescriptorReader interface {
	Transfer() (state.TransferDescriptor, error)
}

// UploadSettings configures how a worker slices and sends a bundle.
type UploadSettings struct {
	BundleDir     string
	MaxFragment   int64
	Alignment     int64
	SessionConfig upload.Options
}

// UploadWorker uploads bundles pulled from the work queue, one file at a time.
type UploadWorker struct {
	worker
	api         upload.API
	finder      upload.Finder
	creds       TokenReader
	descriptors DescriptorReader
	upload      UploadSettings
}

func (w *UploadWorker) Run(ctx context.Context) WorkerExit {
	return w.run(ctx, w.uploadOne)
}

func (w *UploadWorker) uploadOne(ctx context.Context, u Unit) (Report, bool) {
	log := w.log.WithField("file", u.Name)

	rec, err := w.creds.Read()
	if err != nil {
		return errorReport(u, "problem reading credentials file"), true
	}
	desc, err := w.descriptors.Transfer()
	if err != nil {
		log.WithError(err).Error("❌ Failed to read transfer descriptor")
		return errorReport(u, "problem reading transfer descriptor"), true
	}

	sess := upload.NewSession(w.api, w.finder, desc.RemoteDirID, u.Name, w.upload.SessionConfig, log)
	if err := sess.Initiate(ctx, rec.AccessToken); err != nil {
		return errorReport(u, "unable to initiate upload session: %v", err), true
	}

	f, err := os.Open(filepath.Join(w.upload.BundleDir, u.Name))
	if err != nil {
		log.WithError(err).Error("❌ Failed to open bundle")
		w.cancel(ctx, sess, log)
		return errorReport(u, "problem opening bundle"), true
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		w.cancel(ctx, sess, log)
		return errorReport(u, "bundle is empty or unreadable"), true
	}
	size := info.Size()
	ranges := upload.Plan(size, w.upload.MaxFragment, w.upload.Alignment)
	w.progress.Start(u.Key, u.Name, len(ranges), size)

	for i, r := range ranges {
		if w.kill.Tripped() {
			log.Info("Kill signal observed between ranges, abandoning file")
			w.cancel(ctx, sess, log)
			return Report{}, false
		}
		payload, err := upload.ReadRange(f, r)
		if err != nil {
			log.WithError(err).Error("❌ Failed to read range")
			w.cancel(ctx, sess, log)
			return errorReport(u, "no bytes read for range %s", r.Spec), true
		}

		started := w.now()
		res := sess.UploadRange(ctx, size, r, payload, false)
		moved := int64(0)
		if res.OK() {
			moved = r.ContentLength
		}
		w.metrics.ObserveRange(metrics.Upload, res.Outcome.String(), moved, w.now().Sub(started))
		if !res.OK() {
			log.WithField("reason", res.Reason).Error("❌ Upload not successful, cancelling session")
			w.cancel(ctx, sess, log)
			return errorReport(u, "upload not completed successfully: %s", res.Reason), true
		}

		w.progress.Update(u.Key, i+1, r.End()+1, InProgress)
		if p, ok := w.progress.Get(u.Key); ok {
			log.WithField("outcome", res.Outcome.String()).Info(p.Summary())
		}
		if res.Done() {
			break
		}
	}

	if w.kill.Tripped() {
		return Report{}, false
	}
	log.Info("✅ Finished uploading")
	return completeReport(u, "successfully uploaded"), true
}

func (w *UploadWorker) cancel(ctx context.Context, sess *upload.Session, log logrus.FieldLogger) {
	if sess.UploadURL() == "" {
		return
	}
	if err := sess.Cancel(ctx); err != nil {
		log.WithError(err).Warn("⚠️ Upload session not cancelled")
	}
}

// DownloadAPI is what a download worker needs from the storage client.
type DownloadAPI interface {
	download.ItemAPI
	download.RangeAPI
}

// DownloadSettings configures a download worker.
type DownloadSettings struct {
	Dir       string
	ChunkSize int64
	// Ladder and Sleep override the range retry schedule when set.
	Ladder retry.Ladder
	Sleep  retry.Sleeper
}

// DownloadWorker pulls remote items into the download directory.
type DownloadWorker struct {
	worker
	api      DownloadAPI
	creds    TokenReader
	download DownloadSettings
}

func (w *DownloadWorker) Run(ctx context.Context) WorkerExit {
	return w.run(ctx, w.downloadOne)
}

func (w *DownloadWorker) downloadOne(ctx context.Context, u Unit) (Report, bool) {
	log := w.log.WithFields(logrus.Fields{"file": u.Name, "item_id": u.Key})
	if w.download.ChunkSize <= 0 {
		log.WithField("chunk_size", w.download.ChunkSize).Error("❌ Download chunk size must be positive")
		return errorReport(u, "invalid download chunk size %d", w.download.ChunkSize), true
	}

	rec, err := w.creds.Read()
	if err != nil {
		return errorReport(u, "problem reading credentials file"), true
	}
	meta, err := download.GetItemMetadata(ctx, w.api, u.Key, rec.AccessToken, log)
	if err != nil {
		return errorReport(u, "problem getting item metadata: %v", err), true
	}

	dest := filepath.Join(w.download.Dir, u.Name)
	if err := w.removePartial(dest, log); err != nil {
		return errorReport(u, "stale download could not be removed"), true
	}

	fd := download.NewFileDownload(w.api, meta, w.download.ChunkSize, dest, log)
	if w.download.Ladder.Attempts() > 0 {
		fd.Ladder = w.download.Ladder
	}
	if w.download.Sleep != nil {
		fd.Sleep = w.download.Sleep
	}
	w.progress.Start(u.Key, u.Name, int((meta.Size+w.download.ChunkSize-1)/w.download.ChunkSize), meta.Size)
	var (
		ranges int
		last   int64
		lastAt = w.now()
	)
	fd.Progress = func(written, total int64) {
		ranges++
		now := w.now()
		w.metrics.ObserveRange(metrics.Download, "ok", written-last, now.Sub(lastAt))
		last, lastAt = written, now
		w.progress.Update(u.Key, ranges, written, InProgress)
	}

	if err := fd.Download(ctx); err != nil {
		log.WithError(err).Error("❌ Download failed")
		w.metrics.ObserveRange(metrics.Download, "failed", 0, 0)
		if rerr := w.removePartial(dest, log); rerr != nil {
			reason := "failed to remove failed download file"
			w.kill.Trip(reason)
			w.errs.Mark(reason)
		}
		return errorReport(u, "download failed: %v", err), true
	}
	return completeReport(u, "downloaded and verified"), true
}

func (w *DownloadWorker) removePartial(path string, log logrus.FieldLogger) error {
	err := os.Remove(path)
	if err == nil {
		log.WithField("path", path).Info("Removed partial download")
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	log.WithError(err).Error("❌ Failed to remove partial download")
	return err
}
