// Package offsite wires the transfer core into the operations an operator
// runs: build, upload, download and restore.
package offsite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jaywantadh/offsite/config"
	"github.com/jaywantadh/offsite/internal/bundle"
	"github.com/jaywantadh/offsite/internal/chunker"
	"github.com/jaywantadh/offsite/internal/credentials"
	"github.com/jaywantadh/offsite/internal/download"
	"github.com/jaywantadh/offsite/internal/encryptor"
	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/jaywantadh/offsite/internal/metrics"
	"github.com/jaywantadh/offsite/internal/notify"
	"github.com/jaywantadh/offsite/internal/pool"
	"github.com/jaywantadh/offsite/internal/remotedir"
	"github.com/jaywantadh/offsite/internal/retry"
	"github.com/jaywantadh/offsite/internal/state"
	"github.com/jaywantadh/offsite/internal/upload"
	"github.com/jaywantadh/offsite/pkg/env"
	"github.com/sirupsen/logrus"
)

// ErrBusy is returned when a flow is started while another one runs.
var ErrBusy = errors.New("offsite: another transfer is already running")

// Deps are the collaborators a Service is built from.
type Deps struct {
	Config   *config.AppConfig
	Store    *state.Store
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
	// HTTPClient overrides the timeout-configured storage client.
	HTTPClient *http.Client
}

// Service runs the top-level flows. Only one flow runs at a time.
type Service struct {
	cfg      *config.AppConfig
	store    *state.Store
	api      *graph.Client
	creds    *credentials.Manager
	pool     *pool.Pool
	notifier notify.Notifier
	messages notify.Builder
	log      logrus.FieldLogger

	// Exported so callers and tests can shorten the choreography.
	UploadSettings   pool.Settings
	DownloadSettings pool.Settings
	Session          upload.Options
	Sleep            retry.Sleeper

	mu      sync.Mutex
	running bool
}

// New creates a Service from cfg.
func New(d Deps) *Service {
	cfg := d.Config
	log := d.Log.WithField("component", "offsite")
	api := NewGraphClient(cfg, d.HTTPClient)
	creds := credentials.NewManager(cfg.CredentialsPath(), cfg.AppInfoPath(), api, d.Log)
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.Nop{Log: log}
	}

	return &Service{
		cfg:   cfg,
		store: d.Store,
		api:   api,
		creds: creds,
		pool: &pool.Pool{
			Creds:   creds,
			Lock:    credentials.NewLease(cfg.LockPath(), cfg.Credentials.LockTTL),
			Journal: d.Store,
			Metrics: d.Metrics,
			Log:     d.Log,
		},
		notifier:         notifier,
		messages:         notify.Builder{LogPath: cfg.LogPath(), LogLines: cfg.Email.LogLines},
		log:              log,
		UploadSettings:   UploadSettings(cfg),
		DownloadSettings: DownloadSettings(cfg),
		Session: upload.Options{
			Recovery: upload.Recovery{
				FirstWait:    cfg.Recovery.FirstWait,
				SecondWait:   cfg.Recovery.SecondWait,
				RecentWindow: cfg.Recovery.RecentlyWindow,
			},
		},
		Sleep: retry.Sleep,
	}
}

// NewGraphClient builds the storage client for cfg. hc may be nil.
func NewGraphClient(cfg *config.AppConfig, hc *http.Client) *graph.Client {
	return graph.NewClient(graph.Options{
		APIURL:         cfg.APIURL,
		TokenURL:       cfg.TokenURL,
		Tenant:         cfg.Tenant,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		HTTPClient:     hc,
	})
}

func credentialSettings(cfg *config.AppConfig) pool.CredentialSettings {
	return pool.CredentialSettings{
		CheckInterval:    cfg.Credentials.CheckInterval,
		LockPollInterval: cfg.Credentials.LockPollInterval,
		RefreshOffsets:   cfg.Credentials.RefreshOffsets,
		MaxFailures:      cfg.Credentials.MaxRefreshFailure,
	}
}

// UploadSettings builds the upload pool timing from cfg.
func UploadSettings(cfg *config.AppConfig) pool.Settings {
	return pool.Settings{
		Workers: cfg.Pool.UploadWorkers,
		Manager: pool.ManagerSettings{
			RetryCeiling: cfg.Pool.UploadRetryCeiling,
			StallTimeout: cfg.Pool.ManagerStallTimeout,
			PollInterval: cfg.Pool.QueuePollInterval,
		},
		Worker: pool.WorkerSettings{
			IdleTimeout:  cfg.Pool.WorkerIdleTimeout,
			PollInterval: cfg.Pool.QueuePollInterval,
		},
		Credentials:      credentialSettings(cfg),
		CredHeadStart:    cfg.Pool.CredHeadStart,
		DirHeadStart:     cfg.Pool.DirHeadStart,
		ManagerHeadStart: cfg.Pool.ManagerHeadStart,
	}
}

// DownloadSettings builds the download pool timing from cfg.
func DownloadSettings(cfg *config.AppConfig) pool.Settings {
	s := UploadSettings(cfg)
	s.Workers = cfg.Pool.DownloadWorkers
	s.Manager.RetryCeiling = cfg.Pool.DownloadRetryCeiling
	s.DirHeadStart = 0
	s.ManagerHeadStart = cfg.Pool.DownloadManagerHeadStart
	return s
}

// Progress exposes live per-file progress of the current run.
func (s *Service) Progress() *pool.ProgressTracker {
	if s.pool.Progress == nil {
		s.pool.Progress = pool.NewProgressTracker()
	}
	return s.pool.Progress
}

func (s *Service) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrBusy
	}
	s.running = true
	return nil
}

func (s *Service) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Running reports whether a flow is in progress.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) send(ctx context.Context, msg notify.Message) {
	// a lost email never changes the outcome of a run
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.log.WithError(err).WithField("subject", msg.Subject).Warn("⚠️ Notification not sent")
	}
}

// baseName picks the remote bundle base name: the one given with the
// transfer, then ONEDRIVE_NAME, then the configured default.
func (s *Service) baseName(desc state.TransferDescriptor) string {
	if desc.RemoteFileName != "" {
		return desc.RemoteFileName
	}
	return env.RemoteFileName(s.cfg.DefaultRemoteFileName)
}

func (s *Service) chunker() (*chunker.Chunker, error) {
	key, err := encryptor.ReadKeyFile(s.cfg.KeyPath())
	if err != nil {
		return nil, err
	}
	return chunker.New(key, 0, s.log), nil
}

// Build encrypts the announced backup file into chunks and packs them into
// bundles ready for upload. Any failure cleans up and sends a failure email.
func (s *Service) Build(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()
	return s.build(ctx)
}

func (s *Service) build(ctx context.Context) error {
	if err := s.buildBundles(); err != nil {
		s.log.WithError(err).Error("❌ Build failed")
		s.cleanup(ctx, false)
		return err
	}
	return nil
}

func (s *Service) buildBundles() error {
	maxChunks := s.cfg.MaxChunksPerBundle()
	if maxChunks == 0 {
		return fmt.Errorf("bundle max size %.2f MB is smaller than chunk size %.2f MB",
			s.cfg.BundleMaxSizeMB, s.cfg.CryptChunkSizeMB)
	}
	desc, err := s.store.Transfer()
	if err != nil {
		return fmt.Errorf("failed to read transfer descriptor: %w", err)
	}
	if err := os.MkdirAll(s.cfg.ChunkDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create chunk dir: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{"file": desc.FilePath, "remote_dir": desc.RemoteDir})
	if digest, err := chunker.HashFile(desc.FilePath); err != nil {
		log.WithError(err).Warn("⚠️ Could not hash backup file, restore will not be verifiable")
	} else if err := s.store.PutHash(desc.RemoteDir, digest); err != nil {
		log.WithError(err).Warn("⚠️ Could not store backup file hash")
	} else {
		log.WithField("sha256", digest).Info("Stored backup file hash")
	}

	c, err := s.chunker()
	if err != nil {
		return err
	}
	if err := c.Encrypt(desc.FilePath, s.cfg.ChunkDir(), s.cfg.CryptChunkSizeMB); err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.BundleDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create bundle dir: %w", err)
	}
	base := s.baseName(desc)
	log.WithField("base_name", base).Debug("Bundling chunks")
	made, err := bundle.Make(s.cfg.ChunkDir(), s.cfg.BundleDir(), maxChunks, base, true, s.log)
	if err != nil {
		return err
	}
	log.WithField("bundles", len(made)).Info("✅ Build complete")
	return nil
}

// Upload sends every bundle in the bundle directory and cleans up.
func (s *Service) Upload(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()
	return s.upload(ctx)
}

func (s *Service) upload(ctx context.Context) error {
	files, err := sortedFiles(s.cfg.BundleDir())
	if err != nil {
		s.log.WithError(err).Error("❌ Could not list bundles")
		s.cleanup(ctx, false)
		return err
	}
	desc, err := s.store.Transfer()
	if err != nil {
		s.log.WithError(err).Error("❌ Could not read transfer descriptor")
		s.cleanup(ctx, false)
		return err
	}

	finder := download.NewItemGetter(s.api, s.creds, desc.RemoteDir, s.log)
	dir := remotedir.NewManager(s.api, s.creds, s.store, s.cfg.Pool.DirectoryRetryWait, s.log)
	if s.Sleep != nil {
		dir = dir.WithSleeper(s.Sleep)
	}
	res := s.pool.RunUpload(ctx, files, s.UploadSettings, pool.UploadTarget{
		API:         s.api,
		Finder:      finder,
		Directory:   dir,
		Descriptors: s.store,
		Upload: pool.UploadSettings{
			BundleDir:     s.cfg.BundleDir(),
			MaxFragment:   s.cfg.UploadFragmentBytes(),
			Alignment:     s.cfg.FragmentAlignmentBytes,
			SessionConfig: s.Session,
		},
	})
	ok := res.Verdict == pool.Success
	s.cleanup(ctx, ok)
	return res.Err()
}

// claim reserves the service for fn. The returned run releases the
// reservation when fn returns; release gives it up if run is never called.
func (s *Service) claim(fn func(ctx context.Context) error) (func(ctx context.Context) error, func(), error) {
	if err := s.acquire(); err != nil {
		return nil, nil, err
	}
	var once sync.Once
	release := func() { once.Do(s.release) }
	run := func(ctx context.Context) error {
		defer release()
		return fn(ctx)
	}
	return run, release, nil
}

// ClaimBuildAndUpload reserves the service for a BuildAndUpload started later.
func (s *Service) ClaimBuildAndUpload() (func(ctx context.Context) error, func(), error) {
	return s.claim(s.buildAndUpload)
}

// ClaimRestore reserves the service for a Restore started later.
func (s *Service) ClaimRestore() (func(ctx context.Context) error, func(), error) {
	return s.claim(s.restore)
}

// BuildAndUpload runs Build and, when it succeeds, Upload.
func (s *Service) BuildAndUpload(ctx context.Context) error {
	run, _, err := s.ClaimBuildAndUpload()
	if err != nil {
		return err
	}
	return run(ctx)
}

func (s *Service) buildAndUpload(ctx context.Context) error {
	if err := s.build(ctx); err != nil {
		return err
	}
	return s.upload(ctx)
}

// cleanup removes the local artifacts of a transfer and reports its outcome.
func (s *Service) cleanup(ctx context.Context, ok bool) {
	desc, err := s.store.Transfer()
	name := s.baseName(desc)
	if err != nil {
		s.log.WithError(err).Warn("⚠️ No transfer descriptor to clean up")
		ok = false
	} else {
		if err := os.Remove(desc.FilePath); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("file", desc.FilePath).Warn("⚠️ Could not remove backup file")
		}
	}
	for _, dir := range []string{s.cfg.ChunkDir(), s.cfg.BundleDir()} {
		if err := os.RemoveAll(dir); err != nil {
			s.log.WithError(err).WithField("dir", dir).Warn("⚠️ Could not remove work directory")
		}
	}
	if err := s.store.DeleteTransfer(); err != nil {
		s.log.WithError(err).Warn("⚠️ Could not remove transfer descriptor")
	}
	s.send(ctx, s.messages.Upload(name, ok))
}

// Download fetches every file of the requested remote directory.
func (s *Service) Download(ctx context.Context) (pool.RunResult, error) {
	if err := s.acquire(); err != nil {
		return pool.RunResult{}, err
	}
	defer s.release()
	return s.download(ctx)
}

func (s *Service) download(ctx context.Context) (pool.RunResult, error) {
	desc, err := s.store.Download()
	if err != nil {
		s.log.WithError(err).Error("❌ Could not read download descriptor")
		s.send(ctx, s.messages.Download("unknown", false))
		return pool.RunResult{Verdict: pool.Failure, Reason: "no download descriptor"}, err
	}

	res := s.pool.RunDownload(ctx, s.DownloadSettings, pool.DownloadTarget{
		API:    s.api,
		Lister: download.NewItemGetter(s.api, s.creds, desc.RemoteDir, s.log),
		Download: pool.DownloadSettings{
			Dir:       s.cfg.DownloadDir(),
			ChunkSize: s.cfg.DownloadChunkSizeBytes,
			Sleep:     s.Sleep,
		},
	})
	if res.Verdict != pool.Success {
		if err := os.RemoveAll(s.cfg.DownloadDir()); err != nil {
			s.log.WithError(err).Warn("⚠️ Could not remove download directory")
		}
	}
	s.send(ctx, s.messages.Download(desc.RemoteDir, res.Verdict == pool.Success))
	return res, res.Err()
}

// Restore downloads the requested directory, then decrypts and verifies it.
// It only moves past the download when every file arrived.
func (s *Service) Restore(ctx context.Context) error {
	run, _, err := s.ClaimRestore()
	if err != nil {
		return err
	}
	return run(ctx)
}

func (s *Service) restore(ctx context.Context) error {
	res, err := s.download(ctx)
	if res.Verdict != pool.Success {
		s.log.WithField("verdict", res.Verdict).Error("❌ Download did not complete, not restoring")
		return err
	}
	desc, err := s.store.Download()
	if err != nil {
		s.send(ctx, s.messages.Decrypt("unknown", false))
		return err
	}
	if err := s.decryptAndCombine(desc.RemoteDir); err != nil {
		s.log.WithError(err).Error("❌ Problem decrypting and combining")
		s.send(ctx, s.messages.Decrypt(desc.RemoteDir, false))
		return err
	}
	s.log.WithField("remote_dir", desc.RemoteDir).Info("✅ Restore complete")
	s.send(ctx, s.messages.Decrypt(desc.RemoteDir, true))
	return nil
}

// decryptAndCombine unpacks the downloaded bundles, reassembles the backup
// and checks it against the hash taken before upload.
func (s *Service) decryptAndCombine(dirName string) error {
	bundles, err := sortedFiles(s.cfg.DownloadDir())
	if err != nil {
		return err
	}
	if len(bundles) == 0 {
		return errors.New("no downloaded bundles to restore")
	}
	if err := os.RemoveAll(s.cfg.ExtractDir()); err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.ExtractDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create extract dir: %w", err)
	}
	for _, name := range bundles {
		if err := bundle.Extract(filepath.Join(s.cfg.DownloadDir(), name), s.cfg.ExtractDir(), false); err != nil {
			return err
		}
	}

	out := s.cfg.RestorePath(dirName)
	// decrypt appends, so a leftover from an earlier attempt must go
	if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
		return err
	}
	c, err := s.chunker()
	if err != nil {
		return err
	}
	if err := c.Decrypt(s.cfg.ExtractDir(), out, true); err != nil {
		return err
	}
	s.log.WithField("file", out).Info("Finished decrypting and reassembling")
	return s.verify(dirName, out)
}

func (s *Service) verify(dirName, path string) error {
	want, err := s.store.Hash(dirName)
	if err != nil {
		return fmt.Errorf("problem getting original sha256 hash: %w", err)
	}
	start := time.Now()
	got, err := chunker.HashFile(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(want, got) {
		return fmt.Errorf("sha256 mismatch for %s: want %s, got %s", path, want, got)
	}
	s.log.WithFields(logrus.Fields{"file": path, "took": time.Since(start)}).Info("✅ sha256 verified, backup file is intact")
	return nil
}

func sortedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
