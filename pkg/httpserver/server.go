// Package httpserver is the intake API a backup host calls to announce and
// hand over a backup file, and to request a restore.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jaywantadh/offsite/internal/notify"
	"github.com/jaywantadh/offsite/internal/pool"
	"github.com/jaywantadh/offsite/internal/state"
	"github.com/jaywantadh/offsite/pkg/env"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Flows are the long running operations the API starts in the background.
// A claim reserves the flow before the request is answered; release undoes
// a claim whose run will never be started.
type Flows interface {
	ClaimBuildAndUpload() (run func(ctx context.Context) error, release func(), err error)
	ClaimRestore() (run func(ctx context.Context) error, release func(), err error)
	Running() bool
	Progress() *pool.ProgressTracker
}

// Store persists the descriptors the flows read.
type Store interface {
	PutTransfer(d state.TransferDescriptor) error
	Transfer() (state.TransferDescriptor, error)
	UpdateTransfer(fn func(*state.TransferDescriptor)) error
	PutDownload(d state.DownloadDescriptor) error
}

// Options configures a Server.
type Options struct {
	Addr                  string
	DefaultRemoteFileName string
	Store                 Store
	Flows                 Flows
	Notifier              notify.Notifier
	Messages              notify.Builder
	// Metrics, when set, is served on /metrics.
	Metrics prometheus.Gatherer
	Log     logrus.FieldLogger
}

// Server serves the intake API.
type Server struct {
	opts     Options
	validate *validator.Validate
	log      logrus.FieldLogger
	server   *http.Server
	now      func() time.Time

	// flows started by a request outlive it
	bg context.Context
	wg sync.WaitGroup
}

// New creates a Server. Flows started by requests run under ctx.
func New(ctx context.Context, opts Options) *Server {
	s := &Server{
		opts:     opts,
		validate: newValidator(),
		log:      opts.Log.WithField("component", "httpserver"),
		now:      time.Now,
		bg:       ctx,
	}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/transfer", func(r chi.Router) {
		r.Post("/start", s.transferStart)
		r.Put("/done", s.transferDone)
		r.Get("/status", s.transferStatus)
	})
	r.Post("/download-decrypt", s.downloadDecrypt)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Metrics, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}).Info("API request completed")
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.opts.Addr).Info("🚀 Intake API listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("intake API shutdown: %w", err)
		}
		s.log.Info("Intake API stopped")
		return nil
	case err := <-errc:
		return fmt.Errorf("intake API failed: %w", err)
	}
}

// Wait blocks until every flow started by a request has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) background(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log := s.log.WithField("flow", name)
		log.Info("Background flow started")
		if err := fn(s.bg); err != nil {
			log.WithError(err).Error("❌ Background flow failed")
			return
		}
		log.Info("✅ Background flow finished")
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) send(ctx context.Context, msg notify.Message) {
	if s.opts.Notifier == nil {
		return
	}
	if err := s.opts.Notifier.Send(ctx, msg); err != nil {
		s.log.WithError(err).Warn("⚠️ Notification not sent")
	}
}

// decode reads a JSON body into v and validates it. It writes the 400
// response itself and reports whether the handler may go on.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.decodeError(w, err)
		return false
	}
	return true
}

type transferStartRequest struct {
	FilePath         string `json:"file-path" validate:"required"`
	Username         string `json:"username" validate:"required_if=TildePath true"`
	SizeBytes        int64  `json:"size-bytes" validate:"gt=0"`
	OneDriveDir      string `json:"onedrive-dir" validate:"required"`
	OneDriveFilename string `json:"onedrive-filename"`

	TildePath bool `json:"-"`
}

// expandPath resolves a leading ~ against the announcing user's home.
func expandPath(path, username string) string {
	if strings.HasPrefix(path, "~") {
		return "/home/" + username + path[1:]
	}
	return path
}

func (s *Server) transferStart(w http.ResponseWriter, r *http.Request) {
	var req transferStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.OneDriveDir == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing 'onedrive-dir'"})
		return
	}
	req.TildePath = strings.HasPrefix(req.FilePath, "~")
	if err := s.validate.Struct(req); err != nil {
		s.decodeError(w, err)
		return
	}
	// the running flow reads the descriptor until it finishes
	if s.opts.Flows.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "another transfer is already running"})
		return
	}

	desc := state.TransferDescriptor{
		FilePath:       expandPath(req.FilePath, req.Username),
		Username:       req.Username,
		SizeBytes:      req.SizeBytes,
		RemoteDir:      req.OneDriveDir,
		RemoteFileName: req.OneDriveFilename,
		StartedAt:      s.now(),
	}
	if err := s.opts.Store.PutTransfer(desc); err != nil {
		s.log.WithError(err).Error("❌ Failed to save transfer descriptor")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}
	s.log.WithFields(logrus.Fields{
		"file":       desc.FilePath,
		"size":       desc.SizeBytes,
		"remote_dir": desc.RemoteDir,
	}).Info("Transfer start request received")
	writeJSON(w, http.StatusOK, map[string]string{"msg": "transfer started"})
}

func (s *Server) decodeError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, "'"+fe.Field()+"'")
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or invalid " + strings.Join(fields, ", ")})
}

func (s *Server) remoteName(desc state.TransferDescriptor) string {
	if desc.RemoteFileName != "" {
		return desc.RemoteFileName
	}
	return env.RemoteFileName(s.opts.DefaultRemoteFileName)
}

func (s *Server) transferDone(w http.ResponseWriter, r *http.Request) {
	desc, err := s.opts.Store.Transfer()
	if errors.Is(err, state.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no transfer was started"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("❌ Failed to read transfer descriptor")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}
	name := s.remoteName(desc)
	log := s.log.WithField("file", desc.FilePath)

	info, err := os.Stat(desc.FilePath)
	if err != nil || !info.Mode().IsRegular() {
		log.Warn("⚠️ File did not transfer or wrong path was provided")
		s.send(r.Context(), s.opts.Messages.Upload(name, false))
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":              "File did not transfer or wrong path was provided",
			"file-path-provided": desc.FilePath,
		})
		return
	}
	if info.Size() != desc.SizeBytes {
		log.WithFields(logrus.Fields{"provided": desc.SizeBytes, "actual": info.Size()}).Warn("⚠️ File size does not match what was provided")
		s.send(r.Context(), s.opts.Messages.SizeMismatch(desc.FilePath, desc.SizeBytes, info.Size()))
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":              "File size does not match what was provided",
			"file-size-provided": desc.SizeBytes,
			"file-size-actual":   info.Size(),
		})
		return
	}
	run, release, err := s.opts.Flows.ClaimBuildAndUpload()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "another transfer is already running"})
		return
	}

	if err := s.opts.Store.UpdateTransfer(func(d *state.TransferDescriptor) { d.DoneAt = s.now() }); err != nil {
		release()
		log.WithError(err).Error("❌ Failed to record transfer completion")
		s.send(r.Context(), s.opts.Messages.Upload(name, false))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}
	log.Info("Client indicated file transfer is complete")
	s.background("build-and-upload", run)
	writeJSON(w, http.StatusCreated, map[string]string{"msg": "File transfer complete. Upload process has started"})
}

type downloadRequest struct {
	OneDriveDir string `json:"onedrive-dir" validate:"required"`
}

func (s *Server) downloadDecrypt(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, release, err := s.opts.Flows.ClaimRestore()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "another transfer is already running"})
		return
	}
	if err := s.opts.Store.PutDownload(state.DownloadDescriptor{RemoteDir: req.OneDriveDir, RequestedAt: s.now()}); err != nil {
		release()
		s.log.WithError(err).Error("❌ Failed to save download descriptor")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}
	s.log.WithField("remote_dir", req.OneDriveDir).Info("Download decrypt request received")
	s.background("restore", run)
	writeJSON(w, http.StatusOK, map[string]string{"msg": "download and decrypt process started for " + req.OneDriveDir})
}

type fileStatus struct {
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	RangesDone  int     `json:"ranges_done"`
	TotalRanges int     `json:"total_ranges"`
	Bytes       int64   `json:"bytes"`
	TotalBytes  int64   `json:"total_bytes"`
	Speed       float64 `json:"bytes_per_second"`
	Summary     string  `json:"summary"`
}

func (s *Server) transferStatus(w http.ResponseWriter, r *http.Request) {
	files := []fileStatus{}
	for _, p := range s.opts.Flows.Progress().All() {
		files = append(files, fileStatus{
			Name:        p.Name,
			Status:      string(p.Status),
			RangesDone:  p.RangesDone,
			TotalRanges: p.TotalRanges,
			Bytes:       p.Bytes,
			TotalBytes:  p.TotalBytes,
			Speed:       p.Speed,
			Summary:     p.Summary(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"running": s.opts.Flows.Running(), "files": files})
}
