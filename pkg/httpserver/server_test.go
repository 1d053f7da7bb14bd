package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaywantadh/offsite/internal/metrics"
	"github.com/jaywantadh/offsite/internal/notify"
	"github.com/jaywantadh/offsite/internal/pool"
	"github.com/jaywantadh/offsite/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlows struct {
	mu       sync.Mutex
	uploads  int
	restores int
	running  bool
	released int
	// hold keeps a claimed run going until closed
	hold     chan struct{}
	progress *pool.ProgressTracker
}

func (f *fakeFlows) claim(count *int) (func(context.Context) error, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil, nil, errors.New("busy")
	}
	f.running = true
	done := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.running = false
	}
	run := func(context.Context) error {
		if f.hold != nil {
			<-f.hold
		}
		f.mu.Lock()
		*count++
		f.mu.Unlock()
		done()
		return nil
	}
	release := func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
		done()
	}
	return run, release, nil
}

func (f *fakeFlows) ClaimBuildAndUpload() (func(context.Context) error, func(), error) {
	return f.claim(&f.uploads)
}

func (f *fakeFlows) ClaimRestore() (func(context.Context) error, func(), error) {
	return f.claim(&f.restores)
}

func (f *fakeFlows) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeFlows) Progress() *pool.ProgressTracker { return f.progress }

func (f *fakeFlows) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads, f.restores
}

type sentMail struct {
	mu       sync.Mutex
	subjects []string
}

func (s *sentMail) Send(_ context.Context, m notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, m.Subject)
	return nil
}

type harness struct {
	srv   *Server
	store *state.Store
	flows *fakeFlows
	mail  *sentMail
}

func newHarness(t *testing.T, gatherer prometheus.Gatherer) *harness {
	t.Helper()
	store, err := state.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, _ := test.NewNullLogger()
	flows := &fakeFlows{progress: pool.NewProgressTracker()}
	mail := &sentMail{}
	srv := New(context.Background(), Options{
		Addr:                  "127.0.0.1:0",
		DefaultRemoteFileName: "onedrive_offsite_backup.tar.gz",
		Store:                 store,
		Flows:                 flows,
		Notifier:              mail,
		Metrics:               gatherer,
		Log:                   log,
	})
	return &harness{srv: srv, store: store, flows: flows, mail: mail}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestTransferStartWritesDescriptor(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/transfer/start",
		`{"file-path":"~/backups/vm.vma.zst","username":"ops","size-bytes":42,"onedrive-dir":"vm-100","onedrive-filename":"vm.tar.gz"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "transfer started", decodeBody(t, w)["msg"])
	desc, err := h.store.Transfer()
	require.NoError(t, err)
	assert.Equal(t, "/home/ops/backups/vm.vma.zst", desc.FilePath)
	assert.Equal(t, int64(42), desc.SizeBytes)
	assert.Equal(t, "vm-100", desc.RemoteDir)
	assert.Equal(t, "vm.tar.gz", desc.RemoteFileName)
	assert.False(t, desc.StartedAt.IsZero())
}

func TestTransferStartRejectsMissingDir(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/transfer/start", `{"file-path":"/tmp/x","size-bytes":1}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing 'onedrive-dir'", decodeBody(t, w)["error"])

	w = h.do(http.MethodPost, "/transfer/start", `{"file-path":"~/x","size-bytes":1,"onedrive-dir":"d"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "'username'")

	w = h.do(http.MethodPost, "/transfer/start", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := h.store.Transfer()
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestExpandPath(t *testing.T) {
	assert.Equal(t, "/home/ops/a", expandPath("~/a", "ops"))
	assert.Equal(t, "/srv/a", expandPath("/srv/a", "ops"))
}

func announce(t *testing.T, h *harness, path string, size int64) {
	t.Helper()
	require.NoError(t, h.store.PutTransfer(state.TransferDescriptor{FilePath: path, SizeBytes: size, RemoteDir: "vm-100"}))
}

func TestTransferDoneStartsUpload(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "backup.vma.zst")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))
	announce(t, h, path, 5)

	w := h.do(http.MethodPut, "/transfer/done", "")
	require.Equal(t, http.StatusCreated, w.Code)
	h.srv.Wait()

	uploads, _ := h.flows.counts()
	assert.Equal(t, 1, uploads)
	desc, err := h.store.Transfer()
	require.NoError(t, err)
	assert.False(t, desc.DoneAt.IsZero())
	assert.Empty(t, h.mail.subjects)
}

func TestTransferDoneMissingFile(t *testing.T) {
	h := newHarness(t, nil)
	announce(t, h, filepath.Join(t.TempDir(), "nope"), 5)

	w := h.do(http.MethodPut, "/transfer/done", "")

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decodeBody(t, w), "file-path-provided")
	assert.Equal(t, []string{"Error - onedrive_offsite_backup.tar.gz"}, h.mail.subjects)
	uploads, _ := h.flows.counts()
	assert.Zero(t, uploads)
}

func TestTransferDoneSizeMismatch(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "backup.vma.zst")
	require.NoError(t, os.WriteFile(path, []byte("123"), 0o644))
	announce(t, h, path, 5)

	w := h.do(http.MethodPut, "/transfer/done", "")

	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, 5.0, body["file-size-provided"])
	assert.Equal(t, 3.0, body["file-size-actual"])
	require.Len(t, h.mail.subjects, 1)
	assert.Contains(t, h.mail.subjects[0], "size mismatch")
}

func TestTransferDoneWithoutStart(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPut, "/transfer/done", "").Code)
}

func TestTransferDoneWhileBusy(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "backup.vma.zst")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))
	announce(t, h, path, 5)
	h.flows.running = true

	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodPut, "/transfer/done", "").Code)
	uploads, _ := h.flows.counts()
	assert.Zero(t, uploads)
}

func TestTransferStartWhileBusy(t *testing.T) {
	h := newHarness(t, nil)
	announce(t, h, "/srv/backup.vma.zst", 5)
	h.flows.running = true

	w := h.do(http.MethodPost, "/transfer/start",
		`{"file-path":"/srv/other.vma.zst","size-bytes":9,"onedrive-dir":"vm-200"}`)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "another transfer is already running", decodeBody(t, w)["error"])
	desc, err := h.store.Transfer()
	require.NoError(t, err)
	assert.Equal(t, "/srv/backup.vma.zst", desc.FilePath)
	assert.Equal(t, "vm-100", desc.RemoteDir)
}

func TestSecondRequestRefusedBeforeFlowRuns(t *testing.T) {
	h := newHarness(t, nil)
	h.flows.hold = make(chan struct{})
	path := filepath.Join(t.TempDir(), "backup.vma.zst")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))
	announce(t, h, path, 5)

	require.Equal(t, http.StatusCreated, h.do(http.MethodPut, "/transfer/done", "").Code)
	// the first flow is claimed but has not run yet
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodPost, "/download-decrypt", `{"onedrive-dir":"vm-100"}`).Code)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodPut, "/transfer/done", "").Code)

	close(h.flows.hold)
	h.srv.Wait()
	uploads, restores := h.flows.counts()
	assert.Equal(t, 1, uploads)
	assert.Zero(t, restores)
	assert.False(t, h.flows.Running())
}

func TestDownloadDecryptReleasesClaimOnStoreError(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Close())

	w := h.do(http.MethodPost, "/download-decrypt", `{"onedrive-dir":"vm-100"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, h.flows.Running())
	h.flows.mu.Lock()
	defer h.flows.mu.Unlock()
	assert.Equal(t, 1, h.flows.released)
}

func TestDownloadDecrypt(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/download-decrypt", `{"onedrive-dir":"vm-100"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "download and decrypt process started for vm-100", decodeBody(t, w)["msg"])
	h.srv.Wait()

	_, restores := h.flows.counts()
	assert.Equal(t, 1, restores)
	desc, err := h.store.Download()
	require.NoError(t, err)
	assert.Equal(t, "vm-100", desc.RemoteDir)

	w = h.do(http.MethodPost, "/download-decrypt", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransferStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.flows.progress.Start("b", "0002_x", 2, 2048)
	h.flows.progress.Start("a", "0001_x", 4, 4096)
	h.flows.progress.Update("a", 1, 1024, pool.InProgress)

	w := h.do(http.MethodGet, "/transfer/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Running bool         `json:"running"`
		Files   []fileStatus `json:"files"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.Len(t, out.Files, 2)
	assert.Equal(t, "0001_x", out.Files[0].Name)
	assert.Equal(t, 1, out.Files[0].RangesDone)
	assert.Equal(t, int64(1024), out.Files[0].Bytes)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveRun(metrics.Upload, "success")
	h := newHarness(t, reg)

	w := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "offsite_")

	assert.Equal(t, http.StatusNotFound, newHarness(t, nil).do(http.MethodGet, "/metrics", "").Code)
}

func TestStartStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
