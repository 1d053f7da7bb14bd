package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaywantadh/offsite/internal/credentials"
	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/jaywantadh/offsite/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

type staticCreds struct{}

func (staticCreds) Read() (credentials.Record, error) {
	return credentials.Record{AccessToken: "tok", RefreshToken: "rt"}, nil
}

// rangeServer serves content honouring "bytes=s-e" and fails the first
// failures requests with a 503.
func rangeServer(t *testing.T, content []byte, failures int32) (*httptest.Server, *int32) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var start, end int
		_, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		require.NoError(t, err)
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start : end+1])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func newDownload(srv *httptest.Server, meta ItemMetadata, dest string) *FileDownload {
	c := graph.NewClient(graph.Options{APIURL: srv.URL, TokenURL: srv.URL, HTTPClient: srv.Client()})
	d := NewFileDownload(c, meta, 10, dest, quiet())
	d.Sleep = retry.NoSleep
	return d
}

func TestDownloadVerifiesRoundTrip(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	srv, calls := rangeServer(t, content, 0)
	dest := filepath.Join(t.TempDir(), "0001_backup.tar.gz")

	var progress int64
	d := newDownload(srv, ItemMetadata{DownloadURL: srv.URL, Size: int64(len(content)), SHA256: strings.ToUpper(sum(content))}, dest)
	d.Progress = func(written, _ int64) { progress = written }

	require.NoError(t, d.Download(context.Background()))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.EqualValues(t, 5, atomic.LoadInt32(calls))
	assert.EqualValues(t, len(content), progress)
}

func TestDownloadDetectsSingleByteCorruption(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	corrupted := append([]byte(nil), content...)
	corrupted[7] ^= 0x01
	srv, _ := rangeServer(t, corrupted, 0)
	dest := filepath.Join(t.TempDir(), "item")

	d := newDownload(srv, ItemMetadata{DownloadURL: srv.URL, Size: int64(len(content)), SHA256: sum(content)}, dest)
	assert.ErrorIs(t, d.Download(context.Background()), ErrVerify)
}

func TestVerifySizeMismatch(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "item")
	require.NoError(t, os.WriteFile(dest, []byte("short"), 0o644))
	d := NewFileDownload(nil, ItemMetadata{Size: 6, SHA256: sum([]byte("short"))}, 10, dest, quiet())
	assert.ErrorIs(t, d.Verify(), ErrVerify)
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	content := []byte("abcdefgh")
	srv, calls := rangeServer(t, content, 3)
	dest := filepath.Join(t.TempDir(), "item")

	d := newDownload(srv, ItemMetadata{DownloadURL: srv.URL, Size: 8, SHA256: sum(content)}, dest)
	require.NoError(t, d.Download(context.Background()))
	assert.EqualValues(t, 4, atomic.LoadInt32(calls))
}

func TestDownloadExhaustsRetries(t *testing.T) {
	srv, calls := rangeServer(t, nil, 100)
	dest := filepath.Join(t.TempDir(), "item")

	var waits []time.Duration
	d := newDownload(srv, ItemMetadata{DownloadURL: srv.URL, Size: 8, SHA256: "x"}, dest)
	d.Sleep = func(_ context.Context, wait time.Duration) error {
		waits = append(waits, wait)
		return nil
	}
	assert.ErrorIs(t, d.Download(context.Background()), ErrRetriesExhausted)
	// first try plus three retries
	assert.EqualValues(t, 4, atomic.LoadInt32(calls))
	assert.Equal(t, []time.Duration{15 * time.Second, 600 * time.Second, 1800 * time.Second, 20 * time.Second}, waits)
}

func TestDownloadRunawayGuard(t *testing.T) {
	srv, calls := rangeServer(t, nil, 100)
	d := newDownload(srv, ItemMetadata{DownloadURL: srv.URL, Size: 8, SHA256: "x"}, filepath.Join(t.TempDir(), "item"))
	d.Ladder = retry.Ladder{Delays: make([]time.Duration, 50)}
	assert.ErrorIs(t, d.Download(context.Background()), ErrRunaway)
	assert.EqualValues(t, MaxIterations, atomic.LoadInt32(calls))
}

type itemAPI struct {
	status int
	body   string
}

func (a itemAPI) Item(context.Context, string, string) (*graph.Response, error) {
	return &graph.Response{StatusCode: a.status, Body: []byte(a.body)}, nil
}

func TestGetItemMetadata(t *testing.T) {
	full := `{"@microsoft.graph.downloadUrl":"https://dl/x","size":42,"file":{"hashes":{"sha256Hash":"ABC"}}}`
	meta, err := GetItemMetadata(context.Background(), itemAPI{200, full}, "id1", "tok", quiet())
	require.NoError(t, err)
	assert.Equal(t, ItemMetadata{DownloadURL: "https://dl/x", Size: 42, SHA256: "ABC"}, meta)

	for name, body := range map[string]string{
		"no sha256": `{"@microsoft.graph.downloadUrl":"https://dl/x","size":42,"file":{"hashes":{"quickXorHash":"q"}}}`,
		"no hashes": `{"@microsoft.graph.downloadUrl":"https://dl/x","size":42,"file":{}}`,
		"no file":   `{"@microsoft.graph.downloadUrl":"https://dl/x","size":42}`,
		"no size":   `{"@microsoft.graph.downloadUrl":"https://dl/x","file":{"hashes":{"sha256Hash":"ABC"}}}`,
		"no url":    `{"size":42,"file":{"hashes":{"sha256Hash":"ABC"}}}`,
	} {
		_, err := GetItemMetadata(context.Background(), itemAPI{200, body}, "id1", "tok", quiet())
		assert.ErrorIs(t, err, ErrMissingField, name)
	}

	_, err = GetItemMetadata(context.Background(), itemAPI{404, `{}`}, "id1", "tok", quiet())
	assert.Error(t, err)
}

func TestItemGetterListAndFind(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/v1.0/me/drive/special/approot/children/pve", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"DIR1","name":"pve"}`))
	})
	mux.HandleFunc("/v1.0/me/drive/items/DIR1/children", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`{"value":[{"id":"B","name":"0002_b.tar.gz","lastModifiedDateTime":"2026-01-02T03:04:05Z"}]}`))
			return
		}
		fmt.Fprintf(w, `{"value":[{"id":"A","name":"0001_b.tar.gz","lastModifiedDateTime":"2026-01-02T03:04:05.123Z"}],"@odata.nextLink":"%s/v1.0/me/drive/items/DIR1/children?page=2"}`, srvURL)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := graph.NewClient(graph.Options{APIURL: srv.URL, TokenURL: srv.URL, HTTPClient: srv.Client()})
	g := NewItemGetter(c, staticCreds{}, "pve", quiet())

	items, err := g.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "A", items[0].ID)
	assert.Equal(t, 123000000, items[0].LastModified.Nanosecond())

	it, err := g.Find(context.Background(), "0002_b.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "B", it.ID)

	_, err = g.Find(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestItemGetterRejectsIncompleteEntries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/me/drive/special/approot/children/pve", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"DIR1"}`))
	})
	mux.HandleFunc("/v1.0/me/drive/items/DIR1/children", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":[{"id":"A","name":"x"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := graph.NewClient(graph.Options{APIURL: srv.URL, TokenURL: srv.URL, HTTPClient: srv.Client()})
	_, err := NewItemGetter(c, staticCreds{}, "pve", quiet()).List(context.Background())
	assert.ErrorIs(t, err, ErrMissingField)
}
