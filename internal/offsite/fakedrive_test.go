package offsite

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaywantadh/offsite/internal/graph"
)

type driveFile struct {
	id     string
	parent string
	name   string
	data   []byte
}

type uploadSession struct {
	parent string
	name   string
	buf    []byte
}

// fakeDrive serves the token endpoint and the drive endpoints a transfer
// touches, keeping everything in memory.
type fakeDrive struct {
	srv *httptest.Server

	mu        sync.Mutex
	next      int
	folders   map[string]string // name -> id
	files     map[string]*driveFile
	sessions  map[string]*uploadSession
	refreshes int
}

func newFakeDrive(t *testing.T) *fakeDrive {
	d := &fakeDrive{
		folders:  map[string]string{},
		files:    map[string]*driveFile{},
		sessions: map[string]*uploadSession{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /consumers/oauth2/v2.0/token", d.token)
	mux.HandleFunc("GET /v1.0/me/drive/special/approot/children/{name}", d.folder)
	mux.HandleFunc("POST /v1.0/me/drive/special/approot/children", d.createFolder)
	mux.HandleFunc("POST /v1.0/me/drive/items/{parent}/children/{name}/createUploadSession", d.createSession)
	mux.HandleFunc("GET /v1.0/me/drive/items/{id}/children", d.children)
	mux.HandleFunc("GET /v1.0/me/drive/items/{id}", d.item)
	mux.HandleFunc("PUT /upload/{sid}", d.put)
	mux.HandleFunc("DELETE /upload/{sid}", d.cancel)
	mux.HandleFunc("GET /content/{id}", d.content)
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDrive) id(prefix string) string {
	d.next++
	return fmt.Sprintf("%s-%d", prefix, d.next)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (d *fakeDrive) token(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.refreshes++
	n := d.refreshes
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, graph.TokenResponse{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		ExpiresIn:    3600,
	})
}

func (d *fakeDrive) folder(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.folders[r.PathValue("name")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "itemNotFound"}})
		return
	}
	writeJSON(w, http.StatusOK, graph.DriveItem{ID: id, Name: r.PathValue("name"), Folder: &struct{}{}})
}

func (d *fakeDrive) createFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.id("folder")
	d.folders[body.Name] = id
	writeJSON(w, http.StatusCreated, graph.DriveItem{ID: id, Name: body.Name, Folder: &struct{}{}})
}

func (d *fakeDrive) createSession(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sid := d.id("session")
	d.sessions[sid] = &uploadSession{parent: r.PathValue("parent"), name: r.PathValue("name")}
	writeJSON(w, http.StatusOK, graph.UploadSession{
		UploadURL:          d.srv.URL + "/upload/" + sid,
		ExpirationDateTime: time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano),
	})
}

func (d *fakeDrive) put(w http.ResponseWriter, r *http.Request) {
	var start, end, total int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[r.PathValue("sid")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if start != int64(len(s.buf)) {
		writeJSON(w, http.StatusRequestedRangeNotSatisfiable, graph.UploadSession{
			NextExpectedRanges: []string{fmt.Sprintf("%d-", len(s.buf))},
		})
		return
	}
	s.buf = append(s.buf, payload...)
	if end+1 < total {
		writeJSON(w, http.StatusAccepted, graph.UploadSession{
			NextExpectedRanges: []string{fmt.Sprintf("%d-", len(s.buf))},
		})
		return
	}
	id := d.id("file")
	d.files[id] = &driveFile{id: id, parent: s.parent, name: s.name, data: s.buf}
	delete(d.sessions, r.PathValue("sid"))
	writeJSON(w, http.StatusCreated, graph.DriveItem{ID: id, Name: s.name})
}

func (d *fakeDrive) cancel(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	delete(d.sessions, r.PathValue("sid"))
	d.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (d *fakeDrive) driveItem(f *driveFile) graph.DriveItem {
	size := int64(len(f.data))
	sum := sha256.Sum256(f.data)
	return graph.DriveItem{
		ID:                   f.id,
		Name:                 f.name,
		Size:                 &size,
		LastModifiedDateTime: time.Now().UTC().Format(time.RFC3339Nano),
		DownloadURL:          d.srv.URL + "/content/" + f.id,
		File:                 &graph.FileFacet{Hashes: &graph.Hashes{SHA256Hash: strings.ToUpper(hex.EncodeToString(sum[:]))}},
	}
}

func (d *fakeDrive) children(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	page := graph.ChildrenPage{Value: []graph.DriveItem{}}
	for _, f := range d.files {
		if f.parent == r.PathValue("id") {
			page.Value = append(page.Value, d.driveItem(f))
		}
	}
	writeJSON(w, http.StatusOK, page)
}

func (d *fakeDrive) item(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[r.PathValue("id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d.driveItem(f))
}

func (d *fakeDrive) content(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	f, ok := d.files[r.PathValue("id")]
	d.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var start, end int64
	if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil || end >= int64(len(f.data)) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(f.data[start : end+1])
}

func (d *fakeDrive) fileNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for _, f := range d.files {
		names = append(names, f.name)
	}
	return names
}
