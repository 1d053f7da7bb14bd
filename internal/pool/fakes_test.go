package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jaywantadh/offsite/internal/credentials"
	"github.com/jaywantadh/offsite/internal/download"
	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/jaywantadh/offsite/internal/state"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func quiet() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

type fakeCreds struct {
	mu         sync.Mutex
	record     credentials.Record
	readErr    error
	refreshErr error
	// failAfter makes every refresh after the first n fail with refreshErr.
	failAfter int
	reads     int
	refreshes int
}

func newFakeCreds(expires time.Time) *fakeCreds {
	return &fakeCreds{
		record:    credentials.Record{AccessToken: "tok", RefreshToken: "rt", Expires: expires},
		failAfter: -1,
	}
}

func (f *fakeCreds) Read() (credentials.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.record, f.readErr
}

func (f *fakeCreds) Refresh(context.Context) (credentials.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil && (f.failAfter < 0 || f.refreshes > f.failAfter) {
		return credentials.Record{}, f.refreshErr
	}
	return f.record, nil
}

func (f *fakeCreds) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	checks   int
	acquired bool
	released bool
}

func (l *fakeLock) Check() (credentials.LockState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks++
	if l.held {
		return credentials.Locked, nil
	}
	return credentials.NotLocked, nil
}

func (l *fakeLock) Acquire() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.acquired = true
	return true, nil
}

func (l *fakeLock) Renew() error { return nil }

func (l *fakeLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

func (l *fakeLock) setHeld(v bool) {
	l.mu.Lock()
	l.held = v
	l.mu.Unlock()
}

func (l *fakeLock) snapshot() (checks int, acquired, released bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checks, l.acquired, l.released
}

type fakeDir struct{ err error }

func (d fakeDir) Ensure(context.Context) error { return d.err }

type fakeDescriptors struct{}

func (fakeDescriptors) Transfer() (state.TransferDescriptor, error) {
	return state.TransferDescriptor{RemoteDir: "backup", RemoteDirID: "dir-1"}, nil
}

type noFinder struct{}

func (noFinder) Find(context.Context, string) (download.Item, error) {
	return download.Item{}, download.ErrItemNotFound
}

// recentFinder reports every item as written just now.
type recentFinder struct{}

func (recentFinder) Find(_ context.Context, name string) (download.Item, error) {
	return download.Item{ID: "item-" + name, Name: name, LastModified: time.Now().UTC()}, nil
}

// fakeUploadAPI accepts every range with 202 and the last one with 201 unless
// status says otherwise.
type fakeUploadAPI struct {
	mu     sync.Mutex
	status func(name string, start, end, total int64) int
	// onPut runs after each range is answered.
	onPut func(start int64)
	// sessionStatus answers upload status requests; 404 when unset.
	sessionStatus func() *graph.Response
	puts          int
	deletes       int
	received      map[string]int64
}

func newFakeUploadAPI() *fakeUploadAPI {
	return &fakeUploadAPI{received: make(map[string]int64)}
}

func (f *fakeUploadAPI) CreateUploadSession(_ context.Context, _, _, name string) (*graph.Response, error) {
	body := fmt.Sprintf(`{"uploadUrl":"https://upload.invalid/%s","expirationDateTime":"2030-01-01T00:00:00Z"}`, name)
	return &graph.Response{StatusCode: 200, Body: []byte(body)}, nil
}

func (f *fakeUploadAPI) PutRange(_ context.Context, uploadURL string, start, end, total int64, payload []byte) (*graph.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if int64(len(payload)) != end-start+1 {
		return &graph.Response{StatusCode: 400}, nil
	}
	name := uploadURL[strings.LastIndex(uploadURL, "/")+1:]
	code := 202
	if end+1 == total {
		code = 201
	}
	if f.status != nil {
		code = f.status(name, start, end, total)
	}
	if code < 300 {
		f.received[name] += int64(len(payload))
	}
	if f.onPut != nil {
		f.onPut(start)
	}
	return &graph.Response{StatusCode: code}, nil
}

func (f *fakeUploadAPI) SessionStatus(context.Context, string) (*graph.Response, error) {
	if f.sessionStatus != nil {
		return f.sessionStatus(), nil
	}
	return &graph.Response{StatusCode: 404}, nil
}

func (f *fakeUploadAPI) DeleteSession(context.Context, string) (*graph.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return &graph.Response{StatusCode: 204}, nil
}

func (f *fakeUploadAPI) counts() (puts, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts, f.deletes
}

type remoteFile struct {
	name    string
	content []byte
	// sha overrides the advertised hash.
	sha string
}

// fakeDownloadAPI serves item details and ranges from memory.
type fakeDownloadAPI struct {
	mu    sync.Mutex
	files map[string]remoteFile
	gets  int
}

func newFakeDownloadAPI(files map[string]remoteFile) *fakeDownloadAPI {
	return &fakeDownloadAPI{files: files}
}

func (f *fakeDownloadAPI) Item(_ context.Context, _, id string) (*graph.Response, error) {
	rf, ok := f.files[id]
	if !ok {
		return &graph.Response{StatusCode: 404}, nil
	}
	sha := rf.sha
	if sha == "" {
		sum := sha256.Sum256(rf.content)
		sha = strings.ToUpper(hex.EncodeToString(sum[:]))
	}
	body := fmt.Sprintf(`{"id":%q,"name":%q,"size":%d,"@microsoft.graph.downloadUrl":"mem://%s","file":{"hashes":{"sha256Hash":%q}}}`,
		id, rf.name, len(rf.content), id, sha)
	return &graph.Response{StatusCode: 200, Body: []byte(body)}, nil
}

func (f *fakeDownloadAPI) GetRange(_ context.Context, url string, start, end int64) (*graph.Response, error) {
	f.mu.Lock()
	f.gets++
	f.mu.Unlock()
	rf, ok := f.files[strings.TrimPrefix(url, "mem://")]
	if !ok || end >= int64(len(rf.content)) {
		return &graph.Response{StatusCode: 416}, nil
	}
	return &graph.Response{StatusCode: 206, Body: rf.content[start : end+1]}, nil
}

type fakeLister struct {
	items []download.Item
	err   error
}

func (l fakeLister) List(context.Context) ([]download.Item, error) {
	if l.err != nil {
		return nil, l.err
	}
	if len(l.items) == 0 {
		return nil, download.ErrEmptyListing
	}
	return l.items, nil
}

var errRefresh = errors.New("refresh rejected")
