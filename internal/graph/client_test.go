package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Options{APIURL: srv.URL, TokenURL: srv.URL, Tenant: "consumers", HTTPClient: srv.Client()})
}

func TestCreateUploadSessionRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1.0/me/drive/items/DIR1/children/0001_backup.tar.gz/createUploadSession", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0001_backup.tar.gz", body["item"]["name"])

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"uploadUrl":"https://up.example/x","expirationDateTime":"2026-01-02T03:04:05.123Z"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).CreateUploadSession(context.Background(), "tok", "DIR1", "0001_backup.tar.gz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sess UploadSession
	require.NoError(t, resp.JSON(&sess))
	assert.Equal(t, "https://up.example/x", sess.UploadURL)
	assert.False(t, sess.Expiration().IsZero())
}

func TestPutRangeHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "bytes 0-3/10", r.Header.Get("Content-Range"))
		assert.Empty(t, r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		assert.Equal(t, "abcd", string(data))
		assert.EqualValues(t, 4, r.ContentLength)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).PutRange(context.Background(), srv.URL+"/upload", 0, 3, 10, []byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRefreshTokenForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/consumers/oauth2/v2.0/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "https://localhost/cb", r.PostForm.Get("redirect_uri"))
		_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","expires_in":3600}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).RefreshToken(context.Background(), "at", "rt", "cid", "secret", "https://localhost/cb")
	require.NoError(t, err)
	var tr TokenResponse
	require.NoError(t, resp.JSON(&tr))
	assert.Equal(t, "a2", tr.AccessToken)
	assert.EqualValues(t, 3600, tr.ExpiresIn)
}

func TestGetRangeHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=10-19", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).GetRange(context.Background(), srv.URL, 10, 19)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
}

func TestErrorBodyInnerCode(t *testing.T) {
	var eb ErrorBody
	require.NoError(t, json.Unmarshal([]byte(`{"error":{"code":"itemNotFound","innererror":{"code":"uploadSessionNotFound"}}}`), &eb))
	assert.Equal(t, "uploadSessionNotFound", eb.InnerCode())

	var plain ErrorBody
	require.NoError(t, json.Unmarshal([]byte(`{"error":{"code":"x"}}`), &plain))
	assert.Empty(t, plain.InnerCode())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Timeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, Other, Classify(context.Canceled))
	assert.Equal(t, Other, Classify(errors.New("boom")))
	assert.Equal(t, Connection, Classify(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, TLS, Classify(errors.New("remote error: tls: handshake failure")))
	assert.True(t, Timeout.Retryable())
	assert.False(t, Other.Retryable())
}

func TestClassifyRefusedConnection(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := NewClient(Options{APIURL: "http://" + addr, TokenURL: "http://" + addr})
	_, err = c.Item(context.Background(), "tok", "id")
	require.Error(t, err)
	assert.Equal(t, Connection, Classify(err))
}
