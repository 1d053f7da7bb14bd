package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	apiVersion  = "/v1.0"
	approotPath = apiVersion + "/me/drive/special/approot/children"
	itemsPath   = apiVersion + "/me/drive/items/"
)

// Client talks to the token endpoint and the Graph-style storage API. Every
// request carries the connect/read timeouts so a hung remote cannot block a
// worker forever.
type Client struct {
	apiURL     string
	tokenURL   string
	tenant     string
	httpClient *http.Client
}

// Options configures a Client.
type Options struct {
	APIURL         string
	TokenURL       string
	Tenant         string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// HTTPClient overrides the timeout-configured default, used by tests.
	HTTPClient *http.Client
}

// NewClient creates a new API client
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = newHTTPClient(opts.ConnectTimeout, opts.ReadTimeout)
	}
	tenant := opts.Tenant
	if tenant == "" {
		tenant = "consumers"
	}
	return &Client{
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		tokenURL:   strings.TrimRight(opts.TokenURL, "/"),
		tenant:     tenant,
		httpClient: hc,
	}
}

func newHTTPClient(connect, read time.Duration) *http.Client {
	if connect <= 0 {
		connect = 10 * time.Second
	}
	if read <= 0 {
		read = 60 * time.Second
	}
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
	}
	// the overall cap leaves room to push a full fragment and read the reply
	return &http.Client{Transport: transport, Timeout: connect + 2*read}
}

// HTTPClient exposes the configured client, e.g. for oauth2 code exchange.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// TokenEndpoint is the OAuth2 token URL.
func (c *Client) TokenEndpoint() string {
	return c.tokenURL + "/" + c.tenant + "/oauth2/v2.0/token"
}

// AuthorizeEndpoint is the OAuth2 authorization URL.
func (c *Client) AuthorizeEndpoint() string {
	return c.tokenURL + "/" + c.tenant + "/oauth2/v2.0/authorize"
}

func (c *Client) do(ctx context.Context, method, rawURL, token string, header http.Header, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if br, ok := body.(*bytes.Reader); ok {
		req.ContentLength = int64(br.Len())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func jsonBody(v any) (io.Reader, http.Header, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return bytes.NewReader(data), h, nil
}

// RefreshToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, accessToken, refreshToken, clientID, clientSecret, redirectURI string) (*Response, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("redirect_uri", redirectURI)

	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(ctx, http.MethodPost, c.TokenEndpoint(), accessToken, h, strings.NewReader(form.Encode()))
}

// ApprootChild fetches the named child of the application root folder.
func (c *Client) ApprootChild(ctx context.Context, token, name string) (*Response, error) {
	return c.do(ctx, http.MethodGet, c.apiURL+approotPath+"/"+url.PathEscape(name), token, nil, nil)
}

// Approot lists the application root, which also provisions it on first use.
func (c *Client) Approot(ctx context.Context, token string) (*Response, error) {
	return c.do(ctx, http.MethodGet, c.apiURL+approotPath, token, nil, nil)
}

// CreateApprootFolder creates a folder under the application root.
func (c *Client) CreateApprootFolder(ctx context.Context, token, name string) (*Response, error) {
	body, h, err := jsonBody(map[string]any{"name": name, "folder": map[string]any{}})
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, c.apiURL+approotPath, token, h, body)
}

// CreateUploadSession opens a resumable upload session for name under parentID.
func (c *Client) CreateUploadSession(ctx context.Context, token, parentID, name string) (*Response, error) {
	body, h, err := jsonBody(map[string]any{"item": map[string]string{"name": name}})
	if err != nil {
		return nil, err
	}
	u := c.apiURL + itemsPath + url.PathEscape(parentID) + "/children/" + url.PathEscape(name) + "/createUploadSession"
	return c.do(ctx, http.MethodPost, u, token, h, body)
}

// PutRange sends one byte range to an upload session. The upload URL is
// pre-authenticated so no bearer token is sent.
func (c *Client) PutRange(ctx context.Context, uploadURL string, start, end, total int64, payload []byte) (*Response, error) {
	h := http.Header{}
	h.Set("Content-Length", strconv.Itoa(len(payload)))
	h.Set("Content-Range", ContentRange(start, end, total))
	return c.do(ctx, http.MethodPut, uploadURL, "", h, bytes.NewReader(payload))
}

// SessionStatus reads the upload session state.
func (c *Client) SessionStatus(ctx context.Context, uploadURL string) (*Response, error) {
	return c.do(ctx, http.MethodGet, uploadURL, "", nil, nil)
}

// DeleteSession cancels an upload session.
func (c *Client) DeleteSession(ctx context.Context, uploadURL string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, uploadURL, "", nil, nil)
}

// Item fetches a drive item by id.
func (c *Client) Item(ctx context.Context, token, id string) (*Response, error) {
	return c.do(ctx, http.MethodGet, c.apiURL+itemsPath+url.PathEscape(id), token, nil, nil)
}

// Children lists the children of a drive item.
func (c *Client) Children(ctx context.Context, token, id string) (*Response, error) {
	return c.do(ctx, http.MethodGet, c.apiURL+itemsPath+url.PathEscape(id)+"/children", token, nil, nil)
}

// NextPage follows an @odata.nextLink.
func (c *Client) NextPage(ctx context.Context, token, link string) (*Response, error) {
	return c.do(ctx, http.MethodGet, link, token, nil, nil)
}

// GetRange downloads bytes [start, end] from a pre-authenticated download URL.
func (c *Client) GetRange(ctx context.Context, downloadURL string, start, end int64) (*Response, error) {
	h := http.Header{}
	h.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	return c.do(ctx, http.MethodGet, downloadURL, "", h, nil)
}

// ContentRange formats a Content-Range header value.
func ContentRange(start, end, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
}
