package graph

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Response is a fully read HTTP response. The body is always drained and
// closed before a Response is handed out.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body (status %d): %w", r.StatusCode, err)
	}
	return nil
}

// Is5xx reports a service side failure worth retrying.
func (r *Response) Is5xx() bool {
	return r.StatusCode >= 500 && r.StatusCode <= 599
}

// DriveItem is the subset of a drive item the transfer core reads.
type DriveItem struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Size                 *int64     `json:"size,omitempty"`
	LastModifiedDateTime string     `json:"lastModifiedDateTime"`
	DownloadURL          string     `json:"@microsoft.graph.downloadUrl"`
	File                 *FileFacet `json:"file,omitempty"`
	Folder               *struct{}  `json:"folder,omitempty"`
}

type FileFacet struct {
	Hashes *Hashes `json:"hashes,omitempty"`
}

type Hashes struct {
	SHA256Hash string `json:"sha256Hash,omitempty"`
}

// ChildrenPage is a directory listing.
type ChildrenPage struct {
	Value    []DriveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink,omitempty"`
}

// UploadSession is returned by createUploadSession and by a GET on the upload URL.
type UploadSession struct {
	UploadURL          string   `json:"uploadUrl,omitempty"`
	ExpirationDateTime string   `json:"expirationDateTime,omitempty"`
	NextExpectedRanges []string `json:"nextExpectedRanges,omitempty"`
}

// Expiration parses ExpirationDateTime, zero time when absent or malformed.
func (s UploadSession) Expiration() time.Time {
	t, err := time.Parse(time.RFC3339Nano, s.ExpirationDateTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ErrorBody is the provider's error envelope.
type ErrorBody struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		InnerError *struct {
			Code string `json:"code"`
		} `json:"innererror,omitempty"`
	} `json:"error"`
}

// InnerCode returns error.innererror.code or "".
func (e ErrorBody) InnerCode() string {
	if e.Error.InnerError == nil {
		return ""
	}
	return e.Error.InnerError.Code
}

// TokenResponse is the token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
}
