package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// ExpiresLayout is the on-disk format of the expiry timestamp, in local time.
const ExpiresLayout = "2006-01-02 15:04:05"

// ErrInvalidRecord marks a credential or app file that exists but is unusable.
var ErrInvalidRecord = errors.New("credentials: invalid record")

// Record is the persisted bearer token pair.
type Record struct {
	AccessToken  string
	RefreshToken string
	Expires      time.Time
}

type recordJSON struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Expires      string `json:"expires"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Expires:      r.Expires.In(time.Local).Format(ExpiresLayout),
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	expires, err := time.ParseInLocation(ExpiresLayout, raw.Expires, time.Local)
	if err != nil {
		return fmt.Errorf("%w: bad expires %q: %v", ErrInvalidRecord, raw.Expires, err)
	}
	*r = Record{AccessToken: raw.AccessToken, RefreshToken: raw.RefreshToken, Expires: expires}
	return nil
}

// FromToken builds a record from an oauth2 token, e.g. after a code exchange.
func FromToken(tok *oauth2.Token) Record {
	return Record{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expires: tok.Expiry}
}

// ExpiresWithin reports whether the token expires within d of now.
func (r Record) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !r.Expires.After(now.Add(d))
}

// AppRecord is the application registration used for every token exchange.
type AppRecord struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
	SigninURL    string `json:"signin_url,omitempty"`
}

// ReadRecord loads a credential record from path.
func ReadRecord(path string) (Record, error) {
	var r Record
	if err := readJSON(path, &r); err != nil {
		return Record{}, err
	}
	if r.AccessToken == "" || r.RefreshToken == "" {
		return Record{}, fmt.Errorf("%w: %s has no token pair", ErrInvalidRecord, path)
	}
	return r, nil
}

// ReadApp loads the app registration record from path.
func ReadApp(path string) (AppRecord, error) {
	var a AppRecord
	if err := readJSON(path, &a); err != nil {
		return AppRecord{}, err
	}
	if a.ClientID == "" || a.ClientSecret == "" || a.RedirectURI == "" {
		return AppRecord{}, fmt.Errorf("%w: %s is missing client_id, client_secret or redirect_uri", ErrInvalidRecord, path)
	}
	return a, nil
}

// WriteRecord persists a credential record atomically.
func WriteRecord(path string, r Record) error {
	return WriteJSON(path, r)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		if errors.Is(err, ErrInvalidRecord) {
			return err
		}
		return fmt.Errorf("%w: failed to decode %s: %v", ErrInvalidRecord, path, err)
	}
	return nil
}

// WriteJSON writes v to path via a temp file and rename so readers never see
// a half-written file.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data, 0o600)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
