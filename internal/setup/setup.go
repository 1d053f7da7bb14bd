// Package setup holds the one-time operator tasks: registering the app,
// signing in to obtain the first token pair, and creating the encryption key.
package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaywantadh/offsite/config"
	"github.com/jaywantadh/offsite/internal/credentials"
	"github.com/jaywantadh/offsite/internal/encryptor"
	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	DefaultRedirectURI = "http://localhost:8080"
	DefaultScopes      = "files.readwrite.appfolder offline_access user.read user.readbasic.all"
)

// ErrKeyKept is returned when the operator declines to replace an existing key.
var ErrKeyKept = errors.New("setup: existing key kept, no key created")

// Setup runs the interactive setup tasks.
type Setup struct {
	Config *config.AppConfig
	API    *graph.Client
	Prompt Prompter
	Out    io.Writer
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func (s *Setup) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Setup) oauthConfig(app credentials.AppRecord, scopes string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  app.RedirectURI,
		Scopes:       strings.Fields(scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.API.AuthorizeEndpoint(),
			TokenURL:  s.API.TokenEndpoint(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AppInfo asks for the app registration and writes app_info.json with the
// sign-in URL built from it.
func (s *Setup) AppInfo() error {
	fmt.Fprintln(s.Out, "--- app info setup ---")
	fmt.Fprintln(s.Out, "Register an application at https://portal.azure.com first; its client id and secret are needed here.")

	var app credentials.AppRecord
	var err error
	if app.ClientID, err = s.Prompt.Input("Client ID", ""); err != nil {
		return err
	}
	if app.ClientSecret, err = s.Prompt.Secret("Client secret"); err != nil {
		return err
	}
	if app.RedirectURI, err = s.Prompt.Input("OAuth2 redirect URI", DefaultRedirectURI); err != nil {
		return err
	}
	scopes, err := s.Prompt.Input("Scopes", DefaultScopes)
	if err != nil {
		return err
	}
	app.SigninURL = s.oauthConfig(app, scopes).AuthCodeURL("")

	if err := os.MkdirAll(filepath.Dir(s.Config.AppInfoPath()), 0o700); err != nil {
		return err
	}
	if err := credentials.WriteJSON(s.Config.AppInfoPath(), app); err != nil {
		return fmt.Errorf("failed to write app info: %w", err)
	}
	s.Log.WithField("path", s.Config.AppInfoPath()).Info("✅ App info written")
	fmt.Fprintln(s.Out, "The app info file has been created. Run 'offsite signin' next.")
	return nil
}

// SignIn exchanges an authorization code for the first token pair, then
// lists the app folder, which provisions it on first use.
func (s *Setup) SignIn(ctx context.Context) error {
	app, err := credentials.ReadApp(s.Config.AppInfoPath())
	if err != nil {
		return fmt.Errorf("missing app info, run 'offsite setup-app' first: %w", err)
	}

	fmt.Fprintln(s.Out, "-------- OAuth sign in URL --------")
	fmt.Fprintln(s.Out, app.SigninURL)
	fmt.Fprintln(s.Out, "-----------------------------------")
	fmt.Fprintln(s.Out, "Open the URL, sign in and accept the requested permissions. You will be redirected to")
	fmt.Fprintln(s.Out, app.RedirectURI+"?code=<code>. Paste everything after ?code= below, without a trailing '#'.")

	code, err := s.Prompt.Input("Code", "")
	if err != nil {
		return err
	}
	code = strings.TrimSuffix(code, "#")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.API.HTTPClient())
	tok, err := s.oauthConfig(app, "").Exchange(ctx, code)
	if err != nil {
		s.Log.WithError(err).Error("❌ Problem retrieving tokens")
		return fmt.Errorf("code exchange: %w", err)
	}
	if tok.RefreshToken == "" {
		return errors.New("code exchange: no refresh token returned, check the offline_access scope")
	}
	if err := credentials.WriteRecord(s.Config.CredentialsPath(), credentials.FromToken(tok)); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	s.Log.Info("✅ Sign in successful, token retrieved")

	resp, err := s.API.Approot(ctx, tok.AccessToken)
	if err != nil {
		return fmt.Errorf("app folder check: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		s.Log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Warn("⚠️ Problem creating app folder")
		return fmt.Errorf("app folder check returned status %d, uploads may fail", resp.StatusCode)
	}
	fmt.Fprintln(s.Out, "App folder ready.")
	return nil
}

// archivedKeyPath is the key path with a timestamp before its extension.
func archivedKeyPath(path string, at time.Time) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + at.Format("2006-01-02-15-04-05") + ext
}

// CreateKey writes a fresh encryption key. An existing key is only replaced
// after confirmation, and is archived next to the new one first.
func (s *Setup) CreateKey() error {
	path := s.Config.KeyPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintln(s.Out, "A key file already exists. Backups made with it can only be restored with it.")
		ok, err := s.Prompt.Confirm("Create a new key")
		if err != nil {
			return err
		}
		if !ok {
			return ErrKeyKept
		}
		old, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read existing key: %w", err)
		}
		archive := archivedKeyPath(path, s.now())
		if err := os.WriteFile(archive, old, 0o600); err != nil {
			return fmt.Errorf("failed to archive existing key: %w", err)
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		s.Log.WithField("archive", archive).Info("Old key archived")
		fmt.Fprintln(s.Out, "The old key has been saved as "+filepath.Base(archive))
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := encryptor.WriteKeyFile(path); err != nil {
		return err
	}
	s.Log.WithField("path", path).Info("✅ New key created")
	return nil
}
