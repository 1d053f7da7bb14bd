package credentials

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/sirupsen/logrus"
)

// TokenRefresher posts a refresh_token grant to the token endpoint.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, accessToken, refreshToken, clientID, clientSecret, redirectURI string) (*graph.Response, error)
}

// Manager reads and refreshes the persisted token pair. It never retries;
// the refresh loop owns retry policy.
type Manager struct {
	credsPath string
	appPath   string
	client    TokenRefresher
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewManager creates a new credential manager
func NewManager(credsPath, appPath string, client TokenRefresher, log logrus.FieldLogger) *Manager {
	return &Manager{
		credsPath: credsPath,
		appPath:   appPath,
		client:    client,
		log:       log.WithField("component", "credentials"),
		now:       time.Now,
	}
}

// Read loads the persisted credential record.
func (m *Manager) Read() (Record, error) {
	r, err := ReadRecord(m.credsPath)
	if err != nil {
		m.log.WithError(err).Error("❌ Failed to read credentials")
		return Record{}, err
	}
	return r, nil
}

// Refresh exchanges the refresh token for a new pair and persists it. Both
// tokens rotate, so callers must reread after a successful refresh.
func (m *Manager) Refresh(ctx context.Context) (Record, error) {
	app, err := ReadApp(m.appPath)
	if err != nil {
		m.log.WithError(err).Error("❌ Failed to read app info")
		return Record{}, err
	}
	current, err := m.Read()
	if err != nil {
		return Record{}, err
	}

	resp, err := m.client.RefreshToken(ctx, current.AccessToken, current.RefreshToken, app.ClientID, app.ClientSecret, app.RedirectURI)
	if err != nil {
		m.log.WithError(err).WithField("class", graph.Classify(err).String()).Error("❌ Token refresh request failed")
		return Record{}, fmt.Errorf("token refresh request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		m.log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Error("❌ Token refresh rejected")
		return Record{}, fmt.Errorf("token refresh returned status %d", resp.StatusCode)
	}

	var tr graph.TokenResponse
	if err := resp.JSON(&tr); err != nil {
		return Record{}, err
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return Record{}, fmt.Errorf("%w: token response without token pair", ErrInvalidRecord)
	}

	next := Record{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		// the on-disk layout drops sub-second precision
		Expires: m.now().Add(time.Duration(tr.ExpiresIn) * time.Second).Truncate(time.Second),
	}
	if err := WriteRecord(m.credsPath, next); err != nil {
		m.log.WithError(err).Error("❌ Failed to write refreshed credentials")
		return Record{}, err
	}
	m.log.WithField("expires", next.Expires.Format(ExpiresLayout)).Info("✅ Access token refreshed")
	return next, nil
}
