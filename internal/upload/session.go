// Package upload drives the provider's resumable large-file upload: session
// creation, ordered range PUTs with retry ladders, and the partial-fragment
// recovery protocol for 416 responses.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jaywantadh/offsite/internal/download"
	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/jaywantadh/offsite/internal/retry"
	"github.com/sirupsen/logrus"
)

var (
	// InitiateLadder spaces session creation retries.
	InitiateLadder = retry.Ladder{Delays: []time.Duration{10 * time.Second, 60 * time.Second, 300 * time.Second}}
	// RangeLadder spaces range upload retries.
	RangeLadder = retry.Ladder{Delays: []time.Duration{15 * time.Second, 600 * time.Second, 1800 * time.Second}}
)

const sessionNotFound = "uploadSessionNotFound"

// State is the lifecycle of one file's upload session.
type State int

const (
	NotStarted State = iota
	SessionOpen
	Uploading
	Complete
	Failed
	Cancelled
)

func (s State) String() string {
	return [...]string{"not-started", "session-open", "uploading", "complete", "failed", "cancelled"}[s]
}

// Outcome tags the result of uploading one range.
type Outcome int

const (
	// Accepted is a 202: more ranges expected.
	Accepted Outcome = iota
	// Finalized is a 200/201: the provider assembled the file.
	Finalized
	// MoveNext means the provider already had the whole range.
	MoveNext
	// UploadComplete means the session vanished but the file was written recently.
	UploadComplete
	// OutcomeFailed is terminal for the range, and so for the file.
	OutcomeFailed
)

func (o Outcome) String() string {
	return [...]string{"accepted", "finalized", "move-next", "upload-complete", "failed"}[o]
}

// Result is the tagged answer of UploadRange.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Body       []byte
	Reason     string
}

// OK reports whether the caller may move on to the next range.
func (r Result) OK() bool {
	return r.Outcome != OutcomeFailed
}

// Done reports whether the file needs no further ranges.
func (r Result) Done() bool {
	return r.Outcome == Finalized || r.Outcome == UploadComplete
}

func failed(status int, body []byte, format string, args ...any) Result {
	return Result{Outcome: OutcomeFailed, StatusCode: status, Body: body, Reason: fmt.Sprintf(format, args...)}
}

// API is the subset of the storage client an upload session uses.
type API interface {
	CreateUploadSession(ctx context.Context, token, parentID, name string) (*graph.Response, error)
	PutRange(ctx context.Context, uploadURL string, start, end, total int64, payload []byte) (*graph.Response, error)
	SessionStatus(ctx context.Context, uploadURL string) (*graph.Response, error)
	DeleteSession(ctx context.Context, uploadURL string) (*graph.Response, error)
}

// Finder locates an uploaded item in the target directory.
type Finder interface {
	Find(ctx context.Context, name string) (download.Item, error)
}

// Recovery holds the partial-fragment recovery tuning.
type Recovery struct {
	FirstWait    time.Duration
	SecondWait   time.Duration
	RecentWindow time.Duration
}

// DefaultRecovery waits 5 then 20 minutes and trusts files modified in the
// last 15 minutes.
var DefaultRecovery = Recovery{FirstWait: 5 * time.Minute, SecondWait: 20 * time.Minute, RecentWindow: 15 * time.Minute}

// Options tunes a Session. Zero fields fall back to the defaults.
type Options struct {
	InitiateLadder retry.Ladder
	RangeLadder    retry.Ladder
	Recovery       Recovery
	Sleep          retry.Sleeper
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.InitiateLadder.Attempts() == 0 {
		o.InitiateLadder = InitiateLadder
	}
	if o.RangeLadder.Attempts() == 0 {
		o.RangeLadder = RangeLadder
	}
	if o.Recovery == (Recovery{}) {
		o.Recovery = DefaultRecovery
	}
	if o.Sleep == nil {
		o.Sleep = retry.Sleep
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Session uploads one file into one remote directory.
type Session struct {
	api    API
	finder Finder
	name   string
	dirID  string
	opts   Options
	log    logrus.FieldLogger

	uploadURL string
	expires   time.Time
	state     State
}

// NewSession creates a new upload session handle for name under dirID.
func NewSession(api API, finder Finder, dirID, name string, opts Options, log logrus.FieldLogger) *Session {
	return &Session{
		api:    api,
		finder: finder,
		name:   name,
		dirID:  dirID,
		opts:   opts.withDefaults(),
		log:    log.WithField("file", name),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// UploadURL is the session's pre-authenticated upload URL.
func (s *Session) UploadURL() string { return s.uploadURL }

// Expires is the session expiry reported by the provider.
func (s *Session) Expires() time.Time { return s.expires }

// wait sleeps the ladder delay before the given retry attempt and reports
// whether the retry should happen.
func (s *Session) wait(ctx context.Context, ladder retry.Ladder, attempt int, log logrus.FieldLogger) bool {
	d, ok := ladder.Next(attempt)
	if !ok {
		return false
	}
	log.WithFields(logrus.Fields{"attempt": attempt, "wait": d}).Warn("⚠️ Retrying")
	return s.opts.Sleep(ctx, d) == nil
}

// Initiate opens the upload session. Transport errors and 5xx responses go
// through the initiate ladder; any other non-200 fails at once.
func (s *Session) Initiate(ctx context.Context, token string) error {
	if s.dirID == "" {
		s.state = Failed
		return errors.New("upload: no remote directory id")
	}
	attempt := 0
	for {
		resp, err := s.api.CreateUploadSession(ctx, token, s.dirID, s.name)
		switch {
		case err != nil:
			class := graph.Classify(err)
			s.log.WithError(err).WithField("class", class.String()).Warn("⚠️ Session create request failed")
			if !class.Retryable() {
				s.state = Failed
				return fmt.Errorf("create upload session: %w", err)
			}
		case resp.StatusCode == http.StatusOK:
			var sess graph.UploadSession
			if err := resp.JSON(&sess); err != nil || sess.UploadURL == "" {
				s.state = Failed
				return fmt.Errorf("create upload session: response without uploadUrl")
			}
			s.uploadURL = sess.UploadURL
			s.expires = sess.Expiration()
			s.state = SessionOpen
			s.log.WithField("expires", sess.ExpirationDateTime).Info("✅ Upload session created")
			return nil
		case resp.Is5xx():
			s.log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Warn("⚠️ Service problem creating upload session")
		default:
			s.log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Error("❌ Upload session rejected")
			s.state = Failed
			return fmt.Errorf("create upload session returned status %d", resp.StatusCode)
		}

		attempt++
		if !s.wait(ctx, s.opts.InitiateLadder, attempt, s.log) {
			s.state = Failed
			return fmt.Errorf("create upload session: retries exhausted after %d attempts", attempt)
		}
	}
}

// UploadRange PUTs one range. recovering marks a suffix re-send from the
// partial-fragment recovery, which never recovers again on a second 416.
func (s *Session) UploadRange(ctx context.Context, fileSize int64, r Range, payload []byte, recovering bool) Result {
	if s.uploadURL == "" {
		return failed(0, nil, "no upload session")
	}
	log := s.log.WithField("range", r.Spec)
	var (
		attempt    int
		lastStatus int
		lastBody   []byte
	)
	for {
		resp, err := s.api.PutRange(ctx, s.uploadURL, r.Start, r.End(), fileSize, payload)
		if err != nil {
			class := graph.Classify(err)
			log.WithError(err).WithField("class", class.String()).Warn("⚠️ Range upload request failed")
			if !class.Retryable() {
				return failed(0, nil, "range %s: %v", r.Spec, err)
			}
		} else {
			switch {
			case resp.StatusCode == http.StatusAccepted:
				s.state = Uploading
				log.Info("Upload accepted")
				return Result{Outcome: Accepted, StatusCode: resp.StatusCode, Body: resp.Body}
			case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
				s.state = Complete
				log.Info("✅ Upload complete")
				return Result{Outcome: Finalized, StatusCode: resp.StatusCode, Body: resp.Body}
			case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && !recovering:
				log.Info("Range not satisfiable, attempting partial fragment recovery")
				return s.recoverPartial(ctx, fileSize, r, payload)
			case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
				log.WithField("body", string(resp.Body)).Warn("⚠️ Range still not satisfiable after recovery, stopping")
				return failed(resp.StatusCode, resp.Body, "range %s rejected twice with 416", r.Spec)
			case resp.Is5xx():
				log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Warn("⚠️ Service problem uploading range")
			default:
				log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Warn("⚠️ Problem uploading range")
			}
			lastStatus, lastBody = resp.StatusCode, resp.Body
		}

		attempt++
		if !s.wait(ctx, s.opts.RangeLadder, attempt, log) {
			s.state = Failed
			return failed(lastStatus, lastBody, "range %s: retries exhausted after %d attempts", r.Spec, attempt)
		}
	}
}

// Cancel deletes the session. Only a 204 counts as cancelled.
func (s *Session) Cancel(ctx context.Context) error {
	if s.uploadURL == "" {
		return errors.New("upload: no session to cancel")
	}
	resp, err := s.api.DeleteSession(ctx, s.uploadURL)
	if err != nil {
		s.log.WithError(err).Warn("⚠️ Failed to cancel upload session")
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		s.log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Warn("⚠️ Problem cancelling upload session")
		return fmt.Errorf("cancel returned status %d", resp.StatusCode)
	}
	s.state = Cancelled
	s.log.Info("Upload session cancelled")
	return nil
}
