package upload

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/sirupsen/logrus"
)

// recoverPartial handles a first 416: the provider holds part of the range.
// It asks the session where it stands and re-sends only the missing suffix.
func (s *Session) recoverPartial(ctx context.Context, fileSize int64, r Range, payload []byte) Result {
	log := s.log.WithField("range", r.Spec)

	resp, err := s.api.SessionStatus(ctx, s.uploadURL)
	if err != nil {
		log.WithError(err).Error("❌ Failed to fetch upload status")
		return failed(0, nil, "upload status: %v", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		var eb graph.ErrorBody
		if resp.JSON(&eb) == nil && eb.InnerCode() == sessionNotFound {
			log.Info("Upload session is gone, checking whether the file was modified recently")
			if s.recentlyModified(ctx) {
				log.Info("✅ File was written recently, assuming the upload finished")
				s.state = Complete
				return Result{Outcome: UploadComplete, StatusCode: resp.StatusCode, Body: resp.Body}
			}
			return failed(resp.StatusCode, resp.Body, "upload session not found and file not recently modified")
		}
	}

	var status graph.UploadSession
	if err := resp.JSON(&status); err != nil || len(status.NextExpectedRanges) == 0 {
		log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Error("❌ Upload status has no next expected range")
		return failed(resp.StatusCode, resp.Body, "upload status without nextExpectedRanges")
	}
	next, err := expectedStart(status.NextExpectedRanges[0])
	if err != nil {
		return failed(resp.StatusCode, resp.Body, "%v", err)
	}
	log = log.WithField("next_expected", next)

	if next == r.End()+1 {
		log.Info("Provider already has the whole range, moving on")
		return Result{Outcome: MoveNext, StatusCode: resp.StatusCode, Body: resp.Body}
	}
	if next < r.Start || next > r.End() {
		log.Error("❌ Next expected byte is outside the current range")
		return failed(resp.StatusCode, resp.Body, "next expected byte %d outside %s", next, r.Spec)
	}

	suffix := payload[next-r.Start:]
	rest := newRange(next, int64(len(suffix)))

	for i, wait := range []time.Duration{s.opts.Recovery.FirstWait, s.opts.Recovery.SecondWait} {
		log.WithFields(logrus.Fields{"wait": wait, "retry": rest.Spec}).Info("Waiting before re-sending the missing suffix")
		if err := s.opts.Sleep(ctx, wait); err != nil {
			return failed(0, nil, "partial recovery interrupted: %v", err)
		}
		res := s.UploadRange(ctx, fileSize, rest, suffix, true)
		if res.Outcome == Accepted || res.Outcome == Finalized {
			log.Info("✅ Partial fragment recovered")
			return res
		}
		log.WithFields(logrus.Fields{"attempt": i + 1, "reason": res.Reason}).Warn("⚠️ Partial fragment retry failed")
	}
	return failed(0, nil, "partial fragment %s failed twice", rest.Spec)
}

func (s *Session) recentlyModified(ctx context.Context) bool {
	if s.finder == nil {
		return false
	}
	item, err := s.finder.Find(ctx, s.name)
	if err != nil {
		s.log.WithError(err).Warn("⚠️ Could not look up uploaded item")
		return false
	}
	cutoff := s.opts.Now().UTC().Add(-s.opts.Recovery.RecentWindow)
	return !item.LastModified.Before(cutoff)
}

// expectedStart parses the first byte of a "start-end" or "start-" range.
func expectedStart(spec string) (int64, error) {
	head, _, _ := strings.Cut(spec, "-")
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad next expected range %q: %w", spec, err)
	}
	return n, nil
}
