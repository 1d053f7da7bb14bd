package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jaywantadh/offsite/internal/chunker"
	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/jaywantadh/offsite/internal/retry"
	"github.com/sirupsen/logrus"
)

// Ladder is the range retry schedule: 15s, 10m, 30m, then a flat 20s pause
// before giving up.
var Ladder = retry.Ladder{
	Delays: []time.Duration{15 * time.Second, 600 * time.Second, 1800 * time.Second},
	Tail:   20 * time.Second,
}

// MaxIterations bounds the retry loop of a single range independently of
// the retry count.
const MaxIterations = 10

var (
	ErrRetriesExhausted = errors.New("download: range retries exhausted")
	ErrRunaway          = errors.New("download: retry loop iteration limit hit")
	ErrVerify           = errors.New("download: verification failed")
)

// RangeAPI fetches a byte range from a download URL.
type RangeAPI interface {
	GetRange(ctx context.Context, downloadURL string, start, end int64) (*graph.Response, error)
}

// ProgressFunc is told about every range appended to the destination.
type ProgressFunc func(written, total int64)

// FileDownload pulls one item into a local file.
type FileDownload struct {
	api       RangeAPI
	meta      ItemMetadata
	chunkSize int64
	dest      string
	log       logrus.FieldLogger

	Ladder        retry.Ladder
	MaxIterations int
	Sleep         retry.Sleeper
	Progress      ProgressFunc
}

// NewFileDownload creates a download of meta into dest using chunkSize ranges.
func NewFileDownload(api RangeAPI, meta ItemMetadata, chunkSize int64, dest string, log logrus.FieldLogger) *FileDownload {
	return &FileDownload{
		api:           api,
		meta:          meta,
		chunkSize:     chunkSize,
		dest:          dest,
		log:           log.WithField("file", dest),
		Ladder:        Ladder,
		MaxIterations: MaxIterations,
		Sleep:         retry.Sleep,
	}
}

func (d *FileDownload) fetch(ctx context.Context, start, end int64) ([]byte, error) {
	resp, err := d.api.GetRange(ctx, d.meta.DownloadURL, start, end)
	if err != nil {
		d.log.WithError(err).WithField("class", graph.Classify(err).String()).Warn("⚠️ Range download request failed")
		return nil, err
	}
	if resp.StatusCode != http.StatusPartialContent {
		d.log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Warn("⚠️ Unexpected range download status")
		return nil, fmt.Errorf("range download returned status %d", resp.StatusCode)
	}
	if int64(len(resp.Body)) != end-start+1 {
		return nil, fmt.Errorf("range download returned %d bytes, want %d", len(resp.Body), end-start+1)
	}
	return resp.Body, nil
}

func (d *FileDownload) fetchWithRetry(ctx context.Context, start, end int64) ([]byte, error) {
	log := d.log.WithField("range", fmt.Sprintf("%d-%d", start, end))
	attempt := 0
	for i := 0; i < d.MaxIterations; i++ {
		data, err := d.fetch(ctx, start, end)
		if err == nil {
			log.Debug("Range downloaded")
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempt++
		wait, ok := d.Ladder.Next(attempt)
		log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Warn("⚠️ Retrying range download")
		if err := d.Sleep(ctx, wait); err != nil {
			return nil, err
		}
		if !ok {
			log.Error("❌ Exceeded retries for range download")
			return nil, ErrRetriesExhausted
		}
	}
	log.Error("❌ Range retry loop hit the iteration limit")
	return nil, ErrRunaway
}

// Download appends every range to the destination then verifies size and
// sha256. Any unrecoverable range aborts the file.
func (d *FileDownload) Download(ctx context.Context) error {
	if d.meta.Size <= 0 || d.chunkSize <= 0 {
		return fmt.Errorf("invalid download size %d / chunk size %d", d.meta.Size, d.chunkSize)
	}
	out, err := os.OpenFile(d.dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", d.dest, err)
	}

	var written int64
	for start := int64(0); start < d.meta.Size; start += d.chunkSize {
		end := start + d.chunkSize - 1
		if end >= d.meta.Size {
			end = d.meta.Size - 1
		}
		data, err := d.fetchWithRetry(ctx, start, end)
		if err != nil {
			out.Close()
			return err
		}
		if _, err := out.Write(data); err != nil {
			out.Close()
			return fmt.Errorf("failed to write %s: %w", d.dest, err)
		}
		written += int64(len(data))
		if d.Progress != nil {
			d.Progress(written, d.meta.Size)
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return d.Verify()
}

// Verify checks the destination against the expected size and sha256.
func (d *FileDownload) Verify() error {
	info, err := os.Stat(d.dest)
	if err != nil {
		return err
	}
	if info.Size() != d.meta.Size {
		d.log.WithFields(logrus.Fields{"size": info.Size(), "expected": d.meta.Size}).Error("❌ Downloaded file size mismatch")
		return fmt.Errorf("%w: size %d, expected %d", ErrVerify, info.Size(), d.meta.Size)
	}
	digest, err := chunker.HashFile(d.dest)
	if err != nil {
		return err
	}
	if !strings.EqualFold(digest, d.meta.SHA256) {
		d.log.WithFields(logrus.Fields{"sha256": digest, "expected": d.meta.SHA256}).Error("❌ Downloaded file hash mismatch")
		return fmt.Errorf("%w: sha256 mismatch", ErrVerify)
	}
	d.log.Info("✅ Download verified")
	return nil
}
