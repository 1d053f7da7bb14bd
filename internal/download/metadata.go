// Package download pulls remote items back in fixed-size ranges and verifies
// them against the provider's size and sha256.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/sirupsen/logrus"
)

// ErrMissingField means the item detail lacks something a verified download
// needs. Partial metadata counts as no metadata.
var ErrMissingField = errors.New("download: item metadata incomplete")

// ItemAPI fetches item details.
type ItemAPI interface {
	Item(ctx context.Context, token, id string) (*graph.Response, error)
}

// ItemMetadata is what a download needs to start and later verify.
type ItemMetadata struct {
	DownloadURL string
	Size        int64
	SHA256      string
}

// GetItemMetadata fetches the download URL, size and sha256 of an item.
func GetItemMetadata(ctx context.Context, api ItemAPI, id, token string, log logrus.FieldLogger) (ItemMetadata, error) {
	log = log.WithField("item_id", id)

	resp, err := api.Item(ctx, token, id)
	if err != nil {
		log.WithError(err).Error("❌ Failed to get item detail")
		return ItemMetadata{}, err
	}
	if resp.StatusCode != http.StatusOK {
		log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Error("❌ Unexpected status fetching item detail")
		return ItemMetadata{}, fmt.Errorf("item detail returned status %d", resp.StatusCode)
	}

	var item graph.DriveItem
	if err := resp.JSON(&item); err != nil {
		log.WithError(err).Error("❌ Item detail is not valid JSON")
		return ItemMetadata{}, err
	}

	missing := func(field string) (ItemMetadata, error) {
		log.WithField("field", field).Error("❌ Item detail is missing a required field")
		return ItemMetadata{}, fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	switch {
	case item.DownloadURL == "":
		return missing("@microsoft.graph.downloadUrl")
	case item.Size == nil || *item.Size == 0:
		return missing("size")
	case item.File == nil:
		return missing("file")
	case item.File.Hashes == nil:
		return missing("file.hashes")
	case item.File.Hashes.SHA256Hash == "":
		return missing("file.hashes.sha256Hash")
	}

	return ItemMetadata{DownloadURL: item.DownloadURL, Size: *item.Size, SHA256: item.File.Hashes.SHA256Hash}, nil
}
