package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jaywantadh/offsite/internal/credentials"
	"github.com/jaywantadh/offsite/internal/graph"
	"github.com/sirupsen/logrus"
)

var (
	// ErrItemNotFound is returned by Find when no child has the name.
	ErrItemNotFound = errors.New("download: item not found")
	// ErrEmptyListing is returned when the directory has no children.
	ErrEmptyListing = errors.New("download: directory listing is empty")
)

// ListAPI is the subset of the storage client the item getter needs.
type ListAPI interface {
	ApprootChild(ctx context.Context, token, name string) (*graph.Response, error)
	Children(ctx context.Context, token, id string) (*graph.Response, error)
	NextPage(ctx context.Context, token, link string) (*graph.Response, error)
}

// TokenReader yields the current credential record.
type TokenReader interface {
	Read() (credentials.Record, error)
}

// Item is one child of a remote directory.
type Item struct {
	ID           string
	Name         string
	LastModified time.Time
}

// ItemGetter lists the children of a named directory under the app root.
type ItemGetter struct {
	api     ListAPI
	creds   TokenReader
	dirName string
	log     logrus.FieldLogger
}

// NewItemGetter creates a new item getter for dirName
func NewItemGetter(api ListAPI, creds TokenReader, dirName string, log logrus.FieldLogger) *ItemGetter {
	return &ItemGetter{api: api, creds: creds, dirName: dirName, log: log.WithField("dir", dirName)}
}

func (g *ItemGetter) token() (string, error) {
	r, err := g.creds.Read()
	if err != nil {
		return "", err
	}
	return r.AccessToken, nil
}

// DirID resolves the directory's remote id.
func (g *ItemGetter) DirID(ctx context.Context) (string, error) {
	token, err := g.token()
	if err != nil {
		return "", err
	}
	resp, err := g.api.ApprootChild(ctx, token, g.dirName)
	if err != nil {
		g.log.WithError(err).Warn("⚠️ Failed to fetch directory details")
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		g.log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Error("❌ Unexpected status fetching directory details")
		return "", fmt.Errorf("directory details returned status %d", resp.StatusCode)
	}
	var item graph.DriveItem
	if err := resp.JSON(&item); err != nil {
		return "", err
	}
	if item.ID == "" {
		return "", fmt.Errorf("%w: directory id", ErrMissingField)
	}
	return item.ID, nil
}

// List returns every child of the directory. Each entry must carry an id,
// a name and a last modified time or the listing is rejected.
func (g *ItemGetter) List(ctx context.Context) ([]Item, error) {
	dirID, err := g.DirID(ctx)
	if err != nil {
		return nil, err
	}
	token, err := g.token()
	if err != nil {
		return nil, err
	}

	var items []Item
	resp, err := g.api.Children(ctx, token, dirID)
	for {
		if err != nil {
			g.log.WithError(err).Error("❌ Failed to list directory")
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			g.log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(resp.Body)}).Error("❌ Unexpected status listing directory")
			return nil, fmt.Errorf("directory listing returned status %d", resp.StatusCode)
		}
		var page graph.ChildrenPage
		if err := resp.JSON(&page); err != nil {
			return nil, err
		}
		for _, di := range page.Value {
			it, err := toItem(di)
			if err != nil {
				g.log.WithError(err).Error("❌ Directory listing entry is incomplete")
				return nil, err
			}
			items = append(items, it)
		}
		if page.NextLink == "" {
			break
		}
		resp, err = g.api.NextPage(ctx, token, page.NextLink)
	}

	if len(items) == 0 {
		return nil, ErrEmptyListing
	}
	return items, nil
}

func toItem(di graph.DriveItem) (Item, error) {
	switch {
	case di.ID == "":
		return Item{}, fmt.Errorf("%w: id", ErrMissingField)
	case di.Name == "":
		return Item{}, fmt.Errorf("%w: name", ErrMissingField)
	case di.LastModifiedDateTime == "":
		return Item{}, fmt.Errorf("%w: lastModifiedDateTime", ErrMissingField)
	}
	mod, err := time.Parse(time.RFC3339Nano, di.LastModifiedDateTime)
	if err != nil {
		return Item{}, fmt.Errorf("bad lastModifiedDateTime %q: %w", di.LastModifiedDateTime, err)
	}
	return Item{ID: di.ID, Name: di.Name, LastModified: mod.UTC()}, nil
}

// Find returns the child called name.
func (g *ItemGetter) Find(ctx context.Context, name string) (Item, error) {
	items, err := g.List(ctx)
	if err != nil {
		return Item{}, err
	}
	for _, it := range items {
		if it.Name == name {
			return it, nil
		}
	}
	g.log.WithField("file", name).Warn("⚠️ Item not found in directory")
	return Item{}, fmt.Errorf("%s: %w", name, ErrItemNotFound)
}
