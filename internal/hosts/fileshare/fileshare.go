// Package fileshare talks to a plain HTTP file share that keeps manifests
// under manifest/, videos under video/ and thumbnails under thumbnail/.
//
// The share reports an ETag for every manifest and honours If-Match, which
// is what makes conditional uploads possible. manifest/index.json lists
// every manifest with its modification time.
package fileshare

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/hosts/transport"
	"github.com/mmcdole/semvid/internal/manifest"
)

const (
	indexPath = "manifest/index.json"
	jsonType  = "application/json"
)

// IndexEntry is one row of manifest/index.json
type IndexEntry struct {
	ID           uuid.UUID `json:"id"`
	LastModified time.Time `json:"last_modified"`
}

// ManifestPath returns the share path of a manifest
func ManifestPath(id uuid.UUID) string { return "manifest/" + id.String() + ".json" }

// VideoPath returns the share path of a video binary
func VideoPath(id uuid.UUID) string { return "video/" + id.String() + ".mp4" }

// ThumbnailPath returns the share path of a thumbnail
func ThumbnailPath(id uuid.UUID) string { return "thumbnail/" + id.String() + ".jpg" }

// Host is a file share client
type Host struct {
	name   string
	client *transport.Client
	logger *slog.Logger
}

var _ domain.VideoHost = (*Host)(nil)

// New creates a file share host. doer carries the credentials.
func New(name, baseURL string, doer domain.Doer, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		name:   name,
		client: transport.NewClient(name, baseURL, doer, logger),
		logger: logger,
	}
}

// Client exposes the underlying transport for tuning
func (h *Host) Client() *transport.Client { return h.client }

func (h *Host) Name() string { return h.name }

func (h *Host) Capabilities() domain.Capabilities {
	return domain.Capabilities{Index: true, Manifests: true, Delete: true, Video: true, Thumbnail: true}
}

func (h *Host) Index(ctx context.Context) ([]domain.FindResult, error) {
	resp, err := h.client.Do(ctx, http.MethodGet, indexPath, acceptJSON(), nil)
	if err != nil {
		return nil, transport.Wrap(h.name, "index", uuid.Nil, 0, err)
	}
	switch resp.Status {
	case http.StatusOK:
	case http.StatusNotFound:
		// Nothing uploaded yet
		return []domain.FindResult{}, nil
	default:
		return nil, transport.Wrap(h.name, "index", uuid.Nil, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}

	var entries []IndexEntry
	if err := json.Unmarshal(resp.Body, &entries); err != nil {
		return nil, transport.Wrap(h.name, "index", uuid.Nil, resp.Status, fmt.Errorf("%w: %w", domain.ErrDecode, err))
	}
	rows := make([]domain.FindResult, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, domain.FindResult{ID: e.ID, LastModified: e.LastModified.UTC()})
	}
	h.logger.Debug("listed share", "host", h.name, "count", len(rows))
	return rows, nil
}

func (h *Host) DownloadManifest(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	resp, err := h.client.Do(ctx, http.MethodGet, ManifestPath(id), acceptJSON(), nil)
	if err != nil {
		return nil, transport.Wrap(h.name, "download", id, 0, err)
	}
	if resp.Status != http.StatusOK {
		return nil, transport.Wrap(h.name, "download", id, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}

	m, err := manifest.Decode(resp.Body)
	if err != nil {
		return nil, transport.Wrap(h.name, "download", id, resp.Status, err)
	}
	if m.ID != id {
		return nil, transport.Wrap(h.name, "download", id, resp.Status, domain.ErrIDMismatch)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		m.VersionTag = &etag
	}
	if lm := transport.ParseLastModified(resp.Header); !lm.IsZero() {
		m.LastModified = lm
	}
	m.ManifestURI = h.client.URL(ManifestPath(id))
	return m, nil
}

func (h *Host) UploadManifest(ctx context.Context, m *domain.Manifest, expectedTag *string) (*domain.UploadResult, error) {
	// The version tag belongs to the host, not the document
	body := m.Clone()
	body.VersionTag = nil
	body.ManifestURI = h.client.URL(ManifestPath(m.ID))
	data, err := manifest.Marshal(body)
	if err != nil {
		return nil, err
	}

	header := http.Header{"Content-Type": {jsonType}}
	if expectedTag != nil {
		header.Set("If-Match", *expectedTag)
	}

	resp, err := h.client.Do(ctx, http.MethodPut, ManifestPath(m.ID), header, data)
	if err != nil {
		return nil, transport.Wrap(h.name, "upload", m.ID, 0, err)
	}
	switch resp.Status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusPreconditionFailed:
		h.logger.Debug("conditional upload lost", "host", h.name, "id", m.ID)
		return nil, nil
	default:
		return nil, transport.Wrap(h.name, "upload", m.ID, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return nil, transport.Wrap(h.name, "upload", m.ID, resp.Status, fmt.Errorf("share returned no ETag"))
	}
	return &domain.UploadResult{URL: body.ManifestURI, VersionTag: etag}, nil
}

func (h *Host) DeleteManifest(ctx context.Context, id uuid.UUID) error {
	resp, err := h.client.Do(ctx, http.MethodDelete, ManifestPath(id), nil, nil)
	if err != nil {
		return transport.Wrap(h.name, "delete", id, 0, err)
	}
	switch resp.Status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return transport.Wrap(h.name, "delete", id, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}
}

func (h *Host) UploadVideo(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error) {
	return h.putBinary(ctx, "upload video", id, VideoPath(id), "video/mp4", r, size)
}

func (h *Host) UploadThumbnail(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error) {
	return h.putBinary(ctx, "upload thumbnail", id, ThumbnailPath(id), "image/jpeg", r, size)
}

func (h *Host) putBinary(ctx context.Context, op string, id uuid.UUID, path, contentType string, r io.Reader, size int64) (string, error) {
	resp, err := h.client.Stream(ctx, http.MethodPut, path, http.Header{"Content-Type": {contentType}}, r, size)
	if err != nil {
		return "", transport.Wrap(h.name, op, id, 0, err)
	}
	switch resp.Status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return h.client.URL(path), nil
	default:
		return "", transport.Wrap(h.name, op, id, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}
}

func acceptJSON() http.Header {
	return http.Header{"Accept": {jsonType}}
}
