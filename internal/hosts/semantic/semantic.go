// Package semantic talks to a social-semantic video server.
//
// The server has no concurrency control of its own. The version tag is the
// modification stamp the server reports, and conditional uploads compare it
// with a GET immediately before the PUT, which narrows but does not close
// the race window.
package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/hosts/transport"
	"github.com/mmcdole/semvid/internal/manifest"
)

const indexPath = "videos"

// Host is a semantic server client. Delete and binary uploads are not
// offered by the server.
type Host struct {
	transport.Unsupported

	name   string
	client *transport.Client
	logger *slog.Logger
}

var _ domain.VideoHost = (*Host)(nil)

// New creates a host. doer should add the bearer token, see
// transport.BearerToken.
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

func (h *Host) Client() *transport.Client { return h.client }

func (h *Host) Name() string { return h.name }

func (h *Host) Capabilities() domain.Capabilities {
	return domain.Capabilities{Index: true, Manifests: true}
}

// ManifestPath is where the server keeps one manifest
func ManifestPath(id uuid.UUID) string { return indexPath + "/" + id.String() + ".json" }

type indexEntry struct {
	ID       uuid.UUID `json:"id"`
	Modified time.Time `json:"modified"`
}

func (h *Host) Index(ctx context.Context) ([]domain.FindResult, error) {
	resp, err := h.client.Do(ctx, http.MethodGet, indexPath, http.Header{"Accept": {"application/json"}}, nil)
	if err != nil {
		return nil, transport.Wrap(h.name, "index", uuid.Nil, 0, err)
	}
	if resp.Status != http.StatusOK {
		return nil, transport.Wrap(h.name, "index", uuid.Nil, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}

	var entries []indexEntry
	if err := json.Unmarshal(resp.Body, &entries); err != nil {
		return nil, transport.Wrap(h.name, "index", uuid.Nil, resp.Status, fmt.Errorf("%w: %w", domain.ErrDecode, err))
	}
	rows := make([]domain.FindResult, 0, len(entries))
	for _, e := range entries {
		if e.ID == uuid.Nil {
			continue
		}
		rows = append(rows, domain.FindResult{ID: e.ID, LastModified: e.Modified.UTC()})
	}
	return rows, nil
}

// stamp is the modification marker the server reports for a response
func stamp(h http.Header) string {
	if v := h.Get("ETag"); v != "" {
		return v
	}
	return h.Get("Last-Modified")
}

func (h *Host) DownloadManifest(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	m, _, err := h.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, transport.Wrap(h.name, "download", id, http.StatusNotFound, domain.ErrNotFound)
	}
	return m, nil
}

// fetch downloads a manifest, returning nil without error when the server
// does not have it
func (h *Host) fetch(ctx context.Context, id uuid.UUID) (*domain.Manifest, int, error) {
	resp, err := h.client.Do(ctx, http.MethodGet, ManifestPath(id), http.Header{"Accept": {"application/json"}}, nil)
	if err != nil {
		return nil, 0, transport.Wrap(h.name, "download", id, 0, err)
	}
	switch resp.Status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, resp.Status, nil
	default:
		return nil, resp.Status, transport.Wrap(h.name, "download", id, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}

	m, err := manifest.Decode(resp.Body)
	if err != nil {
		return nil, resp.Status, transport.Wrap(h.name, "download", id, resp.Status, err)
	}
	if m.ID != id {
		return nil, resp.Status, transport.Wrap(h.name, "download", id, resp.Status, domain.ErrIDMismatch)
	}
	if tag := stamp(resp.Header); tag != "" {
		m.VersionTag = &tag
	}
	if lm := transport.ParseLastModified(resp.Header); !lm.IsZero() {
		m.LastModified = lm
	}
	m.ManifestURI = h.client.URL(ManifestPath(id))
	return m, resp.Status, nil
}

func (h *Host) UploadManifest(ctx context.Context, m *domain.Manifest, expectedTag *string) (*domain.UploadResult, error) {
	if expectedTag != nil {
		current, _, err := h.fetch(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		var have string
		if current != nil {
			have = current.Version()
		}
		if have != *expectedTag {
			h.logger.Debug("server copy moved on", "host", h.name, "id", m.ID, "have", have)
			return nil, nil
		}
	}

	body := m.Clone()
	body.VersionTag = nil
	body.ManifestURI = h.client.URL(ManifestPath(m.ID))
	data, err := manifest.Marshal(body)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(ctx, http.MethodPut, ManifestPath(m.ID), http.Header{"Content-Type": {"application/json"}}, data)
	if err != nil {
		return nil, transport.Wrap(h.name, "upload", m.ID, 0, err)
	}
	switch resp.Status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	default:
		return nil, transport.Wrap(h.name, "upload", m.ID, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}

	tag := stamp(resp.Header)
	if tag == "" {
		stored, _, err := h.fetch(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			tag = stored.Version()
		}
	}
	if tag == "" {
		return nil, transport.Wrap(h.name, "upload", m.ID, resp.Status, fmt.Errorf("server reported no modification stamp"))
	}
	return &domain.UploadResult{URL: body.ManifestURI, VersionTag: tag}, nil
}
