// Package owncloud stores manifests on an ownCloud / Nextcloud WebDAV share.
package owncloud

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/hosts/transport"
	"github.com/mmcdole/semvid/internal/manifest"
)

const (
	manifestDir = "manifests"
	videoDir    = "videos"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:getetag/>
    <d:getlastmodified/>
    <d:resourcetype/>
  </d:prop>
</d:propfind>`

// multistatus is the PROPFIND response body
type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"DAV: response"`
}

type davResponse struct {
	Href     string        `xml:"DAV: href"`
	Propstat []davPropstat `xml:"DAV: propstat"`
}

type davPropstat struct {
	Prop   davProp `xml:"DAV: prop"`
	Status string  `xml:"DAV: status"`
}

type davProp struct {
	ETag         string   `xml:"DAV: getetag"`
	LastModified string   `xml:"DAV: getlastmodified"`
	ResourceType *davType `xml:"DAV: resourcetype"`
}

type davType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

// Host is a WebDAV client rooted at the semvid folder of a share
type Host struct {
	name   string
	client *transport.Client
	logger *slog.Logger

	mu      sync.Mutex
	created map[string]bool // collections known to exist
}

var _ domain.VideoHost = (*Host)(nil)

// New creates a WebDAV host. baseURL points at the folder holding
// manifests/ and videos/, e.g. https://cloud/remote.php/dav/files/me/semvid
func New(name, baseURL string, doer domain.Doer, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		name:    name,
		client:  transport.NewClient(name, baseURL, doer, logger),
		logger:  logger,
		created: make(map[string]bool),
	}
}

func (h *Host) Client() *transport.Client { return h.client }

func (h *Host) Name() string { return h.name }

func (h *Host) Capabilities() domain.Capabilities {
	return domain.Capabilities{Index: true, Manifests: true, Delete: true, Video: true, Thumbnail: true}
}

func manifestPath(id uuid.UUID) string { return manifestDir + "/" + id.String() + ".json" }

func (h *Host) Index(ctx context.Context) ([]domain.FindResult, error) {
	header := http.Header{"Depth": {"1"}, "Content-Type": {"application/xml"}}
	resp, err := h.client.Do(ctx, "PROPFIND", manifestDir+"/", header, []byte(propfindBody))
	if err != nil {
		return nil, transport.Wrap(h.name, "index", uuid.Nil, 0, err)
	}
	switch resp.Status {
	case http.StatusMultiStatus:
	case http.StatusNotFound:
		return []domain.FindResult{}, nil
	default:
		return nil, transport.Wrap(h.name, "index", uuid.Nil, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}

	var ms multistatus
	if err := xml.Unmarshal(resp.Body, &ms); err != nil {
		return nil, transport.Wrap(h.name, "index", uuid.Nil, resp.Status, fmt.Errorf("%w: %w", domain.ErrDecode, err))
	}

	rows := []domain.FindResult{}
	for _, r := range ms.Responses {
		name := path.Base(strings.TrimRight(r.Href, "/"))
		idStr, ok := strings.CutSuffix(name, ".json")
		if !ok {
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		prop, ok := okProp(r.Propstat)
		if !ok {
			continue
		}
		var lm time.Time
		if t, err := http.ParseTime(prop.LastModified); err == nil {
			lm = t.UTC()
		}
		rows = append(rows, domain.FindResult{ID: id, LastModified: lm})
	}
	h.logger.Debug("listed webdav share", "host", h.name, "count", len(rows))
	return rows, nil
}

// okProp returns the properties reported with a 200 status
func okProp(stats []davPropstat) (davProp, bool) {
	for _, ps := range stats {
		if strings.Contains(ps.Status, " 200 ") {
			return ps.Prop, true
		}
	}
	return davProp{}, false
}

func (h *Host) DownloadManifest(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	resp, err := h.client.Do(ctx, http.MethodGet, manifestPath(id), nil, nil)
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
	if etag := etagOf(resp.Header); etag != "" {
		m.VersionTag = &etag
	}
	if lm := transport.ParseLastModified(resp.Header); !lm.IsZero() {
		m.LastModified = lm
	}
	m.ManifestURI = h.client.URL(manifestPath(id))
	return m, nil
}

// etagOf prefers ownCloud's OC-ETag, which survives proxies that rewrite ETag
func etagOf(h http.Header) string {
	if v := h.Get("OC-ETag"); v != "" {
		return v
	}
	return h.Get("ETag")
}

func (h *Host) UploadManifest(ctx context.Context, m *domain.Manifest, expectedTag *string) (*domain.UploadResult, error) {
	if err := h.ensureCollection(ctx, manifestDir); err != nil {
		return nil, transport.Wrap(h.name, "upload", m.ID, 0, err)
	}

	body := m.Clone()
	body.VersionTag = nil
	body.ManifestURI = h.client.URL(manifestPath(m.ID))
	data, err := manifest.Marshal(body)
	if err != nil {
		return nil, err
	}

	header := http.Header{"Content-Type": {"application/json"}}
	if expectedTag != nil {
		header.Set("If-Match", *expectedTag)
	}
	resp, err := h.client.Do(ctx, http.MethodPut, manifestPath(m.ID), header, data)
	if err != nil {
		return nil, transport.Wrap(h.name, "upload", m.ID, 0, err)
	}
	switch resp.Status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusPreconditionFailed:
		return nil, nil
	default:
		return nil, transport.Wrap(h.name, "upload", m.ID, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}

	etag := etagOf(resp.Header)
	if etag == "" {
		// Some servers omit the tag on PUT; ask for it
		head, err := h.client.Do(ctx, http.MethodHead, manifestPath(m.ID), nil, nil)
		if err != nil {
			return nil, transport.Wrap(h.name, "upload", m.ID, 0, err)
		}
		etag = etagOf(head.Header)
	}
	if etag == "" {
		return nil, transport.Wrap(h.name, "upload", m.ID, resp.Status, fmt.Errorf("server returned no ETag"))
	}
	return &domain.UploadResult{URL: body.ManifestURI, VersionTag: etag}, nil
}

func (h *Host) DeleteManifest(ctx context.Context, id uuid.UUID) error {
	resp, err := h.client.Do(ctx, http.MethodDelete, manifestPath(id), nil, nil)
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
	return h.putBinary(ctx, "upload video", id, videoDir+"/"+id.String()+".mp4", "video/mp4", r, size)
}

func (h *Host) UploadThumbnail(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error) {
	return h.putBinary(ctx, "upload thumbnail", id, videoDir+"/"+id.String()+".jpg", "image/jpeg", r, size)
}

func (h *Host) putBinary(ctx context.Context, op string, id uuid.UUID, p, contentType string, r io.Reader, size int64) (string, error) {
	if err := h.ensureCollection(ctx, videoDir); err != nil {
		return "", transport.Wrap(h.name, op, id, 0, err)
	}
	resp, err := h.client.Stream(ctx, http.MethodPut, p, http.Header{"Content-Type": {contentType}}, r, size)
	if err != nil {
		return "", transport.Wrap(h.name, op, id, 0, err)
	}
	switch resp.Status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return h.client.URL(p), nil
	default:
		return "", transport.Wrap(h.name, op, id, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}
}

// ensureCollection creates a folder once per process. 405 means it exists.
func (h *Host) ensureCollection(ctx context.Context, dir string) error {
	h.mu.Lock()
	done := h.created[dir]
	h.mu.Unlock()
	if done {
		return nil
	}

	resp, err := h.client.Do(ctx, "MKCOL", dir+"/", nil, nil)
	if err != nil {
		return err
	}
	switch resp.Status {
	case http.StatusCreated, http.StatusMethodNotAllowed:
	default:
		return transport.StatusError(resp.Status, resp.Body)
	}

	h.mu.Lock()
	h.created[dir] = true
	h.mu.Unlock()
	return nil
}
