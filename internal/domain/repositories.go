package domain

import (
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// Repository is the read/write contract shared by the sync repository and
// the cache that wraps it.
type Repository interface {
	// Index lists every known video with its last-modified time
	Index(ctx context.Context) ([]FindResult, error)

	// Info returns the lightweight projection of one video
	Info(ctx context.Context, id uuid.UUID) (*Info, error)

	// Full returns the complete manifest of one video
	Full(ctx context.Context, id uuid.UUID) (*Manifest, error)

	// Save persists a manifest
	Save(ctx context.Context, m *Manifest) error
}

// Capabilities lists which operations a host supports. Callers check these
// before calling; an unsupported call returns ErrUnsupported.
type Capabilities struct {
	Index     bool // Index
	Manifests bool // DownloadManifest / UploadManifest
	Delete    bool // DeleteManifest
	Video     bool // UploadVideo
	Thumbnail bool // UploadThumbnail
}

// UploadResult is what a host reports after accepting a manifest
type UploadResult struct {
	URL        string
	VersionTag string
}

// VideoHost is a remote backend holding manifests and media.
// Implementations differ in capability and failure mode.
type VideoHost interface {
	// Name identifies the host in logs and the sync ledger
	Name() string

	Capabilities() Capabilities

	// Index lists every manifest on the host with the host's last-modified time.
	// An empty result means the host has no videos; an unreachable host
	// returns an error wrapping ErrHostUnavailable.
	Index(ctx context.Context) ([]FindResult, error)

	// DownloadManifest fetches one manifest, recording the host's version tag
	// and last-modified time on it.
	DownloadManifest(ctx context.Context, id uuid.UUID) (*Manifest, error)

	// UploadManifest writes a manifest. With a non-nil expectedTag the write
	// only happens if the host still holds that tag; otherwise it returns
	// (nil, nil). A nil expectedTag writes unconditionally.
	UploadManifest(ctx context.Context, m *Manifest, expectedTag *string) (*UploadResult, error)

	DeleteManifest(ctx context.Context, id uuid.UUID) error

	// UploadVideo and UploadThumbnail store binaries and return their public URI
	UploadVideo(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error)
	UploadThumbnail(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error)
}

// Doer executes HTTP requests with whatever authentication the host needs.
// *http.Client satisfies it; OIDC-backed executors are supplied from outside.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}
