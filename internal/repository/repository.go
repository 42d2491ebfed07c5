// Package repository is the sync engine. It owns the three on-disk
// representations of a video (local, cloud original, cloud modified), keeps
// them in step with an ordered list of hosts, and publishes the result as a
// snapshot through a collection.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/collection"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/manifest"
	"github.com/mmcdole/semvid/internal/store"
)

// DefaultMaxMergeAttempts bounds the download/merge/upload loop per video
const DefaultMaxMergeAttempts = 10

// Dirs locates the manifest stores
type Dirs struct {
	Local string // <id>.json, never uploaded
	Cache string // <id>_original.json and <id>_modified.json
}

// Options tune the sync behaviour. Zero values pick the defaults.
type Options struct {
	MaxMergeAttempts int
	Merger           Merger
	Observer         domain.SyncObserver
	Clock            clock.Clock
}

// Repository combines local storage with the configured hosts
type Repository struct {
	local    *store.ManifestDir
	original *store.ManifestDir
	modified *store.ManifestDir
	hosts    []domain.VideoHost
	ledger   *store.Ledger
	coll     *collection.Collection
	opts     Options
	logger   *slog.Logger

	// syncMu serializes writers: online refresh, save, upload and delete
	syncMu sync.Mutex
	cloud  *cloudSource
}

var _ domain.Repository = (*Repository)(nil)

// New creates a repository. hosts are tried in order. A nil ledger keeps the
// sync bookkeeping in memory.
func New(dirs Dirs, hosts []domain.VideoHost, codec *manifest.Codec, ledger *store.Ledger, logger *slog.Logger, opts Options) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	if codec == nil {
		codec = manifest.NewCodec(nil, logger)
	}
	if ledger == nil {
		ledger, _ = store.OpenLedger("")
	}
	if opts.MaxMergeAttempts <= 0 {
		opts.MaxMergeAttempts = DefaultMaxMergeAttempts
	}
	if opts.Merger == nil {
		opts.Merger = ThreeWay{Logger: logger}
	}
	if opts.Observer == nil {
		opts.Observer = domain.NoOpObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	r := &Repository{
		local:    store.Local(dirs.Local, codec, logger),
		original: store.CloudOriginal(dirs.Cache, codec, logger),
		modified: store.CloudModified(dirs.Cache, codec, logger),
		hosts:    hosts,
		ledger:   ledger,
		opts:     opts,
		logger:   logger,
	}
	r.cloud = &cloudSource{repo: r}
	r.coll = collection.New(
		[]collection.Source{&localSource{repo: r}},
		[]collection.BlockingSource{r.cloud},
		logger,
	)
	return r
}

// Hosts returns the configured hosts in priority order
func (r *Repository) Hosts() []domain.VideoHost { return r.hosts }

// Ledger exposes the sync bookkeeping
func (r *Repository) Ledger() *store.Ledger { return r.ledger }

// Snapshot returns the current view of every known video
func (r *Repository) Snapshot() *domain.Snapshot { return r.coll.Snapshot() }

// Collection exposes lookups and search over the snapshot
func (r *Repository) Collection() *collection.Collection { return r.coll }

// OnUpdate registers fn to run after every snapshot swap
func (r *Repository) OnUpdate(fn func(*domain.Snapshot)) (cancel func()) {
	return r.coll.OnUpdate(fn)
}

// Representation reports which copy of id is authoritative. A local file
// wins over cached cloud copies.
func (r *Repository) Representation(id uuid.UUID) domain.Representation {
	switch {
	case r.local.Exists(id):
		return domain.RepLocal
	case r.modified.Exists(id):
		return domain.RepCloudModified
	case r.original.Exists(id):
		return domain.RepCloudOriginal
	default:
		return domain.RepAbsent
	}
}

// Load reads the authoritative copy of id from disk
func (r *Repository) Load(ctx context.Context, id uuid.UUID) (*domain.Manifest, domain.Representation, error) {
	rep := r.Representation(id)
	var (
		m   *domain.Manifest
		err error
	)
	switch rep {
	case domain.RepLocal:
		m, err = r.local.Load(ctx, id)
	case domain.RepCloudModified, domain.RepCloudOriginal:
		m, err = r.loadCloud(ctx, id)
	default:
		return nil, rep, fmt.Errorf("load %s: %w", id, domain.ErrNotFound)
	}
	return m, rep, err
}

// loadCloud returns the newer of the modified and original copies; the
// modified copy wins ties
func (r *Repository) loadCloud(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	mod, modErr := r.modified.Load(ctx, id)
	orig, origErr := r.original.Load(ctx, id)
	switch {
	case modErr == nil && origErr == nil:
		if orig.LastModified.After(mod.LastModified) {
			return orig, nil
		}
		return mod, nil
	case modErr == nil:
		return mod, nil
	case origErr == nil:
		if !errors.Is(modErr, domain.ErrNotFound) {
			r.logger.Warn("unreadable modified copy, using original", "id", id, "error", modErr)
		}
		return orig, nil
	case errors.Is(modErr, domain.ErrNotFound):
		return nil, origErr
	default:
		return nil, modErr
	}
}

// SaveVideo writes m to the copy its representation calls for: an existing
// local video stays local, a cloud video gets a modified copy, anything else
// becomes a new local video. The modified copy records the version tag the
// edit started from.
func (r *Repository) SaveVideo(ctx context.Context, m *domain.Manifest) (domain.Representation, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	rep := r.Representation(m.ID)
	switch rep {
	case domain.RepLocal:
		if err := r.local.Save(ctx, m); err != nil {
			return rep, err
		}
	case domain.RepCloudOriginal, domain.RepCloudModified:
		edit := m.Clone()
		if edit.VersionTag == nil {
			if orig, err := r.original.Load(ctx, m.ID); err == nil {
				edit.VersionTag = orig.VersionTag
			}
		}
		if err := r.modified.Save(ctx, edit); err != nil {
			return rep, err
		}
		rep = domain.RepCloudModified
	default:
		if err := r.local.Save(ctx, m); err != nil {
			return rep, err
		}
		rep = domain.RepLocal
	}

	r.logger.Debug("saved video", "id", m.ID, "representation", rep)
	r.coll.Upsert(domain.NewVideo(m.Clone(), rep.Remote()))
	return rep, nil
}

// UploadVideo pushes m to the first host that accepts it. Local videos are
// written unconditionally; cloud videos only if the host still holds m's
// version tag. On success the video moves to cloud ownership: the original
// cache takes the uploaded manifest with its new tag and the local and
// modified copies are removed.
func (r *Repository) UploadVideo(ctx context.Context, m *domain.Manifest) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	var expected *string
	if r.Representation(m.ID).Remote() {
		expected = m.VersionTag
	}

	var errs []error
	for _, h := range r.hosts {
		if !h.Capabilities().Manifests {
			continue
		}
		res, err := h.UploadManifest(ctx, m, expected)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("upload failed, trying next host", "host", h.Name(), "id", m.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if res == nil {
			r.logger.Warn("upload rejected, host copy changed", "host", h.Name(), "id", m.ID)
			errs = append(errs, &domain.HostError{Host: h.Name(), Op: "upload", ID: m.ID, Err: domain.ErrConflict})
			continue
		}

		uploaded := m.Clone()
		uploaded.VersionTag = &res.VersionTag
		uploaded.ManifestURI = res.URL
		if err := r.original.Save(ctx, uploaded); err != nil {
			return err
		}
		if err := r.local.Delete(m.ID); err != nil {
			return err
		}
		if err := r.modified.Delete(m.ID); err != nil {
			return err
		}
		r.clearFailure(h.Name(), m.ID)
		r.logger.Info("uploaded video", "host", h.Name(), "id", m.ID, "tag", res.VersionTag)
		r.coll.Upsert(domain.NewVideo(uploaded, true))
		return nil
	}
	return &domain.UploadError{ID: m.ID, Errs: errs}
}

// UploadMedia uploads the video and thumbnail binaries of id to the first
// hosts able to take them, records their URIs in the manifest and saves it.
// An empty path skips that binary.
func (r *Repository) UploadMedia(ctx context.Context, id uuid.UUID, videoPath, thumbnailPath string) (*domain.Manifest, error) {
	m, _, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if videoPath != "" {
		uri, err := r.uploadBinary(ctx, id, videoPath, func(c domain.Capabilities) bool { return c.Video },
			func(h domain.VideoHost, f *os.File, size int64) (string, error) { return h.UploadVideo(ctx, id, f, size) })
		if err != nil {
			return nil, fmt.Errorf("upload video: %w", err)
		}
		m.VideoURI = uri
	}
	if thumbnailPath != "" {
		uri, err := r.uploadBinary(ctx, id, thumbnailPath, func(c domain.Capabilities) bool { return c.Thumbnail },
			func(h domain.VideoHost, f *os.File, size int64) (string, error) { return h.UploadThumbnail(ctx, id, f, size) })
		if err != nil {
			return nil, fmt.Errorf("upload thumbnail: %w", err)
		}
		m.ThumbnailURI = uri
	}

	m.Touch()
	if _, err := r.SaveVideo(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Repository) uploadBinary(ctx context.Context, id uuid.UUID, path string, capable func(domain.Capabilities) bool,
	upload func(domain.VideoHost, *os.File, int64) (string, error)) (string, error) {
	var errs []error
	for _, h := range r.hosts {
		if !capable(h.Capabilities()) {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return "", &domain.StoreError{Op: "read", ID: id, Path: path, Err: fmt.Errorf("%w: %w", domain.ErrIO, err)}
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return "", &domain.StoreError{Op: "read", ID: id, Path: path, Err: fmt.Errorf("%w: %w", domain.ErrIO, err)}
		}
		uri, err := upload(h, f, info.Size())
		f.Close()
		if err == nil {
			return uri, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.logger.Warn("binary upload failed, trying next host", "host", h.Name(), "id", id, "path", path, "error", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", domain.ErrUnsupported
	}
	return "", errors.Join(errs...)
}

// DeleteVideo removes every local copy of id and deletes it from hosts that
// support deletion. Host failures are logged; local failures are returned.
func (r *Repository) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	remote := r.Representation(id).Remote()
	if err := errors.Join(r.local.Delete(id), r.original.Delete(id), r.modified.Delete(id)); err != nil {
		return err
	}

	if remote {
		for _, h := range r.hosts {
			if !h.Capabilities().Delete {
				continue
			}
			if err := h.DeleteManifest(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
				r.logger.Warn("remote delete failed", "host", h.Name(), "id", id, "error", err)
			}
			r.clearFailure(h.Name(), id)
		}
	}
	r.coll.Remove(id)
	return nil
}

// Index lists the videos of the current snapshot
func (r *Repository) Index(ctx context.Context) ([]domain.FindResult, error) {
	return r.coll.Snapshot().Index(), nil
}

// Info returns the projection of one video, reading disk when the snapshot
// does not hold it
func (r *Repository) Info(ctx context.Context, id uuid.UUID) (*domain.Info, error) {
	if v, ok := r.coll.Get(id); ok {
		info := v.Info
		return &info, nil
	}
	m, rep, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	info := m.Info()
	info.Remote = rep.Remote()
	return &info, nil
}

// Full returns the complete manifest of one video
func (r *Repository) Full(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	if v, ok := r.coll.Get(id); ok && v.Full != nil {
		return v.Full.Clone(), nil
	}
	m, _, err := r.Load(ctx, id)
	return m, err
}

// Save routes m like SaveVideo
func (r *Repository) Save(ctx context.Context, m *domain.Manifest) error {
	_, err := r.SaveVideo(ctx, m)
	return err
}
