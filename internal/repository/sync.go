package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
)

// RefreshOffline rebuilds the snapshot from disk alone: local videos plus
// the newest cached copy of every cloud video.
func (r *Repository) RefreshOffline(ctx context.Context) (*domain.Snapshot, error) {
	return r.coll.UpdateNonBlocking(ctx)
}

// RefreshOnline syncs with every host and swaps in the result.
//
// Hosts are walked in priority order; an ID listed by several hosts is
// handled by the first. A video that fails is logged, recorded in the
// ledger and served from cache when possible; the pass goes on. When no
// host could be listed the cloud part of the snapshot is left as it was and
// an error wrapping domain.ErrHostUnavailable is returned.
func (r *Repository) RefreshOnline(ctx context.Context) (*domain.Snapshot, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	snap, err := r.coll.UpdateBlocking(ctx)
	if err != nil {
		return snap, err
	}
	if err := r.cloud.takeErr(); err != nil {
		return snap, err
	}
	return snap, nil
}

// localSource serves never-uploaded videos
type localSource struct {
	repo *Repository
}

func (s *localSource) Name() string { return "local" }

func (s *localSource) Videos(ctx context.Context) ([]domain.Video, error) {
	r := s.repo
	ids, err := r.local.ListAll()
	if err != nil {
		return nil, err
	}
	videos := make([]domain.Video, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := r.local.Load(ctx, id)
		if err != nil {
			r.logger.Warn("skipping unreadable local video", "id", id, "error", err)
			continue
		}
		videos = append(videos, domain.NewVideo(m, false))
	}
	return videos, nil
}

// cloudSource serves cloud videos: from the cache on a non-blocking update,
// after a full host sync on a blocking one
type cloudSource struct {
	repo *Repository
	err  error // set by Reconcile when no host could be listed
}

func (s *cloudSource) Name() string { return "cloud" }

func (s *cloudSource) takeErr() error {
	err := s.err
	s.err = nil
	return err
}

func (s *cloudSource) Interim(ctx context.Context) ([]domain.Video, error) {
	return s.repo.cachedVideos(ctx, nil)
}

// Reconcile syncs every host. When none can be listed the disk cache is
// served instead: it already holds every upload and edit made since the last
// sync, which the previous contribution may not.
func (s *cloudSource) Reconcile(ctx context.Context, _ []domain.Video) ([]domain.Video, error) {
	videos, err := s.repo.syncAll(ctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, domain.ErrHostUnavailable) {
		// The caller reports err after the swap
		s.err = err
		return s.repo.cachedVideos(ctx, nil)
	}
	return videos, err
}

// cachedVideos loads every cached cloud video not in skip
func (r *Repository) cachedVideos(ctx context.Context, skip map[uuid.UUID]bool) ([]domain.Video, error) {
	ids, err := r.cachedIDs()
	if err != nil {
		return nil, err
	}
	videos := make([]domain.Video, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if skip[id] {
			continue
		}
		m, err := r.loadCloud(ctx, id)
		if err != nil {
			r.logger.Warn("skipping unreadable cached video", "id", id, "error", err)
			continue
		}
		videos = append(videos, domain.NewVideo(m, true))
	}
	return videos, nil
}

// cachedIDs lists IDs with an original or a modified copy
func (r *Repository) cachedIDs() ([]uuid.UUID, error) {
	mod, err := r.modified.ListAll()
	if err != nil {
		return nil, err
	}
	orig, err := r.original.ListAll()
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(mod)+len(orig))
	out := make([]uuid.UUID, 0, len(mod)+len(orig))
	for _, id := range append(mod, orig...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *Repository) progress(host string, id uuid.UUID, step domain.SyncStep, attempt int, err error) {
	r.opts.Observer.OnProgress(domain.SyncProgress{Host: host, ID: id, Step: step, Attempt: attempt, Err: err})
}

// syncAll runs one online pass over every host
func (r *Repository) syncAll(ctx context.Context) ([]domain.Video, error) {
	var (
		videos    []domain.Video
		seen      = make(map[uuid.UUID]bool)
		hostErrs  []error
		listed    int
		listables int
	)

	for _, h := range r.hosts {
		caps := h.Capabilities()
		if !caps.Index || !caps.Manifests {
			continue
		}
		listables++

		rows, err := h.Index(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("failed to list host", "host", h.Name(), "error", err)
			r.progress(h.Name(), uuid.Nil, domain.StepIndex, 0, err)
			hostErrs = append(hostErrs, err)
			continue
		}
		listed++
		r.progress(h.Name(), uuid.Nil, domain.StepIndex, 0, nil)
		if err := r.ledger.SaveHostIndex(h.Name(), rows); err != nil {
			r.logger.Warn("failed to record host index", "host", h.Name(), "error", err)
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if seen[row.ID] {
				continue
			}

			m, err := r.syncOne(ctx, h, row)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				r.logger.Warn("failed to sync video", "host", h.Name(), "id", row.ID, "error", err)
				if lerr := r.ledger.RecordFailure(h.Name(), row.ID, err, r.opts.Clock.Now()); lerr != nil {
					r.logger.Warn("failed to record sync failure", "host", h.Name(), "id", row.ID, "error", lerr)
				}
				if cached, cerr := r.loadCloud(ctx, row.ID); cerr == nil {
					seen[row.ID] = true
					videos = append(videos, domain.NewVideo(cached, true))
				}
				continue
			}
			r.clearFailure(h.Name(), row.ID)
			seen[row.ID] = true
			videos = append(videos, domain.NewVideo(m, true))
		}
	}

	if listables > 0 && listed == 0 {
		joined := errors.Join(hostErrs...)
		if !errors.Is(joined, domain.ErrHostUnavailable) {
			return nil, fmt.Errorf("%w: no host could be listed: %w", domain.ErrHostUnavailable, joined)
		}
		return nil, fmt.Errorf("no host could be listed: %w", joined)
	}

	// Cached videos no reachable host listed any more. There are no
	// tombstones, so a remote delete cannot be told apart from a host that
	// lost the file.
	orphans, err := r.cachedVideos(ctx, seen)
	if err != nil {
		return nil, err
	}
	for _, v := range orphans {
		r.progress("", v.ID(), domain.StepOrphan, 0, nil)
	}
	videos = append(videos, orphans...)

	if err := r.ledger.SetLastRefresh(r.opts.Clock.Now()); err != nil {
		r.logger.Warn("failed to record refresh time", "error", err)
	}
	r.logger.Info("online refresh complete", "videos", len(videos), "hosts", listed, "orphans", len(orphans))
	return videos, nil
}

func (r *Repository) clearFailure(host string, id uuid.UUID) {
	if err := r.ledger.ClearFailure(host, id); err != nil {
		r.logger.Warn("failed to clear sync failure", "host", host, "id", id, "error", err)
	}
}

// olderThan compares at the one second resolution HTTP dates carry
func olderThan(a, b time.Time) bool {
	return a.Truncate(time.Second).Before(b.Truncate(time.Second))
}

// syncOne brings one indexed video up to date
func (r *Repository) syncOne(ctx context.Context, h domain.VideoHost, row domain.FindResult) (*domain.Manifest, error) {
	if r.modified.Exists(row.ID) {
		return r.pushModified(ctx, h, row.ID)
	}

	orig, err := r.original.Load(ctx, row.ID)
	switch {
	case err == nil && !olderThan(orig.LastModified, row.LastModified):
		r.progress(h.Name(), row.ID, domain.StepCached, 0, nil)
		return orig, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		r.logger.Warn("cached original unreadable, downloading again", "id", row.ID, "error", err)
	}

	r.progress(h.Name(), row.ID, domain.StepDownload, 0, nil)
	m, err := h.DownloadManifest(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	if err := r.original.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// pushModified uploads a local edit of a cloud video.
//
// Each attempt downloads the host copy. When its tag still matches the tag
// the edit started from the edit is uploaded as is, otherwise it is merged
// with the host copy first. The upload is conditional on the downloaded tag;
// losing that race starts the next attempt. Success replaces the original
// with the uploaded manifest and deletes the modified copy. When every
// attempt loses a ConflictError is returned and the modified copy is kept.
func (r *Repository) pushModified(ctx context.Context, h domain.VideoHost, id uuid.UUID) (*domain.Manifest, error) {
	local, err := r.modified.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	base, err := r.original.Load(ctx, id)
	if err != nil {
		base = nil
	}

	for attempt := 1; attempt <= r.opts.MaxMergeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.progress(h.Name(), id, domain.StepDownload, attempt, nil)
		remote, err := h.DownloadManifest(ctx, id)
		if err != nil {
			return nil, err
		}

		candidate := local.Clone()
		if remote.Version() != local.Version() {
			r.progress(h.Name(), id, domain.StepMerge, attempt, nil)
			r.logger.Info("host copy changed since edit, merging",
				"host", h.Name(), "id", id, "edit_tag", local.Version(), "host_tag", remote.Version(), "attempt", attempt)
			candidate = r.opts.Merger.Merge(base, local, remote)
		}

		r.progress(h.Name(), id, domain.StepUpload, attempt, nil)
		res, err := h.UploadManifest(ctx, candidate, remote.VersionTag)
		if err != nil {
			return nil, err
		}
		if res == nil {
			r.progress(h.Name(), id, domain.StepConflict, attempt, domain.ErrConflict)
			r.logger.Debug("conditional upload lost, retrying", "host", h.Name(), "id", id, "attempt", attempt)
			continue
		}

		candidate.VersionTag = &res.VersionTag
		candidate.ManifestURI = res.URL
		if err := r.original.Save(ctx, candidate); err != nil {
			return nil, err
		}
		if err := r.modified.Delete(id); err != nil {
			// The upload landed; a stale modified copy would be pushed again
			return nil, fmt.Errorf("uploaded %s but could not drop the modified copy: %w", id, err)
		}
		r.logger.Info("pushed local edit", "host", h.Name(), "id", id, "tag", res.VersionTag, "attempts", attempt)
		return candidate, nil
	}

	err = &domain.ConflictError{ID: id, Host: h.Name(), Attempts: r.opts.MaxMergeAttempts}
	r.progress(h.Name(), id, domain.StepConflict, r.opts.MaxMergeAttempts, err)
	return nil, err
}
