// Package collection merges videos from several sources into one
// read-optimized snapshot.
//
// Readers always see a complete snapshot: a new one is built off to the side
// and swapped in atomically, so a lookup never observes a half-applied
// update. Updates come in two flavours. UpdateNonBlocking only asks sources
// for what they already have; UpdateBlocking lets blocking sources do their
// I/O (network sync) first.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/sahilm/fuzzy"
)

// Source contributes videos it can produce cheaply
type Source interface {
	Name() string
	Videos(ctx context.Context) ([]domain.Video, error)
}

// BlockingSource contributes videos that may need I/O to be current.
// Interim must not block on the network; Reconcile may, and receives the
// source's previous contribution.
type BlockingSource interface {
	Name() string
	Interim(ctx context.Context) ([]domain.Video, error)
	Reconcile(ctx context.Context, previous []domain.Video) ([]domain.Video, error)
}

// ErrAllSourcesFailed is returned when no source produced videos
var ErrAllSourcesFailed = errors.New("every video source failed")

// Collection holds the current snapshot
type Collection struct {
	sources  []Source
	blocking []BlockingSource
	logger   *slog.Logger

	current atomic.Pointer[domain.Snapshot]

	updateMu sync.Mutex                // serializes updates
	contrib  map[string][]domain.Video // last good result per source

	listenMu  sync.Mutex
	listeners map[int]func(*domain.Snapshot)
	nextID    int
}

// New creates a collection with an empty snapshot
func New(sources []Source, blocking []BlockingSource, logger *slog.Logger) *Collection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collection{
		sources:   sources,
		blocking:  blocking,
		logger:    logger,
		contrib:   make(map[string][]domain.Video),
		listeners: make(map[int]func(*domain.Snapshot)),
	}
	c.current.Store(domain.EmptySnapshot)
	return c
}

// Snapshot returns the current snapshot. It never returns nil.
func (c *Collection) Snapshot() *domain.Snapshot {
	return c.current.Load()
}

// All returns every video in index order
func (c *Collection) All() []domain.Video {
	return c.Snapshot().All()
}

// Get returns one video
func (c *Collection) Get(id uuid.UUID) (domain.Video, bool) {
	return c.Snapshot().Get(id)
}

// ByGenre returns the videos of one genre, newest first
func (c *Collection) ByGenre(g domain.Genre) []domain.Video {
	return c.Snapshot().ByGenre(g)
}

// UpdateNonBlocking rebuilds the snapshot from what sources hold right now
func (c *Collection) UpdateNonBlocking(ctx context.Context) (*domain.Snapshot, error) {
	return c.update(ctx, func(ctx context.Context, b BlockingSource, _ []domain.Video) ([]domain.Video, error) {
		return b.Interim(ctx)
	})
}

// UpdateBlocking rebuilds the snapshot after every blocking source reconciled.
//
// A source that fails keeps its previous contribution and is only logged.
// When every source fails the current snapshot stays and the joined errors
// are returned. A cancelled ctx never swaps.
func (c *Collection) UpdateBlocking(ctx context.Context) (*domain.Snapshot, error) {
	return c.update(ctx, func(ctx context.Context, b BlockingSource, prev []domain.Video) ([]domain.Video, error) {
		return b.Reconcile(ctx, prev)
	})
}

type blockingFetch func(ctx context.Context, b BlockingSource, prev []domain.Video) ([]domain.Video, error)

func (c *Collection) update(ctx context.Context, fetch blockingFetch) (*domain.Snapshot, error) {
	snap, swapped, err := c.rebuild(ctx, fetch)
	if swapped {
		c.notify(snap)
	}
	return snap, err
}

// rebuild reports whether it stored a new snapshot
func (c *Collection) rebuild(ctx context.Context, fetch blockingFetch) (*domain.Snapshot, bool, error) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	var (
		errs      []error
		succeeded int
		next      = make(map[string][]domain.Video, len(c.sources)+len(c.blocking))
		order     = make([]string, 0, len(c.sources)+len(c.blocking))
	)
	collect := func(name string, videos []domain.Video, err error) {
		order = append(order, name)
		if err != nil {
			c.logger.Warn("video source failed, keeping previous results", "source", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			next[name] = c.contrib[name]
			return
		}
		succeeded++
		next[name] = videos
	}

	for _, s := range c.sources {
		videos, err := s.Videos(ctx)
		collect(s.Name(), videos, err)
	}
	for _, b := range c.blocking {
		videos, err := fetch(ctx, b, c.contrib[b.Name()])
		collect(b.Name(), videos, err)
	}

	if err := ctx.Err(); err != nil {
		return c.Snapshot(), false, err
	}
	if succeeded == 0 && len(order) > 0 {
		return c.Snapshot(), false, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
	}

	merged := make(map[uuid.UUID]domain.Video)
	for _, name := range order {
		for _, v := range next[name] {
			if have, ok := merged[v.ID()]; ok && !v.Info.LastModified.After(have.Info.LastModified) {
				continue
			}
			merged[v.ID()] = v
		}
	}
	videos := make([]domain.Video, 0, len(merged))
	for _, v := range merged {
		videos = append(videos, v)
	}

	c.contrib = next
	snap := domain.NewSnapshot(videos)
	c.current.Store(snap)
	return snap, true, nil
}

// Upsert replaces one video in the current snapshot without asking sources
func (c *Collection) Upsert(v domain.Video) {
	c.updateMu.Lock()
	snap := c.Snapshot().With(v)
	c.current.Store(snap)
	c.updateMu.Unlock()
	c.notify(snap)
}

// Remove drops one video from the current snapshot
func (c *Collection) Remove(id uuid.UUID) {
	c.updateMu.Lock()
	snap := c.Snapshot().Without(id)
	for name, videos := range c.contrib {
		c.contrib[name] = withoutID(videos, id)
	}
	c.current.Store(snap)
	c.updateMu.Unlock()
	c.notify(snap)
}

func withoutID(videos []domain.Video, id uuid.UUID) []domain.Video {
	out := make([]domain.Video, 0, len(videos))
	for _, v := range videos {
		if v.ID() != id {
			out = append(out, v)
		}
	}
	return out
}

// notify runs listeners outside updateMu, so a listener may update the
// collection itself
func (c *Collection) notify(snap *domain.Snapshot) {
	c.listenMu.Lock()
	fns := make([]func(*domain.Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// OnUpdate registers fn to be called after every swap. Calling the returned
// function unregisters it.
func (c *Collection) OnUpdate(fn func(*domain.Snapshot)) (cancel func()) {
	c.listenMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenMu.Unlock()

	return func() {
		c.listenMu.Lock()
		delete(c.listeners, id)
		c.listenMu.Unlock()
	}
}

// titleIndex implements fuzzy.Source over a slice of videos
type titleIndex struct {
	videos      []domain.Video
	lowerTitles []string
}

func (idx *titleIndex) String(i int) string { return idx.lowerTitles[i] }

func (idx *titleIndex) Len() int { return len(idx.videos) }

// Search fuzzy-matches query against titles and tags, best match first
func (c *Collection) Search(query string) []domain.Video {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	all := c.All()
	idx := &titleIndex{videos: all, lowerTitles: make([]string, len(all))}
	for i, v := range all {
		text := v.Info.Title
		if v.Full != nil && v.Full.Tag != "" {
			text += " " + v.Full.Tag
		}
		idx.lowerTitles[i] = strings.ToLower(text)
	}

	matches := fuzzy.FindFrom(strings.ToLower(query), idx)
	out := make([]domain.Video, len(matches))
	for i, m := range matches {
		out[i] = idx.videos[m.Index]
	}
	return out
}
