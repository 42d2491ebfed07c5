// Package cache keeps video lookups in memory in front of a slower
// repository.
//
// Entries expire a fixed time after they were cached. UpdateCache compares
// the inner repository's index against what is held and refetches only the
// videos whose last-modified time advanced.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/golang/groupcache/singleflight"
	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
)

// PrefetchLevel controls how much UpdateCache loads for new or changed videos
type PrefetchLevel int

const (
	PrefetchNone PrefetchLevel = iota // load on demand only
	PrefetchInfo                      // load the info projection
	PrefetchFull                      // load the full manifest
)

// ParsePrefetch converts a config string to a PrefetchLevel
func ParsePrefetch(s string) (PrefetchLevel, error) {
	switch s {
	case "", "none":
		return PrefetchNone, nil
	case "info":
		return PrefetchInfo, nil
	case "full":
		return PrefetchFull, nil
	default:
		return PrefetchNone, fmt.Errorf("unknown prefetch level %q", s)
	}
}

func (p PrefetchLevel) String() string {
	switch p {
	case PrefetchInfo:
		return "info"
	case PrefetchFull:
		return "full"
	default:
		return "none"
	}
}

// DefaultExpiry is how long an entry stays valid when Options leaves it unset
const DefaultExpiry = 5 * time.Minute

// Options configures a Repository
type Options struct {
	Expiry   time.Duration // <0 disables expiry
	Prefetch PrefetchLevel
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Entry is what the cache holds for one video. Info is always set once
// anything was loaded; Full only after a full fetch.
type Entry struct {
	CachedAt     time.Time
	LastModified time.Time
	Info         *domain.Info
	Full         *domain.Manifest
}

// Stats reports cache effectiveness
type Stats struct {
	Entries   int
	Hits      int
	Misses    int
	Evictions int
}

// Repository is a caching wrapper around a domain.Repository
type Repository struct {
	inner  domain.Repository
	expiry time.Duration
	level  PrefetchLevel
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	order   []domain.FindResult
	stats   Stats
	gens    map[uuid.UUID]uint64 // bumped when an id is invalidated
	cleared uint64               // bumped when the whole cache is dropped

	flight singleflight.Group // keyed by kind + video id
}

var _ domain.Repository = (*Repository)(nil)

// New wraps inner
func New(inner domain.Repository, opts Options) *Repository {
	if opts.Expiry == 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Repository{
		inner:   inner,
		expiry:  opts.Expiry,
		level:   opts.Prefetch,
		clock:   opts.Clock,
		logger:  opts.Logger,
		entries: make(map[uuid.UUID]*Entry),
		gens:    make(map[uuid.UUID]uint64),
	}
}

// generation identifies the invalidation state of id. A fill started under
// one generation must not store its result once it changed. Caller holds mu.
func (r *Repository) generation(id uuid.UUID) string {
	return fmt.Sprintf("%d.%d", r.cleared, r.gens[id])
}

// evict drops id and bumps its generation. Caller holds mu.
func (r *Repository) evict(id uuid.UUID) {
	r.gens[id]++
	if _, ok := r.entries[id]; ok {
		delete(r.entries, id)
		r.stats.Evictions++
	}
}

// lookup returns the live entry for id, evicting it first if it expired.
// Caller holds mu.
func (r *Repository) lookup(id uuid.UUID) *Entry {
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	if r.expiry > 0 && r.clock.Now().Sub(e.CachedAt) >= r.expiry {
		delete(r.entries, id)
		r.stats.Evictions++
		return nil
	}
	return e
}

// GetInfo returns the info projection of a video
func (r *Repository) GetInfo(ctx context.Context, id uuid.UUID) (*domain.Info, error) {
	r.mu.Lock()
	if e := r.lookup(id); e != nil && e.Info != nil {
		r.stats.Hits++
		info := *e.Info
		r.mu.Unlock()
		return &info, nil
	}
	r.stats.Misses++
	gen := r.generation(id)
	r.mu.Unlock()

	v, err := r.flight.Do("info:"+id.String()+"@"+gen, func() (interface{}, error) {
		return r.fillInfo(ctx, id, gen)
	})
	if err != nil {
		return nil, err
	}
	info := *v.(*domain.Info)
	return &info, nil
}

// GetFull returns the full manifest of a video. The caller owns the result.
func (r *Repository) GetFull(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	r.mu.Lock()
	if e := r.lookup(id); e != nil && e.Full != nil {
		r.stats.Hits++
		m := e.Full.Clone()
		r.mu.Unlock()
		return m, nil
	}
	r.stats.Misses++
	gen := r.generation(id)
	r.mu.Unlock()

	v, err := r.flight.Do("full:"+id.String()+"@"+gen, func() (interface{}, error) {
		return r.fillFull(ctx, id, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Manifest).Clone(), nil
}

func (r *Repository) fillInfo(ctx context.Context, id uuid.UUID, gen string) (*domain.Info, error) {
	info, err := r.inner.Info(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation(id) != gen {
		// Invalidated while loading; hand the result to this caller only
		return info, nil
	}
	e := r.entries[id]
	if e == nil || info.LastModified.After(e.LastModified) {
		e = &Entry{}
		r.entries[id] = e
	}
	e.CachedAt = r.clock.Now()
	e.LastModified = info.LastModified
	e.Info = info
	return info, nil
}

func (r *Repository) fillFull(ctx context.Context, id uuid.UUID, gen string) (*domain.Manifest, error) {
	m, err := r.inner.Full(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation(id) != gen {
		return m, nil
	}
	info := m.Info()
	if e := r.entries[id]; e != nil && e.Info != nil {
		info.Remote = e.Info.Remote
	}
	r.entries[id] = &Entry{
		CachedAt:     r.clock.Now(),
		LastModified: m.LastModified,
		Info:         &info,
		Full:         m,
	}
	return m, nil
}

// UpdateCache reconciles the cache with the inner index: videos whose
// last-modified time advanced are evicted and refetched at the prefetch
// level, unchanged ones get a fresh lifetime, and vanished ones are dropped.
func (r *Repository) UpdateCache(ctx context.Context) error {
	rows, err := r.inner.Index(ctx)
	if err != nil {
		return err
	}

	var refetch []uuid.UUID
	r.mu.Lock()
	now := r.clock.Now()
	seen := make(map[uuid.UUID]struct{}, len(rows))
	for _, row := range rows {
		seen[row.ID] = struct{}{}
		e, ok := r.entries[row.ID]
		switch {
		case !ok:
			refetch = append(refetch, row.ID)
		case row.LastModified.After(e.LastModified):
			r.evict(row.ID)
			refetch = append(refetch, row.ID)
		default:
			e.CachedAt = now
		}
	}
	for id := range r.entries {
		if _, ok := seen[id]; !ok {
			r.evict(id)
		}
	}
	r.order = rows
	r.mu.Unlock()

	if r.level == PrefetchNone {
		return nil
	}
	for _, id := range refetch {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if r.level == PrefetchFull {
			_, err = r.GetFull(ctx, id)
		} else {
			_, err = r.GetInfo(ctx, id)
		}
		if err != nil {
			r.logger.Warn("prefetch failed", "id", id, "level", r.level, "error", err)
		}
	}
	return nil
}

// GetAll refreshes the cache and returns every video's info in index order.
// Videos that cannot be loaded are logged and left out.
func (r *Repository) GetAll(ctx context.Context) ([]domain.Info, error) {
	if err := r.UpdateCache(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	rows := r.order
	r.mu.Unlock()

	out := make([]domain.Info, 0, len(rows))
	for _, row := range rows {
		info, err := r.GetInfo(ctx, row.ID)
		if err != nil {
			r.logger.Warn("skipping video", "id", row.ID, "error", err)
			continue
		}
		out = append(out, *info)
	}
	return out, nil
}

// Save writes through to the inner repository and drops the cached entry.
// A load that was already running when Save returned does not repopulate it.
func (r *Repository) Save(ctx context.Context, m *domain.Manifest) error {
	if err := r.inner.Save(ctx, m); err != nil {
		return err
	}
	r.Invalidate(m.ID)
	return nil
}

// Invalidate drops the entry for id
func (r *Repository) Invalidate(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(id)
}

// InvalidateAll revalidates every entry against the inner index. If the index
// cannot be read the whole cache is cleared instead.
func (r *Repository) InvalidateAll(ctx context.Context) {
	if err := r.UpdateCache(ctx); err != nil {
		r.logger.Warn("differential invalidation failed, clearing cache", "error", err)
		r.mu.Lock()
		r.stats.Evictions += len(r.entries)
		r.entries = make(map[uuid.UUID]*Entry)
		r.gens = make(map[uuid.UUID]uint64)
		r.cleared++
		r.order = nil
		r.mu.Unlock()
	}
}

// Peek returns a copy of the entry for id without loading or expiring it
func (r *Repository) Peek(id uuid.UUID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Repository) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Entries = len(r.entries)
	return s
}

// domain.Repository

func (r *Repository) Index(ctx context.Context) ([]domain.FindResult, error) {
	if err := r.UpdateCache(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.FindResult, len(r.order))
	copy(out, r.order)
	return out, nil
}

func (r *Repository) Info(ctx context.Context, id uuid.UUID) (*domain.Info, error) {
	return r.GetInfo(ctx, id)
}

func (r *Repository) Full(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	return r.GetFull(ctx, id)
}
