package domain

import (
	"sort"

	"github.com/google/uuid"
)

// Video is one entry of a snapshot: always the info projection, plus the
// full manifest when it was loaded.
type Video struct {
	Info Info
	Full *Manifest
}

// NewVideo wraps a loaded manifest
func NewVideo(m *Manifest, remote bool) Video {
	info := m.Info()
	info.Remote = remote
	return Video{Info: info, Full: m}
}

// ID returns the video's identifier
func (v Video) ID() uuid.UUID { return v.Info.ID }

// Snapshot is an immutable point-in-time view of every known video.
// It is built once and replaced wholesale; nothing mutates it afterwards.
type Snapshot struct {
	byID  map[uuid.UUID]Video
	order []FindResult
}

// EmptySnapshot has no videos
var EmptySnapshot = NewSnapshot(nil)

// NewSnapshot builds a snapshot ordered by descending LastModified (ties by ID).
// When an ID appears twice the later entry wins.
func NewSnapshot(videos []Video) *Snapshot {
	s := &Snapshot{byID: make(map[uuid.UUID]Video, len(videos))}
	for _, v := range videos {
		s.byID[v.ID()] = v
	}
	s.order = make([]FindResult, 0, len(s.byID))
	for id, v := range s.byID {
		s.order = append(s.order, FindResult{ID: id, LastModified: v.Info.LastModified})
	}
	sort.Slice(s.order, func(i, j int) bool {
		a, b := s.order[i], s.order[j]
		if !a.LastModified.Equal(b.LastModified) {
			return a.LastModified.After(b.LastModified)
		}
		return a.ID.String() < b.ID.String()
	})
	return s
}

// Len returns the number of videos
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Get returns the video with the given ID
func (s *Snapshot) Get(id uuid.UUID) (Video, bool) {
	if s == nil {
		return Video{}, false
	}
	v, ok := s.byID[id]
	return v, ok
}

// Index returns a copy of the ordered index rows
func (s *Snapshot) Index() []FindResult {
	if s == nil {
		return nil
	}
	out := make([]FindResult, len(s.order))
	copy(out, s.order)
	return out
}

// All returns every video in index order
func (s *Snapshot) All() []Video {
	if s == nil {
		return nil
	}
	out := make([]Video, 0, len(s.order))
	for _, row := range s.order {
		out = append(out, s.byID[row.ID])
	}
	return out
}

// ByGenre filters the snapshot. The result is recomputed on every call.
func (s *Snapshot) ByGenre(g Genre) []Video {
	var out []Video
	for _, v := range s.All() {
		if v.Info.Genre == g {
			out = append(out, v)
		}
	}
	return out
}

// With returns a new snapshot with v added or replaced
func (s *Snapshot) With(v Video) *Snapshot {
	videos := s.All()
	return NewSnapshot(append(videos, v))
}

// Without returns a new snapshot lacking the given ID
func (s *Snapshot) Without(id uuid.UUID) *Snapshot {
	all := s.All()
	videos := make([]Video, 0, len(all))
	for _, v := range all {
		if v.ID() != id {
			videos = append(videos, v)
		}
	}
	return NewSnapshot(videos)
}
