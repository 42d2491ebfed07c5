package repository

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
)

type uploadCall struct {
	ID       uuid.UUID
	Expected string // "<nil>" for an unconditional upload
	Sent     *domain.Manifest
}

// fakeHost is an in-memory VideoHost with knobs for failure injection
type fakeHost struct {
	name string
	caps domain.Capabilities

	mu       sync.Mutex
	docs     map[uuid.UUID]*domain.Manifest
	version  int
	clock    time.Time
	events   []string
	uploads  []uploadCall
	indexed  int
	fetched  int
	deleted  []uuid.UUID
	binaries map[string][]byte

	indexErr       error
	downloadErr    map[uuid.UUID]error
	uploadErr      error
	alwaysConflict bool
}

func newFakeHost(name string) *fakeHost {
	return &fakeHost{
		name:        name,
		caps:        domain.Capabilities{Index: true, Manifests: true, Delete: true, Video: true, Thumbnail: true},
		docs:        make(map[uuid.UUID]*domain.Manifest),
		clock:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		downloadErr: make(map[uuid.UUID]error),
		binaries:    make(map[string][]byte),
	}
}

// put stores m as if another client wrote it, with the given tag
func (f *fakeHost) put(m *domain.Manifest, tag string) *domain.Manifest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeLocked(m, tag)
}

func (f *fakeHost) storeLocked(m *domain.Manifest, tag string) *domain.Manifest {
	f.clock = f.clock.Add(time.Minute)
	doc := m.Clone()
	doc.VersionTag = &tag
	doc.LastModified = f.clock
	doc.ManifestURI = "fake://" + f.name + "/" + m.ID.String()
	f.docs[m.ID] = doc
	return doc.Clone()
}

func (f *fakeHost) doc(id uuid.UUID) *domain.Manifest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id].Clone()
}

func (f *fakeHost) Name() string                     { return f.name }
func (f *fakeHost) Capabilities() domain.Capabilities { return f.caps }

func (f *fakeHost) Index(ctx context.Context) ([]domain.FindResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed++
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	rows := make([]domain.FindResult, 0, len(f.docs))
	for id, d := range f.docs {
		rows = append(rows, domain.FindResult{ID: id, LastModified: d.LastModified})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LastModified.Before(rows[j].LastModified) })
	return rows, nil
}

func (f *fakeHost) DownloadManifest(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	f.events = append(f.events, "download")
	if err := f.downloadErr[id]; err != nil {
		return nil, err
	}
	d, ok := f.docs[id]
	if !ok {
		return nil, &domain.HostError{Host: f.name, Op: "download", ID: id, Err: domain.ErrNotFound}
	}
	return d.Clone(), nil
}

func (f *fakeHost) UploadManifest(ctx context.Context, m *domain.Manifest, expectedTag *string) (*domain.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	expected := "<nil>"
	if expectedTag != nil {
		expected = *expectedTag
	}
	f.uploads = append(f.uploads, uploadCall{ID: m.ID, Expected: expected, Sent: m.Clone()})
	f.events = append(f.events, "upload:"+expected)

	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	if f.alwaysConflict {
		return nil, nil
	}
	if expectedTag != nil {
		cur, ok := f.docs[m.ID]
		if !ok || cur.Version() != *expectedTag {
			return nil, nil
		}
	}
	f.version++
	doc := f.storeLocked(m, fmt.Sprintf("v%d", f.version))
	return &domain.UploadResult{URL: doc.ManifestURI, VersionTag: doc.Version()}, nil
}

func (f *fakeHost) DeleteManifest(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.docs, id)
	return nil
}

func (f *fakeHost) UploadVideo(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error) {
	return f.putBinary("video/"+id.String(), r)
}

func (f *fakeHost) UploadThumbnail(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error) {
	return f.putBinary("thumbnail/"+id.String(), r)
}

func (f *fakeHost) putBinary(key string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binaries[key] = data
	return "fake://" + f.name + "/" + key, nil
}
