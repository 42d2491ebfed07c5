// Package store persists manifests on the device.
//
// A video lives in exactly one of three places: the local directory
// (<id>.json, never uploaded), or the cloud cache as the last known server
// state (<id>_original.json) optionally shadowed by unsent edits
// (<id>_modified.json). The sync ledger in ledger.go remembers per-host
// bookkeeping between runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/manifest"
)

const (
	suffixLocal    = ""
	suffixOriginal = "_original"
	suffixModified = "_modified"
	fileExt        = ".json"
)

// ManifestDir is a directory of manifests named <uuid><suffix>.json
type ManifestDir struct {
	dir    string
	suffix string
	codec  *manifest.Codec
	logger *slog.Logger
}

// Local returns the store for never-uploaded videos
func Local(dir string, codec *manifest.Codec, logger *slog.Logger) *ManifestDir {
	return newManifestDir(dir, suffixLocal, codec, logger)
}

// CloudOriginal returns the store for the last known server state
func CloudOriginal(dir string, codec *manifest.Codec, logger *slog.Logger) *ManifestDir {
	return newManifestDir(dir, suffixOriginal, codec, logger)
}

// CloudModified returns the store for local edits of cloud videos
func CloudModified(dir string, codec *manifest.Codec, logger *slog.Logger) *ManifestDir {
	return newManifestDir(dir, suffixModified, codec, logger)
}

func newManifestDir(dir, suffix string, codec *manifest.Codec, logger *slog.Logger) *ManifestDir {
	if logger == nil {
		logger = slog.Default()
	}
	if codec == nil {
		codec = manifest.NewCodec(nil, logger)
	}
	return &ManifestDir{dir: dir, suffix: suffix, codec: codec, logger: logger}
}

// Dir returns the backing directory
func (d *ManifestDir) Dir() string { return d.dir }

// Path returns where the manifest for id is stored
func (d *ManifestDir) Path(id uuid.UUID) string {
	return filepath.Join(d.dir, id.String()+d.suffix+fileExt)
}

// parseName extracts the ID from a file name belonging to this store.
// "<id>_original.json" does not belong to the local store even though it
// ends in ".json", because the remainder is not a UUID.
func (d *ManifestDir) parseName(name string) (uuid.UUID, bool) {
	base, ok := strings.CutSuffix(name, d.suffix+fileExt)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(base)
	if err != nil || len(base) != 36 {
		return uuid.Nil, false
	}
	return id, true
}

type dirEntry struct {
	id      uuid.UUID
	modTime time.Time
}

func (d *ManifestDir) scan() ([]dirEntry, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Created on first Save
			return nil, nil
		}
		return nil, &domain.StoreError{Op: "list", Path: d.dir, Err: fmt.Errorf("%w: %w", domain.ErrIO, err)}
	}

	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := d.parseName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}
		out = append(out, dirEntry{id: id, modTime: info.ModTime()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].modTime.Equal(out[j].modTime) {
			return out[i].modTime.After(out[j].modTime)
		}
		return out[i].id.String() < out[j].id.String()
	})
	return out, nil
}

// ListAll returns every stored ID, most recently written first.
// Files that are not named <uuid><suffix>.json are ignored.
func (d *ManifestDir) ListAll() ([]uuid.UUID, error) {
	entries, err := d.scan()
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

// Index returns the stored IDs with their file modification times
func (d *ManifestDir) Index() ([]domain.FindResult, error) {
	entries, err := d.scan()
	if err != nil {
		return nil, err
	}
	rows := make([]domain.FindResult, len(entries))
	for i, e := range entries {
		rows[i] = domain.FindResult{ID: e.id, LastModified: e.modTime}
	}
	return rows, nil
}

// ListByGenre returns the IDs of stored manifests in the named genre.
// Manifests that fail to load are logged and skipped.
func (d *ManifestDir) ListByGenre(ctx context.Context, genreName string) ([]uuid.UUID, error) {
	genre, err := domain.ParseGenre(genreName)
	if err != nil {
		return nil, err
	}
	ids, err := d.ListAll()
	if err != nil {
		return nil, err
	}
	var out []uuid.UUID
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := d.Load(ctx, id)
		if err != nil {
			d.logger.Warn("skipping unreadable manifest", "path", d.Path(id), "error", err)
			continue
		}
		if m.Genre == genre {
			out = append(out, id)
		}
	}
	return out, nil
}

// Exists reports whether a manifest for id is stored
func (d *ManifestDir) Exists(id uuid.UUID) bool {
	_, err := os.Stat(d.Path(id))
	return err == nil
}

// ModTime returns the file modification time of the stored manifest
func (d *ManifestDir) ModTime(id uuid.UUID) (time.Time, error) {
	info, err := os.Stat(d.Path(id))
	if err != nil {
		return time.Time{}, d.statError(id, err)
	}
	return info.ModTime(), nil
}

// Load reads the manifest for id
func (d *ManifestDir) Load(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	path := d.Path(id)
	if _, err := os.Stat(path); err != nil {
		return nil, d.statError(id, err)
	}
	m, err := manifest.LoadAs[domain.Manifest](ctx, d.codec, path)
	if err != nil {
		return nil, &domain.StoreError{Op: "read", ID: id, Path: path, Err: err}
	}
	if m.ID != id {
		return nil, &domain.StoreError{Op: "read", ID: id, Path: path, Err: fmt.Errorf("%w: file holds %s", domain.ErrIDMismatch, m.ID)}
	}
	return m, nil
}

// Save writes m atomically. An existing file holding a different ID is never
// overwritten.
func (d *ManifestDir) Save(ctx context.Context, m *domain.Manifest) error {
	if m == nil || m.ID == uuid.Nil {
		return &domain.StoreError{Op: "write", Path: d.dir, Err: fmt.Errorf("%w: manifest has no id", domain.ErrEncode)}
	}
	path := d.Path(m.ID)
	if existing, err := manifest.LoadAs[domain.Manifest](ctx, d.codec, path); err == nil && existing.ID != m.ID {
		return &domain.StoreError{Op: "write", ID: m.ID, Path: path, Err: domain.ErrIDMismatch}
	}
	if err := d.codec.Save(ctx, m, path); err != nil {
		return &domain.StoreError{Op: "write", ID: m.ID, Path: path, Err: err}
	}
	return nil
}

// Delete removes the manifest for id. A missing file is not an error.
func (d *ManifestDir) Delete(id uuid.UUID) error {
	path := d.Path(id)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &domain.StoreError{Op: "delete", ID: id, Path: path, Err: fmt.Errorf("%w: %w", domain.ErrIO, err)}
	}
	return nil
}

func (d *ManifestDir) statError(id uuid.UUID, err error) error {
	path := d.Path(id)
	if errors.Is(err, fs.ErrNotExist) {
		return &domain.StoreError{Op: "read", ID: id, Path: path, Err: domain.ErrNotFound}
	}
	return &domain.StoreError{Op: "read", ID: id, Path: path, Err: fmt.Errorf("%w: %w", domain.ErrIO, err)}
}
