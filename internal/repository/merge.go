package repository

import (
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/mmcdole/semvid/internal/domain"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Merger reconciles a local edit with a copy that changed on the host.
// base is the last cloud state the edit started from and may be nil. The
// result must carry remote's version tag so the following conditional
// upload is made against what was just downloaded.
type Merger interface {
	Merge(base, local, remote *domain.Manifest) *domain.Manifest
}

// MergerFunc adapts a function to Merger
type MergerFunc func(base, local, remote *domain.Manifest) *domain.Manifest

func (f MergerFunc) Merge(base, local, remote *domain.Manifest) *domain.Manifest {
	return f(base, local, remote)
}

// ThreeWay merges field by field. A field changed on one side only takes that
// side's value. Text fields changed on both sides are merged with
// diff-match-patch, applying base->local onto remote; other fields changed on
// both sides keep the local value. Annotations are matched by start time and
// text: remote additions stay, local additions are appended and local
// removals are honoured.
type ThreeWay struct {
	Logger *slog.Logger
}

func (t ThreeWay) Merge(base, local, remote *domain.Manifest) *domain.Manifest {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return MergeManifests(base, local, remote, logger)
}

// LocalWins keeps the local edit wholesale and only adopts the remote tag,
// discarding whatever changed on the host.
func LocalWins(_, local, remote *domain.Manifest) *domain.Manifest {
	out := local.Clone()
	out.VersionTag = remote.Clone().VersionTag
	out.ManifestURI = firstNonEmpty(remote.ManifestURI, local.ManifestURI)
	return out
}

// MergeManifests performs the ThreeWay merge
func MergeManifests(base, local, remote *domain.Manifest, logger *slog.Logger) *domain.Manifest {
	var baseAnnotations []domain.Annotation
	if base == nil {
		// Without a common ancestor every field difference counts as a local
		// change and annotations are unioned
		base = remote
	} else {
		baseAnnotations = base.Annotations
	}
	dmp := diffmatchpatch.New()
	out := remote.Clone()

	out.Title = mergeText(dmp, base.Title, local.Title, remote.Title, logger)
	out.Tag = mergeText(dmp, base.Tag, local.Tag, remote.Tag, logger)
	out.Creator = pick(base.Creator, local.Creator, remote.Creator)
	out.Genre = pick(base.Genre, local.Genre, remote.Genre)
	out.VideoURI = pick(base.VideoURI, local.VideoURI, remote.VideoURI)
	out.ThumbnailURI = pick(base.ThumbnailURI, local.ThumbnailURI, remote.ThumbnailURI)
	out.Location = pickLocation(base.Location, local.Location, remote.Location)
	out.Annotations = mergeAnnotations(baseAnnotations, local.Annotations, remote.Annotations)

	out.LastModified = local.LastModified
	if remote.LastModified.After(out.LastModified) {
		out.LastModified = remote.LastModified
	}
	return out
}

// pick returns the side that changed, local when both did
func pick[T comparable](base, local, remote T) T {
	if local == base {
		return remote
	}
	return local
}

func pickLocation(base, local, remote *domain.Location) *domain.Location {
	eq := func(a, b *domain.Location) bool {
		if a == nil || b == nil {
			return a == b
		}
		return *a == *b
	}
	chosen := remote
	if !eq(local, base) {
		chosen = local
	}
	if chosen == nil {
		return nil
	}
	loc := *chosen
	return &loc
}

func mergeText(dmp *diffmatchpatch.DiffMatchPatch, base, local, remote string, logger *slog.Logger) string {
	switch {
	case local == base:
		return remote
	case remote == base, remote == local:
		return local
	}

	patches := dmp.PatchMake(base, dmp.DiffMain(base, local, false))
	merged, applied := dmp.PatchApply(patches, remote)
	for _, ok := range applied {
		if !ok {
			logger.Warn("text merge failed, keeping local value", "local", local, "remote", remote)
			return local
		}
	}
	return merged
}

func annotationKey(a domain.Annotation) string {
	return strconv.FormatInt(int64(a.StartTime/time.Millisecond), 10) + "\x00" + a.Text
}

func mergeAnnotations(base, local, remote []domain.Annotation) []domain.Annotation {
	index := func(list []domain.Annotation) map[string]domain.Annotation {
		m := make(map[string]domain.Annotation, len(list))
		for _, a := range list {
			m[annotationKey(a)] = a
		}
		return m
	}
	inBase, inLocal := index(base), index(local)

	out := make([]domain.Annotation, 0, len(remote)+len(local))
	seen := make(map[string]bool, len(remote)+len(local))
	for _, r := range remote {
		key := annotationKey(r)
		b, wasBase := inBase[key]
		l, isLocal := inLocal[key]
		switch {
		case wasBase && !isLocal:
			// removed locally
			continue
		case isLocal && wasBase && l != b:
			// edited locally (position, duration, ...)
			out = append(out, l)
		default:
			out = append(out, r)
		}
		seen[key] = true
	}
	for _, l := range local {
		key := annotationKey(l)
		if seen[key] {
			continue
		}
		if _, wasBase := inBase[key]; wasBase {
			// removed on the host
			continue
		}
		out = append(out, l)
		seen[key] = true
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
