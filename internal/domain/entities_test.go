package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseGenre(t *testing.T) {
	tests := []struct {
		in   string
		want Genre
	}{
		{"GoodWork", GenreGoodWork},
		{"goodwork", GenreGoodWork},
		{"good work", GenreGoodWork},
		{"trick_of_trade", GenreTrickOfTrade},
		{"Site-Overview", GenreSiteOverview},
		{"problem", GenreProblem},
		{"site", GenreSiteOverview},
		{"trick", GenreTrickOfTrade},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGenre(tt.in)
			if err != nil {
				t.Fatalf("ParseGenre(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseGenre(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	if _, err := ParseGenre(""); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := ParseGenre("zzzz"); err == nil {
		t.Error("expected error for unmatched name")
	}
}

func TestGenreText(t *testing.T) {
	for _, g := range Genres() {
		text, err := g.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", g, err)
		}
		var back Genre
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", text, err)
		}
		if back != g {
			t.Errorf("got %v, want %v", back, g)
		}
	}
	if _, err := Genre(42).MarshalText(); err == nil {
		t.Error("expected error for invalid genre")
	}
}

func TestAnnotationDuration(t *testing.T) {
	if d := AnnotationDuration("hi"); d != MinAnnotationDuration {
		t.Errorf("short text duration = %v, want floor %v", d, MinAnnotationDuration)
	}
	long := strings.Repeat("x", 100)
	if d := AnnotationDuration(long); d != 100*annotationReadTime {
		t.Errorf("long text duration = %v, want %v", d, 100*annotationReadTime)
	}
}

func TestAnnotationClampsPosition(t *testing.T) {
	a := NewAnnotation("look here", time.Second, -0.5, 1.7, "ann")
	if a.X != 0 || a.Y != 1 {
		t.Errorf("position = (%v, %v), want (0, 1)", a.X, a.Y)
	}
	a.SetPosition(0.25, 0.75)
	if a.X != 0.25 || a.Y != 0.75 {
		t.Errorf("position = (%v, %v), want (0.25, 0.75)", a.X, a.Y)
	}
	if a.EndTime() != time.Second+a.Duration {
		t.Errorf("EndTime = %v", a.EndTime())
	}
}

func TestManifestCloneIsDeep(t *testing.T) {
	m := NewManifest("Pipe joint", GenreGoodWork, "sam")
	tag := "v1"
	m.VersionTag = &tag
	m.Location = &Location{Latitude: 1, Longitude: 2}
	m.AddAnnotation(NewAnnotation("a", 0, 0.5, 0.5, "sam"))

	c := m.Clone()
	c.Annotations[0].Text = "changed"
	*c.VersionTag = "v2"
	c.Location.Latitude = 9

	if m.Annotations[0].Text != "a" {
		t.Error("annotation shared between clones")
	}
	if m.Version() != "v1" {
		t.Error("version tag shared between clones")
	}
	if m.Location.Latitude != 1 {
		t.Error("location shared between clones")
	}
}

func TestManifestInfo(t *testing.T) {
	m := NewManifest("Leak", GenreProblem, "kim")
	m.AddAnnotation(NewAnnotation("drip", 0, 0, 0, "kim"))
	info := m.Info()
	if info.ID != m.ID || info.Title != "Leak" || info.AnnotationCount != 1 || info.Uploaded {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestSnapshotOrderAndGenre(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(g Genre, offset time.Duration) Video {
		m := NewManifest("v", g, "c")
		m.LastModified = base.Add(offset)
		return NewVideo(m, false)
	}
	old := mk(GenreProblem, 0)
	mid := mk(GenreGoodWork, time.Hour)
	recent := mk(GenreProblem, 2*time.Hour)

	s := NewSnapshot([]Video{old, recent, mid})
	if s.Len() != 3 {
		t.Fatalf("Len = %d", s.Len())
	}
	idx := s.Index()
	if idx[0].ID != recent.ID() || idx[1].ID != mid.ID() || idx[2].ID != old.ID() {
		t.Errorf("index not ordered by descending LastModified: %v", idx)
	}
	problems := s.ByGenre(GenreProblem)
	if len(problems) != 2 || problems[0].ID() != recent.ID() {
		t.Errorf("ByGenre = %v", problems)
	}

	s2 := s.Without(old.ID())
	if s2.Len() != 2 || s.Len() != 3 {
		t.Error("Without must not mutate the original snapshot")
	}
	if _, ok := s2.Get(old.ID()); ok {
		t.Error("removed video still present")
	}
	var nilSnap *Snapshot
	if nilSnap.Len() != 0 || nilSnap.All() != nil {
		t.Error("nil snapshot should behave as empty")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	id := uuid.New()
	if !errors.Is(&ConflictError{ID: id, Attempts: 10}, ErrConflict) {
		t.Error("ConflictError should unwrap to ErrConflict")
	}
	hostErr := &HostError{Host: "h", Op: "index", Err: ErrHostUnavailable}
	up := &UploadError{ID: id, Errs: []error{hostErr, ErrAuthFailed}}
	if !errors.Is(up, ErrHostUnavailable) {
		t.Error("UploadError should expose the first failure")
	}
	var he *HostError
	if !errors.As(up, &he) || he.Host != "h" {
		t.Error("errors.As should find the HostError")
	}
	if !errors.Is(&UploadError{ID: id}, ErrUnsupported) {
		t.Error("empty UploadError means no host accepted manifests")
	}
}
