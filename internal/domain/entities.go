package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Genre classifies what a video shows
type Genre int

const (
	GenreGoodWork Genre = iota
	GenreProblem
	GenreTrickOfTrade
	GenreSiteOverview
)

var genreNames = [...]string{
	GenreGoodWork:     "GoodWork",
	GenreProblem:      "Problem",
	GenreTrickOfTrade: "TrickOfTrade",
	GenreSiteOverview: "SiteOverview",
}

// Genres returns every genre in declaration order
func Genres() []Genre {
	return []Genre{GenreGoodWork, GenreProblem, GenreTrickOfTrade, GenreSiteOverview}
}

// String returns the canonical genre name
func (g Genre) String() string {
	if g < 0 || int(g) >= len(genreNames) {
		return fmt.Sprintf("Genre(%d)", int(g))
	}
	return genreNames[g]
}

// ParseGenre resolves a genre name. Canonical names match case-insensitively,
// with spaces, dashes and underscores ignored. Anything else falls back to the
// closest fuzzy match ("site" -> SiteOverview).
func ParseGenre(name string) (Genre, error) {
	normalized := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.TrimSpace(name))
	if normalized == "" {
		return 0, fmt.Errorf("empty genre name")
	}
	for i, n := range genreNames {
		if strings.EqualFold(n, normalized) {
			return Genre(i), nil
		}
	}

	ranks := fuzzy.RankFindFold(normalized, genreNames[:])
	if len(ranks) == 0 {
		return 0, fmt.Errorf("unknown genre %q", name)
	}
	best := ranks[0]
	for _, r := range ranks[1:] {
		if r.Distance < best.Distance {
			best = r
		}
	}
	return Genre(best.OriginalIndex), nil
}

func (g Genre) MarshalText() ([]byte, error) {
	if g < 0 || int(g) >= len(genreNames) {
		return nil, fmt.Errorf("invalid genre %d", int(g))
	}
	return []byte(genreNames[g]), nil
}

func (g *Genre) UnmarshalText(text []byte) error {
	for i, n := range genreNames {
		if n == string(text) {
			*g = Genre(i)
			return nil
		}
	}
	return fmt.Errorf("unknown genre %q", string(text))
}

// Location is where a video was recorded
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"` // meters
}

const (
	// MinAnnotationDuration is the shortest time an annotation stays on screen
	MinAnnotationDuration = 2 * time.Second

	// annotationReadTime is the display time granted per character of text
	annotationReadTime = 60 * time.Millisecond
)

// Annotation is a text overlay shown over a span of the video.
// X and Y are normalized to [0,1] relative to the frame.
type Annotation struct {
	Text      string        `json:"text"`
	StartTime time.Duration `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	Scale     float64       `json:"scale"`
	Creator   string        `json:"creator"`
}

// NewAnnotation creates an annotation whose duration is derived from its text
func NewAnnotation(text string, start time.Duration, x, y float64, creator string) Annotation {
	a := Annotation{
		Text:      text,
		StartTime: start,
		Duration:  AnnotationDuration(text),
		Scale:     1,
		Creator:   creator,
	}
	a.SetPosition(x, y)
	return a
}

// AnnotationDuration returns the on-screen time for a text
func AnnotationDuration(text string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * annotationReadTime
	if d < MinAnnotationDuration {
		return MinAnnotationDuration
	}
	return d
}

// SetPosition moves the annotation, clamping both axes to [0,1]
func (a *Annotation) SetPosition(x, y float64) {
	a.X = clamp01(x)
	a.Y = clamp01(y)
}

// EndTime returns when the annotation disappears
func (a Annotation) EndTime() time.Duration {
	return a.StartTime + a.Duration
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Manifest is the metadata document describing one video.
// ID never changes once created. VersionTag is assigned by a host on upload
// and is nil until the video has been uploaded once.
type Manifest struct {
	ID           uuid.UUID    `json:"id"`
	Title        string       `json:"title"`
	Genre        Genre        `json:"genre"`
	Creator      string       `json:"creator"`
	CreatedAt    time.Time    `json:"created_at"`
	Location     *Location    `json:"location,omitempty"`
	VideoURI     string       `json:"video_uri,omitempty"`
	ThumbnailURI string       `json:"thumbnail_uri,omitempty"`
	ManifestURI  string       `json:"manifest_uri,omitempty"`
	Tag          string       `json:"tag,omitempty"` // free text, usually a QR payload
	Annotations  []Annotation `json:"annotations"`
	VersionTag   *string      `json:"version_tag,omitempty"`
	LastModified time.Time    `json:"last_modified"`
}

// NewManifest creates a manifest with a fresh random ID
func NewManifest(title string, genre Genre, creator string) *Manifest {
	now := Now()
	return &Manifest{
		ID:           uuid.New(),
		Title:        title,
		Genre:        genre,
		Creator:      creator,
		CreatedAt:    now,
		LastModified: now,
	}
}

// Now returns the current time in UTC without a monotonic reading, the form
// timestamps take after a trip through JSON.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}

// Clone returns a deep copy; annotations are owned by exactly one manifest
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	if m.Location != nil {
		loc := *m.Location
		c.Location = &loc
	}
	if m.Annotations != nil {
		c.Annotations = make([]Annotation, len(m.Annotations))
		copy(c.Annotations, m.Annotations)
	}
	if m.VersionTag != nil {
		tag := *m.VersionTag
		c.VersionTag = &tag
	}
	return &c
}

// Version returns the version tag or "" when the manifest was never uploaded
func (m *Manifest) Version() string {
	if m.VersionTag == nil {
		return ""
	}
	return *m.VersionTag
}

// Uploaded reports whether a host ever assigned a version tag
func (m *Manifest) Uploaded() bool {
	return m.VersionTag != nil
}

// AddAnnotation appends an annotation and bumps LastModified
func (m *Manifest) AddAnnotation(a Annotation) {
	m.Annotations = append(m.Annotations, a)
	m.Touch()
}

// Touch marks the manifest as modified now
func (m *Manifest) Touch() {
	m.LastModified = Now()
}

// Info returns the lightweight projection of the manifest
func (m *Manifest) Info() Info {
	return Info{
		ID:              m.ID,
		Title:           m.Title,
		Genre:           m.Genre,
		Creator:         m.Creator,
		CreatedAt:       m.CreatedAt,
		ThumbnailURI:    m.ThumbnailURI,
		LastModified:    m.LastModified,
		AnnotationCount: len(m.Annotations),
		Uploaded:        m.VersionTag != nil,
	}
}

// Info is a subset view of a Manifest, cheap to keep for every known video
type Info struct {
	ID              uuid.UUID
	Title           string
	Genre           Genre
	Creator         string
	CreatedAt       time.Time
	ThumbnailURI    string
	LastModified    time.Time
	AnnotationCount int
	Uploaded        bool
	Remote          bool // backed by a cloud host rather than local storage
}

// FindResult is one lightweight index row: enough to decide staleness
// without fetching the manifest.
type FindResult struct {
	ID           uuid.UUID
	LastModified time.Time
}

// Representation is which on-disk copy is authoritative for a video
type Representation int

const (
	RepAbsent        Representation = iota
	RepLocal                        // never uploaded
	RepCloudOriginal                // last known server state
	RepCloudModified                // local edits against a cloud video
)

func (r Representation) String() string {
	switch r {
	case RepLocal:
		return "local"
	case RepCloudOriginal:
		return "cloud-original"
	case RepCloudModified:
		return "cloud-modified"
	default:
		return "absent"
	}
}

// Remote reports whether the representation belongs to a cloud host
func (r Representation) Remote() bool {
	return r == RepCloudOriginal || r == RepCloudModified
}
