package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mmcdole/semvid/internal/domain"
	"golang.org/x/term"
)

// Color palette
var (
	Amber     = lipgloss.Color("#E5A00D")
	DimGray   = lipgloss.Color("#6B7280")
	LightGray = lipgloss.Color("#9CA3AF")
	White     = lipgloss.Color("#F9FAFB")
	Green     = lipgloss.Color("#10B981")
	Red       = lipgloss.Color("#EF4444")
	Blue      = lipgloss.Color("#3B82F6")
)

var (
	TitleStyle   = lipgloss.NewStyle().Foreground(White).Bold(true)
	DimStyle     = lipgloss.NewStyle().Foreground(DimGray)
	AccentStyle  = lipgloss.NewStyle().Foreground(Amber)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Red)
	SuccessStyle = lipgloss.NewStyle().Foreground(Green)
	HeaderStyle  = lipgloss.NewStyle().Foreground(Amber).Bold(true).Padding(0, 1)
	CellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// stateStyles colours the representation column
var stateStyles = map[domain.Representation]lipgloss.Style{
	domain.RepLocal:         lipgloss.NewStyle().Foreground(Blue),
	domain.RepCloudOriginal: lipgloss.NewStyle().Foreground(Green),
	domain.RepCloudModified: lipgloss.NewStyle().Foreground(Amber),
}

// printer writes command output, styled only when it goes to a terminal
type printer struct {
	w      io.Writer
	styled bool
}

func newPrinter(f *os.File) *printer {
	return &printer{w: f, styled: term.IsTerminal(int(f.Fd()))}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(SuccessStyle, "✓ "+fmt.Sprintf(format, args...)))
}

func (p *printer) Fail(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(ErrorStyle, "✗ "+fmt.Sprintf(format, args...)))
}

// videoRow is one line of the list output
type videoRow struct {
	Info  domain.Info
	State domain.Representation
}

// Videos prints a table of videos. Plain output is tab separated so it can
// be piped into other tools.
func (p *printer) Videos(rows []videoRow) {
	if len(rows) == 0 {
		fmt.Fprintln(p.w, p.render(DimStyle, "no videos"))
		return
	}
	if !p.styled {
		for _, r := range rows {
			fmt.Fprintf(p.w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.Info.ID, r.Info.Title, r.Info.Genre,
				r.Info.AnnotationCount, r.State, r.Info.LastModified.Format(time.RFC3339))
		}
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(DimGray)).
		Headers("ID", "TITLE", "GENRE", "NOTES", "STATE", "MODIFIED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			if col == 4 && row >= 0 && row < len(rows) {
				return stateStyles[rows[row].State].Padding(0, 1)
			}
			return CellStyle
		})
	for _, r := range rows {
		t.Row(shortID(r.Info.ID.String()), truncate(r.Info.Title, 40), r.Info.Genre.String(),
			fmt.Sprint(r.Info.AnnotationCount), r.State.String(), humanTime(r.Info.LastModified))
	}
	fmt.Fprintln(p.w, t.Render())
}

// Manifest prints every field of one video
func (p *printer) Manifest(m *domain.Manifest, state domain.Representation) {
	fmt.Fprintln(p.w, p.render(TitleStyle, m.Title))
	field := func(name, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(p.w, "  %s %s\n", p.render(DimStyle, fmt.Sprintf("%-10s", name)), value)
	}
	field("id", m.ID.String())
	field("genre", m.Genre.String())
	field("creator", m.Creator)
	field("state", p.render(stateStyles[state], state.String()))
	field("version", m.Version())
	field("created", m.CreatedAt.Local().Format(time.DateTime))
	field("modified", m.LastModified.Local().Format(time.DateTime))
	if m.Location != nil {
		field("location", fmt.Sprintf("%.5f, %.5f", m.Location.Latitude, m.Location.Longitude))
	}
	field("tag", m.Tag)
	field("video", m.VideoURI)
	field("thumbnail", m.ThumbnailURI)
	field("manifest", m.ManifestURI)

	if len(m.Annotations) == 0 {
		return
	}
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.render(AccentStyle, fmt.Sprintf("Annotations (%d)", len(m.Annotations))))
	for _, a := range m.Annotations {
		fmt.Fprintf(p.w, "  %s  %s %s\n",
			p.render(DimStyle, fmt.Sprintf("%s-%s", clock(a.StartTime), clock(a.EndTime()))),
			a.Text,
			p.render(DimStyle, fmt.Sprintf("(%.2f, %.2f)", a.X, a.Y)))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// clock formats a video offset as m:ss.t
func clock(d time.Duration) string {
	d = d.Round(100 * time.Millisecond)
	m := d / time.Minute
	s := (d % time.Minute).Seconds()
	return fmt.Sprintf("%d:%04.1f", m, s)
}

func humanTime(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return t.Local().Format(time.DateOnly)
	}
}

func capabilityList(c domain.Capabilities) string {
	var names []string
	for _, k := range []struct {
		on   bool
		name string
	}{
		{c.Index, "index"}, {c.Manifests, "manifests"}, {c.Delete, "delete"},
		{c.Video, "video"}, {c.Thumbnail, "thumbnail"},
	} {
		if k.on {
			names = append(names, k.name)
		}
	}
	return strings.Join(names, ",")
}
