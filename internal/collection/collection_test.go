package collection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmcdole/semvid/internal/domain"
)

type staticSource struct {
	name   string
	videos []domain.Video
	err    error
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Videos(context.Context) ([]domain.Video, error) {
	return s.videos, s.err
}

type fakeBlocking struct {
	name      string
	interim   []domain.Video
	reconcile []domain.Video
	err       error
	gotPrev   []domain.Video
	block     chan struct{}
}

func (b *fakeBlocking) Name() string { return b.name }

func (b *fakeBlocking) Interim(context.Context) ([]domain.Video, error) {
	return b.interim, nil
}

func (b *fakeBlocking) Reconcile(ctx context.Context, prev []domain.Video) ([]domain.Video, error) {
	b.gotPrev = prev
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.reconcile, b.err
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func video(title string, g domain.Genre, age time.Duration) domain.Video {
	m := domain.NewManifest(title, g, "t")
	m.LastModified = base.Add(-age)
	return domain.NewVideo(m, false)
}

func TestUpdateNonBlockingThenBlocking(t *testing.T) {
	local := video("local", domain.GenreProblem, time.Hour)
	cached := video("cached", domain.GenreGoodWork, 2*time.Hour)
	fresh := video("fresh", domain.GenreGoodWork, 0)

	cloud := &fakeBlocking{
		name:      "cloud",
		interim:   []domain.Video{cached},
		reconcile: []domain.Video{cached, fresh},
	}
	c := New([]Source{&staticSource{name: "local", videos: []domain.Video{local}}}, []BlockingSource{cloud}, nil)

	if c.Snapshot().Len() != 0 {
		t.Fatal("new collection should be empty")
	}
	snap, err := c.UpdateNonBlocking(context.Background())
	if err != nil || snap.Len() != 2 {
		t.Fatalf("interim snapshot = %d videos, %v", snap.Len(), err)
	}
	if _, err := c.UpdateBlocking(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(cloud.gotPrev) != 1 || cloud.gotPrev[0].ID() != cached.ID() {
		t.Errorf("Reconcile got previous %v", cloud.gotPrev)
	}
	all := c.All()
	if len(all) != 3 || all[0].ID() != fresh.ID() {
		t.Errorf("unexpected snapshot order %v", all)
	}
	if got := c.ByGenre(domain.GenreGoodWork); len(got) != 2 {
		t.Errorf("ByGenre = %d, want 2", len(got))
	}
}

func TestLaterSourceWinsOnlyWhenNewer(t *testing.T) {
	v := video("v", domain.GenreProblem, time.Hour)
	newer := v
	newer.Info.Title = "newer"
	newer.Info.LastModified = base
	older := v
	older.Info.Title = "older"
	older.Info.LastModified = base.Add(-2 * time.Hour)

	c := New([]Source{
		&staticSource{name: "a", videos: []domain.Video{v}},
		&staticSource{name: "b", videos: []domain.Video{older}},
	}, []BlockingSource{&fakeBlocking{name: "c", interim: []domain.Video{newer}}}, nil)

	c.UpdateNonBlocking(context.Background())
	got, _ := c.Get(v.ID())
	if got.Info.Title != "newer" {
		t.Errorf("title = %q, want newer", got.Info.Title)
	}
}

func TestFailedSourceKeepsPreviousContribution(t *testing.T) {
	a := video("a", domain.GenreProblem, 0)
	b := video("b", domain.GenreProblem, 0)
	cloud := &fakeBlocking{name: "cloud", reconcile: []domain.Video{b}}
	local := &staticSource{name: "local", videos: []domain.Video{a}}
	c := New([]Source{local}, []BlockingSource{cloud}, nil)

	if _, err := c.UpdateBlocking(context.Background()); err != nil {
		t.Fatal(err)
	}

	cloud.err = domain.ErrHostUnavailable
	if _, err := c.UpdateBlocking(context.Background()); err != nil {
		t.Fatalf("partial failure should not fail the update: %v", err)
	}
	if _, ok := c.Get(b.ID()); !ok {
		t.Error("failed source lost its previous videos")
	}

	local.err = domain.ErrIO
	before := c.Snapshot()
	_, err := c.UpdateBlocking(context.Background())
	if !errors.Is(err, ErrAllSourcesFailed) || !errors.Is(err, domain.ErrHostUnavailable) {
		t.Errorf("got %v, want ErrAllSourcesFailed", err)
	}
	if c.Snapshot() != before {
		t.Error("snapshot swapped although every source failed")
	}
}

func TestCancelledUpdateNeverSwaps(t *testing.T) {
	cloud := &fakeBlocking{name: "cloud", reconcile: []domain.Video{video("x", domain.GenreProblem, 0)}, block: make(chan struct{})}
	c := New(nil, []BlockingSource{cloud}, nil)
	before := c.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.UpdateBlocking(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if c.Snapshot() != before {
		t.Error("cancelled update swapped the snapshot")
	}
}

func TestListenersAndUpsert(t *testing.T) {
	c := New(nil, nil, nil)
	var calls int
	cancel := c.OnUpdate(func(s *domain.Snapshot) { calls++ })

	v := video("v", domain.GenreProblem, 0)
	c.Upsert(v)
	if calls != 1 || c.Snapshot().Len() != 1 {
		t.Fatalf("calls=%d len=%d", calls, c.Snapshot().Len())
	}
	c.Remove(v.ID())
	if calls != 2 || c.Snapshot().Len() != 0 {
		t.Fatalf("calls=%d len=%d", calls, c.Snapshot().Len())
	}
	cancel()
	c.Upsert(v)
	if calls != 2 {
		t.Error("listener called after cancel")
	}
}

func TestListenerMayUpdateCollection(t *testing.T) {
	a := video("a", domain.GenreProblem, 0)
	c := New([]Source{&staticSource{name: "s", videos: []domain.Video{a}}}, nil, nil)
	follow := video("follow", domain.GenreGoodWork, time.Minute)

	var fired bool
	c.OnUpdate(func(s *domain.Snapshot) {
		if fired {
			return
		}
		fired = true
		c.Upsert(follow)
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.UpdateNonBlocking(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("update deadlocked on a listener that writes back")
	}
	if _, ok := c.Get(follow.ID()); !ok {
		t.Error("upsert from listener lost")
	}
	if _, ok := c.Get(a.ID()); !ok {
		t.Error("source video lost")
	}
}

func TestSearch(t *testing.T) {
	roof := video("Roof flashing repair", domain.GenreGoodWork, 0)
	pipe := video("Pipe joint leak", domain.GenreProblem, time.Minute)
	c := New([]Source{&staticSource{name: "s", videos: []domain.Video{roof, pipe}}}, nil, nil)
	c.UpdateNonBlocking(context.Background())

	got := c.Search("leak")
	if len(got) != 1 || got[0].ID() != pipe.ID() {
		t.Errorf("Search(leak) = %v", got)
	}
	if got := c.Search("rfr"); len(got) == 0 || got[0].ID() != roof.ID() {
		t.Errorf("Search(rfr) = %v", got)
	}
	if c.Search("  ") != nil {
		t.Error("empty query should return nil")
	}
}
