package hostserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/manifest"
)

func put(t *testing.T, url string, body []byte, header map[string]string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func encoded(t *testing.T, m *domain.Manifest) []byte {
	t.Helper()
	data, err := manifest.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestConditionalPut(t *testing.T) {
	srv := New(nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	m := domain.NewManifest("clip", domain.GenreGoodWork, "x")
	url := ts.URL + "/manifest/" + m.ID.String() + ".json"

	created := put(t, url, encoded(t, m), map[string]string{"If-None-Match": "*"})
	if created.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d", created.StatusCode)
	}
	tag := created.Header.Get("ETag")

	if resp := put(t, url, encoded(t, m), map[string]string{"If-None-Match": "*"}); resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("second create = %d, want 412", resp.StatusCode)
	}
	if resp := put(t, url, encoded(t, m), map[string]string{"If-Match": `"stale"`}); resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("stale If-Match = %d, want 412", resp.StatusCode)
	}

	m.Title = "clip v2"
	updated := put(t, url, encoded(t, m), map[string]string{"If-Match": tag})
	if updated.StatusCode != http.StatusNoContent || updated.Header.Get("ETag") == tag {
		t.Errorf("update = %d tag %q", updated.StatusCode, updated.Header.Get("ETag"))
	}

	other := domain.NewManifest("other", domain.GenreGoodWork, "x")
	if resp := put(t, url, encoded(t, other), nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("mismatched body = %d, want 400", resp.StatusCode)
	}
}

func TestIndexListsManifestsOnly(t *testing.T) {
	srv := New(nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	m := domain.NewManifest("clip", domain.GenreGoodWork, "x")
	srv.Store("manifest/"+m.ID.String()+".json", encoded(t, m))
	srv.Store("video/"+m.ID.String()+".mp4", []byte("frames"))

	resp, err := http.Get(ts.URL + "/manifest/index.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rows []indexEntry
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != m.ID {
		t.Errorf("index = %+v", rows)
	}
}

func TestLastModifiedAdvancesOnRewrite(t *testing.T) {
	srv := New(nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return fixed }

	srv.Store("video/a.mp4", []byte("1"))
	first := srv.objects["video/a.mp4"].modTime
	srv.Store("video/a.mp4", []byte("2"))
	if second := srv.objects["video/a.mp4"].modTime; !second.After(first) {
		t.Errorf("modTime did not advance: %v then %v", first, second)
	}
}

func TestBasicAuth(t *testing.T) {
	srv := New(nil)
	srv.Username, srv.Password = "crew", "pw"
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/manifest/index.json")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/manifest/index.json", nil)
	req.SetBasicAuth("crew", "pw")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated = %d", resp.StatusCode)
	}
}

func TestDiskMirrorReload(t *testing.T) {
	dir := t.TempDir()
	srv := New(nil)
	srv.Dir = dir
	m := domain.NewManifest("clip", domain.GenreGoodWork, "x")
	key := "manifest/" + m.ID.String() + ".json"
	tag := srv.Store(key, encoded(t, m))

	reloaded := New(nil)
	reloaded.Dir = dir
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	data, gotTag, ok := reloaded.Object(key)
	if !ok || gotTag != tag || !bytes.Equal(data, encoded(t, m)) {
		t.Errorf("reloaded object = %v tag %q (want %q)", ok, gotTag, tag)
	}
}
