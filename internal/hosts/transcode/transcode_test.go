package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
)

func TestUploadVideo(t *testing.T) {
	var gotID, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload" {
			http.NotFound(w, r)
			return
		}
		gotID = r.FormValue("id")
		f, _, err := r.FormFile("video")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		gotBody = string(data)
		json.NewEncoder(w).Encode(uploadResponse{URL: "https://cdn.example.com/" + gotID + ".mp4"})
	}))
	defer ts.Close()

	h := New("transcoder", ts.URL, ts.Client(), nil)
	id := uuid.New()
	url, err := h.UploadVideo(context.Background(), id, strings.NewReader("raw frames"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://cdn.example.com/"+id.String()+".mp4" {
		t.Errorf("url = %q", url)
	}
	if gotID != id.String() || gotBody != "raw frames" {
		t.Errorf("server saw id %q body %q", gotID, gotBody)
	}
}

func TestOnlyVideoIsSupported(t *testing.T) {
	h := New("transcoder", "http://127.0.0.1:1", nil, nil)
	ctx := context.Background()
	caps := h.Capabilities()
	if !caps.Video || caps.Index || caps.Manifests {
		t.Errorf("capabilities = %+v", caps)
	}
	if _, err := h.Index(ctx); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("Index = %v, want ErrUnsupported", err)
	}
	if _, err := h.UploadManifest(ctx, domain.NewManifest("x", domain.GenreProblem, "a"), nil); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("UploadManifest = %v, want ErrUnsupported", err)
	}
}

func TestRejectedUpload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	h := New("transcoder", ts.URL, ts.Client(), nil)
	_, err := h.UploadVideo(context.Background(), uuid.New(), strings.NewReader("x"), 1)
	if !errors.Is(err, domain.ErrAuthFailed) {
		t.Errorf("got %v, want ErrAuthFailed", err)
	}
}
