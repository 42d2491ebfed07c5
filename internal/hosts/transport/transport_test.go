package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/log"
)

func newTestClient(url string) *Client {
	c := NewClient("share", url, nil, log.NullLogger())
	c.RetryDelay = 0
	return c
}

func TestDoRetries(t *testing.T) {
	tests := []struct {
		name      string
		failFirst int // answers with 503 before succeeding
		status    int // final status
		wantHits  int32
		wantErr   error
	}{
		{name: "success", status: http.StatusOK, wantHits: 1},
		{name: "recovers", failFirst: 2, status: http.StatusOK, wantHits: 3},
		{name: "gives up", failFirst: 10, status: http.StatusOK, wantHits: maxRetries + 1, wantErr: domain.ErrHostUnavailable},
		{name: "4xx not retried", status: http.StatusNotFound, wantHits: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := hits.Add(1)
				body, _ := io.ReadAll(r.Body)
				if string(body) != "payload" {
					t.Errorf("attempt %d body = %q", n, body)
				}
				if int(n) <= tt.failFirst {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, "ok")
			}))
			defer srv.Close()

			resp, err := newTestClient(srv.URL).Do(context.Background(), http.MethodPut, "/manifest/x.json", nil, []byte("payload"))
			if got := hits.Load(); got != tt.wantHits {
				t.Errorf("hits = %d, want %d", got, tt.wantHits)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.status {
				t.Errorf("status = %d, want %d", resp.Status, tt.status)
			}
		})
	}
}

func TestDoNetworkFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Do(context.Background(), http.MethodGet, "/", nil, nil)
	if !errors.Is(err, domain.ErrHostUnavailable) {
		t.Errorf("err = %v, want ErrHostUnavailable", err)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.RetryDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Do(ctx, http.MethodGet, "/", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestStreamIsSingleShot(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.ContentLength != 5 {
			t.Errorf("content length = %d", r.ContentLength)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Stream(context.Background(), http.MethodPut, "/video/a.mp4", nil, bytes.NewReader([]byte("bytes")), 5)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusInternalServerError || hits.Load() != 1 {
		t.Errorf("status = %d after %d requests", resp.Status, hits.Load())
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrAuthFailed},
		{http.StatusForbidden, domain.ErrAuthFailed},
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusGone, domain.ErrNotFound},
		{http.StatusPreconditionFailed, domain.ErrConflict},
		{http.StatusConflict, domain.ErrConflict},
		{http.StatusMethodNotAllowed, domain.ErrUnsupported},
		{http.StatusNotImplemented, domain.ErrUnsupported},
		{http.StatusBadGateway, domain.ErrHostUnavailable},
	}
	for _, tt := range tests {
		if err := StatusError(tt.status, nil); !errors.Is(err, tt.want) {
			t.Errorf("StatusError(%d) = %v, want %v", tt.status, err, tt.want)
		}
	}

	err := StatusError(http.StatusTeapot, []byte(strings.Repeat("x", 2*maxErrorBody)))
	if err == nil || !strings.Contains(err.Error(), "418") || len(err.Error()) > maxErrorBody+64 {
		t.Errorf("StatusError(418) = %v", err)
	}
}

func TestWrap(t *testing.T) {
	id := uuid.New()
	if Wrap("share", "download", id, 0, nil) != nil {
		t.Error("nil error wrapped")
	}

	err := Wrap("share", "download", id, http.StatusNotFound, domain.ErrNotFound)
	var he *domain.HostError
	if !errors.As(err, &he) || he.Host != "share" || he.ID != id || he.Status != http.StatusNotFound {
		t.Fatalf("Wrap = %#v", err)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Error("sentinel lost")
	}
	if again := Wrap("other", "upload", id, 0, err); again != err {
		t.Error("host error wrapped twice")
	}
	if got := Wrap("share", "index", uuid.Nil, 0, context.Canceled); got != context.Canceled {
		t.Errorf("cancellation wrapped: %v", got)
	}
}

func TestAuthHeaders(t *testing.T) {
	var gotAuth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	for _, doer := range []domain.Doer{
		&BasicAuth{Doer: srv.Client(), Username: "ana", Password: "pw"},
		&BearerToken{Doer: srv.Client(), Token: "tok"},
	} {
		c := NewClient("share", srv.URL, doer, log.NullLogger())
		if _, err := c.Do(context.Background(), http.MethodGet, "/", nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	if len(gotAuth) != 2 || !strings.HasPrefix(gotAuth[0], "Basic ") || gotAuth[1] != "Bearer tok" {
		t.Errorf("Authorization headers = %q", gotAuth)
	}
}

func TestURLAndLastModified(t *testing.T) {
	c := newTestClient("https://host/root/")
	if got := c.URL("/manifest/a.json"); got != "https://host/root/manifest/a.json" {
		t.Errorf("URL = %q", got)
	}
	if got := c.URL("https://cdn/x"); got != "https://cdn/x" {
		t.Errorf("absolute URL rewritten: %q", got)
	}

	when := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	h := http.Header{}
	h.Set("Last-Modified", when.Format(http.TimeFormat))
	if got := ParseLastModified(h); !got.Equal(when) {
		t.Errorf("ParseLastModified = %v", got)
	}
	h.Set("Last-Modified", "yesterday")
	if !ParseLastModified(h).IsZero() {
		t.Error("bad date not zero")
	}
}

func TestUnsupported(t *testing.T) {
	var u Unsupported
	ctx := context.Background()
	if _, err := u.Index(ctx); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("Index: %v", err)
	}
	if _, err := u.UploadManifest(ctx, nil, nil); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("UploadManifest: %v", err)
	}
	if _, err := u.UploadVideo(ctx, uuid.New(), nil, 0); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("UploadVideo: %v", err)
	}
}
