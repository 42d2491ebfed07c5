package hosts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mmcdole/semvid/internal/config"
	"github.com/mmcdole/semvid/internal/hosts/fileshare"
	"github.com/mmcdole/semvid/internal/hosts/owncloud"
	"github.com/mmcdole/semvid/internal/hosts/s3host"
	"github.com/mmcdole/semvid/internal/hosts/semantic"
	"github.com/mmcdole/semvid/internal/hosts/transcode"
	"github.com/mmcdole/semvid/internal/hostserver"
	"github.com/mmcdole/semvid/internal/log"
)

func davServer(t *testing.T) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.Header().Set("DAV", "1, 3")
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func semanticServer(t *testing.T) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/videos" {
			json.NewEncoder(w).Encode([]map[string]string{})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestDetectHostType(t *testing.T) {
	share := httptest.NewServer(hostserver.New(log.NullLogger()).Handler())
	defer share.Close()
	dav := davServer(t)
	sem := semanticServer(t)
	nothing := httptest.NewServer(http.NotFoundHandler())
	defer nothing.Close()

	tests := []struct {
		name string
		url  string
		want config.HostType
	}{
		{"file share", share.URL, config.HostTypeFileShare},
		{"webdav", dav.URL + "/", config.HostTypeOwnCloud},
		{"semantic", sem.URL, config.HostTypeSemantic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectHostType(context.Background(), tt.url, nil)
			if err != nil || got != tt.want {
				t.Errorf("DetectHostType = %q, %v, want %q", got, err, tt.want)
			}
		})
	}

	_, err := DetectHostType(context.Background(), nothing.URL, nil)
	if err == nil || !strings.Contains(err.Error(), "could not detect") {
		t.Errorf("unknown server: got %v", err)
	}
}

func TestNewBuildsEachType(t *testing.T) {
	ctx := context.Background()
	logger := log.NullLogger()

	tests := []struct {
		cfg   config.HostConfig
		check func(any) bool
	}{
		{config.HostConfig{Name: "a", Type: config.HostTypeFileShare, URL: "http://x", Username: "u"},
			func(h any) bool { _, ok := h.(*fileshare.Host); return ok }},
		{config.HostConfig{Name: "b", Type: config.HostTypeOwnCloud, URL: "http://x"},
			func(h any) bool { _, ok := h.(*owncloud.Host); return ok }},
		{config.HostConfig{Name: "c", Type: config.HostTypeSemantic, URL: "http://x", Token: "t"},
			func(h any) bool { _, ok := h.(*semantic.Host); return ok }},
		{config.HostConfig{Name: "d", Type: config.HostTypeTranscode, URL: "http://x"},
			func(h any) bool { _, ok := h.(*transcode.Host); return ok }},
		{config.HostConfig{Name: "e", Type: config.HostTypeS3, Bucket: "b", Region: "us-east-1", Username: "AKID", Password: "secret"},
			func(h any) bool { _, ok := h.(*s3host.Host); return ok }},
	}
	for _, tt := range tests {
		h, err := New(ctx, tt.cfg, nil, logger)
		if err != nil {
			t.Errorf("%s: %v", tt.cfg.Name, err)
			continue
		}
		if !tt.check(h) || h.Name() != tt.cfg.Name {
			t.Errorf("%s: built %T named %q", tt.cfg.Name, h, h.Name())
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	bad := []config.HostConfig{
		{Type: config.HostTypeFileShare, URL: "http://x"},
		{Name: "s", Type: config.HostTypeSemantic, URL: "http://x"},
		{Name: "b", Type: config.HostTypeS3},
		{Name: "f", Type: "ftp", URL: "ftp://x"},
	}
	for _, cfg := range bad {
		if _, err := New(ctx, cfg, nil, log.NullLogger()); err == nil {
			t.Errorf("New(%+v) succeeded", cfg)
		}
	}
}

func TestNewDetectsMissingType(t *testing.T) {
	srv := hostserver.New(log.NullLogger())
	srv.Username, srv.Password = "u", "p"
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	h, err := New(context.Background(), config.HostConfig{Name: "nas", URL: ts.URL, Username: "u", Password: "p"}, ts.Client(), log.NullLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.(*fileshare.Host); !ok {
		t.Errorf("built %T, want file share", h)
	}
}
