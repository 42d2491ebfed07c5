// Package hostserver is a small file share serving the manifest layout the
// fileshare host expects. It keeps objects in memory, optionally mirrored
// to a directory, and implements ETag based conditional writes.
//
// It backs `semvid serve` and the end-to-end sync tests.
package hostserver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/mmcdole/semvid/internal/manifest"
)

const (
	indexName       = "index.json"
	maxManifestBody = 8 << 20
)

type object struct {
	data    []byte
	etag    string
	modTime time.Time
}

// Server holds the share contents. Set the public fields before calling
// Handler; do not change them afterwards.
type Server struct {
	// Dir mirrors every object to disk when set. Existing files are loaded
	// by Load.
	Dir string

	// Username and Password enable basic auth when Username is set
	Username string
	Password string

	Logger *slog.Logger

	mu      sync.Mutex
	objects map[string]*object // keyed by "<kind>/<name>"
	now     func() time.Time
}

// New creates an empty server
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Logger:  logger,
		objects: make(map[string]*object),
		now:     time.Now,
	}
}

// Handler returns the HTTP routes of the share
func (s *Server) Handler() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/manifest/:name", s.GetManifestHandler},
		{"HEAD", "/manifest/:name", s.GetManifestHandler},
		{"PUT", "/manifest/:name", s.PutHandler("manifest")},
		{"DELETE", "/manifest/:name", s.DeleteHandler("manifest")},
		{"GET", "/video/:name", s.GetBlobHandler("video")},
		{"PUT", "/video/:name", s.PutHandler("video")},
		{"GET", "/thumbnail/:name", s.GetBlobHandler("thumbnail")},
		{"PUT", "/thumbnail/:name", s.PutHandler("thumbnail")},
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, s.authWrapper(route.handler))
	}
	return r
}

func (s *Server) authWrapper(h httprouter.Handle) httprouter.Handle {
	if s.Username == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="semvid"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r, ps)
	}
}

// GetManifestHandler handles GET /manifest/:name, including the index
func (s *Server) GetManifestHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if name == indexName {
		s.writeIndex(w)
		return
	}
	s.serveObject(w, r, "manifest/"+name)
}

// GetBlobHandler handles GET on media paths
func (s *Server) GetBlobHandler(kind string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s.serveObject(w, r, kind+"/"+ps.ByName("name"))
	}
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("ETag", obj.etag)
	w.Header().Set("Last-Modified", obj.modTime.Format(http.TimeFormat))
	if strings.HasPrefix(key, "manifest/") {
		w.Header().Set("Content-Type", "application/json")
	}
	if r.Method == http.MethodHead {
		return
	}
	w.Write(obj.data)
}

type indexEntry struct {
	ID           uuid.UUID `json:"id"`
	LastModified time.Time `json:"last_modified"`
}

func (s *Server) writeIndex(w http.ResponseWriter) {
	s.mu.Lock()
	entries := make([]indexEntry, 0, len(s.objects))
	for key, obj := range s.objects {
		id, ok := manifestID(key)
		if !ok {
			continue
		}
		entries = append(entries, indexEntry{ID: id, LastModified: obj.modTime})
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].LastModified.After(entries[j].LastModified) })
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func manifestID(key string) (uuid.UUID, bool) {
	name, ok := strings.CutPrefix(key, "manifest/")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimSuffix(name, ".json"))
	return id, err == nil && strings.HasSuffix(name, ".json")
}

// PutHandler handles PUT on any object path, honouring If-Match and
// If-None-Match: *
func (s *Server) PutHandler(kind string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		name := ps.ByName("name")
		key := kind + "/" + name
		if kind == "manifest" {
			if _, ok := manifestID(key); !ok {
				http.Error(w, "bad manifest name", http.StatusBadRequest)
				return
			}
		}

		var body io.Reader = r.Body
		if kind == "manifest" {
			body = io.LimitReader(r.Body, maxManifestBody)
		}
		data, err := io.ReadAll(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if kind == "manifest" {
			m, err := manifest.Decode(data)
			if err != nil || m.ID.String()+".json" != name {
				http.Error(w, "manifest body does not match name", http.StatusBadRequest)
				return
			}
		}

		s.mu.Lock()
		obj, exists := s.objects[key]
		if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
			if !exists || (ifMatch != "*" && ifMatch != obj.etag) {
				s.mu.Unlock()
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
		}
		if r.Header.Get("If-None-Match") == "*" && exists {
			s.mu.Unlock()
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		obj = s.storeLocked(key, data)
		s.mu.Unlock()

		s.Logger.Debug("stored object", "key", key, "etag", obj.etag, "bytes", len(data))
		w.Header().Set("ETag", obj.etag)
		w.Header().Set("Last-Modified", obj.modTime.Format(http.TimeFormat))
		if exists {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
	}
}

// DeleteHandler handles DELETE on any object path
func (s *Server) DeleteHandler(kind string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		key := kind + "/" + ps.ByName("name")
		s.mu.Lock()
		_, ok := s.objects[key]
		delete(s.objects, key)
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if s.Dir != "" {
			if err := os.Remove(s.diskPath(key)); err != nil && !os.IsNotExist(err) {
				s.Logger.Warn("failed to remove mirrored object", "key", key, "error", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Store writes an object directly, as another client would, and returns
// its new ETag
func (s *Server) Store(key string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(key, data).etag
}

// Object returns the stored bytes and ETag for key
func (s *Server) Object(key string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, "", false
	}
	return obj.data, obj.etag, true
}

// storeLocked replaces an object. Last-Modified has one second resolution
// on the wire, so it is bumped to keep advancing on every write.
func (s *Server) storeLocked(key string, data []byte) *object {
	mod := s.now().UTC().Truncate(time.Second)
	if prev, ok := s.objects[key]; ok && !mod.After(prev.modTime) {
		mod = prev.modTime.Add(time.Second)
	}
	obj := &object{data: data, etag: etagFor(data, mod), modTime: mod}
	s.objects[key] = obj

	if s.Dir != "" {
		p := s.diskPath(key)
		if err := manifest.WriteFileAtomic(p, data); err != nil {
			s.Logger.Warn("failed to mirror object", "key", key, "error", err)
		} else {
			os.Chtimes(p, mod, mod)
		}
	}
	return obj
}

func etagFor(data []byte, mod time.Time) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(mod.Format(time.RFC3339)))
	return `"` + hex.EncodeToString(h.Sum(nil)[:8]) + `"`
}

func (s *Server) diskPath(key string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(path.Clean("/" + key)))
}

// Load reads every object mirrored in Dir
func (s *Server) Load() error {
	if s.Dir == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []string{"manifest", "video", "thumbnail"} {
		root := filepath.Join(s.Dir, kind)
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, e.Name()))
			if err != nil {
				return err
			}
			info, err := e.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return err
			}
			mod := info.ModTime().UTC().Truncate(time.Second)
			key := kind + "/" + e.Name()
			s.objects[key] = &object{data: data, etag: etagFor(data, mod), modTime: mod}
		}
	}
	s.Logger.Info("loaded share", "dir", s.Dir, "objects", len(s.objects))
	return nil
}
