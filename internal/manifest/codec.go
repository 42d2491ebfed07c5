// Package manifest reads and writes serialized video manifests at URIs.
//
// Manifests are stored as indented JSON. The codec understands file URIs
// (and bare paths) for both directions and http(s) URIs for loading; writes
// to a file go through a temp file + rename so a crash never leaves a torn
// manifest behind.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmcdole/semvid/internal/domain"
)

// maxManifestSize bounds how much of a remote body is read
const maxManifestSize = 8 << 20

// Codec loads and saves manifests. It touches only the URI it is given.
type Codec struct {
	client domain.Doer
	logger *slog.Logger
}

// NewCodec creates a codec. client is used for http(s) loads and may be nil.
func NewCodec(client domain.Doer, logger *slog.Logger) *Codec {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{client: client, logger: logger}
}

// Load decodes the document at uri into v. Unreachable or malformed input
// yields an error wrapping domain.ErrDecode.
func (c *Codec) Load(ctx context.Context, uri string, v any) error {
	data, err := c.read(ctx, uri)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrDecode, uri, err)
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", uri, err)
	}
	return nil
}

// Save encodes v and writes it to uri. Only file destinations are writable.
func (c *Codec) Save(ctx context.Context, v any, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, ok := PathFromURI(uri)
	if !ok {
		return fmt.Errorf("%w: cannot save to %s: %w", domain.ErrEncode, uri, domain.ErrUnsupported)
	}
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("%w: %w: %s: %w", domain.ErrEncode, domain.ErrIO, path, err)
	}
	c.logger.Debug("saved manifest", "path", path, "bytes", len(data))
	return nil
}

// LoadAs decodes the document at uri into a new value of type T
func LoadAs[T any](ctx context.Context, c *Codec, uri string) (*T, error) {
	v := new(T)
	if err := c.Load(ctx, uri, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Codec) read(ctx context.Context, uri string) ([]byte, error) {
	if path, ok := PathFromURI(uri); ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrHostUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
}

// Marshal encodes a manifest (or any value) the way it is stored on disk
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes stored bytes, rejecting empty input
func Unmarshal(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty document", domain.ErrDecode)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDecode, err)
	}
	return nil
}

// Decode parses a manifest and checks it carries an ID
func Decode(data []byte) (*domain.Manifest, error) {
	var m domain.Manifest
	if err := Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.ID == [16]byte{} {
		return nil, fmt.Errorf("%w: manifest has no id", domain.ErrDecode)
	}
	return &m, nil
}

// FileURI converts a filesystem path to a file:// URI
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// PathFromURI returns the local path for file URIs and bare paths
func PathFromURI(uri string) (string, bool) {
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", false
		}
		return filepath.FromSlash(u.Path), true
	}
	if strings.Contains(uri, "://") {
		return "", false
	}
	return uri, true
}
