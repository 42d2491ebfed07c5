package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/semvid/internal/config"
	"github.com/mmcdole/semvid/internal/domain"
)

const detectTimeout = 10 * time.Second

// DetectHostType probes a URL to find out which kind of host serves it.
// WebDAV is recognised by the DAV header on OPTIONS, the file share by its
// manifest index and the semantic server by its video listing.
func DetectHostType(ctx context.Context, baseURL string, doer domain.Doer) (config.HostType, error) {
	if baseURL == "" {
		return "", fmt.Errorf("could not detect host type: no url")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if doer == nil {
		doer = &http.Client{Timeout: detectTimeout}
	}
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	davErr := tryWebDAV(ctx, doer, baseURL)
	if davErr == nil {
		return config.HostTypeOwnCloud, nil
	}

	shareErr := tryJSONList(ctx, doer, baseURL+"/manifest/index.json")
	if shareErr == nil {
		return config.HostTypeFileShare, nil
	}

	semErr := tryJSONList(ctx, doer, baseURL+"/videos")
	if semErr == nil {
		return config.HostTypeSemantic, nil
	}

	return "", fmt.Errorf("could not detect host type: tried WebDAV (%v), file share (%v), semantic (%v)", davErr, shareErr, semErr)
}

// tryWebDAV looks for the DAV compliance header
func tryWebDAV(ctx context.Context, doer domain.Doer, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := doer.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.Header.Get("DAV") == "" {
		return fmt.Errorf("no DAV header (status %d)", resp.StatusCode)
	}
	return nil
}

// tryJSONList expects a JSON array at url
func tryJSONList(ctx context.Context, doer domain.Doer, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := doer.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
