// Package transcode uploads raw recordings to a transcoding service, which
// publishes the encoded video and answers with its public URL. It keeps no
// manifests.
package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/hosts/transport"
)

const uploadPath = "upload"

// Host is a transcoding service client
type Host struct {
	transport.Unsupported

	name   string
	client *transport.Client
	logger *slog.Logger
}

var _ domain.VideoHost = (*Host)(nil)

// New creates a transcoding host rooted at baseURL
func New(name, baseURL string, doer domain.Doer, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		name:   name,
		client: transport.NewClient(name, baseURL, doer, logger),
		logger: logger,
	}
}

func (h *Host) Name() string { return h.name }

func (h *Host) Capabilities() domain.Capabilities {
	return domain.Capabilities{Video: true}
}

type uploadResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// UploadVideo posts the video as a multipart form. The body is piped so
// large files are never held in memory.
func (h *Host) UploadVideo(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			if err := form.WriteField("id", id.String()); err != nil {
				return err
			}
			part, err := form.CreateFormFile("video", id.String()+".mp4")
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, r); err != nil {
				return err
			}
			return form.Close()
		}()
		pw.CloseWithError(err)
	}()

	header := http.Header{"Content-Type": {form.FormDataContentType()}}
	resp, err := h.client.Stream(ctx, http.MethodPost, uploadPath, header, pr, -1)
	// Unblock the writer if the request ended before draining the pipe
	pr.Close()
	if err != nil {
		return "", transport.Wrap(h.name, "upload video", id, 0, err)
	}
	if resp.Status != http.StatusOK && resp.Status != http.StatusCreated {
		return "", transport.Wrap(h.name, "upload video", id, resp.Status, transport.StatusError(resp.Status, resp.Body))
	}

	var out uploadResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", transport.Wrap(h.name, "upload video", id, resp.Status, fmt.Errorf("%w: %w", domain.ErrDecode, err))
	}
	if out.URL == "" {
		return "", transport.Wrap(h.name, "upload video", id, resp.Status, fmt.Errorf("service returned no URL: %s", out.Error))
	}
	h.logger.Info("video submitted for transcoding", "host", h.name, "id", id, "bytes", size, "url", out.URL)
	return out.URL, nil
}
