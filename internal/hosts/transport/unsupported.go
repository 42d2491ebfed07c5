package transport

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
)

// Unsupported can be embedded by hosts to answer every optional operation
// with domain.ErrUnsupported. Hosts override what they actually support.
type Unsupported struct{}

func (Unsupported) Index(context.Context) ([]domain.FindResult, error) {
	return nil, domain.ErrUnsupported
}

func (Unsupported) DownloadManifest(context.Context, uuid.UUID) (*domain.Manifest, error) {
	return nil, domain.ErrUnsupported
}

func (Unsupported) UploadManifest(context.Context, *domain.Manifest, *string) (*domain.UploadResult, error) {
	return nil, domain.ErrUnsupported
}

func (Unsupported) DeleteManifest(context.Context, uuid.UUID) error {
	return domain.ErrUnsupported
}

func (Unsupported) UploadVideo(context.Context, uuid.UUID, io.Reader, int64) (string, error) {
	return "", domain.ErrUnsupported
}

func (Unsupported) UploadThumbnail(context.Context, uuid.UUID, io.Reader, int64) (string, error) {
	return "", domain.ErrUnsupported
}
