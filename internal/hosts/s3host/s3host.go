// Package s3host keeps manifests and media in an S3 compatible bucket.
//
// Object ETags serve as version tags. Conditional writes use the
// If-Match / If-None-Match support of PutObject, so a lost race surfaces as
// a PreconditionFailed error that is reported as a conflict.
package s3host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/manifest"
)

// API is the subset of the S3 client the host uses
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options locate the bucket
type Options struct {
	Bucket   string
	Prefix   string // key prefix, e.g. "semvid/"
	Region   string
	Endpoint string // for S3 compatible stores; enables path-style addressing

	// AccessKey and SecretKey override the default credential chain
	AccessKey string
	SecretKey string

	// PublicURL is the base media URIs are built from. Defaults to s3://bucket.
	PublicURL string
}

// Host is an S3 bucket client
type Host struct {
	name   string
	api    API
	opts   Options
	logger *slog.Logger
}

var _ domain.VideoHost = (*Host)(nil)

// New creates a host around an existing client
func New(name string, api API, opts Options, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Prefix != "" && !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}
	return &Host{name: name, api: api, opts: opts, logger: logger}
}

// NewFromConfig loads AWS credentials from the environment
func NewFromConfig(ctx context.Context, name string, opts Options, logger *slog.Logger) (*Host, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(name, client, opts, logger), nil
}

func (h *Host) Name() string { return h.name }

func (h *Host) Capabilities() domain.Capabilities {
	return domain.Capabilities{Index: true, Manifests: true, Delete: true, Video: true, Thumbnail: true}
}

func (h *Host) manifestKey(id uuid.UUID) string  { return h.opts.Prefix + "manifest/" + id.String() + ".json" }
func (h *Host) videoKey(id uuid.UUID) string     { return h.opts.Prefix + "video/" + id.String() + ".mp4" }
func (h *Host) thumbnailKey(id uuid.UUID) string { return h.opts.Prefix + "thumbnail/" + id.String() + ".jpg" }

// publicURL returns where a key can be fetched from
func (h *Host) publicURL(key string) string {
	base := h.opts.PublicURL
	if base == "" {
		base = "s3://" + h.opts.Bucket
	}
	return strings.TrimRight(base, "/") + "/" + (&url.URL{Path: key}).EscapedPath()
}

func (h *Host) Index(ctx context.Context) ([]domain.FindResult, error) {
	prefix := h.opts.Prefix + "manifest/"
	paginator := s3.NewListObjectsV2Paginator(h.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.opts.Bucket),
		Prefix: aws.String(prefix),
	})

	rows := []domain.FindResult{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, h.wrap("index", uuid.Nil, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			idStr, ok := strings.CutSuffix(name, ".json")
			if !ok {
				continue
			}
			id, err := uuid.Parse(idStr)
			if err != nil {
				continue
			}
			rows = append(rows, domain.FindResult{ID: id, LastModified: aws.ToTime(obj.LastModified).UTC()})
		}
	}
	h.logger.Debug("listed bucket", "host", h.name, "bucket", h.opts.Bucket, "count", len(rows))
	return rows, nil
}

func (h *Host) DownloadManifest(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	key := h.manifestKey(id)
	out, err := h.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, h.wrap("download", id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, h.wrap("download", id, fmt.Errorf("%w: %w", domain.ErrHostUnavailable, err))
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return nil, h.wrap("download", id, err)
	}
	if m.ID != id {
		return nil, h.wrap("download", id, domain.ErrIDMismatch)
	}
	if out.ETag != nil {
		tag := *out.ETag
		m.VersionTag = &tag
	}
	if out.LastModified != nil {
		m.LastModified = out.LastModified.UTC()
	}
	m.ManifestURI = h.publicURL(key)
	return m, nil
}

func (h *Host) UploadManifest(ctx context.Context, m *domain.Manifest, expectedTag *string) (*domain.UploadResult, error) {
	key := h.manifestKey(m.ID)
	body := m.Clone()
	body.VersionTag = nil
	body.ManifestURI = h.publicURL(key)
	data, err := manifest.Marshal(body)
	if err != nil {
		return nil, err
	}

	in := &s3.PutObjectInput{
		Bucket:      aws.String(h.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if expectedTag != nil {
		in.IfMatch = aws.String(*expectedTag)
	}

	out, err := h.api.PutObject(ctx, in)
	if err != nil {
		if isPreconditionFailed(err) {
			h.logger.Debug("conditional upload lost", "host", h.name, "id", m.ID)
			return nil, nil
		}
		return nil, h.wrap("upload", m.ID, err)
	}
	tag := aws.ToString(out.ETag)
	if tag == "" {
		return nil, h.wrap("upload", m.ID, errors.New("bucket returned no ETag"))
	}
	return &domain.UploadResult{URL: body.ManifestURI, VersionTag: tag}, nil
}

func (h *Host) DeleteManifest(ctx context.Context, id uuid.UUID) error {
	_, err := h.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.opts.Bucket),
		Key:    aws.String(h.manifestKey(id)),
	})
	if err != nil {
		return h.wrap("delete", id, err)
	}
	return nil
}

func (h *Host) UploadVideo(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error) {
	return h.putBinary(ctx, "upload video", id, h.videoKey(id), "video/mp4", r, size)
}

func (h *Host) UploadThumbnail(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error) {
	return h.putBinary(ctx, "upload thumbnail", id, h.thumbnailKey(id), "image/jpeg", r, size)
}

func (h *Host) putBinary(ctx context.Context, op string, id uuid.UUID, key, contentType string, r io.Reader, size int64) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(h.opts.Bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	start := time.Now()
	if _, err := h.api.PutObject(ctx, in); err != nil {
		return "", h.wrap(op, id, err)
	}
	h.logger.Info("uploaded media", "host", h.name, "key", key, "bytes", size, "elapsed", time.Since(start))
	return h.publicURL(key), nil
}

func isPreconditionFailed(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

// wrap classifies SDK errors into domain errors
func (h *Host) wrap(op string, id uuid.UUID, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		noKey *types.NoSuchKey
		ae    smithy.APIError
	)
	cause := err
	switch {
	case errors.As(err, &noKey):
		cause = fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case errors.As(err, &ae):
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			cause = fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			cause = fmt.Errorf("%w: %w", domain.ErrAuthFailed, err)
		case "NoSuchBucket":
			cause = fmt.Errorf("%w: %w", domain.ErrHostUnavailable, err)
		default:
			if ae.ErrorFault() == smithy.FaultServer {
				cause = fmt.Errorf("%w: %w", domain.ErrHostUnavailable, err)
			}
		}
	case errors.Is(err, domain.ErrIDMismatch), errors.Is(err, domain.ErrDecode), errors.Is(err, domain.ErrHostUnavailable):
	default:
		// Transport level failure: DNS, connection refused, timeouts
		cause = fmt.Errorf("%w: %w", domain.ErrHostUnavailable, err)
	}
	return &domain.HostError{Host: h.name, Op: op, ID: id, Err: cause}
}
