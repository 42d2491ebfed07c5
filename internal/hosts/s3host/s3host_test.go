package s3host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
)

type fakeObject struct {
	data []byte
	etag string
	mod  time.Time
}

// fakeS3 is an in-memory bucket implementing API
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	version int
	down    bool
	now     time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject), now: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)}
}

var errDial = errors.New("dial tcp: connection refused")

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errDial
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{
		Body:         io.NopCloser(bytes.NewReader(obj.data)),
		ETag:         aws.String(obj.etag),
		LastModified: aws.Time(obj.mod),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errDial
	}
	key := aws.ToString(in.Key)
	cur, exists := f.objects[key]
	if in.IfMatch != nil && (!exists || cur.etag != *in.IfMatch) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.version++
	f.now = f.now.Add(time.Second)
	obj := fakeObject{data: data, etag: fmt.Sprintf(`"e%d"`, f.version), mod: f.now}
	f.objects[key] = obj
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errDial
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key, obj := range f.objects {
		if !strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			ETag:         aws.String(obj.etag),
			LastModified: aws.Time(obj.mod),
		})
	}
	return out, nil
}

func TestBucketRoundTrip(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	h := New("bucket", api, Options{Bucket: "media", Prefix: "semvid"}, nil)

	rows, err := h.Index(ctx)
	if err != nil || len(rows) != 0 {
		t.Fatalf("empty Index = %v, %v", rows, err)
	}

	m := domain.NewManifest("Cellar", domain.GenreSiteOverview, "jo")
	res, err := h.UploadManifest(ctx, m, nil)
	if err != nil || res == nil || res.VersionTag != `"e1"` {
		t.Fatalf("UploadManifest = %+v, %v", res, err)
	}
	if res.URL != "s3://media/semvid/manifest/"+m.ID.String()+".json" {
		t.Errorf("URL = %q", res.URL)
	}

	// Stray keys under the prefix are ignored
	api.objects["semvid/manifest/readme.txt"] = fakeObject{data: []byte("hi")}

	rows, err = h.Index(ctx)
	if err != nil || len(rows) != 1 || rows[0].ID != m.ID {
		t.Fatalf("Index = %v, %v", rows, err)
	}

	got, err := h.DownloadManifest(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version() != `"e1"` || !got.LastModified.Equal(rows[0].LastModified) || got.Title != "Cellar" {
		t.Errorf("DownloadManifest = %+v", got)
	}
}

func TestConditionalPut(t *testing.T) {
	ctx := context.Background()
	h := New("bucket", newFakeS3(), Options{Bucket: "media"}, nil)
	m := domain.NewManifest("x", domain.GenreProblem, "jo")

	first, err := h.UploadManifest(ctx, m, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.UploadManifest(ctx, m, &first.VersionTag)
	if err != nil || second == nil {
		t.Fatalf("matching tag = %v, %v", second, err)
	}
	res, err := h.UploadManifest(ctx, m, &first.VersionTag)
	if err != nil || res != nil {
		t.Errorf("stale tag = %v, %v, want nil, nil", res, err)
	}
}

func TestErrorClassification(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	h := New("bucket", api, Options{Bucket: "media"}, nil)

	_, err := h.DownloadManifest(ctx, uuid.New())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing key: got %v, want ErrNotFound", err)
	}
	var he *domain.HostError
	if !errors.As(err, &he) || he.Host != "bucket" || he.Op != "download" {
		t.Errorf("expected HostError, got %#v", err)
	}

	api.down = true
	if _, err := h.Index(ctx); !errors.Is(err, domain.ErrHostUnavailable) {
		t.Errorf("outage: got %v, want ErrHostUnavailable", err)
	}

	err = h.wrap("index", uuid.Nil, fmt.Errorf("op: %w", context.Canceled))
	if !errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrHostUnavailable) {
		t.Errorf("cancellation classified as %v", err)
	}

	denied := h.wrap("upload", uuid.Nil, &smithy.GenericAPIError{Code: "AccessDenied"})
	if !errors.Is(denied, domain.ErrAuthFailed) {
		t.Errorf("AccessDenied classified as %v", denied)
	}
}

func TestMediaKeys(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	h := New("bucket", api, Options{Bucket: "media", PublicURL: "https://cdn.example.com/"}, nil)
	id := uuid.New()

	url, err := h.UploadVideo(ctx, id, strings.NewReader("mp4"), 3)
	if err != nil || url != "https://cdn.example.com/video/"+id.String()+".mp4" {
		t.Fatalf("UploadVideo = %q, %v", url, err)
	}
	if _, ok := api.objects["video/"+id.String()+".mp4"]; !ok {
		t.Error("video object not written")
	}
	if _, err := h.UploadThumbnail(ctx, id, strings.NewReader("jpg"), 3); err != nil {
		t.Error(err)
	}
}
