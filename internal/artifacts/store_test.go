package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := store.Put(ctx, "video-1", strings.NewReader("0123456789"), "video/mp4"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	a, err := store.Open(ctx, "video-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	if a.Size != 10 || a.ContentType != "video/mp4" {
		t.Fatalf("unexpected metadata: size=%d type=%q", a.Size, a.ContentType)
	}
	if _, err := a.Seek(4, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	buf := make([]byte, 3)
	if _, err := io.ReadFull(a, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf) != "456" {
		t.Fatalf("expected ranged read 456, got %q", buf)
	}
}

func TestFileStoreNotFoundAndDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if _, err := store.Open(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Open(ctx, "../etc/passwd"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for traversal id, got %v", err)
	}
	if err := store.Put(ctx, "a/b", strings.NewReader("x"), ""); err == nil {
		t.Fatalf("expected invalid id error")
	}

	if err := store.Put(ctx, "gone", strings.NewReader("x"), ""); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Open(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

type fakeS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	ranges  []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func notFound() error {
	return awserr.NewRequestFailure(awserr.New("NotFound", "not found", nil), http.StatusNotFound, "req")
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Key)] = data
	f.types[aws.StringValue(in.Key)] = aws.StringValue(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, notFound()
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(f.types[aws.StringValue(in.Key)]),
		LastModified:  aws.Time(time.Now()),
	}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, notFound()
	}
	rng := aws.StringValue(in.Range)
	f.ranges = append(f.ranges, rng)

	start := 0
	if rng != "" {
		v := strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-")
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bad range %q", rng)
		}
		start = n
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data[start:]))}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StoreRangedReads(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	store := NewS3Store(client, "bucket", "videos", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := store.Put(ctx, "v1", strings.NewReader("abcdefghij"), ""); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := client.objects["videos/v1"]; !ok {
		t.Fatalf("expected object under prefix, got keys %v", client.objects)
	}

	a, err := store.Open(ctx, "v1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()
	if a.Size != 10 || a.ContentType != "video/mp4" {
		t.Fatalf("unexpected metadata: size=%d type=%q", a.Size, a.ContentType)
	}

	if _, err := a.Seek(-3, io.SeekEnd); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	tail, err := io.ReadAll(a)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(tail) != "hij" {
		t.Fatalf("expected hij, got %q", tail)
	}
	if len(client.ranges) != 1 || client.ranges[0] != "bytes=7-" {
		t.Fatalf("unexpected ranges requested: %v", client.ranges)
	}
}

func TestS3StoreNotFound(t *testing.T) {
	store := NewS3Store(newFakeS3(), "bucket", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := store.Open(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
