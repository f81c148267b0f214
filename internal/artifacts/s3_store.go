package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Store keeps artifacts as objects in a bucket under an optional prefix.
type S3Store struct {
	client s3iface.S3API
	bucket string
	prefix string
	logger *slog.Logger
}

func NewS3Store(client s3iface.S3API, bucket, prefix string, logger *slog.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (s *S3Store) key(id string) string {
	return path.Join(s.prefix, id)
}

func (s *S3Store) Put(ctx context.Context, id string, r io.Reader, contentType string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read artifact body: %w", err)
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(id)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		s.logger.Error("failed to upload artifact", "bucket", s.bucket, "id", id, "error", err)
		return fmt.Errorf("failed to upload artifact: %w", err)
	}

	s.logger.Debug("artifact uploaded", "bucket", s.bucket, "key", s.key(id), "bytes", len(body))
	return nil
}

func (s *S3Store) Open(ctx context.Context, id string) (*Artifact, error) {
	if err := validateID(id); err != nil {
		return nil, ErrNotFound
	}

	head, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	contentType := aws.StringValue(head.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}

	return &Artifact{
		ReadSeekCloser: &s3ObjectReader{
			ctx:    ctx,
			client: s.client,
			bucket: s.bucket,
			key:    s.key(id),
			size:   aws.Int64Value(head.ContentLength),
		},
		Size:        aws.Int64Value(head.ContentLength),
		ModTime:     aws.TimeValue(head.LastModified),
		ContentType: contentType,
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// s3ObjectReader issues a ranged GetObject from the current offset on the
// first Read after a Seek.
type s3ObjectReader struct {
	ctx    context.Context
	client s3iface.S3API
	bucket string
	key    string
	size   int64

	offset int64
	body   io.ReadCloser
}

func (r *s3ObjectReader) Read(p []byte) (int, error) {
	if r.offset >= r.size {
		return 0, io.EOF
	}
	if r.body == nil {
		out, err := r.client.GetObjectWithContext(r.ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-", r.offset)),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to read artifact range: %w", err)
		}
		r.body = out.Body
	}

	n, err := r.body.Read(p)
	r.offset += int64(n)
	return n, err
}

func (r *s3ObjectReader) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = r.offset + offset
	case io.SeekEnd:
		next = r.size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	if next != r.offset {
		r.closeBody()
	}
	r.offset = next
	return next, nil
}

func (r *s3ObjectReader) Close() error {
	r.closeBody()
	return nil
}

func (r *s3ObjectReader) closeBody() {
	if r.body != nil {
		_ = r.body.Close()
		r.body = nil
	}
}

var _ io.ReadSeekCloser = (*s3ObjectReader)(nil)
