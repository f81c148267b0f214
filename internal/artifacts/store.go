package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrNotFound = errors.New("artifact not found")

// Store keeps finished videos addressable by an opaque id.
type Store interface {
	Put(ctx context.Context, id string, r io.Reader, contentType string) error
	Open(ctx context.Context, id string) (*Artifact, error)
	Delete(ctx context.Context, id string) error
}

// Artifact is a seekable handle suitable for http.ServeContent.
type Artifact struct {
	io.ReadSeekCloser
	Size        int64
	ModTime     time.Time
	ContentType string
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: invalid artifact id %q", ErrNotFound, id)
	}
	return nil
}
