package blob

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("blob not found")
var ErrInvalidID = errors.New("invalid blob id")

// Storage defines the interface for content blob storage. Blobs are opaque
// and keyed by record ID; they are written once at upload and never mutated.
type Storage interface {
	Save(ctx context.Context, id string, data io.Reader) (int64, error)
	Load(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
}
