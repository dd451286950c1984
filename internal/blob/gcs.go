package blob

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCS stores objects in a Google Cloud Storage bucket
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a bucket-scoped store. Credentials come from the
// environment unless opts say otherwise.
func NewGCS(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Put uploads data to path with a does-not-exist precondition
func (g *GCS) Put(ctx context.Context, path string, data []byte, contentType string) error {
	obj := g.client.Bucket(g.bucket).Object(path).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if stderrors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return ErrExists
		}
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

// Close releases the storage client
func (g *GCS) Close() error {
	return g.client.Close()
}
