// Package blob stores attachment bytes under write-once paths.
package blob

import (
	"context"
	stderrors "errors"
)

// ErrExists is returned when an object already exists at the target path
var ErrExists = stderrors.New("blob already exists")

// Store uploads objects. Paths are never overwritten.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Close() error
}
