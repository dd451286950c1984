package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FS stores objects as files under a root directory
type FS struct {
	root string
}

// NewFS creates the root directory if needed
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{root: root}, nil
}

func (f *FS) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob path %q", path)
	}
	return filepath.Join(f.root, clean), nil
}

// Put writes data to path. Writing an existing path returns ErrExists.
func (f *FS) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	file, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(full)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(full)
		return fmt.Errorf("close blob: %w", err)
	}
	return nil
}

// Close is a no-op
func (f *FS) Close() error {
	return nil
}
