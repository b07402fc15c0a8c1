// Package media stores the binary files an exhibit record points at. Records
// only carry relative paths; this package resolves them to objects.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("media object not found")
	ErrInvalidPath    = errors.New("invalid media path")
)

// Store is the contract the exhibit engine needs from media storage.
type Store interface {
	Put(ctx context.Context, objectPath string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, objectPath string) (io.ReadCloser, error)
	// Remove deletes an object. A missing object is reported as (false, nil).
	Remove(ctx context.Context, objectPath string) (bool, error)
}

var (
	_ Store = (*MinioStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// CleanPath normalizes a record media reference into an object key. Absolute
// paths and paths escaping the bucket root are rejected.
func CleanPath(objectPath string) (string, error) {
	trimmed := strings.TrimSpace(objectPath)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
		}
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	return cleaned, nil
}

// RemoveAll removes every path, continuing past failures, and returns the
// paths it removed. Missing objects count as removed.
func RemoveAll(ctx context.Context, objects Store, paths []string) (removed []string, err error) {
	var errs []error
	for _, p := range paths {
		if _, rmErr := objects.Remove(ctx, p); rmErr != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, rmErr))
			continue
		}
		removed = append(removed, p)
	}
	return removed, errors.Join(errs...)
}
