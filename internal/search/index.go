package search

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrNotAcknowledged  = errors.New("index did not acknowledge the task")
	ErrUnavailable      = errors.New("search index unavailable")
)

// Index is a document store keyed by record uuid.
type Index interface {
	Upsert(ctx context.Context, doc Document) error
	// Delete returns ErrDocumentNotFound when nothing was stored under id.
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Document, error)
}

// IndexError wraps a failed or unacknowledged index call.
type IndexError struct {
	Op  string
	ID  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}
