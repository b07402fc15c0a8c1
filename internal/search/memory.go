package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryIndex is an in-process Index used when no Meilisearch URL is configured.
// Documents are stored as JSON so callers never share nested slices.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: map[string][]byte{}}
}

func (x *MemoryIndex) Upsert(_ context.Context, doc Document) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return &IndexError{Op: "upsert", ID: doc.UUID, Err: err}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs[doc.UUID] = encoded
	return nil
}

func (x *MemoryIndex) Delete(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.docs[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrDocumentNotFound)
	}
	delete(x.docs, id)
	return nil
}

func (x *MemoryIndex) Get(_ context.Context, id string) (Document, error) {
	x.mu.RLock()
	encoded, ok := x.docs[id]
	x.mu.RUnlock()
	if !ok {
		return Document{}, fmt.Errorf("%s: %w", id, ErrDocumentNotFound)
	}
	var doc Document
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return Document{}, &IndexError{Op: "get", ID: id, Err: err}
	}
	return doc, nil
}

func (x *MemoryIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}
