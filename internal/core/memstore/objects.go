package memstore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/markdave123-py/contexta/internal/core"
)

// ObjectStore keeps raw uploads and processed text in maps.
type ObjectStore struct {
	mu        sync.RWMutex
	files     map[string][]byte
	processed map[string]string
}

var _ core.ObjectClient = (*ObjectStore)(nil)

func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		files:     make(map[string][]byte),
		processed: make(map[string]string),
	}
}

func (o *ObjectStore) UploadFile(_ context.Context, key string, data io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[key] = b
	return key, nil
}

func (o *ObjectStore) GetRawFile(_ context.Context, key string) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	b, ok := o.files[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, core.ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (o *ObjectStore) DeleteFile(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.files, key)
	return nil
}

func (o *ObjectStore) PutProcessedText(_ context.Context, documentID, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed[documentID] = text
	return nil
}

func (o *ObjectStore) GetProcessedText(_ context.Context, documentID string) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.processed[documentID]
	if !ok {
		return "", fmt.Errorf("processed text %s: %w", documentID, core.ErrNotFound)
	}
	return t, nil
}

func (o *ObjectStore) DeleteProcessedText(_ context.Context, documentID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.processed, documentID)
	return nil
}
