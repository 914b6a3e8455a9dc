package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. State is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]Document),
		now:  time.Now,
	}
}

func (s *MemoryStore) Read(ctx context.Context, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	if !ok {
		return Document{}, ErrNotFound
	}
	return clone(doc), nil
}

func (s *MemoryStore) Write(ctx context.Context, path string, data json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := NewDocument(path, append(json.RawMessage(nil), data...), s.now().UTC())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[path] = doc
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) QueryCollectionGroup(ctx context.Context, collection string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []Document
	for _, doc := range s.docs {
		if doc.Collection == collection {
			out = append(out, clone(doc))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func clone(d Document) Document {
	d.Data = append(json.RawMessage(nil), d.Data...)
	return d
}
