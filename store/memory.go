package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ContentStore for tests and single-process runs.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*DocumentInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*DocumentInfo)}
}

func (s *MemoryStore) Load(_ context.Context, path string) (*DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	info := *doc
	return &info, nil
}

func (s *MemoryStore) Persist(_ context.Context, path, content, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	doc, ok := s.docs[path]
	if !ok {
		s.docs[path] = &DocumentInfo{
			Path:      path,
			Content:   content,
			UpdatedBy: userID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return nil
	}
	doc.Content = content
	doc.UpdatedBy = userID
	doc.UpdatedAt = now
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DocumentInfo, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
