package storage

import (
	"context"
	"sort"
	"sync"

	pkgerrors "github.com/quantumfed/quantumfed/pkg/errors"
)

// Storage is a small keyed store with stable offset/limit listing. The
// coordinator keeps rounds, participants, snapshots and update buffers
// in separate Storage instances.
type Storage interface {
	Create(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, error)
	Update(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, offset, limit uint64) ([]any, uint64, error)
}

type inMemory struct {
	mu   sync.RWMutex
	data map[string]any
}

func NewInMemoryStorage() Storage {
	return &inMemory{
		data: make(map[string]any),
	}
}

func (s *inMemory) Create(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return pkgerrors.ErrEntityExists
	}
	s.data[key] = value

	return nil
}

func (s *inMemory) Get(ctx context.Context, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}

	return value, nil
}

func (s *inMemory) Update(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return pkgerrors.ErrNotFound
	}
	s.data[key] = value

	return nil
}

func (s *inMemory) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return pkgerrors.ErrNotFound
	}
	delete(s.data, key)

	return nil
}

// List returns values ordered by key so that paging is stable across
// calls.
func (s *inMemory) List(ctx context.Context, offset, limit uint64) ([]any, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := uint64(len(keys))
	if offset >= total {
		return []any{}, total, nil
	}

	// offset+limit can wrap around; a wrapped end would invert the
	// slice bounds below.
	end := offset + limit
	if limit == 0 || end < offset || end > total {
		end = total
	}

	values := make([]any, 0, end-offset)
	for _, k := range keys[offset:end] {
		values = append(values, s.data[k])
	}

	return values, total, nil
}
