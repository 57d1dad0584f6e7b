package layout

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/pitabwire/tabula/model"
)

// MemoryStore keeps layouts in process memory. Suitable for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	layouts map[string]model.Layout
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{layouts: make(map[string]model.Layout)}
}

func (s *MemoryStore) Load(_ context.Context, key Key) (*model.Layout, error) {
	s.mu.RLock()
	l, ok := s.layouts[key.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	c := clone(l)
	return &c, nil
}

func (s *MemoryStore) Save(_ context.Context, key Key, l model.Layout) error {
	s.mu.Lock()
	s.layouts[key.String()] = clone(l)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	delete(s.layouts, key.String())
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func clone(l model.Layout) model.Layout {
	return model.Layout{
		Order:      slices.Clone(l.Order),
		Visibility: maps.Clone(l.Visibility),
		Widths:     maps.Clone(l.Widths),
		UpdatedAt:  l.UpdatedAt,
	}
}
