package directory

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a thread-safe in-memory Store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	services      map[uint64]*Service
	providerIndex map[string][]uint64
	reputation    map[string]uint32
	nextID        uint64
}

// NewMemoryStore creates an empty in-memory store. Ids start at 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services:      make(map[uint64]*Service),
		providerIndex: make(map[string][]uint64),
		reputation:    make(map[string]uint32),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *svc
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *MemoryStore) NextID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	return m.nextID, nil
}

func (m *MemoryStore) AppendProviderIndex(ctx context.Context, provider string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providerIndex[provider] = append(m.providerIndex[provider], id)
	return nil
}

func (m *MemoryStore) ProviderServices(ctx context.Context, provider string) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.providerIndex[provider]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out, nil
}

func (m *MemoryStore) list(limit int, keep func(*Service) bool) []*Service {
	var out []*Service
	for _, svc := range m.services {
		if keep(svc) {
			cp := *svc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []*Service{}
	}
	return out
}

func (m *MemoryStore) ListActive(ctx context.Context, limit int) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.list(limit, func(s *Service) bool { return s.Active }), nil
}

func (m *MemoryStore) ListByCategory(ctx context.Context, category Category, limit int) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.list(limit, func(s *Service) bool { return s.Active && s.Category == category }), nil
}

func (m *MemoryStore) ListX402(ctx context.Context, limit int) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.list(limit, func(s *Service) bool { return s.Active && s.SupportsX402 }), nil
}

func (m *MemoryStore) Count(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return uint64(len(m.services)), nil
}

func (m *MemoryStore) SetReputation(ctx context.Context, provider string, score uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reputation[provider] = score
	return nil
}

func (m *MemoryStore) Reputation(ctx context.Context, provider string) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.reputation[provider], nil
}
