package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows    map[uint64]*Escrow
	partyIndex map[string][]uint64
	nextID     uint64
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[uint64]*Escrow),
		partyIndex: make(map[string][]uint64),
		nextID:     1,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) NextID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	return id, nil
}

func (m *MemoryStore) AppendPartyIndex(ctx context.Context, party string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.partyIndex[party] = append(m.partyIndex[party], id)
	return nil
}

func (m *MemoryStore) PartyEscrows(ctx context.Context, party string) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.partyIndex[party]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return uint64(len(m.escrows)), nil
}
