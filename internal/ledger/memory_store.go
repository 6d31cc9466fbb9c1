package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*accountState
	entries  []*Entry
	deposits map[string]bool // txHash -> seen
}

type accountState struct {
	available *big.Int
	totalIn   *big.Int
	totalOut  *big.Int
	updatedAt time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*accountState),
		deposits: make(map[string]bool),
	}
}

func (m *MemoryStore) account(addr string) *accountState {
	a, ok := m.accounts[addr]
	if !ok {
		a = &accountState{
			available: big.NewInt(0),
			totalIn:   big.NewInt(0),
			totalOut:  big.NewInt(0),
		}
		m.accounts[addr] = a
	}
	return a
}

func (m *MemoryStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(account)
	return &Balance{
		Account:   account,
		Available: formatAmount(a.available),
		TotalIn:   formatAmount(a.totalIn),
		TotalOut:  formatAmount(a.totalOut),
		UpdatedAt: a.updatedAt,
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, account, amount, txHash, description string) error {
	amt, ok := parseAmount(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(account)
	a.available.Add(a.available, amt)
	a.totalIn.Add(a.totalIn, amt)
	a.updatedAt = time.Now()

	if txHash != "" {
		m.deposits[txHash] = true
	}

	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("led_"),
		Account:     account,
		Type:        EntryDeposit,
		Amount:      amount,
		TxHash:      txHash,
		Description: description,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (m *MemoryStore) Move(ctx context.Context, from, to, amount, reference, entryType string) error {
	amt, ok := parseAmount(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.account(from)
	if src.available.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	dst := m.account(to)

	now := time.Now()
	src.available.Sub(src.available, amt)
	src.totalOut.Add(src.totalOut, amt)
	src.updatedAt = now
	dst.available.Add(dst.available, amt)
	dst.totalIn.Add(dst.totalIn, amt)
	dst.updatedAt = now

	m.entries = append(m.entries,
		&Entry{
			ID: idgen.WithPrefix("led_"), Account: from, Type: entryType,
			Amount: "-" + amount, Reference: reference, CreatedAt: now,
		},
		&Entry{
			ID: idgen.WithPrefix("led_"), Account: to, Type: entryType,
			Amount: amount, Reference: reference, CreatedAt: now,
		},
	)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	// Newest first.
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Account == account {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deposits[txHash], nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
