// Package ledger tracks account balances and implements the transfer gateway
// that moves escrowed value.
//
// Custody model:
//  1. Account deposits value (credited to available)
//  2. Escrow creation locks value: available -> custody pool
//  3. Release/refund pays out: custody pool -> recipient's available
//
// Every movement either fully commits or fully fails; a failed movement never
// leaves a partial balance change behind.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientCustody = errors.New("insufficient custody funds")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateDeposit    = errors.New("deposit already processed")
)

// CustodyAccount is the pooled internal account holding locked escrow value.
// It is not addressable through the public API.
const CustodyAccount = "escrow_custody"

// Entry types recorded in account history.
const (
	EntryDeposit      = "deposit"
	EntryEscrowLock   = "escrow_lock"
	EntryEscrowPayout = "escrow_payout"
)

// Entry represents a ledger entry.
type Entry struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"txHash,omitempty"`
	Reference   string    `json:"reference,omitempty"` // escrow reference or payment code
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents an account's balance.
type Balance struct {
	Account   string    `json:"account"`
	Available string    `json:"available"`
	TotalIn   string    `json:"totalIn"`
	TotalOut  string    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data. Move must be atomic: on any failure both
// balances are left exactly as they were.
type Store interface {
	GetBalance(ctx context.Context, account string) (*Balance, error)
	Credit(ctx context.Context, account, amount, txHash, description string) error
	Move(ctx context.Context, from, to, amount, reference, entryType string) error
	GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)
}

// Ledger manages account balances and custody movements.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balance returns an account's current balance.
func (l *Ledger) Balance(ctx context.Context, account string) (*Balance, error) {
	return l.store.GetBalance(ctx, strings.ToLower(account))
}

// Deposit credits an account's available balance. txHash deduplicates
// re-submitted deposits.
func (l *Ledger) Deposit(ctx context.Context, account, amount, txHash string) error {
	amt, ok := parseAmount(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	exists, err := l.store.HasDeposit(ctx, txHash)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateDeposit
	}

	return l.store.Credit(ctx, strings.ToLower(account), amount, txHash, EntryDeposit)
}

// History returns ledger entries for an account.
func (l *Ledger) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, strings.ToLower(account), limit)
}

// Lock moves value from the payer's available balance into the custody pool.
// A zero amount is a no-op (external-channel escrows may lock nothing).
func (l *Ledger) Lock(ctx context.Context, payer, amount, reference string) error {
	amt, ok := parseAmount(amount)
	if !ok || amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amt.Sign() == 0 {
		return nil
	}
	return l.store.Move(ctx, strings.ToLower(payer), CustodyAccount, amount, reference, EntryEscrowLock)
}

// Transfer moves value from the custody pool to a recipient. A zero amount is
// a no-op. Failure is non-destructive: no balance changes.
func (l *Ledger) Transfer(ctx context.Context, recipient, amount, reference string) error {
	amt, ok := parseAmount(amount)
	if !ok || amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amt.Sign() == 0 {
		return nil
	}
	if err := l.store.Move(ctx, CustodyAccount, strings.ToLower(recipient), amount, reference, EntryEscrowPayout); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return ErrInsufficientCustody
		}
		return err
	}
	return nil
}

// Amount helpers (USDC, 6 decimals)

func parseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	if strings.HasPrefix(whole, "-") {
		return nil, false
	}
	if len(frac) > 6 {
		return nil, false
	}
	for len(frac) < 6 {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	s := amount.String()
	for len(s) < 7 {
		s = "0" + s
	}
	decimal := len(s) - 6
	return s[:decimal] + "." + s[decimal:]
}
