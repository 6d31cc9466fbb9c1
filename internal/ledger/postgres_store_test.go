//go:build integration

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/escrowd/internal/testutil"
)

const (
	pgPayer = "0xaaaa000000000000000000000000000000000001"
	pgPayee = "0xbbbb000000000000000000000000000000000002"
)

func TestPostgresLedgerFlow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	txHash := "0x" + "11" + "00000000000000000000000000000000000000000000000000000000000011"
	if err := l.Deposit(ctx, pgPayer, "10.00", txHash); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	// Duplicate deposits are rejected by tx hash
	if err := l.Deposit(ctx, pgPayer, "10.00", txHash); !errors.Is(err, ErrDuplicateDeposit) {
		t.Errorf("duplicate Deposit = %v, want ErrDuplicateDeposit", err)
	}

	if err := l.Lock(ctx, pgPayer, "4.00", "escrow:1"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	bal, err := l.Balance(ctx, pgPayer)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Available != "6.000000" {
		t.Errorf("payer Available = %q, want 6.000000", bal.Available)
	}

	if err := l.Transfer(ctx, pgPayee, "4.00", "escrow:1"); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	bal, err = l.Balance(ctx, pgPayee)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Available != "4.000000" {
		t.Errorf("payee Available = %q, want 4.000000", bal.Available)
	}

	custody, err := l.Balance(ctx, CustodyAccount)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if custody.Available != "0.000000" {
		t.Errorf("custody Available = %q, want 0.000000", custody.Available)
	}
}

func TestPostgresLedgerInsufficientBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	if err := l.Lock(ctx, pgPayer, "1.00", "escrow:2"); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("Lock with empty balance = %v, want ErrInsufficientBalance", err)
	}

	if err := l.Transfer(ctx, pgPayee, "1.00", "escrow:2"); !errors.Is(err, ErrInsufficientCustody) {
		t.Errorf("Transfer with empty custody = %v, want ErrInsufficientCustody", err)
	}
}

func TestPostgresLedgerHistory(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	txHash := "0x" + "22" + "00000000000000000000000000000000000000000000000000000000000022"
	if err := l.Deposit(ctx, pgPayer, "5.00", txHash); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.Lock(ctx, pgPayer, "2.00", "escrow:3"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	entries, err := l.History(ctx, pgPayer, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	types := map[string]bool{}
	for _, e := range entries {
		types[e.Type] = true
	}
	if !types[EntryDeposit] || !types[EntryEscrowLock] {
		t.Errorf("History missing expected entry types: %v", types)
	}
}
