package watcher

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestFormatUSDC(t *testing.T) {
	tests := []struct {
		name     string
		amount   *big.Int
		expected string
	}{
		{"zero", big.NewInt(0), "0.000000"},
		{"one micro USDC", big.NewInt(1), "0.000001"},
		{"one cent", big.NewInt(10000), "0.010000"},
		{"one dollar", big.NewInt(1000000), "1.000000"},
		{"ten dollars", big.NewInt(10000000), "10.000000"},
		{"1234.567890", big.NewInt(1234567890), "1234.567890"},
		{"just under a dollar", big.NewInt(999999), "0.999999"},
		{"million USDC", new(big.Int).SetUint64(1000000000000), "1000000.000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatUSDC(tt.amount)
			if result != tt.expected {
				t.Errorf("formatUSDC(%v) = %q, want %q", tt.amount, result, tt.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PollInterval == 0 {
		t.Error("Expected non-zero poll interval")
	}
	if cfg.StartBlock != 0 {
		t.Errorf("Expected start block 0, got %d", cfg.StartBlock)
	}
}

// ---------------------------------------------------------------------------
// processTransfer tests - no RPC connection needed
// ---------------------------------------------------------------------------

type mockSink struct {
	deposits []struct {
		account, amount, txHash string
	}
	err error
}

func (m *mockSink) Deposit(_ context.Context, account, amount, txHash string) error {
	if m.err != nil {
		return m.err
	}
	m.deposits = append(m.deposits, struct {
		account, amount, txHash string
	}{account, amount, txHash})
	return nil
}

type mockChecker struct {
	registered map[string]bool
}

func (m *mockChecker) IsRegistered(_ context.Context, address string) bool {
	return m.registered[address]
}

func newTestWatcher(sink DepositSink, checker AccountChecker) *Watcher {
	return &Watcher{
		config:    DefaultConfig(),
		sink:      sink,
		checker:   checker,
		logger:    slog.Default(),
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func transferLog(from common.Address, amount *big.Int, txHash string) types.Log {
	return types.Log{
		Topics: []common.Hash{
			transferEventSig,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(common.HexToAddress("0xDDDD000000000000000000000000000000000001").Bytes()),
		},
		Data:   common.LeftPadBytes(amount.Bytes(), 32),
		TxHash: common.HexToHash(txHash),
	}
}

func TestProcessTransfer_CreditsSink(t *testing.T) {
	sink := &mockSink{}
	from := common.HexToAddress("0xAAAA000000000000000000000000000000000001")
	w := newTestWatcher(sink, nil)

	vLog := transferLog(from, big.NewInt(2500000), "0x01")
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("processTransfer failed: %v", err)
	}

	if len(sink.deposits) != 1 {
		t.Fatalf("Expected 1 deposit, got %d", len(sink.deposits))
	}
	d := sink.deposits[0]
	if d.account != strings.ToLower(from.Hex()) {
		t.Errorf("Expected account %s, got %s", strings.ToLower(from.Hex()), d.account)
	}
	if d.amount != "2.500000" {
		t.Errorf("Expected amount 2.500000, got %s", d.amount)
	}
}

func TestProcessTransfer_Dedup(t *testing.T) {
	sink := &mockSink{}
	from := common.HexToAddress("0xAAAA000000000000000000000000000000000001")
	w := newTestWatcher(sink, nil)

	vLog := transferLog(from, big.NewInt(1000000), "0x02")
	for i := 0; i < 3; i++ {
		if err := w.processTransfer(context.Background(), vLog); err != nil {
			t.Fatalf("processTransfer failed: %v", err)
		}
	}

	if len(sink.deposits) != 1 {
		t.Errorf("Expected 1 deposit after re-delivery, got %d", len(sink.deposits))
	}
}

func TestProcessTransfer_RetriesAfterSinkFailure(t *testing.T) {
	sink := &mockSink{err: errors.New("db down")}
	from := common.HexToAddress("0xAAAA000000000000000000000000000000000001")
	w := newTestWatcher(sink, nil)

	vLog := transferLog(from, big.NewInt(1000000), "0x03")
	if err := w.processTransfer(context.Background(), vLog); err == nil {
		t.Fatal("Expected error from failing sink")
	}

	// The failed transfer must be retried on the next poll
	sink.err = nil
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if len(sink.deposits) != 1 {
		t.Errorf("Expected 1 deposit after retry, got %d", len(sink.deposits))
	}
}

func TestProcessTransfer_SkipsUnregistered(t *testing.T) {
	sink := &mockSink{}
	registered := common.HexToAddress("0xAAAA000000000000000000000000000000000001")
	unknown := common.HexToAddress("0xBBBB000000000000000000000000000000000002")
	checker := &mockChecker{registered: map[string]bool{
		strings.ToLower(registered.Hex()): true,
	}}
	w := newTestWatcher(sink, checker)

	if err := w.processTransfer(context.Background(), transferLog(unknown, big.NewInt(1000000), "0x04")); err != nil {
		t.Fatalf("processTransfer failed: %v", err)
	}
	if len(sink.deposits) != 0 {
		t.Errorf("Expected deposit from unknown address to be skipped, got %d", len(sink.deposits))
	}

	if err := w.processTransfer(context.Background(), transferLog(registered, big.NewInt(1000000), "0x05")); err != nil {
		t.Fatalf("processTransfer failed: %v", err)
	}
	if len(sink.deposits) != 1 {
		t.Errorf("Expected 1 deposit from registered address, got %d", len(sink.deposits))
	}
}

func TestProcessTransfer_MalformedLog(t *testing.T) {
	sink := &mockSink{}
	w := newTestWatcher(sink, nil)

	vLog := types.Log{
		Topics: []common.Hash{transferEventSig},
		TxHash: common.HexToHash("0x06"),
	}
	if err := w.processTransfer(context.Background(), vLog); err == nil {
		t.Error("Expected error for log with missing topics")
	}
	if len(sink.deposits) != 0 {
		t.Errorf("Expected no deposits, got %d", len(sink.deposits))
	}
}
