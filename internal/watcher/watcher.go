// Package watcher monitors the chain for USDC deposits to the escrowd
// deposit address and credits the sender's ledger balance.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// DepositSink credits ledger balances for observed deposits.
type DepositSink interface {
	Deposit(ctx context.Context, account, amount, txHash string) error
}

// AccountChecker reports whether an address belongs to a registered agent.
// Deposits from unknown addresses are skipped, not refunded.
type AccountChecker interface {
	IsRegistered(ctx context.Context, address string) bool
}

// Config for the deposit watcher
type Config struct {
	RPCURL         string
	USDCContract   common.Address
	DepositAddress common.Address
	PollInterval   time.Duration
	StartBlock     uint64 // 0 = latest
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Watcher polls for incoming USDC transfers to the deposit address.
type Watcher struct {
	client  *ethclient.Client
	config  Config
	sink    DepositSink
	checker AccountChecker
	logger  *slog.Logger

	// Track processed transactions
	processed map[string]bool
	mu        sync.Mutex

	// Last processed block
	lastBlock uint64

	// Shutdown
	stop chan struct{}
	done chan struct{}
}

// New creates a new deposit watcher
func New(cfg Config, sink DepositSink, checker AccountChecker, logger *slog.Logger) (*Watcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	return &Watcher{
		client:    client,
		config:    cfg,
		sink:      sink,
		checker:   checker,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching for deposits
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("deposit watcher started",
		"deposit_address", w.config.DepositAddress.Hex(),
		"usdc", w.config.USDCContract.Hex(),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	// Transfer events into the deposit address
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.USDCContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			{common.BytesToHash(w.config.DepositAddress.Bytes())},
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processTransfer(ctx, vLog); err != nil {
			w.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	// Skip if already processed
	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	// Mark as in-progress to prevent concurrent duplicate processing.
	w.processed[txHash] = true
	w.mu.Unlock()

	// On failure, unmark so the transfer is retried on the next poll cycle.
	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	// Topics[1] = from (indexed), Topics[2] = to (indexed), Data = amount
	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid transfer event")
	}

	from := common.HexToAddress(vLog.Topics[1].Hex())
	amount := new(big.Int).SetBytes(vLog.Data)

	fromAddr := strings.ToLower(from.Hex())
	if w.checker != nil && !w.checker.IsRegistered(ctx, fromAddr) {
		w.logger.Info("deposit from unregistered address, skipping",
			"from", fromAddr,
			"amount", formatUSDC(amount),
			"tx", txHash,
		)
		return nil
	}

	amountStr := formatUSDC(amount)
	if err := w.sink.Deposit(ctx, fromAddr, amountStr, txHash); err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	w.logger.Info("deposit credited",
		"account", fromAddr,
		"amount", amountStr,
		"tx", txHash,
	)

	succeeded = true
	return nil
}

// formatUSDC converts raw amount to decimal string (6 decimals)
func formatUSDC(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	s := amount.String()
	for len(s) < 7 {
		s = "0" + s
	}
	decimal := len(s) - 6
	return s[:decimal] + "." + s[decimal:]
}
