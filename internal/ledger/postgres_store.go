package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/escrowd/internal/idgen"
)

// PostgresStore persists ledger data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_balances (
			account    TEXT PRIMARY KEY,
			available  NUMERIC(20,6) NOT NULL DEFAULT 0,
			total_in   NUMERIC(20,6) NOT NULL DEFAULT 0,
			total_out  NUMERIC(20,6) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          TEXT PRIMARY KEY,
			account     TEXT NOT NULL,
			type        TEXT NOT NULL,
			amount      TEXT NOT NULL,
			tx_hash     TEXT,
			reference   TEXT,
			description TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_account
			ON ledger_entries(account, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_tx_hash
			ON ledger_entries(tx_hash) WHERE tx_hash IS NOT NULL;
	`)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	b := &Balance{Account: account}
	err := p.db.QueryRowContext(ctx, `
		SELECT available::TEXT, total_in::TEXT, total_out::TEXT, updated_at
		FROM ledger_balances WHERE account = $1`, account).
		Scan(&b.Available, &b.TotalIn, &b.TotalOut, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		b.Available, b.TotalIn, b.TotalOut = "0.000000", "0.000000", "0.000000"
		return b, nil
	}
	return b, err
}

func (p *PostgresStore) Credit(ctx context.Context, account, amount, txHash, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), now())
		ON CONFLICT (account) DO UPDATE SET
			available = ledger_balances.available + $2::NUMERIC(20,6),
			total_in = ledger_balances.total_in + $2::NUMERIC(20,6),
			updated_at = now()`, account, amount); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, tx_hash, description)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		idgen.WithPrefix("led_"), account, EntryDeposit, amount,
		nullString(txHash), nullString(description)); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) Move(ctx context.Context, from, to, amount, reference, entryType string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the source row and verify funds before any mutation.
	var available string
	err = tx.QueryRowContext(ctx, `
		SELECT available::TEXT FROM ledger_balances WHERE account = $1 FOR UPDATE`, from).
		Scan(&available)
	if err == sql.ErrNoRows {
		return ErrInsufficientBalance
	}
	if err != nil {
		return err
	}

	availBig, ok := parseAmount(available)
	if !ok {
		return fmt.Errorf("corrupt balance for %s: %q", from, available)
	}
	amtBig, ok := parseAmount(amount)
	if !ok {
		return ErrInvalidAmount
	}
	if availBig.Cmp(amtBig) < 0 {
		return ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available = available - $2::NUMERIC(20,6),
			total_out = total_out + $2::NUMERIC(20,6),
			updated_at = now()
		WHERE account = $1`, from, amount); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), now())
		ON CONFLICT (account) DO UPDATE SET
			available = ledger_balances.available + $2::NUMERIC(20,6),
			total_in = ledger_balances.total_in + $2::NUMERIC(20,6),
			updated_at = now()`, to, amount); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, reference)
		VALUES ($1, $2, $5, '-' || $4, $6), ($3, $7, $5, $4, $6)`,
		idgen.WithPrefix("led_"), from, idgen.WithPrefix("led_"),
		amount, entryType, nullString(reference), to); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, type, amount, tx_hash, reference, description, created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at DESC
		LIMIT $2`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var txHash, reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.Account, &e.Type, &e.Amount,
			&txHash, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TxHash = txHash.String
		e.Reference = reference.String
		e.Description = description.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE tx_hash = $1)`, txHash).Scan(&exists)
	return exists, err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
