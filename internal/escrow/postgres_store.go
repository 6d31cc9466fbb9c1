package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrow tables and id sequence if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS escrow_ids START 1`,
		`CREATE TABLE IF NOT EXISTS escrows (
			id BIGINT PRIMARY KEY,
			payer TEXT NOT NULL,
			payee TEXT NOT NULL,
			amount TEXT NOT NULL,
			service_id TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			payment_code TEXT,
			uses_x402 BOOLEAN NOT NULL DEFAULT FALSE,
			x402_payment_hash TEXT,
			x402_verified BOOLEAN NOT NULL DEFAULT FALSE,
			x402_token_address TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS escrow_parties (
			seq BIGSERIAL PRIMARY KEY,
			party TEXT NOT NULL,
			escrow_id BIGINT NOT NULL REFERENCES escrows(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_parties_party ON escrow_parties(party)`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const escrowColumns = `id, payer, payee, amount, service_id, status,
		       created_at, completed_at, payment_code,
		       uses_x402, x402_payment_hash, x402_verified, x402_token_address`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, int64(id))

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Put(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, payer, payee, amount, service_id, status,
			created_at, completed_at, payment_code,
			uses_x402, x402_payment_hash, x402_verified, x402_token_address
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			x402_payment_hash = EXCLUDED.x402_payment_hash,
			x402_verified = EXCLUDED.x402_verified`,
		int64(e.ID), e.Payer, e.Payee, e.Amount,
		nullString(e.ServiceID), string(e.Status),
		e.CreatedAt, nullTime(e.CompletedAt), nullString(e.PaymentCode),
		e.UsesX402, nullString(e.X402PaymentHash), e.X402Verified,
		nullString(e.X402TokenAddress),
	)
	return err
}

func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('escrow_ids')`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (p *PostgresStore) AppendPartyIndex(ctx context.Context, party string, id uint64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO escrow_parties (party, escrow_id) VALUES ($1, $2)`,
		party, int64(id))
	return err
}

func (p *PostgresStore) PartyEscrows(ctx context.Context, party string) ([]uint64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT escrow_id FROM escrow_parties
		WHERE party = $1
		ORDER BY seq ASC`, party)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows`).Scan(&n)
	return uint64(n), err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		id          int64
		serviceID   sql.NullString
		status      string
		completedAt sql.NullTime
		paymentCode sql.NullString
		x402Hash    sql.NullString
		x402Token   sql.NullString
	)

	err := s.Scan(
		&id, &e.Payer, &e.Payee, &e.Amount, &serviceID, &status,
		&e.CreatedAt, &completedAt, &paymentCode,
		&e.UsesX402, &x402Hash, &e.X402Verified, &x402Token,
	)
	if err != nil {
		return nil, err
	}

	e.ID = uint64(id)
	e.Status = Status(status)
	e.ServiceID = serviceID.String
	e.PaymentCode = paymentCode.String
	e.X402PaymentHash = x402Hash.String
	e.X402TokenAddress = x402Token.String
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}

	return e, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
