package directory

import (
	"context"
	"database/sql"
	"strconv"
)

// PostgresStore persists directory data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed directory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the directory tables and id sequence if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS service_ids START 1`,
		`CREATE TABLE IF NOT EXISTS services (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			category TEXT NOT NULL,
			price TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			total_requests BIGINT NOT NULL DEFAULT 0,
			successful_requests BIGINT NOT NULL DEFAULT 0,
			supports_x402 BOOLEAN NOT NULL DEFAULT FALSE,
			x402_payment_token TEXT,
			x402_payment_amount TEXT,
			x402_gateway_address TEXT,
			x402_chain_id BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS service_providers (
			seq BIGSERIAL PRIMARY KEY,
			provider TEXT NOT NULL,
			service_id BIGINT NOT NULL REFERENCES services(id)
		)`,
		`CREATE TABLE IF NOT EXISTS provider_reputation (
			provider TEXT PRIMARY KEY,
			score INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_service_providers_provider ON service_providers(provider)`,
		`CREATE INDEX IF NOT EXISTS idx_services_category ON services(category) WHERE active`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const serviceColumns = `id, provider, name, description, category, price, endpoint,
			active, created_at, total_requests, successful_requests,
			supports_x402, x402_payment_token, x402_payment_amount,
			x402_gateway_address, x402_chain_id`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Service, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, int64(id))

	svc, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, ErrServiceNotFound
	}
	return svc, err
}

func (p *PostgresStore) Put(ctx context.Context, svc *Service) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO services (
			id, provider, name, description, category, price, endpoint,
			active, created_at, total_requests, successful_requests,
			supports_x402, x402_payment_token, x402_payment_amount,
			x402_gateway_address, x402_chain_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16
		)
		ON CONFLICT (id) DO UPDATE SET
			price = EXCLUDED.price,
			active = EXCLUDED.active,
			total_requests = EXCLUDED.total_requests,
			successful_requests = EXCLUDED.successful_requests,
			supports_x402 = EXCLUDED.supports_x402,
			x402_payment_token = EXCLUDED.x402_payment_token,
			x402_payment_amount = EXCLUDED.x402_payment_amount,
			x402_gateway_address = EXCLUDED.x402_gateway_address,
			x402_chain_id = EXCLUDED.x402_chain_id`,
		int64(svc.ID), svc.Provider, svc.Name, svc.Description,
		string(svc.Category), svc.Price, svc.Endpoint,
		svc.Active, svc.CreatedAt, int64(svc.TotalRequests), int64(svc.SuccessfulRequests),
		svc.SupportsX402, nullString(svc.X402PaymentToken), nullString(svc.X402PaymentAmount),
		nullString(svc.X402GatewayAddress), nullInt64(int64(svc.X402ChainID)),
	)
	return err
}

func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('service_ids')`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (p *PostgresStore) AppendProviderIndex(ctx context.Context, provider string, id uint64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO service_providers (provider, service_id) VALUES ($1, $2)`,
		provider, int64(id))
	return err
}

func (p *PostgresStore) ProviderServices(ctx context.Context, provider string) ([]uint64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT service_id FROM service_providers
		WHERE provider = $1
		ORDER BY seq ASC`, provider)
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

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Service, error) {
	return p.listWhere(ctx, `active`, nil, limit)
}

func (p *PostgresStore) ListByCategory(ctx context.Context, category Category, limit int) ([]*Service, error) {
	return p.listWhere(ctx, `active AND category = $1`, []interface{}{string(category)}, limit)
}

func (p *PostgresStore) ListX402(ctx context.Context, limit int) ([]*Service, error) {
	return p.listWhere(ctx, `active AND supports_x402`, nil, limit)
}

func (p *PostgresStore) listWhere(ctx context.Context, where string, args []interface{}, limit int) ([]*Service, error) {
	q := `SELECT ` + serviceColumns + ` FROM services WHERE ` + where + ` ORDER BY id ASC`
	if limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Service{}
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM services`).Scan(&n)
	return uint64(n), err
}

func (p *PostgresStore) SetReputation(ctx context.Context, provider string, score uint32) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provider_reputation (provider, score) VALUES ($1, $2)
		ON CONFLICT (provider) DO UPDATE SET score = EXCLUDED.score`,
		provider, int32(score))
	return err
}

func (p *PostgresStore) Reputation(ctx context.Context, provider string) (uint32, error) {
	var score int32
	err := p.db.QueryRowContext(ctx,
		`SELECT score FROM provider_reputation WHERE provider = $1`, provider).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint32(score), nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanService(s scanner) (*Service, error) {
	svc := &Service{}
	var (
		id         int64
		category   string
		total      int64
		successful int64
		x402Token  sql.NullString
		x402Amount sql.NullString
		x402GW     sql.NullString
		x402Chain  sql.NullInt64
	)

	err := s.Scan(
		&id, &svc.Provider, &svc.Name, &svc.Description, &category,
		&svc.Price, &svc.Endpoint, &svc.Active, &svc.CreatedAt,
		&total, &successful,
		&svc.SupportsX402, &x402Token, &x402Amount, &x402GW, &x402Chain,
	)
	if err != nil {
		return nil, err
	}

	svc.ID = uint64(id)
	svc.Category = Category(category)
	svc.TotalRequests = uint64(total)
	svc.SuccessfulRequests = uint64(successful)
	svc.X402PaymentToken = x402Token.String
	svc.X402PaymentAmount = x402Amount.String
	svc.X402GatewayAddress = x402GW.String
	if x402Chain.Valid {
		svc.X402ChainID = uint64(x402Chain.Int64)
	}

	return svc, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt64 converts a zero value to sql.NullInt64.
func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
