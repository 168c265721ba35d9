package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settlement_transactions (
			session_id TEXT PRIMARY KEY,
			payer_id BIGINT NOT NULL,
			creator_id BIGINT NOT NULL,
			kind TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			commission BIGINT NOT NULL,
			creator_earnings BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settlement_refunds (
			session_id TEXT PRIMARY KEY,
			payer_id BIGINT NOT NULL,
			creator_id BIGINT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			reversed_earnings BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settlement_balances (
			user_id BIGINT PRIMARY KEY,
			amount BIGINT NOT NULL DEFAULT 0
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init settlement schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgBalanceUpsert = `INSERT INTO settlement_balances (user_id, amount) VALUES ($1, $2)
	ON CONFLICT (user_id) DO UPDATE SET amount = settlement_balances.amount + EXCLUDED.amount`

func (s *PostgresStore) InsertPurchase(ctx context.Context, p Purchase) (Purchase, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Purchase{}, false, fmt.Errorf("begin purchase tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO settlement_transactions
			(session_id, payer_id, creator_id, kind, amount, commission, creator_earnings, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (session_id) DO NOTHING`,
		p.SessionID, p.PayerID, p.CreatorID, p.Kind,
		p.Split.Amount, p.Split.Commission, p.Split.CreatorEarnings, p.CreatedAt,
	)
	if err != nil {
		return Purchase{}, false, fmt.Errorf("insert purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := getPostgresPurchase(ctx, tx, p.SessionID)
		return existing, false, err
	}

	if _, err := tx.Exec(ctx, pgBalanceUpsert, p.CreatorID, p.Split.CreatorEarnings); err != nil {
		return Purchase{}, false, fmt.Errorf("credit creator balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Purchase{}, false, fmt.Errorf("commit purchase: %w", err)
	}
	return p, true, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getPostgresPurchase(ctx context.Context, q pgQuerier, sessionID string) (Purchase, error) {
	var p Purchase
	err := q.QueryRow(ctx,
		`SELECT session_id, payer_id, creator_id, kind, amount, commission, creator_earnings, created_at
		FROM settlement_transactions WHERE session_id=$1`, sessionID,
	).Scan(&p.SessionID, &p.PayerID, &p.CreatorID, &p.Kind, &p.Split.Amount, &p.Split.Commission, &p.Split.CreatorEarnings, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purchase{}, ErrNotFound
		}
		return Purchase{}, fmt.Errorf("get purchase: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *PostgresStore) GetPurchase(ctx context.Context, sessionID string) (Purchase, error) {
	return getPostgresPurchase(ctx, s.pool, sessionID)
}

func (s *PostgresStore) InsertRefund(ctx context.Context, r Refund) (Refund, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Refund{}, false, fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO settlement_refunds
			(session_id, payer_id, creator_id, amount, reversed_earnings, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id) DO NOTHING`,
		r.SessionID, r.PayerID, r.CreatorID, r.Amount, r.ReversedEarnings, r.CreatedAt,
	)
	if err != nil {
		return Refund{}, false, fmt.Errorf("insert refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := getPostgresRefund(ctx, tx, r.SessionID)
		return existing, false, err
	}

	if r.ReversedEarnings != 0 {
		if _, err := tx.Exec(ctx, pgBalanceUpsert, r.CreatorID, -r.ReversedEarnings); err != nil {
			return Refund{}, false, fmt.Errorf("debit creator balance: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Refund{}, false, fmt.Errorf("commit refund: %w", err)
	}
	return r, true, nil
}

func getPostgresRefund(ctx context.Context, q pgQuerier, sessionID string) (Refund, error) {
	var r Refund
	err := q.QueryRow(ctx,
		`SELECT session_id, payer_id, creator_id, amount, reversed_earnings, created_at
		FROM settlement_refunds WHERE session_id=$1`, sessionID,
	).Scan(&r.SessionID, &r.PayerID, &r.CreatorID, &r.Amount, &r.ReversedEarnings, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Refund{}, ErrNotFound
		}
		return Refund{}, fmt.Errorf("get refund: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *PostgresStore) GetRefund(ctx context.Context, sessionID string) (Refund, error) {
	return getPostgresRefund(ctx, s.pool, sessionID)
}

func (s *PostgresStore) Balance(ctx context.Context, userID int64) (int64, error) {
	var amount int64
	err := s.pool.QueryRow(ctx, `SELECT amount FROM settlement_balances WHERE user_id=$1`, userID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return amount, nil
}

func (s *PostgresStore) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.pool.QueryRow(ctx, `SELECT
		COALESCE((SELECT SUM(amount) FROM settlement_transactions), 0)::BIGINT,
		COALESCE((SELECT SUM(commission) FROM settlement_transactions), 0)::BIGINT,
		COALESCE((SELECT SUM(amount) FROM settlement_refunds), 0)::BIGINT`,
	).Scan(&t.Purchases, &t.Commission, &t.Refunds)
	if err != nil {
		return Totals{}, fmt.Errorf("settlement totals: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
