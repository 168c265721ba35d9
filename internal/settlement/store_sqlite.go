package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/callroom/internal/persistence/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlite.Open(ctx, strings.TrimSpace(path), sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := sqlite.Exec(ctx, db, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init settlement schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS settlement_transactions (
		session_id TEXT PRIMARY KEY,
		payer_id INTEGER NOT NULL,
		creator_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		commission INTEGER NOT NULL,
		creator_earnings INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS settlement_refunds (
		session_id TEXT PRIMARY KEY,
		payer_id INTEGER NOT NULL,
		creator_id INTEGER NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		reversed_earnings INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS settlement_balances (
		user_id INTEGER PRIMARY KEY,
		amount INTEGER NOT NULL DEFAULT 0
	);`,
}

const sqliteBalanceUpsert = `INSERT INTO settlement_balances (user_id, amount) VALUES (?, ?)
	ON CONFLICT(user_id) DO UPDATE SET amount = settlement_balances.amount + excluded.amount`

func (s *SQLiteStore) InsertPurchase(ctx context.Context, p Purchase) (Purchase, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Purchase{}, false, fmt.Errorf("begin purchase tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO settlement_transactions
			(session_id, payer_id, creator_id, kind, amount, commission, creator_earnings, created_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO NOTHING`,
		p.SessionID, p.PayerID, p.CreatorID, p.Kind,
		p.Split.Amount, p.Split.Commission, p.Split.CreatorEarnings,
		p.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return Purchase{}, false, fmt.Errorf("insert purchase: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Purchase{}, false, fmt.Errorf("insert purchase: %w", err)
	} else if n == 0 {
		existing, err := getSQLitePurchase(ctx, tx, p.SessionID)
		return existing, false, err
	}

	if _, err := tx.ExecContext(ctx, sqliteBalanceUpsert, p.CreatorID, p.Split.CreatorEarnings); err != nil {
		return Purchase{}, false, fmt.Errorf("credit creator balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Purchase{}, false, fmt.Errorf("commit purchase: %w", err)
	}
	return p, true, nil
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLitePurchase(ctx context.Context, q sqliteQuerier, sessionID string) (Purchase, error) {
	var (
		p       Purchase
		created int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT session_id, payer_id, creator_id, kind, amount, commission, creator_earnings, created_at
		FROM settlement_transactions WHERE session_id=?`, sessionID,
	).Scan(&p.SessionID, &p.PayerID, &p.CreatorID, &p.Kind, &p.Split.Amount, &p.Split.Commission, &p.Split.CreatorEarnings, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Purchase{}, ErrNotFound
		}
		return Purchase{}, fmt.Errorf("get purchase: %w", err)
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	return p, nil
}

func (s *SQLiteStore) GetPurchase(ctx context.Context, sessionID string) (Purchase, error) {
	return getSQLitePurchase(ctx, s.db, sessionID)
}

func (s *SQLiteStore) InsertRefund(ctx context.Context, r Refund) (Refund, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Refund{}, false, fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO settlement_refunds
			(session_id, payer_id, creator_id, amount, reversed_earnings, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(session_id) DO NOTHING`,
		r.SessionID, r.PayerID, r.CreatorID, r.Amount, r.ReversedEarnings, r.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return Refund{}, false, fmt.Errorf("insert refund: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Refund{}, false, fmt.Errorf("insert refund: %w", err)
	} else if n == 0 {
		existing, err := getSQLiteRefund(ctx, tx, r.SessionID)
		return existing, false, err
	}

	if r.ReversedEarnings != 0 {
		if _, err := tx.ExecContext(ctx, sqliteBalanceUpsert, r.CreatorID, -r.ReversedEarnings); err != nil {
			return Refund{}, false, fmt.Errorf("debit creator balance: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Refund{}, false, fmt.Errorf("commit refund: %w", err)
	}
	return r, true, nil
}

func getSQLiteRefund(ctx context.Context, q sqliteQuerier, sessionID string) (Refund, error) {
	var (
		r       Refund
		created int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT session_id, payer_id, creator_id, amount, reversed_earnings, created_at
		FROM settlement_refunds WHERE session_id=?`, sessionID,
	).Scan(&r.SessionID, &r.PayerID, &r.CreatorID, &r.Amount, &r.ReversedEarnings, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Refund{}, ErrNotFound
		}
		return Refund{}, fmt.Errorf("get refund: %w", err)
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

func (s *SQLiteStore) GetRefund(ctx context.Context, sessionID string) (Refund, error) {
	return getSQLiteRefund(ctx, s.db, sessionID)
}

func (s *SQLiteStore) Balance(ctx context.Context, userID int64) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM settlement_balances WHERE user_id=?`, userID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return amount, nil
}

func (s *SQLiteStore) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx, `SELECT
		COALESCE((SELECT SUM(amount) FROM settlement_transactions), 0),
		COALESCE((SELECT SUM(commission) FROM settlement_transactions), 0),
		COALESCE((SELECT SUM(amount) FROM settlement_refunds), 0)`,
	).Scan(&t.Purchases, &t.Commission, &t.Refunds)
	if err != nil {
		return Totals{}, fmt.Errorf("settlement totals: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
