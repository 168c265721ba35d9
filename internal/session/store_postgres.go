package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
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
		`CREATE TABLE IF NOT EXISTS videocall_sessions (
			id TEXT PRIMARY KEY,
			creator_id BIGINT NOT NULL,
			counterpart_id BIGINT NOT NULL,
			duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
			price BIGINT NOT NULL CHECK (price >= 0),
			status TEXT NOT NULL,
			payment_verified BOOLEAN NOT NULL DEFAULT FALSE,
			room_id BIGINT NULL,
			cancel_reason TEXT NOT NULL DEFAULT '',
			refund_pending BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			activated_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`ALTER TABLE videocall_sessions ADD COLUMN IF NOT EXISTS refund_pending BOOLEAN NOT NULL DEFAULT FALSE;`,
		`CREATE INDEX IF NOT EXISTS idx_videocall_sessions_status ON videocall_sessions (status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_videocall_sessions_refund ON videocall_sessions (created_at) WHERE refund_pending;`,
		`CREATE TABLE IF NOT EXISTS videocall_rooms (
			id BIGINT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE REFERENCES videocall_sessions(id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ NULL
		);`,
		`CREATE TABLE IF NOT EXISTS videocall_pricing (
			creator_id BIGINT PRIMARY KEY,
			tiers JSONB NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init videocall schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgSessionColumns = `id, creator_id, counterpart_id, duration_minutes, price, status, payment_verified,
	room_id, cancel_reason, refund_pending, created_at, activated_at, ended_at`

func (s *PostgresStore) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO videocall_sessions (`+pgSessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		sess.ID,
		sess.CreatorID,
		sess.CounterpartID,
		sess.DurationMinutes,
		sess.Price,
		string(sess.Status),
		sess.PaymentVerified,
		sess.RoomID,
		sess.CancelReason,
		sess.RefundPending,
		sess.CreatedAt,
		sess.ActivatedAt,
		sess.EndedAt,
	)
	if err != nil {
		if pgErrCode(err) == pgUniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM videocall_sessions WHERE id=$1`, id)
	sess, err := scanPostgresSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) TransitionSession(ctx context.Context, id string, t Transition) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE videocall_sessions SET
			status=$2,
			activated_at=COALESCE($3::timestamptz, activated_at),
			ended_at=COALESCE($4::timestamptz, ended_at),
			room_id=COALESCE($5::bigint, room_id),
			cancel_reason=CASE WHEN $6::text = '' THEN cancel_reason ELSE $6::text END,
			refund_pending=refund_pending OR ($8::boolean AND price > 0)
		WHERE id=$1 AND status = ANY($7::text[])
		RETURNING `+pgSessionColumns,
		id,
		string(t.To),
		t.activatedAt(),
		t.endedAt(),
		t.RoomID,
		t.Reason,
		statusStrings(t.From),
		t.FlagRefund,
	)
	sess, err := scanPostgresSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("transition session: %w", err)
	}
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return current, ErrStatusMismatch
}

func (s *PostgresStore) ListSessionsByStatus(ctx context.Context, status Status) ([]Session, error) {
	return s.querySessions(ctx,
		`SELECT `+pgSessionColumns+` FROM videocall_sessions WHERE status=$1 ORDER BY created_at ASC`,
		string(status),
	)
}

func (s *PostgresStore) ListRefundPending(ctx context.Context) ([]Session, error) {
	return s.querySessions(ctx,
		`SELECT `+pgSessionColumns+` FROM videocall_sessions WHERE refund_pending ORDER BY created_at ASC`,
	)
}

func (s *PostgresStore) ClearRefundPending(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE videocall_sessions SET refund_pending=FALSE WHERE id=$1 AND refund_pending`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("clear refund flag: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanPostgresSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// InsertRoom locks the session row so a concurrent cancel cannot commit between the
// status check and the insert.
func (s *PostgresStore) InsertRoom(ctx context.Context, r Room) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO videocall_rooms (id, session_id, title, description, created_at, deleted_at)
		SELECT $1::bigint, $2::text, $3::text, $4::text, $5::timestamptz, $6::timestamptz
		  FROM videocall_sessions
		 WHERE id=$2 AND status=$7
		   FOR SHARE`,
		r.ID, r.SessionID, r.Title, r.Description, r.CreatedAt, r.DeletedAt, string(StatusPending),
	)
	if err != nil {
		switch pgErrCode(err) {
		case pgUniqueViolation:
			return ErrConflict
		case pgForeignKeyViolation:
			return ErrNotFound
		}
		return fmt.Errorf("insert room: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetSession(ctx, r.SessionID); err != nil {
		return err
	}
	if _, err := s.GetRoomBySession(ctx, r.SessionID); err == nil {
		return ErrConflict
	}
	return ErrStatusMismatch
}

func (s *PostgresStore) GetRoomBySession(ctx context.Context, sessionID string) (Room, error) {
	var r Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, title, description, created_at, deleted_at
		   FROM videocall_rooms WHERE session_id=$1`,
		sessionID,
	).Scan(&r.ID, &r.SessionID, &r.Title, &r.Description, &r.CreatedAt, &r.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.DeletedAt = utcPtr(r.DeletedAt)
	return r, nil
}

func (s *PostgresStore) MarkRoomDeleted(ctx context.Context, roomID int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE videocall_rooms SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL`,
		roomID, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark room deleted: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM videocall_rooms WHERE id=$1)`, roomID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check room: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) GetPricing(ctx context.Context, creatorID int64) (Pricing, error) {
	var (
		p   Pricing
		raw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT creator_id, tiers, enabled, updated_at FROM videocall_pricing WHERE creator_id=$1`,
		creatorID,
	).Scan(&p.CreatorID, &raw, &p.Enabled, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pricing{}, ErrPricingNotFound
		}
		return Pricing{}, fmt.Errorf("get pricing: %w", err)
	}
	if err := json.Unmarshal(raw, &p.Tiers); err != nil {
		return Pricing{}, fmt.Errorf("decode pricing tiers: %w", err)
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *PostgresStore) SavePricing(ctx context.Context, p Pricing) error {
	raw, err := json.Marshal(p.Tiers)
	if err != nil {
		return fmt.Errorf("encode pricing tiers: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO videocall_pricing (creator_id, tiers, enabled, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (creator_id) DO UPDATE SET
			tiers=EXCLUDED.tiers,
			enabled=EXCLUDED.enabled,
			updated_at=EXCLUDED.updated_at`,
		p.CreatorID, string(raw), p.Enabled, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert pricing: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresSession(row rowScanner) (Session, error) {
	var (
		sess   Session
		status string
	)
	if err := row.Scan(
		&sess.ID,
		&sess.CreatorID,
		&sess.CounterpartID,
		&sess.DurationMinutes,
		&sess.Price,
		&status,
		&sess.PaymentVerified,
		&sess.RoomID,
		&sess.CancelReason,
		&sess.RefundPending,
		&sess.CreatedAt,
		&sess.ActivatedAt,
		&sess.EndedAt,
	); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.ActivatedAt = utcPtr(sess.ActivatedAt)
	sess.EndedAt = utcPtr(sess.EndedAt)
	return sess, nil
}

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
