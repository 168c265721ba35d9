package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/callroom/internal/persistence/sqlite"
)

// SQLiteStore is the embedded durable store. Timestamps are stored as unix nanoseconds.
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
		return nil, fmt.Errorf("init videocall schema: %w", err)
	}
	if err := sqlite.Migrate(ctx, db, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate videocall schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS videocall_sessions (
		id TEXT PRIMARY KEY,
		creator_id INTEGER NOT NULL,
		counterpart_id INTEGER NOT NULL,
		duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
		price INTEGER NOT NULL CHECK (price >= 0),
		status TEXT NOT NULL,
		payment_verified INTEGER NOT NULL DEFAULT 0,
		room_id INTEGER NULL,
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		activated_at INTEGER NULL,
		ended_at INTEGER NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_videocall_sessions_status ON videocall_sessions (status, created_at);`,
	`CREATE TABLE IF NOT EXISTS videocall_rooms (
		id INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE REFERENCES videocall_sessions(id),
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		deleted_at INTEGER NULL
	);`,
	`CREATE TABLE IF NOT EXISTS videocall_pricing (
		creator_id INTEGER PRIMARY KEY,
		tiers TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);`,
}

// sqliteMigrations extend sqliteSchema; append only.
var sqliteMigrations = [][]string{
	{
		`ALTER TABLE videocall_sessions ADD COLUMN refund_pending INTEGER NOT NULL DEFAULT 0;`,
		`CREATE INDEX IF NOT EXISTS idx_videocall_sessions_refund ON videocall_sessions (created_at) WHERE refund_pending = 1;`,
	},
}

const sqliteSessionColumns = `id, creator_id, counterpart_id, duration_minutes, price, status, payment_verified,
	room_id, cancel_reason, refund_pending, created_at, activated_at, ended_at`

func (s *SQLiteStore) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO videocall_sessions (`+sqliteSessionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID,
		sess.CreatorID,
		sess.CounterpartID,
		sess.DurationMinutes,
		sess.Price,
		string(sess.Status),
		sess.PaymentVerified,
		nullInt64(sess.RoomID),
		sess.CancelReason,
		sess.RefundPending,
		sess.CreatedAt.UTC().UnixNano(),
		sqlite.NullTime(sess.ActivatedAt),
		sqlite.NullTime(sess.EndedAt),
	)
	if err != nil {
		if sqlite.IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM videocall_sessions WHERE id=?`, id)
	sess, err := scanSQLiteSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, t Transition) (Session, error) {
	from := statusStrings(t.From)
	if len(from) == 0 {
		return Session{}, fmt.Errorf("transition session: empty source status set")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")

	args := []any{
		string(t.To),
		sqlite.NullTime(t.activatedAt()),
		sqlite.NullTime(t.endedAt()),
		nullInt64(t.RoomID),
		t.Reason,
		t.Reason,
		t.FlagRefund,
		id,
	}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE videocall_sessions SET
			status=?,
			activated_at=COALESCE(?, activated_at),
			ended_at=COALESCE(?, ended_at),
			room_id=COALESCE(?, room_id),
			cancel_reason=CASE WHEN ? = '' THEN cancel_reason ELSE ? END,
			refund_pending=CASE WHEN ? AND price > 0 THEN 1 ELSE refund_pending END
		WHERE id=? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return Session{}, fmt.Errorf("transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, fmt.Errorf("transition session rows: %w", err)
	}

	current, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if n == 0 {
		return current, ErrStatusMismatch
	}
	return current, nil
}

func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, status Status) ([]Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sqliteSessionColumns+` FROM videocall_sessions WHERE status=? ORDER BY created_at ASC`,
		string(status),
	)
}

func (s *SQLiteStore) ListRefundPending(ctx context.Context) ([]Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sqliteSessionColumns+` FROM videocall_sessions WHERE refund_pending=1 ORDER BY created_at ASC`,
	)
}

func (s *SQLiteStore) ClearRefundPending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE videocall_sessions SET refund_pending=0 WHERE id=? AND refund_pending=1`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("clear refund flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear refund flag rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
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

func (s *SQLiteStore) InsertRoom(ctx context.Context, r Room) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO videocall_rooms (id, session_id, title, description, created_at, deleted_at)
		SELECT ?,?,?,?,?,?
		WHERE EXISTS (SELECT 1 FROM videocall_sessions WHERE id=? AND status=?)`,
		r.ID, r.SessionID, r.Title, r.Description, r.CreatedAt.UTC().UnixNano(), sqlite.NullTime(r.DeletedAt),
		r.SessionID, string(StatusPending),
	)
	if err != nil {
		if sqlite.IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert room rows: %w", err)
	}
	if n == 1 {
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

func (s *SQLiteStore) GetRoomBySession(ctx context.Context, sessionID string) (Room, error) {
	var (
		r         Room
		createdAt int64
		deletedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, title, description, created_at, deleted_at
		   FROM videocall_rooms WHERE session_id=?`,
		sessionID,
	).Scan(&r.ID, &r.SessionID, &r.Title, &r.Description, &createdAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.DeletedAt = sqlite.TimePtr(deletedAt)
	return r, nil
}

func (s *SQLiteStore) MarkRoomDeleted(ctx context.Context, roomID int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE videocall_rooms SET deleted_at=? WHERE id=? AND deleted_at IS NULL`,
		at.UTC().UnixNano(), roomID,
	)
	if err != nil {
		return false, fmt.Errorf("mark room deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark room deleted rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM videocall_rooms WHERE id=?`, roomID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check room: %w", err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *SQLiteStore) GetPricing(ctx context.Context, creatorID int64) (Pricing, error) {
	var (
		p         Pricing
		raw       string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT creator_id, tiers, enabled, updated_at FROM videocall_pricing WHERE creator_id=?`,
		creatorID,
	).Scan(&p.CreatorID, &raw, &p.Enabled, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Pricing{}, ErrPricingNotFound
		}
		return Pricing{}, fmt.Errorf("get pricing: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &p.Tiers); err != nil {
		return Pricing{}, fmt.Errorf("decode pricing tiers: %w", err)
	}
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return p, nil
}

func (s *SQLiteStore) SavePricing(ctx context.Context, p Pricing) error {
	raw, err := json.Marshal(p.Tiers)
	if err != nil {
		return fmt.Errorf("encode pricing tiers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO videocall_pricing (creator_id, tiers, enabled, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT (creator_id) DO UPDATE SET
			tiers=excluded.tiers,
			enabled=excluded.enabled,
			updated_at=excluded.updated_at`,
		p.CreatorID, string(raw), p.Enabled, p.UpdatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert pricing: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteSession(row rowScanner) (Session, error) {
	var (
		sess        Session
		status      string
		roomID      sql.NullInt64
		createdAt   int64
		activatedAt sql.NullInt64
		endedAt     sql.NullInt64
	)
	if err := row.Scan(
		&sess.ID,
		&sess.CreatorID,
		&sess.CounterpartID,
		&sess.DurationMinutes,
		&sess.Price,
		&status,
		&sess.PaymentVerified,
		&roomID,
		&sess.CancelReason,
		&sess.RefundPending,
		&createdAt,
		&activatedAt,
		&endedAt,
	); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	if roomID.Valid {
		v := roomID.Int64
		sess.RoomID = &v
	}
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.ActivatedAt = sqlite.TimePtr(activatedAt)
	sess.EndedAt = sqlite.TimePtr(endedAt)
	return sess, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
