package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/rollcall/internal/model"
)

type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func scanSession(scanner interface{ Scan(...any) error }) (*model.Session, error) {
	var s model.Session
	var createdAt, expiresAt int64
	var closedAt sql.NullInt64
	err := scanner.Scan(&s.ID, &s.ClassID, &s.OwnerID, &s.State, &createdAt, &expiresAt, &closedAt)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(createdAt)
	s.ExpiresAt = fromMillis(expiresAt)
	if closedAt.Valid {
		t := fromMillis(closedAt.Int64)
		s.ClosedAt = &t
	}
	return &s, nil
}

const sessionCols = `id, class_id, owner_id, state, created_at, expires_at, closed_at`

// Create inserts an active session. The insert is skipped, in the same
// statement, when the ID exists or the owner already has an unexpired active
// session; the two cases are then told apart by a follow-up lookup.
func (s *SessionStore) Create(ctx context.Context, sess *model.Session) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance_sessions (id, class_id, owner_id, state, created_at, expires_at)
		 SELECT ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM attendance_sessions
		   WHERE owner_id = ? AND state = 'active' AND expires_at >= ?
		 )
		 ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.ClassID, sess.OwnerID, model.SessionActive,
		toMillis(sess.CreatedAt), toMillis(sess.ExpiresAt),
		sess.OwnerID, toMillis(sess.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		sess.State = model.SessionActive
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_sessions WHERE id = ?`, sess.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check session id: %w", err)
	}
	if exists > 0 {
		return ErrConflict
	}
	return ErrActiveSession
}

func (s *SessionStore) Get(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM attendance_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// Close marks the session closed. Closing a closed session is a no-op.
func (s *SessionStore) Close(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE attendance_sessions SET state = 'closed', closed_at = ? WHERE id = ? AND state = 'active'`,
		toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

// FindActiveByOwner returns the owner's newest session that is active and
// not yet expired at now.
func (s *SessionStore) FindActiveByOwner(ctx context.Context, ownerID string, now time.Time) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM attendance_sessions
		 WHERE owner_id = ? AND state = 'active' AND expires_at >= ?
		 ORDER BY created_at DESC LIMIT 1`,
		ownerID, toMillis(now),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return sess, nil
}

// ListByOwner returns every session the owner opened, newest first.
func (s *SessionStore) ListByOwner(ctx context.Context, ownerID string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM attendance_sessions WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
