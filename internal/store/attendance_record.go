package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/rollcall/internal/model"
)

type RecordStore struct {
	db *sql.DB
}

func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

func scanRecord(scanner interface{ Scan(...any) error }) (*model.AttendanceRecord, error) {
	var r model.AttendanceRecord
	var markedAt int64
	var verified int
	err := scanner.Scan(&r.SessionID, &r.StudentID, &r.ClassID, &markedAt, &r.Method, &verified)
	if err != nil {
		return nil, err
	}
	r.MarkedAt = fromMillis(markedAt)
	r.Verified = verified != 0
	return &r, nil
}

const recordCols = `session_id, student_id, class_id, marked_at, method, verified`

// PutIfAbsent stores rec unless a record for the same session and student
// exists. It returns the record that is stored after the call and whether
// this call inserted it. Concurrent callers for one key see exactly one
// insert.
func (s *RecordStore) PutIfAbsent(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, bool, error) {
	var v int
	if rec.Verified {
		v = 1
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance_records (`+recordCols+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, student_id) DO NOTHING`,
		rec.SessionID, rec.StudentID, rec.ClassID, toMillis(rec.MarkedAt), rec.Method, v,
	)
	if err != nil {
		return model.AttendanceRecord{}, false, fmt.Errorf("insert record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return model.AttendanceRecord{}, false, fmt.Errorf("rows affected: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM attendance_records WHERE session_id = ? AND student_id = ?`,
		rec.SessionID, rec.StudentID,
	)
	stored, err := scanRecord(row)
	if err != nil {
		return model.AttendanceRecord{}, false, fmt.Errorf("get record: %w", err)
	}
	return *stored, n == 1, nil
}

func (s *RecordStore) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_records WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

func (s *RecordStore) ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	return s.list(ctx, `SELECT `+recordCols+` FROM attendance_records WHERE session_id = ? ORDER BY marked_at`, sessionID)
}

// ListByClass returns records across all sessions of the class. Order is
// not part of the contract.
func (s *RecordStore) ListByClass(ctx context.Context, classID string) ([]model.AttendanceRecord, error) {
	return s.list(ctx, `SELECT `+recordCols+` FROM attendance_records WHERE class_id = ?`, classID)
}

func (s *RecordStore) list(ctx context.Context, query string, arg string) ([]model.AttendanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []model.AttendanceRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
