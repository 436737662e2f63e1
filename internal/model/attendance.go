package model

import "time"

// SessionState is the stored lifecycle state of an attendance session.
// Expired is never written; it is derived from ExpiresAt at read time.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionClosed  SessionState = "closed"
	SessionExpired SessionState = "expired"
)

type Session struct {
	ID        string       `json:"sessionId"`
	ClassID   string       `json:"classId"`
	OwnerID   string       `json:"teacherUid"`
	State     SessionState `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
	ClosedAt  *time.Time   `json:"closedAt,omitempty"`
}

// StateAt reports the effective state of the session at now.
func (s *Session) StateAt(now time.Time) SessionState {
	if s.State == SessionClosed {
		return SessionClosed
	}
	if now.After(s.ExpiresAt) {
		return SessionExpired
	}
	return SessionActive
}

// Method records how an attendance record was obtained.
type Method string

const (
	MethodSignal Method = "signal"
	MethodManual Method = "manual"
)

type AttendanceRecord struct {
	SessionID string    `json:"sessionId"`
	StudentID string    `json:"studentUid"`
	ClassID   string    `json:"classId"`
	MarkedAt  time.Time `json:"markedAt"`
	Method    Method    `json:"method"`
	Verified  bool      `json:"verified"`
}
