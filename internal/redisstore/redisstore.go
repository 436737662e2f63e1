// Package redisstore keeps attendance sessions and records in Redis. Every
// state-changing operation is a single Lua script so it is atomic on the
// server without client-side locking.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/rollcall/internal/model"
)

const DefaultPrefix = "rollcall:"

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and verifies the server is reachable.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// keys builds Redis key names. IDs are free-form and may contain ':', so
// every key type has its own leading namespace and a key holding two IDs
// length-prefixes the first.
type keys struct {
	prefix string
}

func (k keys) session(id string) string          { return k.prefix + "session:" + id }
func (k keys) ownerSessions(owner string) string { return k.prefix + "owner:" + owner + ":sessions" }
func (k keys) record(sessionID, studentID string) string {
	return k.prefix + "record:" + strconv.Itoa(len(sessionID)) + ":" + sessionID + ":" + studentID
}
func (k keys) sessionStudents(sessionID string) string { return k.prefix + "students:" + sessionID }
func (k keys) classRecords(classID string) string      { return k.prefix + "class:" + classID + ":records" }

// storedSession is the JSON document kept per session. Times are unix
// milliseconds so the Lua scripts can compare them.
type storedSession struct {
	ID        string `json:"id"`
	ClassID   string `json:"classId"`
	OwnerID   string `json:"ownerId"`
	State     string `json:"state"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
	ClosedAt  *int64 `json:"closedAt,omitempty"`
}

func toStoredSession(s *model.Session) storedSession {
	return storedSession{
		ID:        s.ID,
		ClassID:   s.ClassID,
		OwnerID:   s.OwnerID,
		State:     string(model.SessionActive),
		CreatedAt: s.CreatedAt.UnixMilli(),
		ExpiresAt: s.ExpiresAt.UnixMilli(),
	}
}

func (s storedSession) model() model.Session {
	out := model.Session{
		ID:        s.ID,
		ClassID:   s.ClassID,
		OwnerID:   s.OwnerID,
		State:     model.SessionState(s.State),
		CreatedAt: time.UnixMilli(s.CreatedAt).UTC(),
		ExpiresAt: time.UnixMilli(s.ExpiresAt).UTC(),
	}
	if s.ClosedAt != nil {
		t := time.UnixMilli(*s.ClosedAt).UTC()
		out.ClosedAt = &t
	}
	return out
}

type storedRecord struct {
	SessionID string `json:"sessionId"`
	StudentID string `json:"studentId"`
	ClassID   string `json:"classId"`
	MarkedAt  int64  `json:"markedAt"`
	Method    string `json:"method"`
	Verified  bool   `json:"verified"`
}

func (r storedRecord) model() model.AttendanceRecord {
	return model.AttendanceRecord{
		SessionID: r.SessionID,
		StudentID: r.StudentID,
		ClassID:   r.ClassID,
		MarkedAt:  time.UnixMilli(r.MarkedAt).UTC(),
		Method:    model.Method(r.Method),
		Verified:  r.Verified,
	}
}

func decodeSession(raw string) (model.Session, error) {
	var s storedSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return model.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return s.model(), nil
}

func decodeRecord(raw string) (model.AttendanceRecord, error) {
	var r storedRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r.model(), nil
}
