// Package attendance implements the attendance-session protocol: opening
// time-boxed sessions, issuing tokens for them, and redeeming those tokens
// into attendance records exactly once per student.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/rollcall/internal/clock"
	"github.com/dukerupert/rollcall/internal/model"
	"github.com/dukerupert/rollcall/internal/store"
	"github.com/dukerupert/rollcall/internal/token"
)

// ClosedPolicy decides what happens when a valid, fresh token names a session
// that is no longer active.
type ClosedPolicy int

const (
	// RejectInactive refuses redemption against closed or expired sessions.
	RejectInactive ClosedPolicy = iota
	// GraceAfterClose records attendance as long as the token is fresh.
	GraceAfterClose
)

// ParseClosedPolicy accepts "reject" and "grace".
func ParseClosedPolicy(s string) (ClosedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return RejectInactive, nil
	case "grace":
		return GraceAfterClose, nil
	default:
		return RejectInactive, fmt.Errorf("unknown closed policy %q", s)
	}
}

func (p ClosedPolicy) String() string {
	if p == GraceAfterClose {
		return "grace"
	}
	return "reject"
}

type Config struct {
	DefaultDuration   time.Duration
	MaxDuration       time.Duration
	FreshnessWindow   time.Duration
	FallbackSessionID string
	FallbackClassID   string
	ManualCodeLength  int
	ClosedPolicy      ClosedPolicy
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefaultDuration:   10 * time.Minute,
		MaxDuration:       240 * time.Minute,
		FreshnessWindow:   30 * time.Minute,
		FallbackSessionID: "manual-fallback",
		FallbackClassID:   "manual",
		ManualCodeLength:  6,
		ClosedPolicy:      RejectInactive,
	}
}

type SessionStore interface {
	Create(ctx context.Context, sess *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	Close(ctx context.Context, id string, at time.Time) error
	FindActiveByOwner(ctx context.Context, ownerID string, now time.Time) (*model.Session, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Session, error)
}

type RecordStore interface {
	PutIfAbsent(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, bool, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error)
	ListByClass(ctx context.Context, classID string) ([]model.AttendanceRecord, error)
}

type Codec interface {
	Encode(p token.Payload) (string, error)
	Decode(s string) (token.Payload, error)
}

// Event is a change notification for observers of a single session.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Count     int    `json:"count,omitempty"`
}

const (
	EventAttendanceMarked = "attendance_marked"
	EventSessionClosed    = "session_closed"
)

// Publisher receives session events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

type Deps struct {
	Sessions  SessionStore
	Records   RecordStore
	Codec     Codec
	Clock     clock.Clock
	Publisher Publisher
	// NewID generates session IDs; defaults to random UUIDs.
	NewID  func() string
	Logger *slog.Logger
}

type Manager struct {
	cfg       Config
	sessions  SessionStore
	records   RecordStore
	codec     Codec
	clock     clock.Clock
	publisher Publisher
	newID     func() string
	logger    *slog.Logger
}

func NewManager(cfg Config, deps Deps) *Manager {
	m := &Manager{
		cfg:       cfg,
		sessions:  deps.Sessions,
		records:   deps.Records,
		codec:     deps.Codec,
		clock:     deps.Clock,
		publisher: deps.Publisher,
		newID:     deps.NewID,
		logger:    deps.Logger,
	}
	if m.clock == nil {
		m.clock = clock.System{}
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Created is returned from CreateSession.
type Created struct {
	SessionID  string    `json:"sessionId"`
	Token      string    `json:"payload"`
	ExpiresAt  time.Time `json:"expiresAt"`
	ClassID    string    `json:"subject"`
	ManualCode string    `json:"sonicCode"`
}

// CreateSession opens a session for ownerID and returns the token to
// broadcast. A non-positive durationMinutes selects the default duration.
func (m *Manager) CreateSession(ctx context.Context, ownerID, classID string, durationMinutes int) (*Created, error) {
	ownerID = strings.TrimSpace(ownerID)
	classID = strings.TrimSpace(classID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if classID == "" {
		return nil, fmt.Errorf("%w: class is required", ErrInvalidInput)
	}

	duration := m.cfg.DefaultDuration
	if durationMinutes > 0 {
		duration = time.Duration(durationMinutes) * time.Minute
	}
	if m.cfg.MaxDuration > 0 && duration > m.cfg.MaxDuration {
		return nil, fmt.Errorf("%w: duration exceeds %s", ErrInvalidInput, m.cfg.MaxDuration)
	}

	now := m.clock.Now()
	var created *Created

	// A colliding ID is regenerated once; any other failure stops at once.
	backoff := retry.WithMaxRetries(1, retry.NewConstant(time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		sess := &model.Session{
			ID:        m.newID(),
			ClassID:   classID,
			OwnerID:   ownerID,
			CreatedAt: now,
			ExpiresAt: now.Add(duration),
		}
		tok, err := m.codec.Encode(token.Payload{SessionID: sess.ID, ClassID: classID, IssuedAt: now})
		if err != nil {
			return fmt.Errorf("encode token: %w", err)
		}

		err = m.sessions.Create(ctx, sess)
		if errors.Is(err, store.ErrConflict) {
			m.logger.Warn("session id collision", "session_id", sess.ID)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}

		created = &Created{
			SessionID:  sess.ID,
			Token:      tok,
			ExpiresAt:  sess.ExpiresAt,
			ClassID:    classID,
			ManualCode: manualCode(sess.ID, m.cfg.ManualCodeLength),
		}
		return nil
	})
	if errors.Is(err, store.ErrActiveSession) {
		return nil, ErrActiveSessionExists
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.logger.Info("session opened",
		"session_id", created.SessionID,
		"owner_id", ownerID,
		"class_id", classID,
		"expires_at", created.ExpiresAt,
	)
	return created, nil
}

func manualCode(id string, n int) string {
	code := strings.ReplaceAll(id, "-", "")
	if n > 0 && len(code) > n {
		code = code[:n]
	}
	return strings.ToUpper(code)
}

// resolve turns raw client input into a session reference and the payload
// it carries. A token naming the fallback session resolves to Fallback, as
// a manual code does. ok is false when the input is neither a token nor a
// manual code.
func (m *Manager) resolve(raw string, now time.Time) (ref SessionRef, p token.Payload, ok bool) {
	p, err := m.codec.Decode(raw)
	if err == nil {
		if p.SessionID == m.cfg.FallbackSessionID {
			if p.ClassID == "" {
				p.ClassID = m.cfg.FallbackClassID
			}
			return Fallback(), p, true
		}
		return Real(p.SessionID), p, true
	}
	if m.cfg.ManualCodeLength > 0 && len(raw) == m.cfg.ManualCodeLength {
		return Fallback(), token.Payload{
			SessionID: m.cfg.FallbackSessionID,
			ClassID:   m.cfg.FallbackClassID,
			IssuedAt:  now,
		}, true
	}
	return SessionRef{}, token.Payload{}, false
}

// Redeem records studentID against the session named by raw. Validation
// failures are reported in the Outcome; an error means the stores failed.
func (m *Manager) Redeem(ctx context.Context, studentID, raw string) (Outcome, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return Outcome{}, fmt.Errorf("%w: student is required", ErrInvalidInput)
	}
	raw = strings.TrimSpace(raw)
	now := m.clock.Now()

	ref, p, ok := m.resolve(raw, now)
	if !ok {
		return m.reject(studentID, "", ReasonInvalidSignal), nil
	}
	if !clock.IsFresh(p.IssuedAt, now, m.cfg.FreshnessWindow) {
		return m.reject(studentID, p.SessionID, ReasonSignalExpired), nil
	}

	rec := model.AttendanceRecord{
		SessionID: p.SessionID,
		StudentID: studentID,
		ClassID:   p.ClassID,
		MarkedAt:  now,
		Method:    model.MethodManual,
	}

	if !ref.IsFallback() {
		sess, err := m.sessions.Get(ctx, ref.ID())
		if errors.Is(err, store.ErrNotFound) {
			return m.reject(studentID, ref.ID(), ReasonSessionNotFound), nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("load session: %w", err)
		}
		if m.cfg.ClosedPolicy == RejectInactive {
			switch sess.StateAt(now) {
			case model.SessionClosed:
				return m.reject(studentID, sess.ID, ReasonSessionClosed), nil
			case model.SessionExpired:
				return m.reject(studentID, sess.ID, ReasonSessionExpired), nil
			}
		}
		rec.ClassID = sess.ClassID
		rec.Method = model.MethodSignal
		rec.Verified = true
	}

	stored, inserted, err := m.records.PutIfAbsent(ctx, rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("record attendance: %w", err)
	}

	if inserted {
		m.logger.Info("attendance marked",
			"session_id", stored.SessionID,
			"student_id", studentID,
			"method", stored.Method,
		)
		if !ref.IsFallback() {
			m.publishCount(ctx, stored.SessionID)
		}
	}
	return accepted(stored, !inserted), nil
}

func (m *Manager) reject(studentID, sessionID string, r Reason) Outcome {
	m.logger.Info("redemption rejected", "student_id", studentID, "session_id", sessionID, "reason", r)
	return rejected(r)
}

func (m *Manager) publishCount(ctx context.Context, sessionID string) {
	if m.publisher == nil {
		return
	}
	n, err := m.records.CountBySession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("count for live feed failed", "session_id", sessionID, "error", err)
		return
	}
	m.publisher.Publish(Event{Type: EventAttendanceMarked, SessionID: sessionID, Count: n})
}

func (m *Manager) publishClosed(sessionID string) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(Event{Type: EventSessionClosed, SessionID: sessionID})
}

// GetSession returns the stored session. The fallback session ID resolves to
// a synthetic session that is always active.
func (m *Manager) GetSession(ctx context.Context, id string) (*model.Session, error) {
	if id == m.cfg.FallbackSessionID {
		now := m.clock.Now()
		return &model.Session{
			ID:        m.cfg.FallbackSessionID,
			ClassID:   m.cfg.FallbackClassID,
			State:     model.SessionActive,
			CreatedAt: now,
			ExpiresAt: now.Add(m.cfg.FreshnessWindow),
		}, nil
	}
	sess, err := m.sessions.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.State = sess.StateAt(m.clock.Now())
	return sess, nil
}

type Stats struct {
	Count int `json:"count"`
}

func (m *Manager) Stats(ctx context.Context, sessionID string) (Stats, error) {
	n, err := m.records.CountBySession(ctx, sessionID)
	if err != nil {
		return Stats{}, fmt.Errorf("count records: %w", err)
	}
	return Stats{Count: n}, nil
}

func (m *Manager) ListRecords(ctx context.Context, classID string) ([]model.AttendanceRecord, error) {
	recs, err := m.records.ListByClass(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("list class records: %w", err)
	}
	return recs, nil
}

func (m *Manager) SessionRecords(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	recs, err := m.records.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	return recs, nil
}

// StopSession closes the owner's active session. An owner with no active
// session is left untouched and no error is returned.
func (m *Manager) StopSession(ctx context.Context, ownerID string) error {
	now := m.clock.Now()
	sess, err := m.sessions.FindActiveByOwner(ctx, ownerID, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active session: %w", err)
	}
	return m.close(ctx, sess.ID, now)
}

// CloseSession closes the named session on behalf of ownerID.
func (m *Manager) CloseSession(ctx context.Context, ownerID, sessionID string) error {
	sess, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess.OwnerID != ownerID {
		return ErrNotOwner
	}
	if sess.State == model.SessionClosed {
		return nil
	}
	return m.close(ctx, sess.ID, m.clock.Now())
}

func (m *Manager) close(ctx context.Context, id string, at time.Time) error {
	err := m.sessions.Close(ctx, id, at)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	m.logger.Info("session closed", "session_id", id)
	m.publishClosed(id)
	return nil
}

// History lists every session the owner opened, newest first, with the
// state each has at the time of the call.
func (m *Manager) History(ctx context.Context, ownerID string) ([]model.Session, error) {
	sessions, err := m.sessions.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := m.clock.Now()
	for i := range sessions {
		sessions[i].State = sessions[i].StateAt(now)
	}
	return sessions, nil
}
