package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/rollcall/internal/attendance"
	"github.com/dukerupert/rollcall/internal/auth"
	"github.com/dukerupert/rollcall/internal/clock"
	"github.com/dukerupert/rollcall/internal/database"
	"github.com/dukerupert/rollcall/internal/store"
	"github.com/dukerupert/rollcall/internal/token"
	"github.com/dukerupert/rollcall/internal/websocket"
)

type testEnv struct {
	mux   *http.ServeMux
	clock *clock.Manual
	codec *token.Codec
}

func setupAttendanceHandler(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	codec, err := token.NewCodec(token.Secrets{Key: "k", IV: "iv"})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	hub := websocket.NewHub(logger)
	mgr := attendance.NewManager(attendance.DefaultConfig(), attendance.Deps{
		Sessions:  store.NewSessionStore(db),
		Records:   store.NewRecordStore(db),
		Codec:     codec,
		Clock:     clk,
		Publisher: hub,
		Logger:    logger,
	})
	h := NewAttendanceHandler(mgr, hub, nil, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /start-session", h.StartSession)
	mux.HandleFunc("POST /mark-present", h.MarkPresent)
	mux.HandleFunc("GET /session/{sessionId}", h.GetSession)
	mux.HandleFunc("GET /stats/{sessionId}", h.Stats)
	mux.HandleFunc("GET /class/{classId}", h.ClassRecords)
	mux.HandleFunc("POST /stop", h.Stop)
	mux.HandleFunc("POST /session/{sessionId}/close", h.CloseSession)
	mux.HandleFunc("GET /session/{sessionId}/records", h.SessionRecords)
	mux.HandleFunc("GET /history", h.History)
	mux.HandleFunc("GET /session/{sessionId}/live", h.Live)
	return &testEnv{mux: mux, clock: clk, codec: codec}
}

func (e *testEnv) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(auth.WithIdentity(context.Background(), auth.Identity{UserID: user}))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (e *testEnv) start(t *testing.T, owner string) attendance.Created {
	t.Helper()
	rec := e.do(t, owner, "POST", "/start-session", map[string]any{"classId": "CS101", "durationMinutes": 10})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: status = %d, body = %s", rec.Code, rec.Body)
	}
	return decodeBody[attendance.Created](t, rec)
}

func TestStartSessionResponseShape(t *testing.T) {
	env := setupAttendanceHandler(t)
	rec := env.do(t, "t1", "POST", "/start-session", map[string]any{"classId": "CS101"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	body := decodeBody[map[string]any](t, rec)
	for _, key := range []string{"sessionId", "payload", "expiresAt", "subject", "sonicCode"} {
		if _, ok := body[key]; !ok {
			t.Errorf("response missing %q: %v", key, body)
		}
	}

	rec = env.do(t, "t1", "POST", "/start-session", map[string]any{"classId": "CS102"})
	if rec.Code != http.StatusConflict {
		t.Errorf("second start: status = %d, want %d", rec.Code, http.StatusConflict)
	}

	rec = env.do(t, "t2", "POST", "/start-session", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing class: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMarkPresentStatusMapping(t *testing.T) {
	env := setupAttendanceHandler(t)
	created := env.start(t, "t1")

	ghost, _ := env.codec.Encode(token.Payload{SessionID: "ghost", ClassID: "CS101", IssuedAt: env.clock.Now()})

	rec := env.do(t, "s1", "POST", "/mark-present", map[string]string{"payload": created.Token})
	if rec.Code != http.StatusOK {
		t.Fatalf("mark: status = %d, body = %s", rec.Code, rec.Body)
	}
	if body := decodeBody[map[string]any](t, rec); body["ok"] != true {
		t.Errorf("body = %v", body)
	}

	tests := []struct {
		name    string
		payload string
		status  int
		reason  string
	}{
		{"garbage", "not-a-real-token", http.StatusBadRequest, "invalid-signal"},
		{"unknown session", ghost, http.StatusNotFound, "session-not-found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "s2", "POST", "/mark-present", map[string]string{"payload": tt.payload})
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			body := decodeBody[map[string]any](t, rec)
			if body["ok"] != false || body["reason"] != tt.reason {
				t.Errorf("body = %v, want reason %s", body, tt.reason)
			}
		})
	}

	env.clock.Advance(31 * time.Minute)
	rec = env.do(t, "s3", "POST", "/mark-present", map[string]string{"payload": created.Token})
	if rec.Code != http.StatusForbidden {
		t.Errorf("stale: status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestMarkPresentClosedSession(t *testing.T) {
	env := setupAttendanceHandler(t)
	created := env.start(t, "t1")

	if rec := env.do(t, "t1", "POST", "/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop: status = %d", rec.Code)
	}
	rec := env.do(t, "s1", "POST", "/mark-present", map[string]string{"payload": created.Token})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if body := decodeBody[map[string]any](t, rec); body["reason"] != "session-closed" {
		t.Errorf("body = %v", body)
	}
}

func TestSessionQueries(t *testing.T) {
	env := setupAttendanceHandler(t)
	created := env.start(t, "t1")
	env.do(t, "s1", "POST", "/mark-present", map[string]string{"payload": created.Token})
	env.do(t, "s1", "POST", "/mark-present", map[string]string{"payload": created.Token})
	env.do(t, "s2", "POST", "/mark-present", map[string]string{"payload": created.Token})

	rec := env.do(t, "t1", "GET", "/stats/"+created.SessionID, nil)
	if stats := decodeBody[attendance.Stats](t, rec); stats.Count != 2 {
		t.Errorf("count = %d, want 2", stats.Count)
	}

	rec = env.do(t, "t1", "GET", "/session/"+created.SessionID, nil)
	if body := decodeBody[map[string]any](t, rec); body["status"] != "active" || body["teacherUid"] != "t1" {
		t.Errorf("session = %v", body)
	}

	rec = env.do(t, "t1", "GET", "/session/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session: status = %d", rec.Code)
	}

	rec = env.do(t, "t1", "GET", "/session/"+created.SessionID+"/records", nil)
	if recs := decodeBody[[]map[string]any](t, rec); len(recs) != 2 {
		t.Errorf("session records = %d, want 2", len(recs))
	}

	rec = env.do(t, "admin", "GET", "/class/CS101", nil)
	if recs := decodeBody[[]map[string]any](t, rec); len(recs) != 2 {
		t.Errorf("class records = %d, want 2", len(recs))
	}

	rec = env.do(t, "admin", "GET", "/class/EMPTY", nil)
	if rec.Body.String() != "[]\n" {
		t.Errorf("empty class body = %q, want []", rec.Body.String())
	}

	rec = env.do(t, "t1", "GET", "/history", nil)
	if sessions := decodeBody[[]map[string]any](t, rec); len(sessions) != 1 {
		t.Errorf("history = %d sessions, want 1", len(sessions))
	}
}

func TestCloseSessionHandler(t *testing.T) {
	env := setupAttendanceHandler(t)
	created := env.start(t, "t1")

	if rec := env.do(t, "t2", "POST", "/session/"+created.SessionID+"/close", nil); rec.Code != http.StatusForbidden {
		t.Errorf("other owner: status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if rec := env.do(t, "t1", "POST", "/session/missing/close", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := env.do(t, "t1", "POST", "/session/"+created.SessionID+"/close", nil); rec.Code != http.StatusOK {
		t.Errorf("owner: status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec := env.do(t, "t1", "GET", "/session/"+created.SessionID, nil)
	if body := decodeBody[map[string]any](t, rec); body["status"] != "closed" {
		t.Errorf("session = %v", body)
	}
}

func TestLiveRequiresOwner(t *testing.T) {
	env := setupAttendanceHandler(t)
	created := env.start(t, "t1")

	if rec := env.do(t, "t2", "GET", "/session/"+created.SessionID+"/live", nil); rec.Code != http.StatusForbidden {
		t.Errorf("other owner: status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if rec := env.do(t, "t1", "GET", "/session/missing/live", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
