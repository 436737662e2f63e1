package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dukerupert/rollcall/internal/attendance"
	"github.com/dukerupert/rollcall/internal/backup"
	"github.com/dukerupert/rollcall/internal/database"
	"github.com/dukerupert/rollcall/internal/store"
	"github.com/dukerupert/rollcall/internal/token"
	ws "github.com/dukerupert/rollcall/internal/websocket"
)

var testSecret = []byte("server-test-secret")

func setupServer(t *testing.T, ping func(context.Context) error, backupMgr *backup.Manager) http.Handler {
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
	hub := ws.NewHub(logger)
	mgr := attendance.NewManager(attendance.DefaultConfig(), attendance.Deps{
		Sessions:  store.NewSessionStore(db),
		Records:   store.NewRecordStore(db),
		Codec:     codec,
		Publisher: hub,
		Logger:    logger,
	})
	srv := New(Config{JWTSecret: testSecret, Ping: ping}, mgr, hub, backupMgr, logger)
	return srv.Router()
}

func bearer(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + tok
}

func request(t *testing.T, h http.Handler, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := setupServer(t, func(context.Context) error { return nil }, nil)
	rec := request(t, h, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["backup"]; ok {
		t.Error("backup status should be absent without a backup manager")
	}
}

func TestHealthUnavailable(t *testing.T) {
	h := setupServer(t, func(context.Context) error { return errors.New("down") }, nil)
	rec := request(t, h, "GET", "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthReportsBackup(t *testing.T) {
	mgr := backup.NewManager(backup.Config{}, nil, nil, slog.Default())
	h := setupServer(t, nil, mgr)
	rec := request(t, h, "GET", "/health", "", nil)

	var body struct {
		Backup struct {
			State string `json:"state"`
		} `json:"backup"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Backup.State != string(backup.StateDisabled) {
		t.Errorf("backup state = %q, want disabled", body.Backup.State)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	h := setupServer(t, nil, nil)
	rec := request(t, h, "GET", "/api/attendance/history", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAPIRoleChecks(t *testing.T) {
	h := setupServer(t, nil, nil)

	tests := []struct {
		name   string
		role   string
		method string
		path   string
		body   any
		want   int
	}{
		{"student cannot start", "student", "POST", "/api/attendance/start-session", map[string]any{"classId": "CS101"}, http.StatusForbidden},
		{"teacher cannot redeem", "teacher", "POST", "/api/attendance/mark-present", map[string]any{"payload": "x"}, http.StatusForbidden},
		{"admin reads class", "admin", "GET", "/api/attendance/class/CS101", nil, http.StatusOK},
		{"student cannot read class", "student", "GET", "/api/attendance/class/CS101", nil, http.StatusForbidden},
		{"faculty history", "faculty", "GET", "/api/attendance/history", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := request(t, h, tt.method, tt.path, bearer(t, "u-"+tt.role, tt.role), tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestStartAndRedeemThroughRouter(t *testing.T) {
	h := setupServer(t, nil, nil)

	rec := request(t, h, "POST", "/api/attendance/start-session", bearer(t, "t1", "teacher"),
		map[string]any{"classId": "CS101", "durationMinutes": 5})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	var created attendance.Created
	json.NewDecoder(rec.Body).Decode(&created)

	rec = request(t, h, "POST", "/api/attendance/mark-present", bearer(t, "s1", "student"),
		map[string]any{"payload": created.Token})
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = request(t, h, "GET", "/api/attendance/stats/"+created.SessionID, bearer(t, "t1", "teacher"), nil)
	var stats attendance.Stats
	json.NewDecoder(rec.Body).Decode(&stats)
	if stats.Count != 1 {
		t.Errorf("count = %d, want 1", stats.Count)
	}
}

func TestRedeemRateLimited(t *testing.T) {
	h := setupServer(t, nil, nil)
	authz := bearer(t, "s1", "student")

	for i := 0; i < redeemLimit; i++ {
		rec := request(t, h, "POST", "/api/attendance/mark-present", authz, map[string]any{"payload": "garbage"})
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d limited early", i+1)
		}
	}
	rec := request(t, h, "POST", "/api/attendance/mark-present", authz, map[string]any{"payload": "garbage"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// Another student has their own budget.
	rec = request(t, h, "POST", "/api/attendance/mark-present", bearer(t, "s2", "student"), map[string]any{"payload": "garbage"})
	if rec.Code == http.StatusTooManyRequests {
		t.Error("second student should not be limited")
	}
}
