package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/rollcall/internal/attendance"
	"github.com/dukerupert/rollcall/internal/auth"
	"github.com/dukerupert/rollcall/internal/backup"
	"github.com/dukerupert/rollcall/internal/handler"
	"github.com/dukerupert/rollcall/internal/middleware"
	ws "github.com/dukerupert/rollcall/internal/websocket"
)

const (
	redeemLimit  = 30
	redeemWindow = time.Minute
)

type Config struct {
	JWTSecret []byte
	WSOrigins []string
	// Ping checks the storage backend for /health. Optional.
	Ping func(ctx context.Context) error
}

type Server struct {
	attendanceH *handler.AttendanceHandler
	hub         *ws.Hub
	rateLimiter *middleware.RateLimiter
	backupMgr   *backup.Manager
	cfg         Config
	logger      *slog.Logger
}

// New wires the HTTP surface. backupMgr may be nil when backups are off.
func New(cfg Config, mgr *attendance.Manager, hub *ws.Hub, backupMgr *backup.Manager, logger *slog.Logger) *Server {
	return &Server{
		attendanceH: handler.NewAttendanceHandler(mgr, hub, cfg.WSOrigins, logger.With("component", "attendance_handler")),
		hub:         hub,
		rateLimiter: middleware.NewRateLimiter(),
		backupMgr:   backupMgr,
		cfg:         cfg,
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Everything under /api requires a verified identity.
	apiMux := http.NewServeMux()
	s.registerAttendanceRoutes(apiMux)
	outerMux.Handle("/api/", middleware.RequireIdentity(s.cfg.JWTSecret)(apiMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK

	if s.cfg.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ping(ctx); err != nil {
			s.logger.Error("health check", "error", err)
			body["status"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if s.backupMgr != nil {
		st := s.backupMgr.Status()
		body["backup"] = map[string]any{
			"state":       st.State,
			"in_progress": st.InProgress,
			"last_backup": st.LastBackup,
			"error":       st.Error,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) registerAttendanceRoutes(mux *http.ServeMux) {
	const prefix = "/api/attendance"
	h := s.attendanceH

	teacher := middleware.RequireRole(auth.RoleTeacher, auth.RoleFaculty)
	student := middleware.RequireRole(auth.RoleStudent)
	anyone := middleware.RequireRole(auth.RoleTeacher, auth.RoleFaculty, auth.RoleStudent)
	staff := middleware.RequireRole(auth.RoleAdmin, auth.RoleTeacher, auth.RoleFaculty)
	redeemLimited := middleware.RateLimit(s.rateLimiter, middleware.UserOrIP, redeemLimit, redeemWindow)

	mux.Handle("POST "+prefix+"/start-session", teacher(http.HandlerFunc(h.StartSession)))
	mux.Handle("POST "+prefix+"/mark-present", student(redeemLimited(http.HandlerFunc(h.MarkPresent))))
	mux.Handle("GET "+prefix+"/session/{sessionId}", anyone(http.HandlerFunc(h.GetSession)))
	mux.Handle("GET "+prefix+"/stats/{sessionId}", teacher(http.HandlerFunc(h.Stats)))
	mux.Handle("GET "+prefix+"/class/{classId}", staff(http.HandlerFunc(h.ClassRecords)))
	mux.Handle("POST "+prefix+"/stop", teacher(http.HandlerFunc(h.Stop)))
	mux.Handle("POST "+prefix+"/session/{sessionId}/close", teacher(http.HandlerFunc(h.CloseSession)))
	mux.Handle("GET "+prefix+"/session/{sessionId}/records", teacher(http.HandlerFunc(h.SessionRecords)))
	mux.Handle("GET "+prefix+"/history", teacher(http.HandlerFunc(h.History)))
	mux.Handle("GET "+prefix+"/session/{sessionId}/live", teacher(http.HandlerFunc(h.Live)))
}
