package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/rollcall/internal/attendance"
	"github.com/dukerupert/rollcall/internal/auth"
	"github.com/dukerupert/rollcall/internal/model"
	"github.com/dukerupert/rollcall/internal/websocket"
)

type AttendanceHandler struct {
	mgr       *attendance.Manager
	hub       *websocket.Hub
	wsOrigins []string
	logger    *slog.Logger
}

func NewAttendanceHandler(mgr *attendance.Manager, hub *websocket.Hub, wsOrigins []string, logger *slog.Logger) *AttendanceHandler {
	return &AttendanceHandler{mgr: mgr, hub: hub, wsOrigins: wsOrigins, logger: logger}
}

type startSessionRequest struct {
	ClassID         string `json:"classId"`
	DurationMinutes int    `json:"durationMinutes"`
}

func (h *AttendanceHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	created, err := h.mgr.CreateSession(r.Context(), auth.UserID(r.Context()), req.ClassID, req.DurationMinutes)
	switch {
	case errors.Is(err, attendance.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, attendance.ErrActiveSessionExists):
		writeError(w, http.StatusConflict, "an attendance session is already running")
		return
	case err != nil:
		h.logger.Error("start session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type markPresentRequest struct {
	Payload string `json:"payload"`
}

var reasonStatus = map[attendance.Reason]int{
	attendance.ReasonInvalidSignal:   http.StatusBadRequest,
	attendance.ReasonSignalExpired:   http.StatusForbidden,
	attendance.ReasonSessionClosed:   http.StatusForbidden,
	attendance.ReasonSessionExpired:  http.StatusForbidden,
	attendance.ReasonSessionNotFound: http.StatusNotFound,
}

var reasonMessage = map[attendance.Reason]string{
	attendance.ReasonInvalidSignal:   "Invalid or corrupted signal",
	attendance.ReasonSignalExpired:   "Signal expired",
	attendance.ReasonSessionClosed:   "Session closed",
	attendance.ReasonSessionExpired:  "Session expired",
	attendance.ReasonSessionNotFound: "Session not found",
}

func (h *AttendanceHandler) MarkPresent(w http.ResponseWriter, r *http.Request) {
	var req markPresentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	out, err := h.mgr.Redeem(r.Context(), auth.UserID(r.Context()), req.Payload)
	if errors.Is(err, attendance.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("mark present", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mark attendance")
		return
	}

	if !out.Accepted {
		status, ok := reasonStatus[out.Reason]
		if !ok {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{
			"ok":     false,
			"reason": out.Reason,
			"error":  reasonMessage[out.Reason],
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"message":       "Attendance marked successfully",
		"alreadyMarked": out.AlreadyMarked,
		"record":        out.Record,
	})
}

func (h *AttendanceHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.mgr.GetSession(r.Context(), r.PathValue("sessionId"))
	if errors.Is(err, attendance.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.logger.Error("get session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *AttendanceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.mgr.Stats(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		h.logger.Error("session stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count attendance")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AttendanceHandler) ClassRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := h.mgr.ListRecords(r.Context(), r.PathValue("classId"))
	if err != nil {
		h.logger.Error("class records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if recs == nil {
		recs = []model.AttendanceRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *AttendanceHandler) SessionRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := h.mgr.SessionRecords(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		h.logger.Error("session records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if recs == nil {
		recs = []model.AttendanceRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *AttendanceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.StopSession(r.Context(), auth.UserID(r.Context())); err != nil {
		h.logger.Error("stop session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Session stopped"})
}

func (h *AttendanceHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	err := h.mgr.CloseSession(r.Context(), auth.UserID(r.Context()), r.PathValue("sessionId"))
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, attendance.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not your session")
	case err != nil:
		h.logger.Error("close session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to close session")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (h *AttendanceHandler) History(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.mgr.History(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("session history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Live streams count updates for a session to its owner.
func (h *AttendanceHandler) Live(w http.ResponseWriter, r *http.Request) {
	sess, err := h.mgr.GetSession(r.Context(), r.PathValue("sessionId"))
	if errors.Is(err, attendance.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.logger.Error("live feed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open live feed")
		return
	}
	if sess.OwnerID != auth.UserID(r.Context()) {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}
	websocket.Serve(h.hub, w, r, sess.ID, h.wsOrigins)
}
