package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// Serve upgrades the request and streams events for sessionID until the
// connection closes. Callers authorize the request first.
func Serve(hub *Hub, w http.ResponseWriter, r *http.Request, sessionID string, originPatterns []string) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		hub.logger.Warn("websocket accept", "session_id", sessionID, "error", err)
		return
	}
	defer conn.CloseNow()

	hub.logger.Debug("live feed connected", slog.String("session_id", sessionID))
	NewClient(hub, conn, sessionID).Run(r.Context())
}
