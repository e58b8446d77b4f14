package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"screening-console/internal/workflow"
)

// WebSocketHandler streams workflow snapshots to the operator console. The
// connection is write-only: every state change pushes a fresh snapshot, and
// a slow client only ever misses intermediate states, never the latest one.
type WebSocketHandler struct {
	ctrl           *workflow.Controller
	allowedOrigins []string
}

// NewWebSocketHandler creates a new state-stream handler.
func NewWebSocketHandler(ctrl *workflow.Controller, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{ctrl: ctrl, allowedOrigins: allowedOrigins}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	// Write-only stream; CloseRead keeps control frames serviced and
	// cancels the context when the client goes away.
	ctx := ws.CloseRead(r.Context())

	// Coalesce bursts: the channel holds only the newest snapshot.
	updates := make(chan workflow.Snapshot, 1)
	unsubscribe := h.ctrl.OnChange(func(snap workflow.Snapshot) {
		for {
			select {
			case updates <- snap:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	})
	defer unsubscribe()

	slog.Info("State stream connected", "ip", r.RemoteAddr)

	if err := h.writeJSON(ctx, ws, h.ctrl.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			slog.Debug("State stream closed", "ip", r.RemoteAddr)
			return
		case snap := <-updates:
			if err := h.writeJSON(ctx, ws, snap); err != nil {
				if ctx.Err() == nil {
					slog.Debug("State stream write failed", "error", err)
				}
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
