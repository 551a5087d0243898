package live

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classwatch/presence-sync/internal"
)

// Handler upgrades GET /ws requests and owns each socket's read loop. The
// handler goroutine is the only reader; writes go through the conn's mutex
// from wherever the hub routes them.
type Handler struct {
	hub      *Hub
	verifier *TokenVerifier
	upgrader websocket.Upgrader
}

// NewHandler admits the given origins. An empty list admits everything,
// mirroring the HTTP API's permissive CORS default.
func NewHandler(hub *Hub, verifier *TokenVerifier, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:      hub,
		verifier: verifier,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// the staff cookie is only readable here, before the protocol switch
	staffID := h.verifier.StaffIdentity(r)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	h.serve(NewConn(ws, staffID))
}

func (h *Handler) serve(conn *Conn) {
	defer internal.ReportPanicsToSentry()
	h.hub.Register(conn)
	defer h.hub.Unregister(conn)

	ws := conn.ws
	ws.SetReadLimit(maxFrameBytes)
	// the first frame must be auth, and it must come quickly
	ws.SetReadDeadline(time.Now().Add(authWait))
	ws.SetPongHandler(func(string) error {
		conn.PongReceived()
		ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.hub.HandleFrame(context.Background(), conn, raw)
		if conn.Authed() {
			ws.SetReadDeadline(time.Now().Add(readWait))
		} else {
			ws.SetReadDeadline(time.Now().Add(authWait))
		}
	}
}
