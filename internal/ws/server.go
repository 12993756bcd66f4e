package ws

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"
)

type Server struct {
	ctx      context.Context
	hub      messageHub
	upgrader *websocket.Upgrader
}

// NewServer returns the socket endpoint. Open sockets are closed with 1001 when
// ctx is done. An empty allowedOrigins accepts every origin.
func NewServer(ctx context.Context, hub messageHub, allowedOrigins []string) *Server {
	return &Server{
		ctx: ctx,
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return slices.Contains(allowedOrigins, u.Scheme+"://"+u.Host)
			},
		},
	}
}

// HandleConnections serves GET /ws/diagrams/{id}?session_id=...[&last_chat=...].
// last_chat is the id of the newest chat message the client already has.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	diagramID := r.PathValue("id")
	sessionID := r.URL.Query().Get("session_id")
	if diagramID == "" || sessionID == "" {
		http.Error(w, "diagram id and session_id are required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	conn := NewConnection(s.hub, ws, diagramID, sessionID, r.URL.Query().Get("last_chat"))
	if err := conn.Handle(ctx); err != nil {
		log.Printf("socket %s in %s closed: %v", sessionID, diagramID, err)
	}
}
