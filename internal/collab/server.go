package collab

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/olivelliott/realtime-pm/internal/auth"
	"github.com/olivelliott/realtime-pm/internal/logger"
)

var serverLog = logger.Component("server")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		// In production, validate against allowed origins
		return true
	},
}

// Server accepts websocket connections and feeds them into the registry.
type Server struct {
	registry     *Registry
	authRequired bool
}

// NewServer creates a collaboration server. With authRequired set, upgrades
// must carry a valid ?token= query parameter.
func NewServer(registry *Registry, authRequired bool) *Server {
	return &Server{registry: registry, authRequired: authRequired}
}

// HandleWebSocket upgrades the request and starts the connection pumps. Room
// membership is established later by join messages, not by the URL.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.authRequired {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "token required", http.StatusUnauthorized)
			return
		}
		if _, err := auth.ValidateToken(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		serverLog.Warn("upgrade failed: %v", err)
		return
	}

	client := NewClient(conn)
	go client.writePump()
	go client.readPump(s.registry)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleWebSocket(w, r)
}
