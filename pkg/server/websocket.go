package server

import (
	"net/http"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are not browsers; there is no origin to check
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and hands the connection to the
// dispatcher exactly like an accepted TCP connection
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.accept(protocol.NewWebSocketConn(ws), "websocket")
}
