package realtime

import (
	"net/http"

	"github.com/gorilla/websocket"

	myMiddleware "campus-chat/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // tokens travel in the query string, not cookies
	},
}

// ServeWs upgrades an authenticated request and starts the client pumps.
// Authentication happens in the middleware, which also accepts the token
// as a query parameter for clients that cannot set headers.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h, conn, userID, username)
	h.Register(client)

	// The pumps own the connection from here on; the request is done.
	go client.writePump()
	go client.readPump()
}
