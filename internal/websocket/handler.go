// Package websocket upgrades HTTP connections for the realtime push
// stream. The API is bound to localhost for a single trusted UI, so
// there is no per-connection authentication.
package websocket

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/moltbot/moltbot/internal/logging"
	"github.com/moltbot/moltbot/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local single-user service; the listener only binds loopback.
		return true
	},
}

// Handler returns an HTTP handler that upgrades to WebSocket and hands
// the connection to the hub.
func Handler(hub *realtime.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("clientId")
		if clientID == "" {
			clientID = "client-" + uuid.New().String()[:8]
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Errorf("websocket upgrade: %v", err)
			return
		}

		realtime.ServeWS(hub, conn, clientID)
	}
}
