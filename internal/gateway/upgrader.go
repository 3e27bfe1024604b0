package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// keepalive tunables, advisory per spec.md §4.1: absence must not break
// correctness, so these only ever make a dead peer's demise visible sooner.
const (
	pingInterval  = 20 * time.Second
	pingTimeout   = 20 * time.Second
	closeDeadline = 10 * time.Second
)

// newUpgrader builds the websocket.Upgrader the Transport Adapter accepts
// connections with. Any request path is accepted; the auth_token exchanged
// after upgrade is the only access control.
func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// armKeepalive installs the read-limit and ping/pong keepalive handlers on a
// freshly upgraded connection. Each pong pushes the WebSocket read deadline
// out by pingTimeout+pingInterval. A peer that stops responding to pings has
// its deadline pushed out no further, so its next WebSocket read, whether a
// handshake frame or a relay frame, fails once that deadline passes.
func armKeepalive(conn *websocket.Conn, maxMessageSize int64) {
	conn.SetReadLimit(maxMessageSize)

	_ = conn.SetReadDeadline(time.Now().Add(pingTimeout + pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingTimeout + pingInterval))
	})
}

// startPinger sends a ping frame every pingInterval until stop is closed.
// It is advisory keepalive traffic; failures just end the goroutine, since
// the pumps in internal/relay will independently notice the dead peer.
func startPinger(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(pingTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
