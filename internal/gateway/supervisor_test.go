package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/LiangLiang723/tabby-connection-gateway/internal/config"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/tokenstore"
)

// freeAddr reserves an ephemeral port and hands back its address, closing
// the probe listener so Serve can bind it.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func dialUntilUp(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	url := "ws://" + addr + "/"
	deadline := time.Now().Add(5 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("gateway never came up: %v", lastErr)
	return nil
}

// TestServe_ShutdownForceClosesInFlightSessions exercises the bug where
// ctx cancellation never reached sessions blocked in a handshake read:
// without closeActiveSessions, Serve would hang until the client
// disconnected on its own instead of returning once ctx is cancelled.
func TestServe_ShutdownForceClosesInFlightSessions(t *testing.T) {
	addr := freeAddr(t)
	cfg := config.DefaultConfig()
	cfg.ListenAddr = addr
	cfg.DisableAuth = true

	sup := New(cfg, tokenstore.New(nil, ""), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- sup.Serve(ctx, nil) }()

	conn := dialUntilUp(t, addr)
	defer conn.Close()

	// Leave the client stalled in AwaitingHello — never send a hello — so
	// the session is blocked on a handshake read when shutdown begins.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sup.ActiveSessions()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, sup.ActiveSessions(), 1)

	cancel()

	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after ctx cancellation; in-flight session was never force-closed")
	}

	require.Empty(t, sup.ActiveSessions())
}
