package relay

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPipe spins up a real WebSocket server and dials it, returning the
// server-side and client-side connections. Run operates on the server side,
// same as in production; the test drives the client side directly.
func wsPipe(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server = <-serverCh
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

type countingRecorder struct {
	wsToTCP int
	tcpToWS int
}

func (c *countingRecorder) WSToTCP(n int) { c.wsToTCP += n }
func (c *countingRecorder) TCPToWS(n int) { c.tcpToWS += n }

func TestChunkSize_CapsToConfiguredMaxMessageSize(t *testing.T) {
	assert.Equal(t, 1024, chunkSize(1024))
}

func TestChunkSize_FallsBackToDefaultWhenUnsetOrLarge(t *testing.T) {
	assert.Equal(t, defaultChunkSize, chunkSize(0))
	assert.Equal(t, defaultChunkSize, chunkSize(10*1024*1024))
}

func TestRun_RelaysBothDirectionsInOrder(t *testing.T) {
	wsServer, wsClient := wsPipe(t)
	tcpServer, tcpClient := net.Pipe()

	rec := &countingRecorder{}
	log := slog.Default()

	done := make(chan struct{})
	go func() {
		Run(wsServer, tcpServer, rec, log, 0)
		close(done)
	}()

	// Client->downstream: a WS binary message becomes a TCP write.
	require.NoError(t, wsClient.WriteMessage(websocket.BinaryMessage, []byte("ping")))
	buf := make([]byte, 4)
	_, err := tcpClient.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	// Downstream->client: a TCP write becomes a binary WS message.
	_, err = tcpClient.Write([]byte("pong"))
	require.NoError(t, err)
	_, data, err := wsClient.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	_ = wsClient.Close()
	_ = tcpClient.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after both sides closed")
	}
}

func TestRun_SplitsLargeTCPReadsAccordingToMaxMessageSize(t *testing.T) {
	wsServer, wsClient := wsPipe(t)
	tcpServer, tcpClient := net.Pipe()

	const limit = 16
	done := make(chan struct{})
	go func() {
		Run(wsServer, tcpServer, NoopRecorder, slog.Default(), limit)
		close(done)
	}()

	payload := make([]byte, limit*3)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	go func() {
		_, _ = tcpClient.Write(payload)
	}()

	var got []byte
	for len(got) < len(payload) {
		_, data, err := wsClient.ReadMessage()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(data), limit)
		got = append(got, data...)
	}
	assert.Equal(t, payload, got)

	_ = wsClient.Close()
	_ = tcpClient.Close()
	<-done
}

func TestRun_OneDirectionClosingTearsDownBoth(t *testing.T) {
	wsServer, wsClient := wsPipe(t)
	tcpServer, tcpClient := net.Pipe()
	defer tcpClient.Close()

	done := make(chan struct{})
	go func() {
		Run(wsServer, tcpServer, NoopRecorder, slog.Default(), 0)
		close(done)
	}()

	// Closing only the client's WebSocket side must still unwind the whole
	// relay, including the TCP pump.
	require.NoError(t, wsClient.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after one side closed")
	}

	// The TCP side must also have been torn down; a write should now fail.
	_, err := tcpClient.Write([]byte("x"))
	assert.Error(t, err)
}

func TestRun_IsIdempotentAboutClosingConnections(t *testing.T) {
	// Regression test: closeBoth is invoked from both pump goroutines. If it
	// weren't guarded by sync.Once, double-closing the connections could
	// panic or race.
	wsServer, wsClient := wsPipe(t)
	tcpServer, tcpClient := net.Pipe()

	done := make(chan struct{})
	go func() {
		Run(wsServer, tcpServer, NoopRecorder, slog.Default(), 0)
		close(done)
	}()

	_ = wsClient.Close()
	_ = tcpClient.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
