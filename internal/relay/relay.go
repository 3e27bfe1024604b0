// Package relay implements the bidirectional byte-pumping phase of a
// gateway session: WebSocket binary frames in one direction, raw TCP bytes
// in the other, until either side closes.
package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ReadTimeout bounds how long the TCP→WS pump waits for data from the
// downstream socket before treating the peer as dead. A timeout is treated
// as closure, not as a retriable error (spec.md §5).
const ReadTimeout = 90 * time.Second

// defaultChunkSize is the TCP->WS read chunk size used when the configured
// max message size doesn't need to constrain it further.
const defaultChunkSize = 32 * 1024

// chunkSize derives the TCP->WS read buffer size from the configured
// max_message_size (spec.md §4.1: the limit applies to both receive and
// send framing). A configured limit smaller than the default caps the
// buffer so outbound WS messages never exceed it; a larger or unset limit
// doesn't force a correspondingly large allocation, since defaultChunkSize
// already satisfies it.
func chunkSize(maxMessageSize int64) int {
	if maxMessageSize <= 0 || maxMessageSize > defaultChunkSize {
		return defaultChunkSize
	}
	return int(maxMessageSize)
}

// Recorder receives byte counts as they cross the relay, for metrics.
// Both methods may be called concurrently from the two pump goroutines.
type Recorder interface {
	WSToTCP(n int)
	TCPToWS(n int)
}

type noopRecorder struct{}

func (noopRecorder) WSToTCP(int) {}
func (noopRecorder) TCPToWS(int) {}

// NoopRecorder is a Recorder that discards all counts.
var NoopRecorder Recorder = noopRecorder{}

// Run pumps bytes between ws and tcp in both directions until either
// direction observes closure, then closes both the WebSocket and the TCP
// socket and returns. It is safe to call Run exactly once per pair of
// connections; both are closed by the time it returns.
// maxMessageSize bounds the size of each outbound TCP->WS message, mirroring
// the same limit already enforced on the receive side by the upgrader.
func Run(ws *websocket.Conn, tcp net.Conn, rec Recorder, log *slog.Logger, maxMessageSize int64) {
	if rec == nil {
		rec = NoopRecorder
	}
	if log == nil {
		log = slog.Default()
	}

	done := make(chan struct{})
	var closeOnce sync.Once

	closeBoth := func() {
		closeOnce.Do(func() {
			drain(tcp, log)
			_ = ws.Close()
			_ = tcp.Close()
			close(done)
		})
	}

	go pumpWSToTCP(ws, tcp, rec, log, closeBoth)
	go pumpTCPToWS(ws, tcp, rec, log, closeBoth, chunkSize(maxMessageSize))

	<-done
}

// pumpWSToTCP awaits a WebSocket frame and writes its payload to the TCP
// socket. Text and binary frames are both forwarded verbatim; only the
// handshake phase (owned by the session, not this package) cares about the
// distinction.
func pumpWSToTCP(ws *websocket.Conn, tcp net.Conn, rec Recorder, log *slog.Logger, closeBoth func()) {
	defer closeBoth()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("relay: websocket read error", "error", err)
			}
			return
		}

		if _, err := tcp.Write(data); err != nil {
			log.Debug("relay: tcp write error", "error", err)
			return
		}
		rec.WSToTCP(len(data))
	}
}

// pumpTCPToWS awaits bytes from the TCP socket and sends each non-empty
// read as one binary WebSocket message. EOF and read timeouts both end the
// pump; a read timeout is treated as closure, not a retriable error.
func pumpTCPToWS(ws *websocket.Conn, tcp net.Conn, rec Recorder, log *slog.Logger, closeBoth func(), bufSize int) {
	defer closeBoth()

	buf := make([]byte, bufSize)
	for {
		if err := tcp.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			log.Debug("relay: setting tcp read deadline", "error", err)
			return
		}

		n, err := tcp.Read(buf)
		if n > 0 {
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				log.Debug("relay: websocket write error", "error", werr)
				return
			}
			rec.TCPToWS(n)
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Debug("relay: tcp read timed out, closing session")
				return
			}
			if !errors.Is(err, io.EOF) {
				log.Debug("relay: tcp read error", "error", err)
			}
			return
		}
	}
}

// drain makes a best-effort attempt to flush any buffered writer state on
// tcp before closing. Reset errors during drain are expected when the peer
// already tore down its side and are swallowed.
func drain(tcp net.Conn, log *slog.Logger) {
	type flusher interface{ Flush() error }
	f, ok := tcp.(flusher)
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		log.Debug("relay: drain error ignored", "error", err)
	}
}
