// Package gateway implements the listener/session supervisor: it accepts
// WebSocket connections, builds a Session for each, and owns the
// connection's lifecycle from accept through teardown.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/LiangLiang723/tabby-connection-gateway/internal/config"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/session"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/tokenstore"
)

// SessionInfo is a point-in-time snapshot of one active session, used by the
// admin API's session listing.
type SessionInfo struct {
	ID        string `json:"id"`
	PeerAddr  string `json:"peerAddr"`
	// State is the session's state when it was registered ("greeting");
	// it is not updated as the handshake and relay progress.
	State     string `json:"state"`
	StartedAt string `json:"startedAt"`
}

// Supervisor owns the gateway's configuration, the token store, and every
// in-flight session. Each accepted connection spawns one Session; the
// Supervisor awaits its handshake and relay, then guarantees teardown even
// if the handler panics.
type Supervisor struct {
	cfg     *config.Config
	tokens  *tokenstore.Store
	rec     session.Recorder
	log     *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*trackedSession

	wg sync.WaitGroup
}

type trackedSession struct {
	info     SessionInfo
	stopPing chan struct{}
	conn     *websocket.Conn
}

// New creates a Supervisor. rec may be nil to disable metrics recording.
func New(cfg *config.Config, tokens *tokenstore.Store, rec session.Recorder, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		tokens:   tokens,
		rec:      rec,
		log:      log,
		upgrader: newUpgrader(),
		sessions: make(map[string]*trackedSession),
	}
}

// Tokens returns the Supervisor's token store, the mutation surface the
// admin API uses to accept out-of-band one-time-token additions.
func (sup *Supervisor) Tokens() *tokenstore.Store {
	return sup.tokens
}

// ActiveSessions returns a snapshot of every in-flight session.
func (sup *Supervisor) ActiveSessions() []SessionInfo {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	out := make([]SessionInfo, 0, len(sup.sessions))
	for _, ts := range sup.sessions {
		out = append(out, ts.info)
	}
	return out
}

// closeActiveSessions force-closes every tracked session's WebSocket. This
// is how shutdown reaches sessions blocked in a handshake read or mid-relay:
// http.Server.Shutdown does not know about hijacked connections, so without
// this, sup.wg.Wait in Serve would block until the remote peer happened to
// disconnect on its own.
func (sup *Supervisor) closeActiveSessions() {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	for _, ts := range sup.sessions {
		_ = ts.conn.Close()
	}
}

// ServeHTTP upgrades the incoming request to a WebSocket and runs a Session
// to completion. It accepts any request path, per spec.md §4.1.
func (sup *Supervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := sup.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sup.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	armKeepalive(conn, sup.cfg.MaxMessageSize)

	id := uuid.NewString()
	stopPing := make(chan struct{})
	go startPinger(conn, stopPing)

	ts := &trackedSession{
		info: SessionInfo{
			ID:        id,
			PeerAddr:  conn.RemoteAddr().String(),
			State:     session.StateGreeting.String(),
			StartedAt: nowRFC3339(),
		},
		stopPing: stopPing,
		conn:     conn,
	}

	sup.mu.Lock()
	sup.sessions[id] = ts
	sup.mu.Unlock()

	sup.wg.Add(1)
	defer func() {
		close(stopPing)
		sup.mu.Lock()
		delete(sup.sessions, id)
		sup.mu.Unlock()
		sup.wg.Done()

		if p := recover(); p != nil {
			sup.log.Error("session handler panicked", "session_id", id, "panic", fmt.Sprint(p))
			_ = conn.Close()
		}
	}()

	sc := session.Config{
		DisableAuth:        sup.cfg.DisableAuth,
		PermanentAuthToken: sup.cfg.PermanentAuthToken,
		MaxMessageSize:     sup.cfg.MaxMessageSize,
	}
	s := session.New(id, conn, sc, sup.tokens, sup.rec, sup.log)
	s.Run(r.Context())
}

// Serve binds and runs the WebSocket listener until ctx is cancelled. It
// returns once the HTTP server has been gracefully shut down.
func (sup *Supervisor) Serve(ctx context.Context, tlsCfg *tls.Config) error {
	server := &http.Server{
		Addr:           sup.cfg.ListenAddr,
		Handler:        sup,
		TLSConfig:      tlsCfg,
		MaxHeaderBytes: headerBudget(sup.cfg.MaxHeaderBytes),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg != nil {
			sup.log.Info("websocket listener starting", "addr", sup.cfg.ListenAddr, "tls", true)
			err = server.ListenAndServeTLS("", "")
		} else {
			sup.log.Info("websocket listener starting", "addr", sup.cfg.ListenAddr, "tls", false)
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		sup.closeActiveSessions()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeDeadline)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sup.closeActiveSessions()
		return fmt.Errorf("shutting down websocket listener: %w", err)
	}

	// http.Server.Shutdown does not close or wait for hijacked connections
	// such as WebSockets; force every in-flight session's WebSocket closed
	// so its handshake read or relay pump unwinds instead of waiting on the
	// remote peer.
	sup.closeActiveSessions()
	sup.wg.Wait()
	return nil
}

// headerBudget translates the configured per-line header floor into the
// total-header-bytes budget net/http actually exposes (see REDESIGN FLAGS
// in SPEC_FULL.md: Go has no per-line header knob).
func headerBudget(maxLineBytes int) int {
	const minBudget = 1 << 20
	budget := maxLineBytes * 16
	if budget < minBudget {
		budget = minBudget
	}
	return budget
}

func nowRFC3339() string {
	return time.Now().Format(time.RFC3339)
}
