// Package session implements the per-connection protocol state machine:
// hello, authenticate, connect, relay. One Session exists per accepted
// WebSocket and is destroyed once both the relay engine and the underlying
// sockets have been released.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LiangLiang723/tabby-connection-gateway/internal/protocol"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/relay"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/tokenstore"
)

// State names a point in the session's forward-only state machine.
type State int

const (
	StateGreeting State = iota
	StateAwaitingHello
	StateAwaitingConnect
	StateDialing
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateAwaitingConnect:
		return "awaiting-connect"
	case StateDialing:
		return "dialing"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DialFunc opens the downstream TCP connection. Tests substitute a fake to
// avoid touching the network.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

func defaultDial(ctx context.Context, network, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, network, address)
}

// Outcome classifies how a session ended, for metrics and logging.
type Outcome string

const (
	OutcomeRelayed       Outcome = "relayed"
	OutcomeAuthFailed    Outcome = "auth_failed"
	OutcomeDialFailed    Outcome = "dial_failed"
	OutcomeProtocolError Outcome = "protocol_error"
	OutcomePeerGone      Outcome = "peer_gone"
)

// Recorder receives session lifecycle and byte-count events for metrics.
type Recorder interface {
	SessionStarted()
	SessionEnded(outcome Outcome)
	TokenConsumed(kind tokenstore.Kind)
	relay.Recorder
}

// Session drives one accepted WebSocket connection through the handshake
// and, on success, the relay.
type Session struct {
	ID       string
	PeerAddr string

	ws     *websocket.Conn
	tokens *tokenstore.Store
	dial   DialFunc
	log    *slog.Logger
	rec    Recorder

	disableAuth        bool
	permanentAuthToken string
	maxMessageSize     int64

	state      State
	targetHost string
	targetPort int
}

// Config carries the subset of gateway configuration a Session needs.
type Config struct {
	DisableAuth        bool
	PermanentAuthToken string
	MaxMessageSize     int64
}

// New creates a Session bound to an already-upgraded WebSocket connection.
func New(id string, ws *websocket.Conn, cfg Config, tokens *tokenstore.Store, rec Recorder, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		ID:                 id,
		PeerAddr:           ws.RemoteAddr().String(),
		ws:                 ws,
		tokens:             tokens,
		dial:               defaultDial,
		log:                log.With("session_id", id),
		rec:                rec,
		disableAuth:        cfg.DisableAuth,
		permanentAuthToken: cfg.PermanentAuthToken,
		maxMessageSize:     cfg.MaxMessageSize,
		state:              StateGreeting,
	}
}

// Run drives the session to completion: handshake, then relay if the
// handshake succeeds, then close. It returns only once the session has
// reached StateClosed and both the WebSocket and any dialed TCP socket have
// been released — there is no separate no-op wait step to forget to call.
func (s *Session) Run(ctx context.Context) {
	if s.rec != nil {
		s.rec.SessionStarted()
	}

	s.log.Info("session started", "peer_addr", s.PeerAddr)

	outcome, tcp := s.handshake(ctx)
	if outcome != "" {
		s.closeWS()
		if s.rec != nil {
			s.rec.SessionEnded(outcome)
		}
		s.log.Info("session ended", "outcome", string(outcome))
		return
	}

	s.state = StateRelaying
	relay.Run(s.ws, tcp, s.rec, s.log, s.maxMessageSize)
	s.state = StateClosed

	if s.rec != nil {
		s.rec.SessionEnded(OutcomeRelayed)
	}
	s.log.Info("session ended", "outcome", string(OutcomeRelayed))
}

// handshake runs the Greeting → AwaitingHello → AwaitingConnect → Dialing
// sequence. On success it returns ("", tcpConn) with the session ready to
// relay. On failure it returns a non-empty Outcome; the caller is
// responsible for closing the WebSocket (the fatal path below has already
// sent the error frame).
func (s *Session) handshake(ctx context.Context) (Outcome, net.Conn) {
	s.state = StateGreeting
	hello, err := protocol.EncodeServerHello(!s.disableAuth)
	if err != nil {
		s.log.Error("encoding server hello", "error", err)
		return OutcomeProtocolError, nil
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		s.log.Info("peer gone before hello could be sent", "error", err)
		return OutcomePeerGone, nil
	}

	s.state = StateAwaitingHello
	disc, data, err := s.recvServiceMessage()
	if err != nil {
		return s.handleRecvError(err), nil
	}
	if disc != protocol.DiscHello {
		s.fatal(protocol.CodeExpectedHello, "")
		return OutcomeProtocolError, nil
	}

	clientHello, err := protocol.ParseClientHello(data)
	if err != nil {
		s.fatal(protocol.CodeInvalidMessage, err.Error())
		return OutcomeProtocolError, nil
	}

	if !s.disableAuth {
		if clientHello.AuthToken == "" {
			s.fatal(protocol.CodeExpectedAuthToken, "")
			return OutcomeAuthFailed, nil
		}

		kind := s.tokens.Consume(clientHello.AuthToken)
		if kind == tokenstore.KindNone {
			s.fatal(protocol.CodeIncorrectAuthToken, "")
			return OutcomeAuthFailed, nil
		}
		if s.rec != nil {
			s.rec.TokenConsumed(kind)
		}
	}

	readyFrame, err := protocol.EncodeReady()
	if err != nil {
		s.log.Error("encoding ready frame", "error", err)
		return OutcomeProtocolError, nil
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, readyFrame); err != nil {
		s.log.Info("peer gone before ready could be sent", "error", err)
		return OutcomePeerGone, nil
	}

	s.state = StateAwaitingConnect
	disc, data, err = s.recvServiceMessage()
	if err != nil {
		return s.handleRecvError(err), nil
	}
	if disc != protocol.DiscConnect {
		s.fatal(protocol.CodeExpectedConnect, "")
		return OutcomeProtocolError, nil
	}

	connect, err := protocol.ParseConnect(data)
	if err != nil {
		s.fatal(protocol.CodeInvalidMessage, err.Error())
		return OutcomeProtocolError, nil
	}
	s.targetHost = connect.Host
	s.targetPort = connect.Port

	s.state = StateDialing
	address := net.JoinHostPort(s.targetHost, fmt.Sprintf("%d", s.targetPort))
	tcp, err := s.dial(ctx, "tcp", address)
	if err != nil {
		s.log.Info("downstream dial failed", "target", address, "error", err)
		s.fatal(protocol.CodeConnectionFailed, err.Error())
		return OutcomeDialFailed, nil
	}

	connectedFrame, err := protocol.EncodeConnected()
	if err != nil {
		s.log.Error("encoding connected frame", "error", err)
		_ = tcp.Close()
		return OutcomeProtocolError, nil
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, connectedFrame); err != nil {
		s.log.Info("peer gone before connected could be sent", "error", err)
		_ = tcp.Close()
		return OutcomePeerGone, nil
	}

	s.log.Info("downstream connection established", "target", address)
	return "", tcp
}

// handleRecvError classifies an error from recvServiceMessage: a malformed
// payload is reported as invalid-message; the peer's WebSocket closing
// before its expected reply silently ends the session; anything else
// during the handshake is an internal error reported as handshake-error.
func (s *Session) handleRecvError(err error) Outcome {
	var malformed *protocol.MalformedError
	if errors.As(err, &malformed) {
		s.fatal(protocol.CodeInvalidMessage, err.Error())
		return OutcomeProtocolError
	}
	if isPeerGone(err) {
		return OutcomePeerGone
	}
	s.fatal(protocol.CodeHandshakeError, err.Error())
	return OutcomeProtocolError
}

// recvServiceMessage reads one text-framed JSON control message and returns
// its discriminator and raw bytes.
func (s *Session) recvServiceMessage() (string, []byte, error) {
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	disc, err := protocol.Discriminator(data)
	if err != nil {
		return "", nil, err
	}
	return disc, data, nil
}

// fatal sends an error service message and closes the WebSocket. Callers
// must not continue the handshake after calling fatal.
func (s *Session) fatal(code, details string) {
	frame, err := protocol.EncodeError(code, details)
	if err != nil {
		s.log.Error("encoding error frame", "error", err)
	} else if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.log.Debug("failed to deliver fatal error frame", "code", code, "error", err)
	}
	s.log.Info("session failed", "code", code, "details", details)
	s.closeWS()
}

func (s *Session) closeWS() {
	s.state = StateClosed
	_ = s.ws.Close()
}

// isPeerGone reports whether err represents the peer's WebSocket already
// having closed, which the handshake treats as a silent (non-fatal) end
// rather than something to report an error frame for.
func isPeerGone(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) || err.Error() == "use of closed network connection"
}
