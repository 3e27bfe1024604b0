// Package protocol implements the service-message codec: JSON objects
// carried as WebSocket text frames during the handshake, discriminated by
// a "_" field. Unknown fields on inbound messages are ignored for forward
// compatibility; only the fields a given variant declares are read.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the only wire protocol version this gateway speaks.
const ProtocolVersion = 1

// Discriminator values for every service message variant in the core.
const (
	DiscHello     = "hello"
	DiscReady     = "ready"
	DiscConnect   = "connect"
	DiscConnected = "connected"
	DiscError     = "error"
)

// Error codes, exhaustive for the core (spec.md §6).
const (
	CodeExpectedHello       = "expected-hello"
	CodeExpectedAuthToken   = "expected-auth-token"
	CodeIncorrectAuthToken  = "incorrect-auth-token"
	CodeExpectedConnect     = "expected-connect"
	CodeInvalidMessage      = "invalid-message"
	CodeConnectionFailed    = "connection-failed"
	CodeHandshakeError      = "handshake-error"
)

// raw is the wire envelope every service message round-trips through: the
// discriminator plus whatever fields the variant carries.
type raw struct {
	Disc string `json:"_"`

	Version      *int   `json:"version,omitempty"`
	AuthRequired *bool  `json:"auth_required,omitempty"`
	AuthToken    string `json:"auth_token,omitempty"`
	Host         string `json:"host,omitempty"`
	Port         *int   `json:"port,omitempty"`
	Code         string `json:"code,omitempty"`
	Details      string `json:"details,omitempty"`
}

// Hello is the server's greeting, and the client's reply to it.
type Hello struct {
	// Version is set by the server; absent on the client's reply.
	Version int
	// AuthRequired is set by the server; absent on the client's reply.
	AuthRequired bool
	// AuthToken is set by the client; empty when auth is disabled.
	AuthToken string
}

// Connect is the client's request to open a downstream TCP connection.
type Connect struct {
	Host string
	Port int
}

// ErrorFrame is the fatal error frame sent before closing the connection.
type ErrorFrame struct {
	Code    string
	Details string
}

// EncodeServerHello serializes the server's opening hello frame.
func EncodeServerHello(authRequired bool) ([]byte, error) {
	v := ProtocolVersion
	return json.Marshal(raw{
		Disc:         DiscHello,
		Version:      &v,
		AuthRequired: &authRequired,
	})
}

// EncodeClientHello serializes the client's reply hello frame.
func EncodeClientHello(authToken string) ([]byte, error) {
	return json.Marshal(raw{Disc: DiscHello, AuthToken: authToken})
}

// EncodeReady serializes the post-authentication ready frame.
func EncodeReady() ([]byte, error) {
	return json.Marshal(raw{Disc: DiscReady})
}

// EncodeConnect serializes a client connect request.
func EncodeConnect(host string, port int) ([]byte, error) {
	return json.Marshal(raw{Disc: DiscConnect, Host: host, Port: &port})
}

// EncodeConnected serializes the post-dial connected frame.
func EncodeConnected() ([]byte, error) {
	return json.Marshal(raw{Disc: DiscConnected})
}

// EncodeError serializes a fatal error frame.
func EncodeError(code, details string) ([]byte, error) {
	return json.Marshal(raw{Disc: DiscError, Code: code, Details: details})
}

// Discriminator parses only the "_" field out of a service message,
// without validating the rest of the payload. Malformed JSON or a
// non-object payload is reported as a *MalformedError.
func Discriminator(data []byte) (string, error) {
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return "", &MalformedError{Err: err}
	}
	if r.Disc == "" {
		return "", &MalformedError{Err: fmt.Errorf("missing discriminator field \"_\"")}
	}
	return r.Disc, nil
}

// ParseClientHello parses a client hello frame. The caller has already
// checked the discriminator.
func ParseClientHello(data []byte) (Hello, error) {
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return Hello{}, &MalformedError{Err: err}
	}
	return Hello{AuthToken: r.AuthToken}, nil
}

// ParseConnect parses a connect frame. The caller has already checked the
// discriminator. Missing host or port is reported as a MalformedError.
func ParseConnect(data []byte) (Connect, error) {
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return Connect{}, &MalformedError{Err: err}
	}
	if r.Host == "" || r.Port == nil {
		return Connect{}, &MalformedError{Err: fmt.Errorf("connect message missing host or port")}
	}
	return Connect{Host: r.Host, Port: *r.Port}, nil
}

// MalformedError signals that a received service message could not be
// parsed as the expected shape. Callers translate this into the
// invalid-message fatal error code.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed service message: %v", e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}
