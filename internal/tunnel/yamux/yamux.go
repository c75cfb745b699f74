// Package yamux implements the TLS/yamux multiplexed tunnel transport: OUT
// listens, mints a throwaway self-signed certificate, and generates a
// random bearer token; IN dials in, verifies the certificate as its sole
// trust root (no client certificate of its own), and proves its identity
// by writing the token back over the encrypted channel before the yamux
// session starts. Unlike the HTTP/2 transport's shared-keypair mutual
// auth, this is intentionally asymmetric: OUT authenticates by
// certificate, IN authenticates by a one-time shared secret handed to it
// over the rendezvous. Every proxied conversation becomes one yamux
// stream, multiplexed the same way the QUIC transports multiplex theirs.
package yamux

import (
	"context"
	"fmt"

	"github.com/hashicorp/yamux"

	"splitproxy/internal/matchsvc"
	"splitproxy/internal/tunnel"
)

// TunnelName identifies this transport in match-service keys and in the
// per-transport config map.
const TunnelName = "yamux"

const tlsServerName = "splitproxy-yamux"

type inData struct {
	// Index distinguishes concurrent Accept calls against the same OUT
	// (connection pooling) so their match-lock keys don't collide.
	Index int `json:"index"`
}

type outData struct {
	Address string `json:"address"`
	CertPEM []byte `json:"cert"`
	Token   string `json:"token"`
}

func keys() matchsvc.Keys { return matchsvc.TransportKeys{Name: TunnelName} }

func sessionConfig() *yamux.Config {
	config := yamux.DefaultConfig()
	config.EnableKeepAlive = true
	return config
}

// inConnection adapts a yamux session IN only ever opens streams on.
type inConnection struct {
	session *yamux.Session
}

func newInConnection(session *yamux.Session) *inConnection {
	return &inConnection{session: session}
}

func (c *inConnection) Open(ctx context.Context) (tunnel.Stream, error) {
	stream, err := c.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("yamux: open stream: %w", err)
	}
	return stream, nil
}

func (c *inConnection) Closed() <-chan struct{} { return c.session.CloseChan() }

func (c *inConnection) IsClosed() bool { return c.session.IsClosed() }

func (c *inConnection) Close() error { return c.session.Close() }

// outConnection adapts a yamux session OUT only ever accepts streams on.
type outConnection struct {
	session *yamux.Session
}

func newOutConnection(session *yamux.Session) *outConnection {
	return &outConnection{session: session}
}

func (c *outConnection) Accept(ctx context.Context) (tunnel.Stream, error) {
	stream, err := c.session.AcceptStream()
	if err != nil {
		return nil, fmt.Errorf("yamux: accept stream: %w", err)
	}
	return stream, nil
}

func (c *outConnection) IsClosed() bool { return c.session.IsClosed() }
