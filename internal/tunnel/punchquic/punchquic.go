// Package punchquic implements the hole-punched QUIC tunnel transport: both
// peers STUN-probe their public address, exchange it through the match
// service, punch a hole through their respective NATs by exchanging empty
// UDP datagrams on the probed socket, then run the QUIC handshake over that
// same socket. Because the rendezvous already vouches for each peer's
// identity, the QUIC layer here is encrypted but not certificate-
// authenticated (see internal/tunnelcrypto's insecure QUIC configs).
package punchquic

import (
	"context"
	"fmt"

	quic "github.com/apernet/quic-go"

	"splitproxy/internal/matchsvc"
	"splitproxy/internal/tunnel"
)

// TunnelName identifies this transport in match-service keys and in the
// per-transport config map.
const TunnelName = "punchquic"

type inData struct {
	Address string `json:"address"`
}

type outData struct {
	Address string `json:"address"`
}

func keys() matchsvc.Keys { return matchsvc.TransportKeys{Name: TunnelName} }

// connection adapts a quic.Connection, identical in shape to
// internal/tunnel/quic's wrapper — the only difference between the two
// transports is how the connection gets established, not how it is used
// once up.
type connection struct {
	conn quic.Connection
}

func newConnection(conn quic.Connection) *connection {
	return &connection{conn: conn}
}

func (c *connection) Open(ctx context.Context) (tunnel.Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("punchquic: open stream: %w", err)
	}
	return s, nil
}

func (c *connection) Accept(ctx context.Context) (tunnel.Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("punchquic: accept stream: %w", err)
	}
	return s, nil
}

func (c *connection) Closed() <-chan struct{} {
	return c.conn.Context().Done()
}

func (c *connection) IsClosed() bool {
	select {
	case <-c.conn.Context().Done():
		return true
	default:
		return false
	}
}

func (c *connection) Close() error {
	return c.conn.CloseWithError(0, "closed")
}
