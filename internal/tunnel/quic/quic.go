// Package quic implements the plain (non-hole-punched) QUIC tunnel
// transport: the OUT side binds a UDP socket, learns its externally
// reachable address via STUN, and advertises it through the match service;
// the IN side dials that address directly over a freshly generated
// self-signed certificate pinned as the pairing's shared root.
package quic

import (
	"context"
	"fmt"

	quic "github.com/apernet/quic-go"

	"splitproxy/internal/matchsvc"
	"splitproxy/internal/tunnel"
)

// TunnelName identifies this transport in match-service keys and in the
// per-transport config map.
const TunnelName = "quic"

const tlsServerName = "splitproxy-quic"

// inData carries nothing: the IN side's announcement exists only to find an
// OUT and trigger matching, per spec §6.3's QUIC pairing payload.
type inData struct{}

// outData is what the OUT side publishes once it wins a pairing: where to
// dial, and the self-signed keypair both ends will trust for this one
// tunnel.
type outData struct {
	Address string `json:"address"`
	CertPEM []byte `json:"cert"`
	KeyPEM  []byte `json:"key"`
}

func keys() matchsvc.Keys { return matchsvc.TransportKeys{Name: TunnelName} }

// connection adapts a quic.Connection to both
// tunnel.ByteStreamInTunnelConnection and
// tunnel.ByteStreamOutTunnelConnection: opening/accepting a substream on a
// QUIC connection is symmetric, only the direction of use differs.
type connection struct {
	conn quic.Connection
}

func newConnection(conn quic.Connection) *connection {
	return &connection{conn: conn}
}

func (c *connection) Open(ctx context.Context) (tunnel.Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic: open stream: %w", err)
	}
	return s, nil
}

func (c *connection) Accept(ctx context.Context) (tunnel.Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic: accept stream: %w", err)
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
