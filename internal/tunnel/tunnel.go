// Package tunnel defines the transport-agnostic tunnel abstractions shared
// by every concrete transport (QUIC, hole-punched QUIC, TLS/HTTP-2 mux,
// TLS/yamux): a bidirectional byte-stream factory wrapped with a small
// connect-header protocol so the OUT side learns the destination, recovered
// hostname, and routing tag the IN side resolved.
package tunnel

import (
	"context"
	"io"
	"net/netip"

	"splitproxy/internal/ids"
	"splitproxy/internal/router"
)

// Stream is one substream of a tunnel: a single proxied TCP conversation,
// multiplexed over the tunnel's transport.
type Stream io.ReadWriteCloser

// InTunnelLike is the minimal capability a tunnel (or a pseudo-tunnel such
// as the direct-output bypass) offers the IN side: open a new substream
// addressed at a destination, carrying the recovered hostname and routing
// tag.
type InTunnelLike interface {
	Connect(ctx context.Context, destination netip.AddrPort, name string, tag string) (Stream, error)
}

// InTunnel is a live tunnel as tracked by the tunnel manager.
type InTunnel interface {
	InTunnelLike

	Id() ids.TunnelId
	OutId() ids.OutId
	Labels() []string
	Priority() int64

	// SetActive/IsActive implement the active-permit semaphore: a tunnel
	// can be marked temporarily inactive (e.g. draining) without being
	// deregistered or closed.
	SetActive(active bool)
	IsActive() bool

	// Closed is closed when the underlying transport connection is gone.
	Closed() <-chan struct{}
	IsClosed() bool

	Close() error
}

// OutTunnel is the OUT side's view of a tunnel: a source of incoming
// substreams, each carrying the destination the IN side resolved.
type OutTunnel interface {
	// Accept blocks for the next substream. Returns an error once the
	// tunnel is closed (its type depends on the transport, and it is not
	// necessarily io.EOF); callers should check IsClosed to decide
	// whether to retry or give up.
	Accept(ctx context.Context) (destination netip.AddrPort, name string, tag string, stream Stream, err error)
	IsClosed() bool
}

// InTunnelProvider drives one transport's IN-side lifecycle: discover OUTs
// through the match service, then accept tunnels to each discovered OUT.
type InTunnelProvider interface {
	Name() string

	// AcceptOut blocks until an OUT has announced presence for this
	// transport, returning its MatchOutId and a connection-count hint
	// (how many parallel underlying connections the caller should dial to
	// this OUT).
	AcceptOut(ctx context.Context) (ids.MatchOutId, int, error)

	// Accept completes the pairing with the given OUT and returns a new
	// tunnel plus the routing rules and priority it should be registered
	// with.
	Accept(ctx context.Context, outId ids.MatchOutId) (InTunnel, []router.RuleConfig, int64, error)
}

// OutTunnelProvider drives one transport's OUT-side lifecycle: register
// presence with the match service, then accept incoming tunnels.
type OutTunnelProvider interface {
	Accept(ctx context.Context) (OutTunnel, error)
}
