package manager

import (
	"context"
	"fmt"
	"net/netip"

	"splitproxy/internal/netutil"
	"splitproxy/internal/tunnel"
)

// DirectTunnel is the pseudo-tunnel backing the built-in DIRECT label: it
// dials destinations straight from the IN host, bypassing every tunnel,
// with only a traffic mark applied so policy routing can steer it away from
// the transparent-proxy rule that caught the original connection. Grounded
// on the original's DirectInTunnel.
type DirectTunnel struct {
	trafficMark uint32
}

// NewDirectTunnel builds a DirectTunnel. trafficMark of 0 leaves outgoing
// sockets unmarked.
func NewDirectTunnel(trafficMark uint32) *DirectTunnel {
	return &DirectTunnel{trafficMark: trafficMark}
}

func (d *DirectTunnel) String() string { return "DIRECT" }

func (d *DirectTunnel) Connect(ctx context.Context, destination netip.AddrPort, name string, tag string) (tunnel.Stream, error) {
	network := "tcp4"
	if destination.Addr().Is6() && !destination.Addr().Is4In6() {
		network = "tcp6"
	}
	conn, err := netutil.DialTCPMarked(ctx, network, destination.String(), d.trafficMark)
	if err != nil {
		return nil, fmt.Errorf("manager: direct dial %s: %w", destination, err)
	}
	return conn, nil
}
