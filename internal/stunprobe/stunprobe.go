// Package stunprobe discovers the caller's public address by asking a STUN
// server to reflect it back, trying a list of servers in order and keeping
// the first one that answers within the response timeout.
package stunprobe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"splitproxy/internal/xlog"
)

// ResponseTimeout bounds how long a single STUN server gets to answer
// before probing moves on to the next one.
const ResponseTimeout = 2 * time.Second

// ProbeExternalAddr asks each server in turn for our reflexive address and
// returns the first one that answers, closing every socket it opened along
// the way. Servers are tried in order, not in parallel, matching how a dial
// list with a preferred/fallback ordering is meant to behave.
func ProbeExternalAddr(ctx context.Context, servers []string) (netAddr *net.UDPAddr, err error) {
	conn, addr, kerr := probe(ctx, servers, false)
	if kerr != nil {
		return nil, kerr
	}
	_ = conn // not kept; ProbeExternalAddr never needs the socket itself
	return addr, nil
}

// OpenAndProbe binds one UDP socket, uses it to learn the external address
// reflected by the first responsive server, and returns the still-open,
// still-connected socket alongside that address so the caller can reuse it
// for hole punching without a second bind.
func OpenAndProbe(ctx context.Context, servers []string) (*net.UDPConn, *net.UDPAddr, error) {
	conn, addr, err := probe(ctx, servers, true)
	if err != nil {
		return nil, nil, err
	}
	return conn.(*net.UDPConn), addr, nil
}

func probe(ctx context.Context, servers []string, keepSocket bool) (net.PacketConn, *net.UDPAddr, error) {
	if len(servers) == 0 {
		return nil, nil, fmt.Errorf("stunprobe: no stun servers configured")
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("stunprobe: listen: %w", err)
	}

	addr, probeErr := probeOver(ctx, conn, servers)
	if probeErr != nil {
		conn.Close()
		return nil, nil, probeErr
	}

	if !keepSocket {
		conn.Close()
		return nil, addr, nil
	}
	return conn, addr, nil
}

func probeOver(ctx context.Context, conn *net.UDPConn, servers []string) (*net.UDPAddr, error) {
	for _, server := range servers {
		addr, err := probeOne(ctx, conn, server)
		if err != nil {
			xlog.Log.Warnf("stunprobe", "request to %s failed: %v", server, err)
			continue
		}
		return addr, nil
	}
	return nil, fmt.Errorf("stunprobe: no server answered out of %d", len(servers))
}

func probeOne(ctx context.Context, conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}

	if err := conn.SetDeadline(time.Now().Add(ResponseTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	client, err := stun.NewClient(&connectedPacketConn{PacketConn: conn, raddr: raddr})
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	message, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	type result struct {
		addr stun.XORMappedAddress
		err  error
	}
	done := make(chan result, 1)

	if err := client.Do(message, func(ev stun.Event) {
		if ev.Error != nil {
			done <- result{err: ev.Error}
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(ev.Message); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{addr: xorAddr}
	}); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return &net.UDPAddr{IP: res.addr.IP, Port: res.addr.Port}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(ResponseTimeout):
		return nil, fmt.Errorf("timed out waiting for response")
	}
}

// connectedPacketConn adapts a non-connected *net.UDPConn plus a fixed
// remote address to the net.Conn-shaped interface stun.NewClient expects,
// without actually calling Connect on the shared socket (punch-quic reuses
// the same socket across multiple STUN probes and, later, the data path).
type connectedPacketConn struct {
	net.PacketConn
	raddr *net.UDPAddr
}

func (c *connectedPacketConn) Read(b []byte) (int, error) {
	n, _, err := c.PacketConn.ReadFrom(b)
	return n, err
}

func (c *connectedPacketConn) Write(b []byte) (int, error) {
	return c.PacketConn.WriteTo(b, c.raddr)
}

func (c *connectedPacketConn) RemoteAddr() net.Addr {
	return c.raddr
}
