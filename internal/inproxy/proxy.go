// Package inproxy implements the IN peer's transparent-proxy ingress: a
// TPROXY-bound TCP listener and UDP forwarder that recover each
// connection's original destination, resolve it through fake-IP DNS and
// GeoIP, route it against the configured rules, and relay TCP connections
// over whichever tunnel the manager selects. UDP traffic is relayed
// directly (never tunneled), matching the system this replaces.
package inproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"

	"golang.org/x/sync/errgroup"

	"splitproxy/internal/fakeipdns"
	"splitproxy/internal/geoip"
	"splitproxy/internal/manager"
	"splitproxy/internal/netutil"
	"splitproxy/internal/router"
	"splitproxy/internal/tunnel"
	"splitproxy/internal/xlog"
)

// Proxy ties destination resolution and tunnel selection together and
// drives both the TCP listener and UDP forwarder that depend on them.
type Proxy struct {
	fakeIP      *fakeipdns.Store
	geo         geoip.Lookup
	router      *router.Router
	manager     *manager.Manager
	trafficMark uint32
}

// New builds a Proxy. geo may be nil (no GeoIP rules will ever match).
func New(fakeIP *fakeipdns.Store, geo geoip.Lookup, r *router.Router, m *manager.Manager, trafficMark uint32) *Proxy {
	return &Proxy{fakeIP: fakeIP, geo: geo, router: r, manager: m, trafficMark: trafficMark}
}

// ServeTCP accepts TPROXY-redirected TCP connections on address, routing
// and relaying each over a selected tunnel, until ctx is cancelled.
func (p *Proxy) ServeTCP(ctx context.Context, address string) error {
	listener, err := netutil.ListenTransparentTCP(address)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	xlog.Log.Infof("inproxy", "transparent TCP proxy listening on %s", address)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("inproxy: accept: %w", err)
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		go p.handleTCP(ctx, tcpConn)
	}
}

func (p *Proxy) handleTCP(ctx context.Context, conn *net.TCPConn) {
	source := conn.RemoteAddr().(*net.TCPAddr).AddrPort()

	destination, err := netutil.OriginalDestination(conn)
	if err != nil {
		xlog.Log.Warnf("inproxy", "recover original destination for %s: %v", source, err)
		conn.Close()
		return
	}

	real, name, groups := p.resolveDestination(destination)
	destString := destinationString(real, name)

	xlog.Log.Debugf("inproxy", "route connection from %s to %s with labels %s", source, destString, stringifyGroups(groups))

	t, tag, err := p.manager.Select(groups)
	if err != nil || t == nil {
		xlog.Log.Warnf("inproxy", "connection from %s to %s rejected: no matching tunnel (%v)", source, destString, err)
		conn.Close()
		return
	}

	xlog.Log.Infof("inproxy", "connect %s to %s via tunnel", source, destString)

	stream, err := t.Connect(ctx, real, name, tag)
	if err != nil {
		xlog.Log.Debugf("inproxy", "connection from %s to %s errored: %v", source, destString, err)
		conn.Close()
		return
	}

	if err := copyBidirectional(conn, stream); err != nil {
		xlog.Log.Debugf("inproxy", "connection from %s to %s errored: %v", source, destString, err)
	}
}

// ResolveUDPDestination exposes resolveDestination's fake-IP reversal for
// the UDP forwarder, which never consults the router (UDP traffic is
// always relayed directly, never tunneled) and so only needs the real
// address and recovered hostname.
func (p *Proxy) ResolveUDPDestination(destination netip.AddrPort) (real netip.AddrPort, name string, err error) {
	real, name, _ = p.resolveDestination(destination)
	return real, name, nil
}

// resolveDestination reverses destination through fake-IP DNS. Addresses
// outside the configured synthetic ranges pass straight through with no
// routing labels — mirroring the system's own behavior of only ever
// consulting the router for traffic it handed out a fake IP for.
func (p *Proxy) resolveDestination(destination netip.AddrPort) (real netip.AddrPort, name string, groups [][]router.Labeled) {
	resolvedName, realIP, ok, err := p.fakeIP.Reverse(destination.Addr())
	if err != nil {
		xlog.Log.Warnf("inproxy", "fake-ip reverse lookup failed: %v", err)
	}
	if !ok {
		return destination, "", nil
	}

	real = netip.AddrPortFrom(realIP, destination.Port())

	var regions []string
	if p.geo != nil {
		regions = p.geo.Regions(realIP)
	}

	d := router.Destination{Address: realIP, Port: destination.Port(), Domain: resolvedName, RegionCodes: regions}
	return real, resolvedName, p.router.Match(d)
}

// copyBidirectional relays conn and stream against each other, shutting
// down each side's write half as soon as its inbound copy drains, so a
// half-duplex close on one leg doesn't truncate data still in flight on
// the other.
func copyBidirectional(conn *net.TCPConn, stream tunnel.Stream) error {
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(stream, conn)
		halfCloseWrite(stream)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(conn, stream)
		conn.CloseWrite()
		return err
	})
	err := g.Wait()
	stream.Close()
	conn.Close()
	return err
}

type writeCloser interface {
	CloseWrite() error
}

func halfCloseWrite(w io.Writer) {
	if wc, ok := w.(writeCloser); ok {
		wc.CloseWrite()
	}
}

func destinationString(addr netip.AddrPort, name string) string {
	if name != "" {
		return fmt.Sprintf("%s (%s)", name, addr)
	}
	return addr.String()
}

func stringifyGroups(groups [][]router.Labeled) string {
	parts := make([]string, len(groups))
	for i, group := range groups {
		labels := make([]string, len(group))
		for j, l := range group {
			labels[j] = l.Label
		}
		parts[i] = strings.Join(labels, ",")
	}
	return strings.Join(parts, ";")
}
