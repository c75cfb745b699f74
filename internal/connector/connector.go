// Package connector implements the OUT peer's destination dialer: the last
// hop from a tunnel substream to whatever the IN side actually resolved.
// Two kinds are supported, selected by config.ConnectorConfig.Kind: dialing
// directly off the OUT host's own network, or dialing through a local
// SOCKS5 proxy (e.g. a second VPN already running on the OUT host).
package connector

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/proxy"

	"splitproxy/internal/netutil"
)

// Connector resolves one destination to a live, bidirectional byte stream.
type Connector interface {
	Connect(ctx context.Context, destination netip.AddrPort, name string) (net.Conn, error)
}

// LocalSource pins a LocalConnector's outgoing socket, either to a source IP
// or to a network interface by name. The zero value leaves the socket
// unbound.
type LocalSource struct {
	IP        netip.Addr
	Interface string
}

// ParseLocalSource accepts either a literal IP address or an interface
// name, mirroring the teacher's string-or-IP local output configuration
// field.
func ParseLocalSource(value string) LocalSource {
	if value == "" {
		return LocalSource{}
	}
	if ip, err := netip.ParseAddr(value); err == nil {
		return LocalSource{IP: ip}
	}
	return LocalSource{Interface: value}
}

// LocalConnector dials destinations directly from the OUT host, optionally
// pinned to a source IP or egress interface, with the same keepalive tuning
// the tunnel transports use.
type LocalConnector struct {
	source      LocalSource
	trafficMark uint32
}

// NewLocalConnector builds a LocalConnector. trafficMark of 0 leaves
// outgoing sockets unmarked.
func NewLocalConnector(source LocalSource, trafficMark uint32) *LocalConnector {
	return &LocalConnector{source: source, trafficMark: trafficMark}
}

func (c *LocalConnector) Connect(ctx context.Context, destination netip.AddrPort, name string) (net.Conn, error) {
	address := destination.String()
	if name != "" {
		address = net.JoinHostPort(name, fmt.Sprint(destination.Port()))
	}

	dialer := net.Dialer{
		Control: netutil.DialControl(c.trafficMark, c.source.Interface),
	}
	if c.source.IP.IsValid() {
		dialer.LocalAddr = &net.TCPAddr{IP: c.source.IP.AsSlice()}
	}

	network := "tcp4"
	if destination.Addr().Is6() && !destination.Addr().Is4In6() {
		network = "tcp6"
	}
	if name != "" {
		network = "tcp"
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("connector: dial %s: %w", address, err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, nil
	}
	tcpConn.SetNoDelay(true)
	if err := netutil.SetKeepaliveOptions(tcpConn, 60, 10, 5); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("connector: keepalive options for %s: %w", address, err)
	}
	return tcpConn, nil
}

// Socks5Connector dials destinations through a local SOCKS5 proxy instead of
// directly, for OUT hosts that should egress via an already-configured
// proxy rather than their own default route.
type Socks5Connector struct {
	dialer proxy.Dialer
}

// NewSocks5Connector builds a Socks5Connector talking to proxyAddress with
// no authentication, matching the teacher's SOCKS5 provider's dialer setup.
func NewSocks5Connector(proxyAddress string) (*Socks5Connector, error) {
	dialer, err := proxy.SOCKS5("tcp", proxyAddress, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("connector: socks5 dialer for %s: %w", proxyAddress, err)
	}
	return &Socks5Connector{dialer: dialer}, nil
}

func (c *Socks5Connector) Connect(ctx context.Context, destination netip.AddrPort, name string) (net.Conn, error) {
	address := destination.String()
	if name != "" {
		address = net.JoinHostPort(name, fmt.Sprint(destination.Port()))
	}

	var conn net.Conn
	var err error
	if d, ok := c.dialer.(proxy.ContextDialer); ok {
		conn, err = d.DialContext(ctx, "tcp", address)
	} else {
		conn, err = c.dialer.Dial("tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("connector: socks5 dial %s: %w", address, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return conn, nil
}
