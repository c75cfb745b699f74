//go:build !linux

package netutil

import (
	"fmt"
	"net"
	"net/netip"
)

// ListenTransparentTCP is unsupported outside Linux — transparent proxying
// via IP_TRANSPARENT is a Linux-specific mechanism with no portable
// equivalent.
func ListenTransparentTCP(address string) (net.Listener, error) {
	return nil, fmt.Errorf("netutil: transparent listening is only supported on linux")
}

// OriginalDestination falls back to the connection's local address, which
// is only meaningful on a platform where the connection actually arrived
// through a transparent-proxy redirect.
func OriginalDestination(conn *net.TCPConn) (netip.AddrPort, error) {
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("netutil: no local address")
	}
	return local.AddrPort(), nil
}

// SetKeepaliveOptions is a no-op outside Linux; TCP keepalive tuning here
// uses Linux-specific socket options.
func SetKeepaliveOptions(conn *net.TCPConn, idle, interval, count int) error {
	return nil
}
