//go:build !linux

package netutil

import (
	"fmt"
	"net"
	"net/netip"
)

// TransparentUDPConn is unsupported outside Linux.
type TransparentUDPConn struct{}

func ListenTransparentUDP(address string) (*TransparentUDPConn, error) {
	return nil, fmt.Errorf("netutil: transparent udp listening is only supported on linux")
}

func (c *TransparentUDPConn) ReadFrom(buf []byte) (n int, source, destination netip.AddrPort, err error) {
	return 0, netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("netutil: unsupported")
}

func (c *TransparentUDPConn) WriteTo(buf []byte, destination netip.AddrPort) (int, error) {
	return 0, fmt.Errorf("netutil: unsupported")
}

func (c *TransparentUDPConn) Close() error { return nil }

func DialTransparentUDPSpoofed(sourceAddr netip.AddrPort, mark uint32) (*net.UDPConn, error) {
	return nil, fmt.Errorf("netutil: transparent udp is only supported on linux")
}
