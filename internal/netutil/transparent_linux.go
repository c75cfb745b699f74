//go:build linux

package netutil

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// soOriginalDst is SO_ORIGINAL_DST from linux/netfilter_ipv4.h. It isn't
// among golang.org/x/sys/unix's generated constants (a netfilter-specific
// option, not a core socket header one), so it's hardcoded here the way
// other Go TPROXY implementations do.
const soOriginalDst = 80

// ListenTransparentTCP opens a TCP listener bound to address with
// IP_TRANSPARENT and IP_FREEBIND set, so it can accept connections
// originally destined for any address a TPROXY iptables rule redirects to
// it, and SO_REUSEPORT so it can coexist with other listeners during
// restarts.
func ListenTransparentTCP(address string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return controlTransparent(c)
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("netutil: listen transparent tcp: %w", err)
	}
	return listener, nil
}

// OriginalDestination recovers the address a connection was originally sent
// to before a transparent-proxy redirect. On a TPROXY (IP_TRANSPARENT)
// listener the accepted socket's local address already is the real
// destination; SO_ORIGINAL_DST is tried first for the iptables-REDIRECT
// case, matching the fallback chain of the system this replaces.
func OriginalDestination(conn *net.TCPConn) (netip.AddrPort, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, err
	}

	var addr netip.AddrPort
	var opErr error
	err = raw.Control(func(fd uintptr) {
		addr, opErr = getOriginalDst(int(fd))
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	if opErr != nil {
		local, ok := conn.LocalAddr().(*net.TCPAddr)
		if !ok {
			return netip.AddrPort{}, opErr
		}
		return local.AddrPort(), nil
	}
	return addr, nil
}

// getOriginalDst reads SO_ORIGINAL_DST, whose payload is a sockaddr_in
// (family, port, address, 8 bytes of padding — 16 bytes total). Reusing
// GetsockoptIPv6Mreq's identically-sized Multiaddr field to receive it is
// the standard trick other Go TPROXY implementations use, since
// golang.org/x/sys/unix has no typed getsockopt for this netfilter-specific
// option.
func getOriginalDst(fd int) (netip.AddrPort, error) {
	raw, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, soOriginalDst)
	if err != nil {
		return netip.AddrPort{}, err
	}
	b := raw.Multiaddr
	ip := netip.AddrFrom4([4]byte{b[4], b[5], b[6], b[7]})
	port := uint16(b[2])<<8 | uint16(b[3])
	return netip.AddrPortFrom(ip, port), nil
}

func controlTransparent(c syscall.RawConn) error {
	var setErr error
	err := c.Control(func(fd uintptr) {
		if setErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); setErr != nil {
			return
		}
		if setErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_FREEBIND, 1); setErr != nil {
			return
		}
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return setErr
}

// SetKeepaliveOptions configures TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT on
// conn, so idle tunneled connections are reaped on the same schedule
// instead of relying on OS keepalive defaults. The non-Linux build is a
// no-op.
func SetKeepaliveOptions(conn *net.TCPConn, idle, interval, count int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		if setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idle); setErr != nil {
			return
		}
		if setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, interval); setErr != nil {
			return
		}
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, count)
	})
	if err != nil {
		return err
	}
	return setErr
}
