//go:build linux

package netutil

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// DialTCPMarked dials address over TCP with SO_MARK set on the underlying
// socket before connect(2), so routing policy and firewall rules can steer
// the tunnel's own traffic (e.g. away from a transparent-proxy rule meant
// only for proxied connections). mark of 0 leaves the socket unmarked.
func DialTCPMarked(ctx context.Context, network, address string, mark uint32) (net.Conn, error) {
	dialer := net.Dialer{}
	if mark != 0 {
		dialer.Control = func(_, _ string, c syscall.RawConn) error {
			var controlErr error
			if err := c.Control(func(fd uintptr) {
				controlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
			}); err != nil {
				return err
			}
			return controlErr
		}
	}
	return dialer.DialContext(ctx, network, address)
}

// SetMark applies SO_MARK to an already-open connection's socket, for
// transports that accept a connection before they know which peer it
// belongs to (the plug-style transports dial nothing themselves).
func SetMark(conn net.Conn, mark uint32) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	if err := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
	}); err != nil {
		return err
	}
	return setErr
}
