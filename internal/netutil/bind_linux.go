//go:build linux

package netutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// DialControl builds a net.Dialer.Control callback that applies SO_MARK (if
// mark is nonzero) and SO_BINDTODEVICE (if iface is non-empty) to the
// socket before connect(2), combining the two raw-socket-option concerns a
// connector's outgoing dial can need.
func DialControl(mark uint32, iface string) func(_, _ string, c syscall.RawConn) error {
	if mark == 0 && iface == "" {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		var controlErr error
		if err := c.Control(func(fd uintptr) {
			if mark != 0 {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
					controlErr = err
					return
				}
			}
			if iface != "" {
				if err := unix.BindToDevice(int(fd), iface); err != nil {
					controlErr = err
				}
			}
		}); err != nil {
			return err
		}
		return controlErr
	}
}
