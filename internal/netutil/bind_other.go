//go:build !linux

package netutil

import "syscall"

// DialControl is a no-op outside Linux; SO_MARK and SO_BINDTODEVICE don't
// exist on other platforms.
func DialControl(mark uint32, iface string) func(_, _ string, c syscall.RawConn) error {
	return nil
}
