//go:build !linux

package netutil

import (
	"context"
	"net"
)

// DialTCPMarked dials address over TCP. SO_MARK is Linux-only; on other
// platforms mark is accepted for API compatibility and ignored.
func DialTCPMarked(ctx context.Context, network, address string, mark uint32) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// SetMark is a no-op outside Linux; SO_MARK doesn't exist on other
// platforms.
func SetMark(conn net.Conn, mark uint32) error {
	return nil
}
