//go:build linux

package netutil

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// TransparentUDPConn wraps a UDP socket bound with IP_TRANSPARENT so it can
// receive datagrams originally addressed to any destination a TPROXY
// iptables rule diverts to it, recovering that destination per datagram via
// the IP_PKTINFO ancillary data every such read carries.
type TransparentUDPConn struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
}

// ListenTransparentUDP opens address as a TPROXY-style UDP socket.
func ListenTransparentUDP(address string) (*TransparentUDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
	packetConn, err := lc.ListenPacket(context.Background(), "udp", address)
	if err != nil {
		return nil, fmt.Errorf("netutil: listen transparent udp: %w", err)
	}
	udpConn := packetConn.(*net.UDPConn)

	pc := ipv4.NewPacketConn(udpConn)
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("netutil: enable pktinfo: %w", err)
	}

	return &TransparentUDPConn{conn: udpConn, pc: pc}, nil
}

// ReadFrom reads one datagram, returning its source address and the
// destination address it was originally sent to (which on a TPROXY socket
// may differ from the address this listener is bound to).
func (c *TransparentUDPConn) ReadFrom(buf []byte) (n int, source netip.AddrPort, destination netip.AddrPort, err error) {
	n, cm, src, err := c.pc.ReadFrom(buf)
	if err != nil {
		return 0, netip.AddrPort{}, netip.AddrPort{}, err
	}
	udpSrc := src.(*net.UDPAddr)
	source = udpSrc.AddrPort()
	if cm != nil && cm.Dst != nil {
		if addr, ok := netip.AddrFromSlice(cm.Dst); ok {
			destination = netip.AddrPortFrom(addr.Unmap(), localPort(c.conn))
		}
	}
	if !destination.IsValid() {
		local, ok := c.conn.LocalAddr().(*net.UDPAddr)
		if ok {
			destination = local.AddrPort()
		}
	}
	return n, source, destination, nil
}

func localPort(conn *net.UDPConn) uint16 {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return uint16(addr.Port)
}

// WriteTo writes one datagram to destination.
func (c *TransparentUDPConn) WriteTo(buf []byte, destination netip.AddrPort) (int, error) {
	return c.conn.WriteToUDPAddrPort(buf, destination)
}

// Close closes the underlying socket.
func (c *TransparentUDPConn) Close() error { return c.conn.Close() }

// DialTransparentUDPSpoofed opens a UDP socket bound to sourceAddr (which
// may be any address, typically one this host doesn't own) with
// IP_TRANSPARENT and SO_REUSEPORT set and mark applied, so datagrams it
// sends appear to originate from sourceAddr — used to answer a client with
// the same source address it originally tried to reach, completing the
// transparent-proxy illusion on the reply path.
func DialTransparentUDPSpoofed(sourceAddr netip.AddrPort, mark uint32) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				if setErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); setErr != nil {
					return
				}
				if setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); setErr != nil {
					return
				}
				if mark != 0 {
					setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
				}
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
	packetConn, err := lc.ListenPacket(context.Background(), "udp", sourceAddr.String())
	if err != nil {
		return nil, fmt.Errorf("netutil: dial spoofed udp: %w", err)
	}
	return packetConn.(*net.UDPConn), nil
}
