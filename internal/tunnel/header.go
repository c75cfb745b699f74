package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

const (
	optIPv6 = 1 << 7

	maxNameLen = 255
	maxTagLen  = 255
)

// EncodeHeader writes the connect-request header described in spec §4.2/§6.3:
//
//	opt(1B) | address(4B v4 / 16B v6) | port(2B BE) | name-len(1B) | name | tag-len(1B) | tag
func EncodeHeader(w io.Writer, destination netip.AddrPort, name string, tag string) error {
	if len(name) > maxNameLen {
		return fmt.Errorf("tunnel: name too long (%d > %d)", len(name), maxNameLen)
	}
	if len(tag) > maxTagLen {
		return fmt.Errorf("tunnel: tag too long (%d > %d)", len(tag), maxTagLen)
	}

	addr := destination.Addr()
	var opt byte
	var addrBytes []byte
	if addr.Is4() || addr.Is4In6() {
		a4 := addr.As4()
		addrBytes = a4[:]
	} else {
		opt |= optIPv6
		a16 := addr.As16()
		addrBytes = a16[:]
	}

	buf := make([]byte, 0, 1+16+2+1+len(name)+1+len(tag))
	buf = append(buf, opt)
	buf = append(buf, addrBytes...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], destination.Port())
	buf = append(buf, portBuf[:]...)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, byte(len(tag)))
	buf = append(buf, tag...)

	_, err := w.Write(buf)
	return err
}

// DecodeHeader reads back a header written by EncodeHeader.
func DecodeHeader(r io.Reader) (destination netip.AddrPort, name string, tag string, err error) {
	opt, err := readByte(r)
	if err != nil {
		return netip.AddrPort{}, "", "", fmt.Errorf("tunnel: read opt: %w", err)
	}

	addrLen := 4
	if opt&optIPv6 != 0 {
		addrLen = 16
	}
	addrBytes := make([]byte, addrLen)
	if _, err := io.ReadFull(r, addrBytes); err != nil {
		return netip.AddrPort{}, "", "", fmt.Errorf("tunnel: read address: %w", err)
	}

	var addr netip.Addr
	if addrLen == 4 {
		addr = netip.AddrFrom4([4]byte(addrBytes))
	} else {
		addr = netip.AddrFrom16([16]byte(addrBytes))
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return netip.AddrPort{}, "", "", fmt.Errorf("tunnel: read port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	nameLen, err := readByte(r)
	if err != nil {
		return netip.AddrPort{}, "", "", fmt.Errorf("tunnel: read name-len: %w", err)
	}
	nameBytes := make([]byte, nameLen)
	if nameLen > 0 {
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return netip.AddrPort{}, "", "", fmt.Errorf("tunnel: read name: %w", err)
		}
	}

	tagLen, err := readByte(r)
	if err != nil {
		return netip.AddrPort{}, "", "", fmt.Errorf("tunnel: read tag-len: %w", err)
	}
	tagBytes := make([]byte, tagLen)
	if tagLen > 0 {
		if _, err := io.ReadFull(r, tagBytes); err != nil {
			return netip.AddrPort{}, "", "", fmt.Errorf("tunnel: read tag: %w", err)
		}
	}

	return netip.AddrPortFrom(addr, port), string(nameBytes), string(tagBytes), nil
}
