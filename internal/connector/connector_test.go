package connector

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestParseLocalSourceDistinguishesIPFromInterface(t *testing.T) {
	if got := ParseLocalSource(""); got != (LocalSource{}) {
		t.Fatalf("empty value: got %+v, want zero value", got)
	}
	if got := ParseLocalSource("192.0.2.10"); got.IP != netip.MustParseAddr("192.0.2.10") || got.Interface != "" {
		t.Fatalf("ip value: got %+v", got)
	}
	if got := ParseLocalSource("eth0"); got.Interface != "eth0" || got.IP.IsValid() {
		t.Fatalf("interface value: got %+v", got)
	}
}

func TestLocalConnectorConnectsAndEchoes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	c := NewLocalConnector(LocalSource{}, 0)
	addr := ln.Addr().(*net.TCPAddr).AddrPort()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := c.Connect(ctx, addr, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo: got %q, want %q", buf, "ping")
	}
}

func TestLocalConnectorUsesHostnameWhenNamePresent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- struct{}{}
		conn.Close()
	}()

	c := NewLocalConnector(LocalSource{}, 0)
	port := ln.Addr().(*net.TCPAddr).AddrPort().Port()
	destination := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := c.Connect(ctx, destination, "localhost")
	if err != nil {
		t.Fatalf("Connect with recovered name: %v", err)
	}
	conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected listener to accept a connection dialed by name")
	}
}
