package outproxy

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"splitproxy/internal/tunnel"
)

// fakeConnector stands in for a connector.Connector, dialing through dial.
type fakeConnector struct {
	dial func(ctx context.Context, destination netip.AddrPort, name string) (net.Conn, error)
}

func (f fakeConnector) Connect(ctx context.Context, destination netip.AddrPort, name string) (net.Conn, error) {
	return f.dial(ctx, destination, name)
}

// fakeOutTunnel hands out a fixed set of substreams once, then reports
// itself closed.
type fakeOutTunnel struct {
	mu      sync.Mutex
	streams []fakeSubstream
	closed  bool
}

type fakeSubstream struct {
	destination netip.AddrPort
	name        string
	tag         string
	stream      tunnel.Stream
}

func (t *fakeOutTunnel) Accept(ctx context.Context) (netip.AddrPort, string, string, tunnel.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		t.closed = true
		return netip.AddrPort{}, "", "", nil, io.EOF
	}
	s := t.streams[0]
	t.streams = t.streams[1:]
	return s.destination, s.name, s.tag, s.stream, nil
}

func (t *fakeOutTunnel) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func TestHandleStreamRelaysBetweenTunnelAndDialedRemote(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	streamSide, testSide := net.Pipe()

	conn := fakeConnector{dial: func(ctx context.Context, destination netip.AddrPort, name string) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	}}

	destination := netip.MustParseAddrPort("93.184.216.34:443")

	done := make(chan struct{})
	go func() {
		handleStream(context.Background(), destination, "example.com.", "mygroup", streamSide, conn)
		close(done)
	}()

	remote := <-accepted

	if _, err := testSide.Write([]byte("ping")); err != nil {
		t.Fatalf("write to tunnel side: %v", err)
	}
	buf := make([]byte, 4)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(remote, buf); err != nil {
		t.Fatalf("read on remote: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("remote got %q, want %q", buf, "ping")
	}

	if _, err := remote.Write([]byte("pong")); err != nil {
		t.Fatalf("remote write: %v", err)
	}
	buf2 := make([]byte, 4)
	testSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(testSide, buf2); err != nil {
		t.Fatalf("read on tunnel side: %v", err)
	}
	if string(buf2) != "pong" {
		t.Fatalf("tunnel side got %q, want %q", buf2, "pong")
	}

	testSide.Close()
	remote.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleStream did not return after both sides closed")
	}
}

func TestHandleTunnelClosesStreamWhenDialFails(t *testing.T) {
	streamSide, testSide := net.Pipe()
	defer testSide.Close()

	conn := fakeConnector{dial: func(ctx context.Context, destination netip.AddrPort, name string) (net.Conn, error) {
		return nil, io.ErrClosedPipe
	}}

	ot := &fakeOutTunnel{streams: []fakeSubstream{{
		destination: netip.MustParseAddrPort("198.18.0.1:80"),
		stream:      streamSide,
	}}}

	done := make(chan struct{})
	go func() {
		handleTunnel(context.Background(), ot, conn)
		close(done)
	}()

	buf := make([]byte, 1)
	testSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := testSide.Read(buf); err == nil {
		t.Fatalf("expected stream to be closed when the dial fails")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleTunnel did not return once the fake tunnel ran dry")
	}
}

func TestDestinationStringIncludesRecoveredName(t *testing.T) {
	addr := netip.MustParseAddrPort("93.184.216.34:443")
	if got := destinationString(addr, ""); got != addr.String() {
		t.Fatalf("no name: got %q", got)
	}
	if got := destinationString(addr, "example.com."); got != "example.com. (93.184.216.34:443)" {
		t.Fatalf("with name: got %q", got)
	}
}
