package inproxy

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"
)

// loopbackUDP opens a plain, unprivileged loopback UDP socket, standing in
// for the genuinely transparent (root-requiring) sockets production code
// binds via netutil.
func loopbackUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func echoUDP(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			conn.WriteToUDPAddrPort(buf[:n], addr)
		}
	}()
}

func newTestForwarder(t *testing.T, idle time.Duration) *Forwarder {
	t.Helper()
	f := NewForwarder(nil, 0, idle)
	f.newDelegateSocket = func(netip.AddrPort, uint32) (*net.UDPConn, error) {
		return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	}
	f.newResponseSocket = func(netip.AddrPort, uint32) (*net.UDPConn, error) {
		return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	}
	return f
}

// TestForwarderSeedScenarioS6RoundTripsAndSpoofsReplySource checks the
// literal UDP reply mapping scenario: a datagram sent through an
// association comes back to the client from the response socket keyed by
// the original destination. Production binds that socket to the original
// destination itself, making it the reply's apparent source; here a
// loopback socket stands in for it.
func TestForwarderSeedScenarioS6RoundTripsAndSpoofsReplySource(t *testing.T) {
	client := loopbackUDP(t)
	realDest := loopbackUDP(t)
	echoUDP(t, realDest)

	f := newTestForwarder(t, time.Minute)

	source := client.LocalAddr().(*net.UDPAddr).AddrPort()
	original := netip.MustParseAddrPort("198.18.0.7:80")
	real := realDest.LocalAddr().(*net.UDPAddr).AddrPort()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.send(ctx, source, original, real, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, from, err := client.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("expected reply relayed back to client: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("reply payload: got %q want %q", buf[:n], "hello")
	}

	f.mu.Lock()
	rs, ok := f.responseSockets[original]
	f.mu.Unlock()
	if !ok || rs.refs != 1 {
		t.Fatalf("expected one response socket referenced once for %s, got %+v (ok=%v)", original, rs, ok)
	}
	if want := rs.conn.LocalAddr().(*net.UDPAddr).AddrPort(); from != want {
		t.Fatalf("reply source: got %s want %s (the response socket for %s)", from, want, original)
	}
}

func TestForwarderAssociatedDestinationShortcutsReResolution(t *testing.T) {
	client := loopbackUDP(t)
	realDest := loopbackUDP(t)
	echoUDP(t, realDest)

	f := newTestForwarder(t, time.Minute)

	source := client.LocalAddr().(*net.UDPAddr).AddrPort()
	original := netip.MustParseAddrPort("198.18.0.9:443")
	real := realDest.LocalAddr().(*net.UDPAddr).AddrPort()

	ctx := context.Background()
	if err := f.send(ctx, source, original, real, []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := f.associatedDestination(source, original)
	if got != real {
		t.Fatalf("associatedDestination: got %v want %v", got, real)
	}
}

// TestAssociationMultipleRepliesShareOneReferenceOnResponseSocket relays two
// reply datagrams through the same association and original destination,
// then confirms the response socket is still referenced exactly once (a
// regression check: the reference count must track distinct destinations
// the association relays through, not one count per datagram relayed) and
// that it's fully reaped — not merely decremented and leaked — once the
// association goes idle.
func TestAssociationMultipleRepliesShareOneReferenceOnResponseSocket(t *testing.T) {
	client := loopbackUDP(t)
	realDest := loopbackUDP(t)
	echoUDP(t, realDest)

	idle := 60 * time.Millisecond
	f := newTestForwarder(t, idle)

	source := client.LocalAddr().(*net.UDPAddr).AddrPort()
	original := netip.MustParseAddrPort("198.18.0.13:53")
	real := realDest.LocalAddr().(*net.UDPAddr).AddrPort()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.send(ctx, source, original, real, []byte("one")); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	if _, _, err := client.ReadFromUDPAddrPort(buf); err != nil {
		t.Fatalf("expected first reply: %v", err)
	}

	if err := f.send(ctx, source, original, real, []byte("two")); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadFromUDPAddrPort(buf); err != nil {
		t.Fatalf("expected second reply: %v", err)
	}

	f.mu.Lock()
	rs, ok := f.responseSockets[original]
	f.mu.Unlock()
	if !ok || rs.refs != 1 {
		t.Fatalf("expected one response socket referenced once after two relayed replies through the same destination, got %+v (ok=%v)", rs, ok)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		_, socketStillLive := f.responseSockets[original]
		f.mu.Unlock()
		if !socketStillLive {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected response socket to be fully released after the idle timeout, not leaked")
}

func TestAssociationIdleTimeoutReleasesResponseSocket(t *testing.T) {
	client := loopbackUDP(t)
	realDest := loopbackUDP(t)
	echoUDP(t, realDest)

	idle := 60 * time.Millisecond
	f := newTestForwarder(t, idle)

	source := client.LocalAddr().(*net.UDPAddr).AddrPort()
	original := netip.MustParseAddrPort("198.18.0.11:22")
	real := realDest.LocalAddr().(*net.UDPAddr).AddrPort()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.send(ctx, source, original, real, []byte("y")); err != nil {
		t.Fatalf("send: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	if _, _, err := client.ReadFromUDPAddrPort(buf); err != nil {
		t.Fatalf("expected initial reply: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		_, assocStillLive := f.associations[source]
		_, socketStillLive := f.responseSockets[original]
		f.mu.Unlock()
		if !assocStillLive && !socketStillLive {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected association and its response socket to be reaped after the idle timeout")
}
