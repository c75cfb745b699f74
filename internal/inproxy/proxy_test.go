package inproxy

import (
	"io"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"splitproxy/internal/fakeipdns"
	"splitproxy/internal/router"
)

type fakeGeoLookup struct{ regions []string }

func (f fakeGeoLookup) Regions(netip.Addr) []string { return f.regions }

func newTestProxy(t *testing.T, regions []string, rules []router.Rule) *Proxy {
	t.Helper()
	store, err := fakeipdns.Open(
		filepath.Join(t.TempDir(), "fakeip.db"),
		fakeipdns.Range{Prefix: netip.MustParsePrefix("198.18.0.0/15")},
		fakeipdns.Range{Prefix: netip.MustParsePrefix("2001:db8::/32")},
	)
	if err != nil {
		t.Fatalf("fakeipdns.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(store, fakeGeoLookup{regions: regions}, router.New(rules), nil, 0)
}

func TestResolveDestinationReversesFakeIPAndMatchesRouter(t *testing.T) {
	rule := &router.AddressRule{
		MatchIPs: []netip.Prefix{netip.MustParsePrefix("93.184.216.0/24")},
		Labels:   []string{"mygroup"},
		Prio:     10,
	}
	p := newTestProxy(t, []string{"US"}, []router.Rule{rule})

	real := netip.MustParseAddr("93.184.216.34")
	fake, err := p.fakeIP.Resolve(fakeipdns.TypeA, "example.com.", real)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	destination := netip.AddrPortFrom(fake, 443)
	gotReal, name, groups := p.resolveDestination(destination)

	if gotReal != netip.AddrPortFrom(real, 443) {
		t.Fatalf("resolved real address: got %v want %v", gotReal, real)
	}
	if name != "example.com." {
		t.Fatalf("resolved name: got %q", name)
	}
	if len(groups) != 1 || len(groups[0]) != 1 || groups[0][0].Label != "mygroup" {
		t.Fatalf("expected a single mygroup label, got %+v", groups)
	}
}

func TestResolveDestinationPassesThroughOutsideFakeIPRanges(t *testing.T) {
	rule := &router.FallbackRule{Labels: []string{"DIRECT"}}
	p := newTestProxy(t, nil, []router.Rule{rule})

	destination := netip.MustParseAddrPort("8.8.8.8:53")
	gotReal, name, groups := p.resolveDestination(destination)

	if gotReal != destination {
		t.Fatalf("expected unresolved destination to pass through unchanged, got %v", gotReal)
	}
	if name != "" {
		t.Fatalf("expected no recovered name, got %q", name)
	}
	if groups != nil {
		t.Fatalf("expected no routing labels for non-fake-ip traffic, got %+v", groups)
	}
}

func TestCopyBidirectionalRelaysBothDirectionsThenReturns(t *testing.T) {
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

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	serverConn := <-accepted

	streamSide, testSide := net.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- copyBidirectional(clientConn.(*net.TCPConn), streamSide)
	}()

	if _, err := serverConn.Write([]byte("ping")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(testSide, buf); err != nil {
		t.Fatalf("read on stream side: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("stream side got %q, want %q", buf, "ping")
	}

	if _, err := testSide.Write([]byte("pong")); err != nil {
		t.Fatalf("stream side write: %v", err)
	}
	buf2 := make([]byte, 4)
	if _, err := io.ReadFull(serverConn, buf2); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf2) != "pong" {
		t.Fatalf("server got %q, want %q", buf2, "pong")
	}

	// Close both legs, as a real finished conversation would from both
	// ends, so both copy directions unblock and copyBidirectional returns.
	testSide.Close()
	serverConn.Close()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("copyBidirectional did not return after both sides closed")
	}
}
