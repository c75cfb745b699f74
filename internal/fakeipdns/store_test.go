package fakeipdns

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	v4 := Range{Prefix: netip.MustParsePrefix("198.18.0.0/15")}
	v6 := Range{Prefix: netip.MustParsePrefix("2001:db8::/32")}
	s, err := Open(filepath.Join(dir, "fakeip.db"), v4, v6)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestResolveSeedScenarioS1 checks the literal DNS-A-synthesis scenario:
// first resolution of example.com. assigns id 1, fake IP 198.18.0.1.
func TestResolveSeedScenarioS1(t *testing.T) {
	s := newTestStore(t)

	real := netip.MustParseAddr("93.184.216.34")
	fake, err := s.Resolve(TypeA, "example.com.", real)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := netip.MustParseAddr("198.18.0.1")
	if fake != want {
		t.Fatalf("fake IP: got %v want %v", fake, want)
	}

	var id int64
	var name string
	var realIPBytes []byte
	var expiresAt int64
	row := s.db.QueryRow(`SELECT id, name, real_ip, expires_at FROM records WHERE type = 'A'`)
	if err := row.Scan(&id, &name, &realIPBytes, &expiresAt); err != nil {
		t.Fatalf("scan stored record: %v", err)
	}
	if id != 1 {
		t.Fatalf("id: got %d want 1", id)
	}
	if name != "example.com." {
		t.Fatalf("name: got %q", name)
	}
	storedReal, ok := netip.AddrFromSlice(realIPBytes)
	if !ok || storedReal != real {
		t.Fatalf("real_ip: got %v", realIPBytes)
	}
	wantExpiry := time.Now().Add(realIPExpiry)
	if gotExpiry := time.UnixMilli(expiresAt); gotExpiry.Before(wantExpiry.Add(-time.Minute)) || gotExpiry.After(wantExpiry.Add(time.Minute)) {
		t.Fatalf("expires_at: got %v, want near %v", gotExpiry, wantExpiry)
	}
}

// TestReverseSeedScenarioS2 checks the literal reverse-lookup scenario
// following on from S1.
func TestReverseSeedScenarioS2(t *testing.T) {
	s := newTestStore(t)

	real := netip.MustParseAddr("93.184.216.34")
	if _, err := s.Resolve(TypeA, "example.com.", real); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	name, gotReal, ok, err := s.Reverse(netip.MustParseAddr("198.18.0.1"))
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if name != "example.com." {
		t.Fatalf("name: got %q", name)
	}
	if gotReal != real {
		t.Fatalf("real IP: got %v want %v", gotReal, real)
	}
}

func TestReverseOutsideRangeIsNotSynthetic(t *testing.T) {
	s := newTestStore(t)
	_, _, ok, err := s.Reverse(netip.MustParseAddr("8.8.8.8"))
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for an address outside any configured range")
	}
}

func TestResolveReResolutionReusesId(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Resolve(TypeA, "example.com.", netip.MustParseAddr("1.2.3.4"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := s.Resolve(TypeA, "example.com.", netip.MustParseAddr("5.6.7.8"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first != second {
		t.Fatalf("expected same fake IP across re-resolution, got %v then %v", first, second)
	}

	_, real, _, err := s.Reverse(first)
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if real != netip.MustParseAddr("5.6.7.8") {
		t.Fatalf("expected real_ip updated to latest resolution, got %v", real)
	}
}

func TestResolveDistinctNamesGetDistinctIds(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Resolve(TypeA, "a.example.", netip.MustParseAddr("1.1.1.1"))
	if err != nil {
		t.Fatalf("Resolve a: %v", err)
	}
	b, err := s.Resolve(TypeA, "b.example.", netip.MustParseAddr("2.2.2.2"))
	if err != nil {
		t.Fatalf("Resolve b: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct fake IPs, got %v and %v", a, b)
	}
}

func TestResolveAAAAUsesV6Range(t *testing.T) {
	s := newTestStore(t)

	fake, err := s.Resolve(TypeAAAA, "example.com.", netip.MustParseAddr("2606:2800:220:1:248:1893:25c8:1946"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !s.v6.Prefix.Contains(fake) {
		t.Fatalf("expected fake IPv6 inside configured range, got %v", fake)
	}
}
