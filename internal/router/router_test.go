package router

import (
	"net/netip"
	"testing"

	"splitproxy/internal/ids"
)

func mustRule(t *testing.T, c RuleConfig) Rule {
	t.Helper()
	r, err := ToInRule(c)
	if err != nil {
		t.Fatalf("ToInRule(%+v): %v", c, err)
	}
	return r
}

// TestRouterSeedScenarioS3 mirrors the spec's literal S3 scenario: a domain
// rule granting PROXY at priority 0 and a geoip rule granting DIRECT at
// priority 10.
func TestRouterSeedScenarioS3(t *testing.T) {
	domainRule := mustRule(t, RuleConfig{Kind: KindDomain, Match: []string{"example.com"}, Out: []string{"PROXY"}, Priority: int64Ptr(0)})
	geoipRule := mustRule(t, RuleConfig{Kind: KindGeoIP, Match: []string{"CN"}, Out: []string{"DIRECT"}, Priority: int64Ptr(10)})

	r := New([]Rule{domainRule, geoipRule})

	d1 := Destination{
		Address:     netip.MustParseAddr("198.18.0.1"),
		Port:        443,
		Domain:      "example.com",
		RegionCodes: []string{"US"},
	}
	got := r.Match(d1)
	want := [][]Labeled{{{Label: "PROXY"}}}
	assertGroupsEqual(t, got, want)

	d2 := Destination{
		Address:     netip.MustParseAddr("198.18.0.2"),
		Port:        443,
		Domain:      "example.com",
		RegionCodes: []string{"CN"},
	}
	got2 := r.Match(d2)
	want2 := [][]Labeled{{{Label: "DIRECT"}}, {{Label: "PROXY"}}}
	assertGroupsEqual(t, got2, want2)
}

func TestRouterFallbackOnlyFiresWhenNothingElseMatched(t *testing.T) {
	domainRule := mustRule(t, RuleConfig{Kind: KindDomain, Match: []string{"example.com"}, Out: []string{"PROXY"}, Priority: int64Ptr(5)})
	fallback := mustRule(t, RuleConfig{Kind: KindFallback, Out: []string{"DIRECT"}})

	r := New([]Rule{domainRule, fallback})

	matched := Destination{Domain: "example.com"}
	got := r.Match(matched)
	assertGroupsEqual(t, got, [][]Labeled{{{Label: "PROXY"}}})

	unmatched := Destination{Domain: "other.com"}
	got2 := r.Match(unmatched)
	assertGroupsEqual(t, got2, [][]Labeled{{{Label: "DIRECT"}}})
}

func TestRouterTunnelRegistrationAndDeregistration(t *testing.T) {
	r := New(nil)
	out := ids.NewOutId()
	tun := ids.NewTunnelId()

	rule := mustRule(t, RuleConfig{Kind: KindDomain, Match: []string{"example.com"}, Out: []string{tun.String()}, Priority: int64Ptr(1)})
	r.RegisterTunnel(out, tun, []Rule{rule})

	got := r.Match(Destination{Domain: "example.com"})
	assertGroupsEqual(t, got, [][]Labeled{{{Label: tun.String()}}})

	r.UnregisterTunnel(out, tun)
	got2 := r.Match(Destination{Domain: "example.com"})
	if len(got2) != 0 {
		t.Fatalf("expected no groups after unregistration, got %+v", got2)
	}
}

func assertGroupsEqual(t *testing.T, got, want [][]Labeled) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("group count: got %+v want %+v", got, want)
	}
	for i := range got {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("group %d: got %+v want %+v", i, got[i], want[i])
		}
		for j := range got[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("group %d entry %d: got %+v want %+v", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func int64Ptr(v int64) *int64 { return &v }
