package tunnel

import (
	"bytes"
	"encoding/hex"
	"net/netip"
	"testing"
)

// TestEncodeHeaderSeedScenarioS5 checks the literal byte sequence from the
// spec's S5 scenario.
func TestEncodeHeaderSeedScenarioS5(t *testing.T) {
	dest := netip.MustParseAddrPort("127.0.0.1:8080")

	var buf bytes.Buffer
	if err := EncodeHeader(&buf, dest, "a.b", ""); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	want, err := hex.DecodeString("007F000000011F9003612E6200")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got % X, want % X", buf.Bytes(), want)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		dest string
		name string
		tag  string
	}{
		{"127.0.0.1:8080", "a.b", ""},
		{"127.0.0.1:443", "example.com", "rule-1"},
		{"[2001:db8::1]:53", "", ""},
		{"[::1]:9999", "ipv6.example.org", "tag"},
	}

	for _, c := range cases {
		dest := netip.MustParseAddrPort(c.dest)

		var buf bytes.Buffer
		if err := EncodeHeader(&buf, dest, c.name, c.tag); err != nil {
			t.Fatalf("EncodeHeader(%+v): %v", c, err)
		}

		gotDest, gotName, gotTag, err := DecodeHeader(&buf)
		if err != nil {
			t.Fatalf("DecodeHeader(%+v): %v", c, err)
		}
		if gotDest != dest || gotName != c.name || gotTag != c.tag {
			t.Fatalf("round trip mismatch: got (%v, %q, %q), want (%v, %q, %q)",
				gotDest, gotName, gotTag, dest, c.name, c.tag)
		}
	}
}
