package geoip

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestUpdaterRefreshKeepsPreviousOnFetchFailure(t *testing.T) {
	u := NewUpdater("https://example.invalid/GeoLite2-Country.mmdb", filepath.Join(t.TempDir(), "geoip.mmdb"), 0)
	u.fetch = func(ctx context.Context, url, destPath string) error {
		return errors.New("network unreachable")
	}

	u.refresh(context.Background())

	if u.current.Load() != nil {
		t.Fatalf("expected no reader installed after a failed fetch")
	}
}

func TestUpdaterRefreshOpenFailureKeepsPreviousReader(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "geoip.mmdb")
	u := NewUpdater("https://example.invalid/GeoLite2-Country.mmdb", dest, 0)

	calls := 0
	u.fetch = func(ctx context.Context, url, destPath string) error {
		calls++
		// Not a valid mmdb file; OpenReader must reject it and the
		// updater must not replace whatever reader was already active.
		return os.WriteFile(destPath, []byte("not an mmdb"), 0o644)
	}

	u.refresh(context.Background())
	if calls != 1 {
		t.Fatalf("expected fetch to be called once, got %d", calls)
	}
	if u.current.Load() != nil {
		t.Fatalf("expected no reader installed when the fetched file fails to open")
	}
}
