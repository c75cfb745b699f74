// Package geoip resolves an IP address to the region codes used by geoip
// rules in internal/router, backed by a periodically refreshed GeoLite2
// MaxMind database.
package geoip

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"splitproxy/internal/xlog"
)

type countryRecord struct {
	Country struct {
		IsoCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		IsoCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

// Lookup resolves an address to zero or more region codes (typically a
// single ISO country code). Safe for concurrent use.
type Lookup interface {
	Regions(addr netip.Addr) []string
}

// Reader is a Lookup backed by one loaded MaxMind database.
type Reader struct {
	db *maxminddb.Reader
}

func OpenReader(path string) (*Reader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error {
	return r.db.Close()
}

func (r *Reader) Regions(addr netip.Addr) []string {
	var rec countryRecord
	if err := r.db.Lookup(net.IP(addr.AsSlice()), &rec); err != nil {
		return nil
	}
	if rec.Country.IsoCode != "" {
		return []string{rec.Country.IsoCode}
	}
	if rec.RegisteredCountry.IsoCode != "" {
		return []string{rec.RegisteredCountry.IsoCode}
	}
	return nil
}

// Updater holds the currently active Reader behind an atomic pointer and
// refreshes it from a GeoLite2 download URL on a fixed interval, the same
// fetch-then-atomically-swap shape the teacher uses for its own update
// checker, repurposed from release binaries to a MaxMind database file.
type Updater struct {
	url      string
	destPath string
	interval time.Duration
	fetch    func(ctx context.Context, url, destPath string) error

	current atomic.Pointer[Reader]
}

// NewUpdater creates an Updater that downloads url to destPath (replacing
// any file already there) on startup and every interval thereafter.
func NewUpdater(url, destPath string, interval time.Duration) *Updater {
	return &Updater{url: url, destPath: destPath, interval: interval, fetch: downloadFile}
}

// Regions implements Lookup by delegating to the currently active reader;
// returns nil (no region) before the first successful fetch.
func (u *Updater) Regions(addr netip.Addr) []string {
	r := u.current.Load()
	if r == nil {
		return nil
	}
	return r.Regions(addr)
}

// Run fetches the database and then refreshes it on the configured
// interval until ctx is cancelled. Blocks; run it in its own goroutine.
func (u *Updater) Run(ctx context.Context) {
	u.refresh(ctx)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			u.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (u *Updater) refresh(ctx context.Context) {
	xlog.Log.Infof("geoip", "fetching GeoLite2 database from %s", u.url)
	if err := u.fetch(ctx, u.url, u.destPath); err != nil {
		xlog.Log.Warnf("geoip", "fetch failed, keeping previous database: %v", err)
		return
	}

	r, err := OpenReader(u.destPath)
	if err != nil {
		xlog.Log.Warnf("geoip", "open fetched database failed: %v", err)
		return
	}

	old := u.current.Swap(r)
	if old != nil {
		old.Close()
	}
	xlog.Log.Infof("geoip", "GeoLite2 database refreshed")
}
