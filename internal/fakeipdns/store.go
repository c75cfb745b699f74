// Package fakeipdns assigns stable synthetic IPs to resolved hostnames and
// recovers the hostname later from the synthetic IP, so that a transparent
// TCP/UDP interceptor (which only ever sees an IP) can still route by name.
package fakeipdns

import (
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	schema = `
CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	real_ip BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_type_name ON records(type, name);
CREATE INDEX IF NOT EXISTS idx_expires_at ON records(expires_at);
`

	// TypeA and TypeAAAA are the only record types the store understands.
	TypeA    = "A"
	TypeAAAA = "AAAA"

	rewriteTTL   = 60 * time.Second
	realIPExpiry = 7 * 24 * time.Hour
)

// Range describes one configured fake-IP prefix; the synthetic address for
// record id n is range.base + n.
type Range struct {
	Prefix netip.Prefix
}

func (r Range) addrAt(id int64) (netip.Addr, error) {
	base := r.Prefix.Masked().Addr()
	addr, overflowed := addOffset(base, id)
	if overflowed || !r.Prefix.Contains(addr) {
		return netip.Addr{}, fmt.Errorf("fakeipdns: id %d overflows range %s", id, r.Prefix)
	}
	return addr, nil
}

// idWithin returns the row id encoded in addr under r, and whether addr
// falls inside r's prefix at all.
func (r Range) idWithin(addr netip.Addr) (int64, bool) {
	if !r.Prefix.Contains(addr) {
		return 0, false
	}
	return addrDiff(addr, r.Prefix.Masked().Addr()), true
}

// addOffset adds a non-negative offset to an IPv4 or IPv6 address, each
// represented as a big-endian byte array, reporting overflow out of the
// address's byte width.
func addOffset(base netip.Addr, offset int64) (netip.Addr, bool) {
	b := base.As16()
	if base.Is4() {
		b4 := base.As4()
		v := uint64(b4[0])<<24 | uint64(b4[1])<<16 | uint64(b4[2])<<8 | uint64(b4[3])
		v += uint64(offset)
		if v > 0xFFFFFFFF {
			return netip.Addr{}, true
		}
		var out [4]byte
		out[0] = byte(v >> 24)
		out[1] = byte(v >> 16)
		out[2] = byte(v >> 8)
		out[3] = byte(v)
		return netip.AddrFrom4(out), false
	}
	carry := uint64(offset)
	for i := 15; i >= 0 && carry > 0; i-- {
		sum := uint64(b[i]) + carry
		b[i] = byte(sum)
		carry = sum >> 8
	}
	if carry > 0 {
		return netip.Addr{}, true
	}
	return netip.AddrFrom16(b), false
}

// addrDiff computes addr - base as an integer. Both must be the same IP
// version; for IPv6 only the low 8 bytes are compared, which is sufficient
// since a /32-or-narrower v6 prefix never needs a diff wider than that.
func addrDiff(addr, base netip.Addr) int64 {
	if addr.Is4() != base.Is4() {
		return -1
	}
	if addr.Is4() {
		a, b := addr.As4(), base.As4()
		av := uint64(a[0])<<24 | uint64(a[1])<<16 | uint64(a[2])<<8 | uint64(a[3])
		bv := uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
		return int64(av - bv)
	}
	a, b := addr.As16(), base.As16()
	var diff int64
	for i := 8; i < 16; i++ {
		diff = diff<<8 | int64(a[i])-int64(b[i])
	}
	return diff
}

// Record is one resolved fake-IP mapping.
type Record struct {
	Id        int64
	Type      string
	Name      string
	RealIP    netip.Addr
	ExpiresAt time.Time
}

// Store is the SQLite-backed fake-IP records table. Safe for concurrent use.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	v4, v6   Range
}

// Open opens (creating if absent) the SQLite file at path and ensures the
// records schema exists.
func Open(path string, v4, v6 Range) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("fakeipdns: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("fakeipdns: create schema: %w", err)
	}
	return &Store{db: db, v4: v4, v6: v6}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rangeFor(typ string) (Range, error) {
	switch typ {
	case TypeA:
		return s.v4, nil
	case TypeAAAA:
		return s.v6, nil
	default:
		return Range{}, fmt.Errorf("fakeipdns: unsupported record type %q", typ)
	}
}

// Resolve implements the synthesis algorithm: update-existing, else
// reuse-expired, else insert-new, returning the record's fake IP.
func (s *Store) Resolve(typ, name string, realIP netip.Addr) (netip.Addr, error) {
	rng, err := s.rangeFor(typ)
	if err != nil {
		return netip.Addr{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("fakeipdns: begin: %w", err)
	}
	defer tx.Rollback()

	var id int64
	realIPBytes := ipBytes(realIP, typ)

	row := tx.QueryRow(`SELECT id FROM records WHERE type = ? AND name = ?`, typ, name)
	switch err := row.Scan(&id); {
	case err == nil:
		if _, err := tx.Exec(`UPDATE records SET real_ip = ?, expires_at = ? WHERE id = ?`,
			realIPBytes, now.Add(realIPExpiry).UnixMilli(), id); err != nil {
			return netip.Addr{}, fmt.Errorf("fakeipdns: update existing: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		expired := tx.QueryRow(`SELECT id FROM records WHERE expires_at <= ? ORDER BY expires_at ASC LIMIT 1`, now.UnixMilli())
		switch err := expired.Scan(&id); {
		case err == nil:
			if _, err := tx.Exec(`UPDATE records SET type = ?, name = ?, real_ip = ?, expires_at = ? WHERE id = ?`,
				typ, name, realIPBytes, now.Add(realIPExpiry).UnixMilli(), id); err != nil {
				return netip.Addr{}, fmt.Errorf("fakeipdns: reuse expired: %w", err)
			}
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.Exec(`INSERT INTO records (type, name, real_ip, expires_at) VALUES (?, ?, ?, ?)`,
				typ, name, realIPBytes, now.Add(realIPExpiry).UnixMilli())
			if err != nil {
				return netip.Addr{}, fmt.Errorf("fakeipdns: insert: %w", err)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return netip.Addr{}, fmt.Errorf("fakeipdns: last insert id: %w", err)
			}
		default:
			return netip.Addr{}, fmt.Errorf("fakeipdns: query expired: %w", err)
		}
	default:
		return netip.Addr{}, fmt.Errorf("fakeipdns: query existing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return netip.Addr{}, fmt.Errorf("fakeipdns: commit: %w", err)
	}

	return rng.addrAt(id)
}

// Reverse resolves a synthetic IP back to (name, real IP), reporting ok=false
// if addr does not fall within either configured range (it was never
// synthetic).
func (s *Store) Reverse(addr netip.Addr) (name string, realIP netip.Addr, ok bool, err error) {
	var typ string
	var rng Range
	if _, within := s.v4.idWithin(addr); within {
		typ, rng = TypeA, s.v4
	} else if _, within := s.v6.idWithin(addr); within {
		typ, rng = TypeAAAA, s.v6
	} else {
		return "", netip.Addr{}, false, nil
	}

	id, _ := rng.idWithin(addr)

	s.mu.Lock()
	defer s.mu.Unlock()

	var realIPBytes []byte
	row := s.db.QueryRow(`SELECT name, real_ip FROM records WHERE type = ? AND id = ?`, typ, id)
	if err := row.Scan(&name, &realIPBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", netip.Addr{}, false, nil
		}
		return "", netip.Addr{}, false, fmt.Errorf("fakeipdns: reverse lookup: %w", err)
	}

	realIP, ok = netip.AddrFromSlice(realIPBytes)
	if !ok {
		return "", netip.Addr{}, false, fmt.Errorf("fakeipdns: corrupt real_ip for id %d", id)
	}
	return name, realIP, true, nil
}

func ipBytes(addr netip.Addr, typ string) []byte {
	if typ == TypeAAAA {
		b := addr.As16()
		return b[:]
	}
	b := addr.As4()
	return b[:]
}
