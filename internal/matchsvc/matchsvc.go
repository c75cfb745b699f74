// Package matchsvc is the rendezvous abstraction that lets anonymous IN and
// OUT peers meet, exchange small transport-specific payloads, and agree on a
// fresh TunnelId, without either side needing the other's address up front.
package matchsvc

import (
	"context"
	"encoding/json"

	"splitproxy/internal/ids"
	"splitproxy/internal/router"
)

// Keys supplies the stable string forms a concrete transport needs from the
// rendezvous backend: a presence key per OutId, the announcement channel an
// IN publishes on for a given OutId, and the lock/channel keys derived from
// an (InId, in_data) pairing attempt. Each tunnel transport uses its own
// Keys value (TransportKeys under the transport's name) so unrelated
// transports never collide in the same backend.
type Keys interface {
	// MatchName identifies this transport in backend-global key/channel
	// names (e.g. "quic", "http2", "http2-plug", "yamux").
	MatchName() string
	// OutKey is the presence key an OUT peer refreshes while alive.
	OutKey(outId ids.MatchOutId) string
	// OutKeyPattern matches every live OUT's presence key for this
	// transport, for an IN's initial accept_out scan.
	OutKeyPattern() string
	// OutIdFromKey recovers the MatchOutId encoded in a presence key
	// matched by OutKeyPattern.
	OutIdFromKey(key string) (ids.MatchOutId, error)
	// PresenceAnnounceChannel is where a newly (re)started OUT publishes
	// its MatchOutId once, so an IN already blocked in accept_out (which
	// scans presence keys only once, on entry) learns of it.
	PresenceAnnounceChannel() string
	// InAnnouncementChannel is where an IN publishes its announcements
	// for a specific OUT, and where that OUT subscribes to receive them.
	InAnnouncementChannel(outId ids.MatchOutId) string
	// MatchLockKey and MatchChannel are derived per pairing attempt from
	// the IN's id and its announcement payload, so two different IN
	// announcements (even for the same OutId) never share a lock.
	MatchLockKey(inId ids.MatchInId, inData json.RawMessage) string
	MatchChannel(inId ids.MatchInId, inData json.RawMessage) string
}

// MatchOut is what a winning OUT publishes back to the IN it paired with.
type MatchOut struct {
	Id              ids.MatchOutId      `json:"id"`
	TunnelId        ids.TunnelId        `json:"tunnel_id"`
	TunnelLabels    []string            `json:"tunnel_labels"`
	TunnelPriority  int64               `json:"tunnel_priority"`
	RoutingPriority int64               `json:"routing_priority"`
	RoutingRules    []router.RuleConfig `json:"routing_rules"`
	Data            json.RawMessage     `json:"data"`
}

// MatchIn is what an OUT receives once it has won a pairing lock for some
// IN's announcement.
type MatchIn struct {
	Id       ids.MatchInId   `json:"id"`
	TunnelId ids.TunnelId    `json:"tunnel_id"`
	Data     json.RawMessage `json:"data"`
}

// InMatchServer is the IN-side half of the rendezvous.
type InMatchServer interface {
	// AcceptOut blocks until some OUT has announced its presence for
	// this transport, returning its MatchOutId.
	AcceptOut(ctx context.Context, keys Keys) (ids.MatchOutId, error)

	// MatchOut repeatedly publishes an IN announcement (inId, inData) on
	// outId's announcement channel at a fixed interval, and returns the
	// first MatchOut delivered in reply. Returns ctx.Err() on
	// cancellation.
	MatchOut(ctx context.Context, keys Keys, outId ids.MatchOutId, inId ids.MatchInId, inData json.RawMessage) (*MatchOut, error)
}

// OutMatchServer is the OUT-side half of the rendezvous.
type OutMatchServer interface {
	// RegisterOut maintains this OUT's presence key under outId until
	// ctx is cancelled, refreshing its TTL periodically. Run in its own
	// goroutine; returns ctx.Err() on cancellation or a backend error.
	RegisterOut(ctx context.Context, keys Keys, outId ids.MatchOutId) error

	// MatchIn subscribes to the announcement channel, attempts the
	// compare-and-set pairing lock on each not-yet-paired IN
	// announcement it sees, and on winning publishes a MatchOut
	// (minted with a fresh TunnelId) before returning the paired
	// MatchIn to the caller. Losers are skipped silently.
	MatchIn(ctx context.Context, keys Keys, outId ids.MatchOutId, outData json.RawMessage, tunnelPriority int64, routingRules []router.RuleConfig, routingPriority int64) (*MatchIn, error)
}

// InAnnouncement is the JSON payload an IN repeatedly publishes while
// waiting for MatchOut, and what an OUT decodes off the shared announcement
// channel for a given OutId.
type InAnnouncement struct {
	Id   ids.MatchInId   `json:"id"`
	Data json.RawMessage `json:"data"`
}
