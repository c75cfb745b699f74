// Package redis implements internal/matchsvc's rendezvous interfaces on top
// of Redis pub/sub and a compare-and-set key lock, per spec §6.4's key and
// channel naming.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"splitproxy/internal/ids"
	"splitproxy/internal/matchsvc"
	"splitproxy/internal/router"
	"splitproxy/internal/xlog"
)

const (
	announceInterval = 1 * time.Second
	pairLockTTL      = 30 * time.Second
	presenceTTL      = 15 * time.Second
	presenceRefresh  = 5 * time.Second
)

// MatchServer implements both matchsvc.InMatchServer and
// matchsvc.OutMatchServer over one Redis connection; a process only ever
// uses the half matching its role.
type MatchServer struct {
	client *goredis.Client
	// labels is only meaningful on the OUT side: it is baked in at
	// construction (mirroring the original rendezvous implementation,
	// which ties a fixed label set to one OUT's match server instance)
	// and copied into every MatchOut this server wins.
	labels []string
}

// New wraps an already-configured client for IN-side use. Building the
// client (parsing the redis:// or rediss:// URL from config) is the
// caller's job.
func New(client *goredis.Client) *MatchServer {
	return &MatchServer{client: client}
}

// NewOut wraps an already-configured client for OUT-side use, fixing the
// tunnel labels this OUT advertises on every successful pairing.
func NewOut(client *goredis.Client, labels []string) *MatchServer {
	return &MatchServer{client: client, labels: labels}
}

// ParseURL builds a *goredis.Client from a redis:// or rediss:// URL.
func ParseURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("matchsvc/redis: parse url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

// AcceptOut blocks until some OUT's presence key exists (checked once
// immediately, to catch an OUT that announced before this call started
// watching) or its announce channel delivers a fresh MatchOutId.
func (s *MatchServer) AcceptOut(ctx context.Context, keys matchsvc.Keys) (ids.MatchOutId, error) {
	existing, err := s.client.Keys(ctx, keys.OutKeyPattern()).Result()
	if err != nil {
		return ids.MatchOutId{}, fmt.Errorf("matchsvc/redis: scan presence keys: %w", err)
	}
	for _, key := range existing {
		if outId, err := keys.OutIdFromKey(key); err == nil {
			return outId, nil
		}
	}

	sub := s.client.Subscribe(ctx, keys.PresenceAnnounceChannel())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return ids.MatchOutId{}, fmt.Errorf("matchsvc/redis: presence announce subscription closed")
			}
			outId, err := ids.ParseMatchOutId(msg.Payload)
			if err != nil {
				continue
			}
			return outId, nil
		case <-ctx.Done():
			return ids.MatchOutId{}, ctx.Err()
		}
	}
}

// MatchOut subscribes to the match channel derived from (inId, inData), then
// repeatedly publishes (inId, inData) on its announcement channel until a
// MatchOut arrives or ctx is cancelled.
func (s *MatchServer) MatchOut(ctx context.Context, keys matchsvc.Keys, outId ids.MatchOutId, inId ids.MatchInId, inData json.RawMessage) (*matchsvc.MatchOut, error) {
	sub := s.client.Subscribe(ctx, keys.MatchChannel(inId, inData))
	defer sub.Close()

	payload, err := json.Marshal(matchsvc.InAnnouncement{Id: inId, Data: inData})
	if err != nil {
		return nil, fmt.Errorf("matchsvc/redis: marshal announcement: %w", err)
	}

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	ch := sub.Channel()
	announceChannel := keys.InAnnouncementChannel(outId)

	if err := s.client.Publish(ctx, announceChannel, payload).Err(); err != nil {
		return nil, fmt.Errorf("matchsvc/redis: publish announcement: %w", err)
	}

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("matchsvc/redis: match subscription closed")
			}
			var out matchsvc.MatchOut
			if err := json.Unmarshal([]byte(msg.Payload), &out); err != nil {
				xlog.Log.Warnf("matchsvc/redis", "malformed MatchOut payload: %v", err)
				continue
			}
			return &out, nil
		case <-ticker.C:
			if err := s.client.Publish(ctx, announceChannel, payload).Err(); err != nil {
				xlog.Log.Warnf("matchsvc/redis", "publish announcement: %v", err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RegisterOut maintains outId's presence key and publishes one
// announcement on the shared presence channel so an AcceptOut already
// waiting past its one initial presence-key scan learns of it.
func (s *MatchServer) RegisterOut(ctx context.Context, keys matchsvc.Keys, outId ids.MatchOutId) error {
	key := keys.OutKey(outId)
	if err := s.client.Set(ctx, key, "1", presenceTTL).Err(); err != nil {
		return fmt.Errorf("matchsvc/redis: set presence key: %w", err)
	}
	if err := s.client.Publish(ctx, keys.PresenceAnnounceChannel(), outId.String()).Err(); err != nil {
		xlog.Log.Warnf("matchsvc/redis", "publish presence announce: %v", err)
	}

	ticker := time.NewTicker(presenceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.client.Set(ctx, key, "1", presenceTTL).Err(); err != nil {
				return fmt.Errorf("matchsvc/redis: refresh presence key: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// MatchIn subscribes to the shared announcement channel for outId and, for
// each not-yet-paired IN announcement, attempts the SET NX EX pairing lock;
// the winner mints a fresh TunnelId, publishes MatchOut on the IN's match
// channel, and returns. Losers of the lock race are silently skipped.
func (s *MatchServer) MatchIn(ctx context.Context, keys matchsvc.Keys, outId ids.MatchOutId, outData json.RawMessage, tunnelPriority int64, routingRules []router.RuleConfig, routingPriority int64) (*matchsvc.MatchIn, error) {
	sub := s.client.Subscribe(ctx, keys.InAnnouncementChannel(outId))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("matchsvc/redis: in announcement subscription closed")
			}

			var ann matchsvc.InAnnouncement
			if err := json.Unmarshal([]byte(msg.Payload), &ann); err != nil {
				continue
			}

			lockKey := keys.MatchLockKey(ann.Id, ann.Data)
			locked, err := s.client.SetNX(ctx, lockKey, []byte(outData), pairLockTTL).Result()
			if err != nil {
				return nil, fmt.Errorf("matchsvc/redis: pairing lock: %w", err)
			}
			if !locked {
				continue // lost the compare-and-set race
			}

			tunnelId := ids.NewTunnelId()
			out := matchsvc.MatchOut{
				Id:              outId,
				TunnelId:        tunnelId,
				TunnelLabels:    s.labels,
				TunnelPriority:  tunnelPriority,
				RoutingPriority: routingPriority,
				RoutingRules:    routingRules,
				Data:            outData,
			}
			payload, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("matchsvc/redis: marshal MatchOut: %w", err)
			}
			if err := s.client.Publish(ctx, keys.MatchChannel(ann.Id, ann.Data), payload).Err(); err != nil {
				return nil, fmt.Errorf("matchsvc/redis: publish MatchOut: %w", err)
			}

			return &matchsvc.MatchIn{Id: ann.Id, TunnelId: tunnelId, Data: ann.Data}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
