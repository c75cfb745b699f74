package matchsvc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"splitproxy/internal/ids"
)

// TransportKeys is the Keys implementation shared by every transport: it
// differs from one transport to the next only in the name prefixed onto
// every key and channel, per §6.4's "<transport>:..." naming.
type TransportKeys struct {
	Name string
}

func (k TransportKeys) MatchName() string { return k.Name }

func (k TransportKeys) OutKey(outId ids.MatchOutId) string {
	return fmt.Sprintf("%s:out:%s", k.Name, outId)
}

func (k TransportKeys) OutKeyPattern() string {
	return fmt.Sprintf("%s:out:*", k.Name)
}

func (k TransportKeys) OutIdFromKey(key string) (ids.MatchOutId, error) {
	prefix := k.Name + ":out:"
	if !strings.HasPrefix(key, prefix) {
		return ids.MatchOutId{}, fmt.Errorf("matchsvc: key %q does not match prefix %q", key, prefix)
	}
	return ids.ParseMatchOutId(strings.TrimPrefix(key, prefix))
}

func (k TransportKeys) PresenceAnnounceChannel() string {
	return fmt.Sprintf("%s:out:announce", k.Name)
}

func (k TransportKeys) InAnnouncementChannel(outId ids.MatchOutId) string {
	return fmt.Sprintf("%s:in:out:%s", k.Name, outId)
}

func (k TransportKeys) MatchLockKey(inId ids.MatchInId, inData json.RawMessage) string {
	return fmt.Sprintf("%s:lock:%s:%s", k.Name, inId, pairDigest(inData))
}

func (k TransportKeys) MatchChannel(inId ids.MatchInId, inData json.RawMessage) string {
	return fmt.Sprintf("%s:match:%s:%s", k.Name, inId, pairDigest(inData))
}

// pairDigest derives a short, stable string from an announcement payload so
// distinct (InId, in_data) pairing attempts never collide. in_data's
// content (e.g. an external address) is what actually needs to be unique
// per attempt, not the InId alone, since one IN may retry with fresh data.
func pairDigest(data json.RawMessage) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
