// Package router evaluates destination triples against priority-grouped,
// labeled rules to decide which tunnel(s) a connection is eligible for.
package router

import (
	"sort"
	"sync"

	"splitproxy/internal/ids"
)

type outEntry struct {
	rules   []Rule
	tunnels map[ids.TunnelId]struct{}
}

// Router holds the IN peer's statically-configured rules plus the
// dynamically registered rules contributed by each matched OUT tunnel, and
// exposes the combined, priority-grouped evaluation described in spec §4.4.
type Router struct {
	inRules []Rule

	mu       sync.Mutex
	outRules map[ids.OutId]*outEntry

	cacheMu sync.RWMutex
	groups  [][]Rule // sorted descending by priority, grouped by equal priority
}

// New builds a Router from the IN peer's own configured rules.
func New(inRules []Rule) *Router {
	r := &Router{
		inRules:  inRules,
		outRules: make(map[ids.OutId]*outEntry),
	}
	r.rebuildCache()
	return r
}

// RegisterTunnel adds rules contributed by a newly matched tunnel under its
// OutId, and rebuilds the evaluation cache. Multiple tunnels for the same
// OutId share one rule set (the first registration's rules win; later
// registrations for the same OutId only add to the tunnel set, mirroring
// the rendezvous's one-registration-per-OutId model).
func (r *Router) RegisterTunnel(outId ids.OutId, tunnelId ids.TunnelId, rules []Rule) {
	r.mu.Lock()
	entry, ok := r.outRules[outId]
	if !ok {
		entry = &outEntry{rules: rules, tunnels: make(map[ids.TunnelId]struct{})}
		r.outRules[outId] = entry
	}
	entry.tunnels[tunnelId] = struct{}{}
	r.mu.Unlock()

	r.rebuildCache()
}

// UnregisterTunnel removes tunnelId from its OutId's tunnel set, dropping
// the whole entry (and its rules) once the set is empty.
func (r *Router) UnregisterTunnel(outId ids.OutId, tunnelId ids.TunnelId) {
	r.mu.Lock()
	if entry, ok := r.outRules[outId]; ok {
		delete(entry.tunnels, tunnelId)
		if len(entry.tunnels) == 0 {
			delete(r.outRules, outId)
		}
	}
	r.mu.Unlock()

	r.rebuildCache()
}

func (r *Router) rebuildCache() {
	r.mu.Lock()
	all := make([]Rule, 0, len(r.inRules))
	all = append(all, r.inRules...)
	for _, entry := range r.outRules {
		all = append(all, entry.rules...)
	}
	r.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Priority() > all[j].Priority()
	})

	var groups [][]Rule
	for _, rule := range all {
		if len(groups) == 0 || groups[len(groups)-1][0].Priority() != rule.Priority() {
			groups = append(groups, []Rule{rule})
		} else {
			groups[len(groups)-1] = append(groups[len(groups)-1], rule)
		}
	}

	r.cacheMu.Lock()
	r.groups = groups
	r.cacheMu.Unlock()
}

// Match evaluates d against every priority group in order. Each group that
// grants at least one label contributes one entry (its granted Labeled
// list, deduplicated) to the result; groups are evaluated in priority order
// and evaluation never stops early — a later, lower-priority group's
// fallback rule still needs to observe whether any earlier group matched.
func (r *Router) Match(d Destination) [][]Labeled {
	r.cacheMu.RLock()
	groups := r.groups
	r.cacheMu.RUnlock()

	var result [][]Labeled
	anyMatched := false

	for _, group := range groups {
		var groupLabels []Labeled
		groupAnyMatched := anyMatched
		for _, rule := range group {
			labels := rule.Match(d, groupAnyMatched)
			if len(labels) == 0 {
				continue
			}
			tag := rule.Tag()
			for _, l := range labels {
				groupLabels = append(groupLabels, Labeled{Label: l, Tag: tag})
			}
			groupAnyMatched = true
		}
		if len(groupLabels) > 0 {
			result = append(result, dedupLabeled(groupLabels))
			anyMatched = true
		}
	}

	return result
}

func dedupLabeled(in []Labeled) []Labeled {
	seen := make(map[Labeled]struct{}, len(in))
	out := make([]Labeled, 0, len(in))
	for _, l := range in {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
