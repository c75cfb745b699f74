// Package manager holds the pool of live tunnels, indexes them by label,
// and selects one for a given destination's router-produced label groups.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"splitproxy/internal/ids"
	"splitproxy/internal/router"
	"splitproxy/internal/tunnel"
	"splitproxy/internal/xlog"
)

// Manager owns the set of live InTunnels, keeps a label → tunnels index
// (including the synthetic "PROXY" and per-OutId labels), and selects a
// tunnel for a destination's router-produced label groups.
type Manager struct {
	router *router.Router
	direct tunnel.InTunnelLike

	mu         sync.Mutex
	tunnels    map[ids.TunnelId]tunnel.InTunnel
	labelIndex map[string][]tunnel.InTunnel // sorted descending by priority

	selectIndex atomic.Uint64 // global round-robin counter, never reset
}

// New creates a Manager. direct is the pseudo-tunnel used for the built-in
// DIRECT label (internal/netutil's traffic-marked direct dialer).
func New(r *router.Router, direct tunnel.InTunnelLike) *Manager {
	return &Manager{
		router:     r,
		direct:     direct,
		tunnels:    make(map[ids.TunnelId]tunnel.InTunnel),
		labelIndex: make(map[string][]tunnel.InTunnel),
	}
}

// RunProvider drives one InTunnelProvider's accept loop until ctx is
// cancelled: repeatedly wait for an OUT announcement, then dial (or accept)
// the hinted number of parallel connections to it, registering each as it
// completes.
func (m *Manager) RunProvider(ctx context.Context, provider tunnel.InTunnelProvider) error {
	for {
		outId, connections, err := provider.AcceptOut(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			xlog.Log.Warnf("manager", "%s: accept_out failed: %v", provider.Name(), err)
			continue
		}
		if connections < 1 {
			connections = 1
		}
		for i := 0; i < connections; i++ {
			go m.acceptOne(ctx, provider, outId)
		}
	}
}

func (m *Manager) acceptOne(ctx context.Context, provider tunnel.InTunnelProvider, outId ids.MatchOutId) {
	t, rules, priority, err := provider.Accept(ctx, outId)
	if err != nil {
		xlog.Log.Warnf("manager", "%s: accept failed for %s: %v", provider.Name(), outId, err)
		return
	}
	m.addTunnel(t, rules, priority)
}

func (m *Manager) addTunnel(t tunnel.InTunnel, ruleConfigs []router.RuleConfig, priority int64) {
	m.mu.Lock()
	m.tunnels[t.Id()] = t
	m.rebuildLabelIndexLocked()
	m.mu.Unlock()

	rules := make([]router.Rule, 0, len(ruleConfigs))
	for _, rc := range ruleConfigs {
		rule, err := router.ToOutRule(rc, t.OutId().String(), priority)
		if err != nil {
			xlog.Log.Warnf("manager", "invalid rule from tunnel %s: %v", t.Id(), err)
			continue
		}
		rules = append(rules, rule)
	}
	m.router.RegisterTunnel(t.OutId(), t.Id(), rules)

	xlog.Log.Infof("manager", "tunnel registered: %s", t.Id())

	go func() {
		<-t.Closed()
		m.removeTunnel(t)
	}()
}

func (m *Manager) removeTunnel(t tunnel.InTunnel) {
	m.mu.Lock()
	delete(m.tunnels, t.Id())
	m.rebuildLabelIndexLocked()
	m.mu.Unlock()

	m.router.UnregisterTunnel(t.OutId(), t.Id())
	xlog.Log.Infof("manager", "tunnel deregistered: %s", t.Id())
}

// rebuildLabelIndexLocked must be called with mu held.
func (m *Manager) rebuildLabelIndexLocked() {
	index := make(map[string][]tunnel.InTunnel)
	for _, t := range m.tunnels {
		labels := append([]string{router.LabelProxy, t.OutId().String()}, t.Labels()...)
		for _, l := range labels {
			index[l] = append(index[l], t)
		}
	}
	for _, tunnels := range index {
		sort.SliceStable(tunnels, func(i, j int) bool {
			return tunnels[i].Priority() > tunnels[j].Priority()
		})
	}
	m.labelIndex = index
}

// Select implements spec §4.5's selection algorithm over the router's
// priority-grouped label output, additionally returning the routing tag of
// whichever rule granted the winning label — carried through to the
// selected tunnel's Connect call so the OUT side learns it (spec §4.2/§6.3).
func (m *Manager) Select(groups [][]router.Labeled) (tunnel.InTunnelLike, string, error) {
	m.mu.Lock()
	labelIndex := m.labelIndex
	m.mu.Unlock()

	for _, group := range groups {
		proxyExists := false
		anyExists := false
		var proxyTag, anyTag string

		for _, labeled := range group {
			switch labeled.Label {
			case router.LabelDirect:
				return m.direct, labeled.Tag, nil
			case router.LabelProxy:
				proxyExists = true
				proxyTag = labeled.Tag
			case router.LabelAny:
				anyExists = true
				anyTag = labeled.Tag
			default:
				if tunnels, ok := labelIndex[labeled.Label]; ok {
					if t := m.selectFromTunnels(tunnels); t != nil {
						return t, labeled.Tag, nil
					}
				}
			}
		}

		if proxyExists {
			if tunnels, ok := labelIndex[router.LabelProxy]; ok {
				if t := m.selectFromTunnels(tunnels); t != nil {
					return t, proxyTag, nil
				}
			}
			return nil, "", nil
		}
		if anyExists {
			if tunnels, ok := labelIndex[router.LabelProxy]; ok {
				if t := m.selectFromTunnels(tunnels); t != nil {
					return t, anyTag, nil
				}
			}
			return m.direct, anyTag, nil
		}
	}

	return nil, "", fmt.Errorf("manager: no tunnel selected for destination")
}

// selectFromTunnels picks the top-priority-tied prefix of a
// descending-sorted tunnel list and round-robins among it using the
// manager's single, never-reset counter.
func (m *Manager) selectFromTunnels(tunnels []tunnel.InTunnel) tunnel.InTunnel {
	if len(tunnels) == 0 {
		return nil
	}
	top := tunnels[0].Priority()
	n := 1
	for n < len(tunnels) && tunnels[n].Priority() == top {
		n++
	}
	idx := m.selectIndex.Add(1) - 1
	return tunnels[idx%uint64(n)]
}
