package main

import (
	"context"
	"fmt"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"splitproxy/internal/config"
	"splitproxy/internal/fakeipdns"
	"splitproxy/internal/geoip"
	"splitproxy/internal/inproxy"
	"splitproxy/internal/manager"
	"splitproxy/internal/matchsvc"
	redismatch "splitproxy/internal/matchsvc/redis"
	"splitproxy/internal/netutil"
	"splitproxy/internal/router"
	"splitproxy/internal/tunnel"
	"splitproxy/internal/tunnel/http2"
	"splitproxy/internal/tunnel/punchquic"
	"splitproxy/internal/tunnel/quic"
	"splitproxy/internal/tunnel/yamux"
	"splitproxy/internal/xlog"
)

func runIn(ctx context.Context, cfg *config.InConfig) error {
	xlog.Log = xlog.New(cfg.Logging)
	xlog.Log.Infof("main", "starting IN...")

	rules := make([]router.Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		rule, err := router.ToInRule(rc)
		if err != nil {
			return fmt.Errorf("main: invalid rule: %w", err)
		}
		rules = append(rules, rule)
	}
	r := router.New(rules)

	direct := manager.NewDirectTunnel(uint32(cfg.TrafficMark))
	m := manager.New(r, direct)

	fakeV4, err := netip.ParsePrefix(cfg.FakeIPv4Prefix)
	if err != nil {
		return fmt.Errorf("main: fake_ipv4_prefix: %w", err)
	}
	fakeV6, err := netip.ParsePrefix(cfg.FakeIPv6Prefix)
	if err != nil {
		return fmt.Errorf("main: fake_ipv6_prefix: %w", err)
	}
	store, err := fakeipdns.Open(cfg.FakeIPStorePath, fakeipdns.Range{Prefix: fakeV4}, fakeipdns.Range{Prefix: fakeV6})
	if err != nil {
		return fmt.Errorf("main: open fake-ip store: %w", err)
	}
	defer store.Close()

	var geoLookup geoip.Lookup
	var geoUpdater *geoip.Updater
	if cfg.GeoLite2URL != "" {
		geoUpdater = geoip.NewUpdater(cfg.GeoLite2URL, cfg.GeoLite2Path, cfg.GeoLite2Interval)
		geoLookup = geoUpdater
	}

	client, err := redismatch.ParseURL(cfg.MatchService.URL)
	if err != nil {
		return fmt.Errorf("main: parse match service url: %w", err)
	}
	matchServer := redismatch.New(client)

	var g errgroup.Group

	if geoUpdater != nil {
		g.Go(func() error {
			geoUpdater.Run(ctx)
			return nil
		})
	}

	for _, provider := range buildInProviders(ctx, matchServer, cfg) {
		provider := provider
		g.Go(func() error {
			return m.RunProvider(ctx, provider)
		})
	}

	proxy := inproxy.New(store, geoLookup, r, m, uint32(cfg.TrafficMark))
	g.Go(func() error {
		return proxy.ServeTCP(ctx, cfg.ListenAddr)
	})

	if cfg.FakeDNSListenAddr != "" {
		dnsServer := fakeipdns.NewServer(cfg.FakeDNSListenAddr, cfg.UpstreamDNS, store)
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				dnsServer.Shutdown()
			}()
			return dnsServer.ListenAndServe()
		})
	}

	udpConn, err := netutil.ListenTransparentUDP(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("main: listen transparent udp: %w", err)
	}
	forwarder := inproxy.NewForwarder(udpConn, uint32(cfg.TrafficMark), cfg.UDPAssociationIdle)
	g.Go(func() error {
		return forwarder.Serve(ctx, func(original netip.AddrPort) (netip.AddrPort, string) {
			real, name, _ := proxy.ResolveUDPDestination(original)
			return real, name
		})
	})

	return g.Wait()
}

// buildInProviders constructs one InTunnelProvider per enabled transport,
// each registered to run concurrently under the manager.
func buildInProviders(ctx context.Context, matchServer matchsvc.InMatchServer, cfg *config.InConfig) []tunnel.InTunnelProvider {
	var providers []tunnel.InTunnelProvider

	transport := func(name string) (config.TransportConfig, bool) {
		t, ok := cfg.Transports[name]
		return t, ok && t.Enabled
	}

	if t, ok := transport("quic"); ok {
		providers = append(providers, quic.NewInProvider(matchServer, quic.InConfig{Priority: t.Priority}))
	}
	if _, ok := transport("punchquic"); ok {
		providers = append(providers, punchquic.NewInProvider(matchServer, punchquic.InConfig{StunServers: cfg.StunServers}))
	}
	if t, ok := transport("http2"); ok {
		providers = append(providers, http2.NewInProvider(matchServer, http2.InConfig{
			Connections: 1, Priority: t.Priority, TrafficMark: uint32(cfg.TrafficMark),
		}))
	}
	if t, ok := transport("yamux"); ok {
		providers = append(providers, yamux.NewInProvider(matchServer, yamux.InConfig{
			Priority: t.Priority, TrafficMark: uint32(cfg.TrafficMark),
		}))
	}
	if t, ok := transport("http2-plug"); ok {
		plugProvider, err := http2.NewPlugInProvider(ctx, matchServer, http2.PlugInConfig{
			ListenAddress: cfg.PlugListenAddr,
			ExternalPort:  cfg.PlugExternalPort,
			Connections:   1,
			Priority:      t.Priority,
			StunServers:   cfg.StunServers,
			TrafficMark:   uint32(cfg.TrafficMark),
		})
		if err != nil {
			xlog.Log.Errorf("main", "http2-plug: %v", err)
		} else {
			providers = append(providers, plugProvider)
		}
	}

	return providers
}
