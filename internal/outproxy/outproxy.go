// Package outproxy implements the OUT peer's side: register presence with
// the match service over every enabled transport, accept incoming tunnels,
// and for each substream a tunnel hands over, dial the resolved destination
// through a connector.Connector and relay bytes in both directions.
package outproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"splitproxy/internal/connector"
	"splitproxy/internal/matchsvc"
	redismatch "splitproxy/internal/matchsvc/redis"
	"splitproxy/internal/router"
	"splitproxy/internal/tunnel"
	"splitproxy/internal/tunnel/http2"
	"splitproxy/internal/tunnel/punchquic"
	"splitproxy/internal/tunnel/quic"
	"splitproxy/internal/tunnel/yamux"
	"splitproxy/internal/xlog"
)

// TransportOptions toggles and prioritizes one named transport.
type TransportOptions struct {
	Enabled  bool
	Priority int64
}

// Options configures a full OUT-side run: which transports to accept
// tunnels over, the labels this OUT announces itself under, and the
// destination dialer backing every accepted substream.
type Options struct {
	Labels          []string
	StunServers     []string
	MatchServiceURL string
	Transports      map[string]TransportOptions
	// DefaultPriority backs a transport whose TransportOptions.Priority
	// is left at zero, mirroring the original's single tunnel_priority
	// setting shared across transports before per-transport overrides.
	DefaultPriority int64
	RoutingRules    []router.RuleConfig
	RoutingPriority int64
	TrafficMark     uint32
	Connector       connector.Connector
}

func (o Options) priorityFor(name string) int64 {
	if t, ok := o.Transports[name]; ok && t.Priority != 0 {
		return t.Priority
	}
	return o.DefaultPriority
}

// Up runs every enabled transport's accept loop until ctx is cancelled,
// returning once all of them have stopped (normally only happens when ctx
// is done; an individual provider's Accept failing is logged and retried,
// mirroring the original's per-provider error handling inside its own
// accept loop).
func Up(ctx context.Context, opts Options) error {
	xlog.Log.Infof("outproxy", "starting OUT with labels %v", opts.Labels)

	client, err := redismatch.ParseURL(opts.MatchServiceURL)
	if err != nil {
		return fmt.Errorf("outproxy: parse match service url: %w", err)
	}
	matchServer := redismatch.NewOut(client, opts.Labels)

	providers := buildProviders(matchServer, opts)
	if len(providers) == 0 {
		return fmt.Errorf("outproxy: no transports enabled")
	}

	var g errgroup.Group
	for _, provider := range providers {
		provider := provider
		g.Go(func() error {
			runProvider(ctx, provider, opts.Connector)
			return nil
		})
	}
	return g.Wait()
}

func buildProviders(matchServer matchsvc.OutMatchServer, opts Options) []tunnel.OutTunnelProvider {
	var providers []tunnel.OutTunnelProvider

	enabled := func(name string) bool {
		t, ok := opts.Transports[name]
		return ok && t.Enabled
	}

	if enabled("quic") {
		providers = append(providers, quic.NewOutProvider(matchServer, quic.OutConfig{
			Priority: opts.priorityFor("quic"), StunServers: opts.StunServers,
			RoutingRules: opts.RoutingRules, RoutingPriority: opts.RoutingPriority,
		}))
	}
	if enabled("punchquic") {
		providers = append(providers, punchquic.NewOutProvider(matchServer, punchquic.OutConfig{
			Priority: opts.priorityFor("punchquic"), StunServers: opts.StunServers,
			RoutingRules: opts.RoutingRules, RoutingPriority: opts.RoutingPriority,
		}))
	}
	if enabled("http2") {
		providers = append(providers, http2.NewOutProvider(matchServer, http2.OutConfig{
			Priority: opts.priorityFor("http2"), StunServers: opts.StunServers,
			RoutingRules: opts.RoutingRules, RoutingPriority: opts.RoutingPriority,
		}))
	}
	if enabled("http2-plug") {
		providers = append(providers, http2.NewPlugOutProvider(matchServer, http2.PlugOutConfig{
			Priority: opts.priorityFor("http2-plug"), RoutingRules: opts.RoutingRules,
			RoutingPriority: opts.RoutingPriority, TrafficMark: opts.TrafficMark,
		}))
	}
	if enabled("yamux") {
		providers = append(providers, yamux.NewOutProvider(matchServer, yamux.OutConfig{
			Priority: opts.priorityFor("yamux"), StunServers: opts.StunServers,
			RoutingRules: opts.RoutingRules, RoutingPriority: opts.RoutingPriority,
		}))
	}

	return providers
}

// runProvider repeatedly accepts tunnels from provider until ctx is
// cancelled, handling each concurrently, matching the original's loop of
// tunnel_provider.accept() calls that logs and continues on error rather
// than giving up the whole transport.
func runProvider(ctx context.Context, provider tunnel.OutTunnelProvider, conn connector.Connector) {
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := provider.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			xlog.Log.Errorf("outproxy", "error accepting tunnel: %v", err)
			continue
		}
		go handleTunnel(ctx, t, conn)
	}
}

// handleTunnel accepts substreams from t until it closes, handling each
// concurrently. It returns once the tunnel reports itself closed.
func handleTunnel(ctx context.Context, t tunnel.OutTunnel, conn connector.Connector) {
	for {
		destination, name, tag, stream, err := t.Accept(ctx)
		if err != nil {
			if t.IsClosed() {
				return
			}
			xlog.Log.Warnf("outproxy", "error accepting connection: %v", err)
			continue
		}
		xlog.Log.Infof("outproxy", "accepted connection to %s", destinationString(destination, name))
		go handleStream(ctx, destination, name, tag, stream, conn)
	}
}

func handleStream(ctx context.Context, destination netip.AddrPort, name, tag string, stream tunnel.Stream, conn connector.Connector) {
	remote, err := conn.Connect(ctx, destination, name)
	if err != nil {
		xlog.Log.Warnf("outproxy", "dial %s (tag %q) failed: %v", destinationString(destination, name), tag, err)
		stream.Close()
		return
	}

	if err := copyBidirectional(stream, remote); err != nil {
		xlog.Log.Debugf("outproxy", "connection to %s errored: %v", destinationString(destination, name), err)
	}
}

// copyBidirectional relays stream and remote against each other, half
// closing each side's write half as its inbound copy drains.
func copyBidirectional(stream tunnel.Stream, remote net.Conn) error {
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(remote, stream)
		halfCloseWrite(remote)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stream, remote)
		halfCloseWrite(stream)
		return err
	})
	err := g.Wait()
	stream.Close()
	remote.Close()
	return err
}

type writeCloser interface {
	CloseWrite() error
}

func halfCloseWrite(w io.Writer) {
	if wc, ok := w.(writeCloser); ok {
		wc.CloseWrite()
	}
}

func destinationString(addr netip.AddrPort, name string) string {
	if name != "" {
		return fmt.Sprintf("%s (%s)", name, addr)
	}
	return addr.String()
}
