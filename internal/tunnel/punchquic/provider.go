package punchquic

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	quic "github.com/apernet/quic-go"

	"splitproxy/internal/ids"
	"splitproxy/internal/matchsvc"
	"splitproxy/internal/router"
	"splitproxy/internal/stunprobe"
	"splitproxy/internal/tunnel"
	"splitproxy/internal/tunnelcrypto"
	"splitproxy/internal/xlog"
)

// InConfig configures the IN side of one hole-punched QUIC provider.
type InConfig struct {
	StunServers []string
}

// InProvider is the IN-side half of the hole-punched QUIC transport. Unlike
// the plain QUIC transport, this one mints its own MatchInId once and
// reuses it across every pairing attempt, mirroring the original
// implementation's one-id-per-provider-instance lifetime (its AcceptOut is
// a pass-through to the newer per-OutId rendezvous scheme wired in
// internal/matchsvc).
type InProvider struct {
	inId        ids.MatchInId
	matchServer matchsvc.InMatchServer
	config      InConfig
}

func NewInProvider(matchServer matchsvc.InMatchServer, config InConfig) *InProvider {
	return &InProvider{inId: ids.NewMatchInId(), matchServer: matchServer, config: config}
}

func (p *InProvider) Name() string { return TunnelName }

func (p *InProvider) AcceptOut(ctx context.Context) (ids.MatchOutId, int, error) {
	outId, err := p.matchServer.AcceptOut(ctx, keys())
	if err != nil {
		return ids.MatchOutId{}, 0, err
	}
	return outId, 1, nil
}

func (p *InProvider) Accept(ctx context.Context, outId ids.MatchOutId) (tunnel.InTunnel, []router.RuleConfig, int64, error) {
	conn, inAddr, err := stunprobe.OpenAndProbe(ctx, p.config.StunServers)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("punchquic: probe own address: %w", err)
	}

	payload, err := json.Marshal(inData{Address: inAddr.String()})
	if err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("punchquic: marshal in data: %w", err)
	}

	match, err := p.matchServer.MatchOut(ctx, keys(), outId, p.inId, payload)
	if err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("punchquic: match out: %w", err)
	}

	var out outData
	if err := json.Unmarshal(match.Data, &out); err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("punchquic: unmarshal out data: %w", err)
	}
	outAddr, err := net.ResolveUDPAddr("udp", out.Address)
	if err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("punchquic: resolve out address: %w", err)
	}

	xlog.Log.Infof("tunnel/punchquic", "matched out %s as tunnel %s, punching to %s", match.Id, match.TunnelId, outAddr)

	if err := punch(ctx, conn, outAddr); err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("punchquic: punch: %w", err)
	}

	qconn, err := quic.Dial(ctx, conn, outAddr, tunnelcrypto.InsecureQUICClientConfig(), nil)
	if err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("punchquic: dial: %w", err)
	}

	t := tunnel.NewByteStreamInTunnel(match.TunnelId, ids.OutId(match.Id), match.TunnelLabels, match.TunnelPriority, newConnection(qconn))
	xlog.Log.Infof("tunnel/punchquic", "tunnel %s established", t)

	return t, match.RoutingRules, match.RoutingPriority, nil
}

// OutConfig configures the OUT side of one hole-punched QUIC provider.
type OutConfig struct {
	Priority        int64
	StunServers     []string
	RoutingRules    []router.RuleConfig
	RoutingPriority int64
}

// OutProvider is the OUT-side half of the hole-punched QUIC transport.
type OutProvider struct {
	matchServer matchsvc.OutMatchServer
	config      OutConfig
}

func NewOutProvider(matchServer matchsvc.OutMatchServer, config OutConfig) *OutProvider {
	return &OutProvider{matchServer: matchServer, config: config}
}

func (p *OutProvider) Accept(ctx context.Context) (tunnel.OutTunnel, error) {
	conn, outAddr, err := stunprobe.OpenAndProbe(ctx, p.config.StunServers)
	if err != nil {
		return nil, fmt.Errorf("punchquic: probe own address: %w", err)
	}

	cert, err := tunnelcrypto.GenerateSelfSigned([]string{"punchquic-peer"})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("punchquic: generate self-signed cert: %w", err)
	}

	payload, err := json.Marshal(outData{Address: outAddr.String()})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("punchquic: marshal out data: %w", err)
	}

	outId := ids.NewMatchOutId()
	registerCtx, cancelRegister := context.WithCancel(ctx)
	go func() {
		if err := p.matchServer.RegisterOut(registerCtx, keys(), outId); err != nil && registerCtx.Err() == nil {
			xlog.Log.Warnf("tunnel/punchquic", "presence registration for %s ended: %v", outId, err)
		}
	}()

	match, err := p.matchServer.MatchIn(ctx, keys(), outId, payload, p.config.Priority, p.config.RoutingRules, p.config.RoutingPriority)
	cancelRegister()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("punchquic: match in: %w", err)
	}

	var in inData
	if err := json.Unmarshal(match.Data, &in); err != nil {
		conn.Close()
		return nil, fmt.Errorf("punchquic: unmarshal in data: %w", err)
	}
	inAddr, err := net.ResolveUDPAddr("udp", in.Address)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("punchquic: resolve in address: %w", err)
	}

	xlog.Log.Infof("tunnel/punchquic", "matched in %s as tunnel %s, punching to %s", match.Id, match.TunnelId, inAddr)

	if err := punch(ctx, conn, inAddr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("punchquic: punch: %w", err)
	}

	listener, err := quic.Listen(conn, cert.InsecureQUICServerConfig(), nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("punchquic: listen: %w", err)
	}

	qconn, err := listener.Accept(ctx)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("punchquic: accept connection: %w", err)
	}

	t := tunnel.NewByteStreamOutTunnel(newConnection(qconn))
	xlog.Log.Infof("tunnel/punchquic", "tunnel %s established", match.TunnelId)

	return t, nil
}
