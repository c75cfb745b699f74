package quic

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

// InConfig configures the IN side of one QUIC provider instance.
type InConfig struct {
	// Priority overrides the OUT-advertised tunnel priority when non-zero.
	Priority int64
	// PriorityDefault is used when neither Priority nor the OUT's
	// advertised priority is set.
	PriorityDefault int64
}

// InProvider is the IN-side half of the plain QUIC transport.
type InProvider struct {
	matchServer matchsvc.InMatchServer
	config      InConfig
}

func NewInProvider(matchServer matchsvc.InMatchServer, config InConfig) *InProvider {
	return &InProvider{matchServer: matchServer, config: config}
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
	inId := ids.NewMatchInId()
	payload, err := json.Marshal(inData{})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("quic: marshal in data: %w", err)
	}

	match, err := p.matchServer.MatchOut(ctx, keys(), outId, inId, payload)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("quic: match out: %w", err)
	}

	var out outData
	if err := json.Unmarshal(match.Data, &out); err != nil {
		return nil, nil, 0, fmt.Errorf("quic: unmarshal out data: %w", err)
	}

	cert, err := tunnelcrypto.LoadSelfSigned(out.CertPEM, out.KeyPEM)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("quic: load pinned cert: %w", err)
	}
	tlsConf, err := cert.MutualClientConfig(tlsServerName)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("quic: build client tls config: %w", err)
	}

	raddr, err := net.ResolveUDPAddr("udp", out.Address)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("quic: resolve out address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("quic: bind socket: %w", err)
	}

	qconn, err := quic.Dial(ctx, udpConn, raddr, tlsConf, nil)
	if err != nil {
		udpConn.Close()
		return nil, nil, 0, fmt.Errorf("quic: dial: %w", err)
	}

	priority := p.config.PriorityDefault
	if match.TunnelPriority != 0 {
		priority = match.TunnelPriority
	}
	if p.config.Priority != 0 {
		priority = p.config.Priority
	}

	t := tunnel.NewByteStreamInTunnel(match.TunnelId, ids.OutId(match.Id), match.TunnelLabels, priority, newConnection(qconn))
	xlog.Log.Infof("tunnel/quic", "tunnel %s established", t)

	return t, match.RoutingRules, match.RoutingPriority, nil
}

// OutConfig configures the OUT side of one QUIC provider instance.
type OutConfig struct {
	Priority        int64
	StunServers     []string
	RoutingRules    []router.RuleConfig
	RoutingPriority int64
}

// OutProvider is the OUT-side half of the plain QUIC transport.
type OutProvider struct {
	matchServer matchsvc.OutMatchServer
	config      OutConfig
}

func NewOutProvider(matchServer matchsvc.OutMatchServer, config OutConfig) *OutProvider {
	return &OutProvider{matchServer: matchServer, config: config}
}

func (p *OutProvider) Accept(ctx context.Context) (tunnel.OutTunnel, error) {
	externalAddr, err := stunprobe.ProbeExternalAddr(ctx, p.config.StunServers)
	if err != nil {
		return nil, fmt.Errorf("quic: probe external address: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("quic: bind socket: %w", err)
	}

	localAddr, ok := udpConn.LocalAddr().(*net.UDPAddr)
	if !ok {
		udpConn.Close()
		return nil, fmt.Errorf("quic: unexpected local address type")
	}
	advertised := net.UDPAddr{IP: externalAddr.IP, Port: localAddr.Port}

	cert, err := tunnelcrypto.GenerateSelfSigned([]string{tlsServerName})
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic: generate self-signed cert: %w", err)
	}

	payload, err := json.Marshal(outData{Address: advertised.String(), CertPEM: cert.CertPEM, KeyPEM: cert.KeyPEM})
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic: marshal out data: %w", err)
	}

	outId := ids.NewMatchOutId()
	registerCtx, cancelRegister := context.WithCancel(ctx)
	go func() {
		if err := p.matchServer.RegisterOut(registerCtx, keys(), outId); err != nil && registerCtx.Err() == nil {
			xlog.Log.Warnf("tunnel/quic", "presence registration for %s ended: %v", outId, err)
		}
	}()

	match, err := p.matchServer.MatchIn(ctx, keys(), outId, payload, p.config.Priority, p.config.RoutingRules, p.config.RoutingPriority)
	cancelRegister()
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic: match in: %w", err)
	}

	serverTLS, err := cert.MutualServerConfig()
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic: build server tls config: %w", err)
	}

	listener, err := quic.Listen(udpConn, serverTLS, nil)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic: listen: %w", err)
	}

	qconn, err := listener.Accept(ctx)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("quic: accept connection: %w", err)
	}

	t := tunnel.NewByteStreamOutTunnel(newConnection(qconn))
	xlog.Log.Infof("tunnel/quic", "tunnel %s accepted for %s", match.TunnelId, match.Id)

	return t, nil
}
