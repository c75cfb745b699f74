package yamux

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"

	"splitproxy/internal/ids"
	"splitproxy/internal/matchsvc"
	"splitproxy/internal/netutil"
	"splitproxy/internal/router"
	"splitproxy/internal/stunprobe"
	"splitproxy/internal/tunnel"
	"splitproxy/internal/tunnelcrypto"
	"splitproxy/internal/xlog"
)

// acceptDeadline bounds how long the OUT side waits for IN's TCP connection
// to arrive once the match completes.
const acceptDeadline = 5 * time.Second

// tokenSize is the length, in bytes, of the random bearer token OUT mints
// and IN proves knowledge of after the TLS handshake.
const tokenSize = 32

// InConfig configures the IN side of one yamux provider instance.
type InConfig struct {
	Priority        int64
	PriorityDefault int64
	TrafficMark     uint32
}

// InProvider is the IN-side half of the TLS/yamux transport. A single
// InProvider can back several concurrent pairings against the same OUT
// (connection pooling); each Accept call gets its own incrementing Index so
// their match-lock keys don't collide.
type InProvider struct {
	inId        ids.MatchInId
	matchServer matchsvc.InMatchServer
	config      InConfig
	nextIndex   atomic.Int64
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
	index := int(p.nextIndex.Add(1) - 1)

	payload, err := json.Marshal(inData{Index: index})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("yamux: marshal in data: %w", err)
	}

	match, err := p.matchServer.MatchOut(ctx, keys(), outId, p.inId, payload)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("yamux: match out: %w", err)
	}

	var out outData
	if err := json.Unmarshal(match.Data, &out); err != nil {
		return nil, nil, 0, fmt.Errorf("yamux: unmarshal out data: %w", err)
	}

	tlsConf, err := tunnelcrypto.ServerOnlyClientConfig(out.CertPEM, tlsServerName)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("yamux: build client tls config: %w", err)
	}

	conn, err := netutil.DialTCPMarked(ctx, "tcp", out.Address, p.config.TrafficMark)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("yamux: dial: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	tlsConn := tls.Client(conn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("yamux: tls handshake: %w", err)
	}

	token, err := base64.StdEncoding.DecodeString(out.Token)
	if err != nil {
		tlsConn.Close()
		return nil, nil, 0, fmt.Errorf("yamux: decode token: %w", err)
	}
	if _, err := tlsConn.Write(token); err != nil {
		tlsConn.Close()
		return nil, nil, 0, fmt.Errorf("yamux: send proof token: %w", err)
	}

	session, err := yamux.Client(tlsConn, sessionConfig())
	if err != nil {
		tlsConn.Close()
		return nil, nil, 0, fmt.Errorf("yamux: establish session: %w", err)
	}

	priority := p.config.PriorityDefault
	if match.TunnelPriority != 0 {
		priority = match.TunnelPriority
	}
	if p.config.Priority != 0 {
		priority = p.config.Priority
	}

	t := tunnel.NewByteStreamInTunnel(match.TunnelId, ids.OutId(match.Id), match.TunnelLabels, priority, newInConnection(session))
	xlog.Log.Infof("tunnel/yamux", "tunnel %s established", t)

	return t, match.RoutingRules, match.RoutingPriority, nil
}

// OutConfig configures the OUT side of one yamux provider instance.
type OutConfig struct {
	Priority        int64
	StunServers     []string
	RoutingRules    []router.RuleConfig
	RoutingPriority int64
}

// OutProvider is the OUT-side half of the TLS/yamux transport.
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
		return nil, fmt.Errorf("yamux: probe external address: %w", err)
	}

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("yamux: listen: %w", err)
	}

	localPort := listener.Addr().(*net.TCPAddr).Port
	advertised := net.TCPAddr{IP: externalAddr.IP, Port: localPort}

	cert, err := tunnelcrypto.GenerateSelfSigned([]string{tlsServerName})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("yamux: generate self-signed cert: %w", err)
	}

	token := make([]byte, tokenSize)
	if _, err := rand.Read(token); err != nil {
		listener.Close()
		return nil, fmt.Errorf("yamux: generate proof token: %w", err)
	}

	payload, err := json.Marshal(outData{
		Address: advertised.String(),
		CertPEM: cert.CertPEM,
		Token:   base64.StdEncoding.EncodeToString(token),
	})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("yamux: marshal out data: %w", err)
	}

	outId := ids.NewMatchOutId()
	registerCtx, cancelRegister := context.WithCancel(ctx)
	go func() {
		if err := p.matchServer.RegisterOut(registerCtx, keys(), outId); err != nil && registerCtx.Err() == nil {
			xlog.Log.Warnf("tunnel/yamux", "presence registration for %s ended: %v", outId, err)
		}
	}()

	match, err := p.matchServer.MatchIn(ctx, keys(), outId, payload, p.config.Priority, p.config.RoutingRules, p.config.RoutingPriority)
	cancelRegister()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("yamux: match in: %w", err)
	}

	acceptCtx, cancelAccept := context.WithTimeout(ctx, acceptDeadline)
	conn, err := acceptTCP(acceptCtx, listener)
	cancelAccept()
	listener.Close()
	if err != nil {
		return nil, fmt.Errorf("yamux: accept connection: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	serverTLS := cert.ServerOnlyServerConfig()
	tlsConn := tls.Server(conn, serverTLS)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux: tls handshake: %w", err)
	}

	proof := make([]byte, tokenSize)
	if _, err := io.ReadFull(tlsConn, proof); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("yamux: read proof token: %w", err)
	}
	if !bytes.Equal(proof, token) {
		tlsConn.Close()
		return nil, fmt.Errorf("yamux: proof token mismatch")
	}

	session, err := yamux.Server(tlsConn, sessionConfig())
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("yamux: establish session: %w", err)
	}

	t := tunnel.NewByteStreamOutTunnel(newOutConnection(session))
	xlog.Log.Infof("tunnel/yamux", "tunnel %s accepted for %s", match.TunnelId, match.Id)

	return t, nil
}

// acceptTCP accepts one connection from listener, honoring ctx's deadline by
// closing the listener if ctx is done first.
func acceptTCP(ctx context.Context, listener net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		resultCh <- result{conn, err}
	}()

	select {
	case res := <-resultCh:
		return res.conn, res.err
	case <-ctx.Done():
		listener.Close()
		<-resultCh
		return nil, ctx.Err()
	}
}
