package http2

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"splitproxy/internal/ids"
	"splitproxy/internal/matchsvc"
	"splitproxy/internal/netutil"
	"splitproxy/internal/router"
	"splitproxy/internal/stunprobe"
	"splitproxy/internal/tunnel"
	"splitproxy/internal/tunnelcrypto"
	"splitproxy/internal/xlog"
)

// acceptDeadline bounds how long the OUT side waits for the IN side's TCP
// connection to arrive after the match completes, so a pairing that never
// shows up (e.g. the IN side gave up, or a firewall ate the SYN) doesn't
// wedge this provider's Accept loop forever.
const acceptDeadline = 5 * time.Second

// InConfig configures the IN side of one HTTP/2 provider instance.
type InConfig struct {
	// Connections is the connection-count hint returned from AcceptOut,
	// letting an OUT that advertises multiple underlying TCP connections
	// be dialed that many times in parallel.
	Connections int
	// Priority overrides the OUT-advertised tunnel priority when non-zero.
	Priority int64
	// PriorityDefault is used when neither Priority nor the OUT's
	// advertised priority is set.
	PriorityDefault int64
	// TrafficMark is applied to the dialing socket via SO_MARK, so policy
	// routing can exempt the tunnel's own traffic from interception.
	TrafficMark uint32
}

// InProvider is the IN-side half of the TLS/HTTP-2 transport. Like the
// hole-punched QUIC provider it mints one MatchInId in its constructor and
// reuses it for every pairing.
type InProvider struct {
	inId        ids.MatchInId
	matchServer matchsvc.InMatchServer
	config      InConfig
}

func NewInProvider(matchServer matchsvc.InMatchServer, config InConfig) *InProvider {
	if config.Connections <= 0 {
		config.Connections = 1
	}
	return &InProvider{inId: ids.NewMatchInId(), matchServer: matchServer, config: config}
}

func (p *InProvider) Name() string { return TunnelName }

func (p *InProvider) AcceptOut(ctx context.Context) (ids.MatchOutId, int, error) {
	outId, err := p.matchServer.AcceptOut(ctx, keys())
	if err != nil {
		return ids.MatchOutId{}, 0, err
	}
	return outId, p.config.Connections, nil
}

func (p *InProvider) Accept(ctx context.Context, outId ids.MatchOutId) (tunnel.InTunnel, []router.RuleConfig, int64, error) {
	payload, err := json.Marshal(inData{})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http2: marshal in data: %w", err)
	}

	match, err := p.matchServer.MatchOut(ctx, keys(), outId, p.inId, payload)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http2: match out: %w", err)
	}

	var out outData
	if err := json.Unmarshal(match.Data, &out); err != nil {
		return nil, nil, 0, fmt.Errorf("http2: unmarshal out data: %w", err)
	}

	cert, err := tunnelcrypto.LoadSelfSigned(out.CertPEM, out.KeyPEM)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http2: load pinned cert: %w", err)
	}
	tlsConf, err := cert.MutualClientConfig(tlsServerName)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http2: build client tls config: %w", err)
	}
	tlsConf.NextProtos = []string{"h2"}

	conn, err := netutil.DialTCPMarked(ctx, "tcp", out.Address, p.config.TrafficMark)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http2: dial: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	tlsConn := tls.Client(conn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("http2: tls handshake: %w", err)
	}

	transport := &http2.Transport{}
	cc, err := transport.NewClientConn(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, nil, 0, fmt.Errorf("http2: establish connection: %w", err)
	}

	priority := p.config.PriorityDefault
	if match.TunnelPriority != 0 {
		priority = match.TunnelPriority
	}
	if p.config.Priority != 0 {
		priority = p.config.Priority
	}

	t := tunnel.NewByteStreamInTunnel(match.TunnelId, ids.OutId(match.Id), match.TunnelLabels, priority, newClientConnection(cc))
	xlog.Log.Infof("tunnel/http2", "tunnel %s established", t)

	return t, match.RoutingRules, match.RoutingPriority, nil
}

// OutConfig configures the OUT side of one HTTP/2 provider instance.
type OutConfig struct {
	Priority        int64
	StunServers     []string
	RoutingRules    []router.RuleConfig
	RoutingPriority int64
}

// OutProvider is the OUT-side half of the TLS/HTTP-2 transport.
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
		return nil, fmt.Errorf("http2: probe external address: %w", err)
	}

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("http2: listen: %w", err)
	}

	localPort := listener.Addr().(*net.TCPAddr).Port
	advertised := net.TCPAddr{IP: externalAddr.IP, Port: localPort}

	cert, err := tunnelcrypto.GenerateSelfSigned([]string{tlsServerName})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("http2: generate self-signed cert: %w", err)
	}

	payload, err := json.Marshal(outData{Address: advertised.String(), CertPEM: cert.CertPEM, KeyPEM: cert.KeyPEM})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("http2: marshal out data: %w", err)
	}

	outId := ids.NewMatchOutId()
	registerCtx, cancelRegister := context.WithCancel(ctx)
	go func() {
		if err := p.matchServer.RegisterOut(registerCtx, keys(), outId); err != nil && registerCtx.Err() == nil {
			xlog.Log.Warnf("tunnel/http2", "presence registration for %s ended: %v", outId, err)
		}
	}()

	match, err := p.matchServer.MatchIn(ctx, keys(), outId, payload, p.config.Priority, p.config.RoutingRules, p.config.RoutingPriority)
	cancelRegister()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("http2: match in: %w", err)
	}

	acceptCtx, cancelAccept := context.WithTimeout(ctx, acceptDeadline)
	conn, err := acceptTCP(acceptCtx, listener)
	cancelAccept()
	listener.Close()
	if err != nil {
		return nil, fmt.Errorf("http2: accept connection: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	serverTLS, err := cert.MutualServerConfig()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http2: build server tls config: %w", err)
	}
	serverTLS.NextProtos = []string{"h2"}

	tlsConn := tls.Server(conn, serverTLS)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http2: tls handshake: %w", err)
	}

	sc := newServerConnection()
	server := &http2.Server{
		MaxUploadBufferPerConnection: windowSize,
		MaxUploadBufferPerStream:     windowSize,
	}
	go func() {
		server.ServeConn(tlsConn, &http2.ServeConnOpts{
			Context: ctx,
			Handler: http.HandlerFunc(sc.handle),
		})
		sc.markClosed()
	}()

	t := tunnel.NewByteStreamOutTunnel(sc)
	xlog.Log.Infof("tunnel/http2", "tunnel %s accepted for %s", match.TunnelId, match.Id)

	return t, nil
}

// acceptTCP accepts one connection from listener, honoring ctx's deadline
// by closing the listener if ctx is done first; net.Listener.Accept has no
// context parameter of its own.
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
