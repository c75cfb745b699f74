package http2

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
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

// PlugTunnelName identifies the plugged variant: unlike the plain HTTP/2
// transport, here IN is the side with a reachable listening port (a
// "plug" an operator has port-forwarded or otherwise exposed), so OUT
// always dials in, and the HTTP/2 client/server roles end up reversed
// relative to who accepted the TCP connection.
const PlugTunnelName = "http2-plug"

const plugTLSName = "localhost"

// tunnelIDReadDeadline bounds how long IN's shared accept loop waits for
// the 16-byte TunnelId prefix once a TLS connection is up, so a stalled or
// bogus connection doesn't tie up a slot in the pending-stream table.
const tunnelIDReadDeadline = 1 * time.Second

// plugStreamWaitTimeout bounds how long one Accept call waits for the
// matching TCP connection to show up on the shared listener after a
// pairing completes.
const plugStreamWaitTimeout = 3 * time.Second

type plugInData struct {
	Address string `json:"address"`
	CertPEM []byte `json:"cert"`
	KeyPEM  []byte `json:"key"`
}

type plugOutData struct{}

func plugKeys() matchsvc.Keys { return matchsvc.TransportKeys{Name: PlugTunnelName} }

// pendingStreams matches TLS connections arriving on IN's single shared
// listener to the Accept call waiting for that connection's TunnelId,
// however they race: either the connection shows up before the waiter
// registers (the JSON match already went out to OUT, who dialed fast), or
// after (the common case).
type pendingStreams struct {
	mu      sync.Mutex
	ready   map[ids.TunnelId]net.Conn
	waiters map[ids.TunnelId]chan net.Conn
}

func newPendingStreams() *pendingStreams {
	return &pendingStreams{ready: map[ids.TunnelId]net.Conn{}, waiters: map[ids.TunnelId]chan net.Conn{}}
}

func (p *pendingStreams) deliver(id ids.TunnelId, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.waiters[id]; ok {
		delete(p.waiters, id)
		ch <- conn
		return
	}
	p.ready[id] = conn
}

func (p *pendingStreams) wait(ctx context.Context, id ids.TunnelId) (net.Conn, error) {
	p.mu.Lock()
	if conn, ok := p.ready[id]; ok {
		delete(p.ready, id)
		p.mu.Unlock()
		return conn, nil
	}
	ch := make(chan net.Conn, 1)
	p.waiters[id] = ch
	p.mu.Unlock()

	select {
	case conn := <-ch:
		return conn, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// PlugInConfig configures the IN side of the plugged HTTP/2 transport.
type PlugInConfig struct {
	// ListenAddress is where IN accepts OUT's incoming TCP connections,
	// e.g. ":443" behind a port-forward.
	ListenAddress string
	// ExternalPort is advertised to OUT in place of ListenAddress's own
	// port, for when the reachable port differs (NAT/port-forward).
	// Zero means use ListenAddress's port unchanged.
	ExternalPort    int
	Connections     int
	Priority        int64
	PriorityDefault int64
	StunServers     []string
	TrafficMark     uint32
}

// PlugInProvider is the IN-side half of the plugged HTTP/2 transport: one
// shared listener demultiplexes every OUT's incoming connection by the
// TunnelId each prepends once its TLS connection is up.
type PlugInProvider struct {
	matchServer  matchsvc.InMatchServer
	config       PlugInConfig
	externalPort int
	cert         *tunnelcrypto.SelfSigned
	pending      *pendingStreams
	listener     net.Listener
}

// NewPlugInProvider mints a throwaway cert, binds the shared listener, and
// starts its accept loop. The loop runs for the lifetime of ctx.
func NewPlugInProvider(ctx context.Context, matchServer matchsvc.InMatchServer, config PlugInConfig) (*PlugInProvider, error) {
	if config.Connections <= 0 {
		config.Connections = 1
	}

	cert, err := tunnelcrypto.GenerateSelfSigned([]string{plugTLSName})
	if err != nil {
		return nil, fmt.Errorf("http2-plug: generate self-signed cert: %w", err)
	}

	listener, err := net.Listen("tcp", config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("http2-plug: listen on %s: %w", config.ListenAddress, err)
	}

	externalPort := config.ExternalPort
	if externalPort == 0 {
		externalPort = listener.Addr().(*net.TCPAddr).Port
	}

	p := &PlugInProvider{
		matchServer:  matchServer,
		config:       config,
		externalPort: externalPort,
		cert:         cert,
		pending:      newPendingStreams(),
		listener:     listener,
	}

	serverTLS, err := cert.MutualServerConfig()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("http2-plug: build server tls config: %w", err)
	}
	serverTLS.NextProtos = []string{"h2"}

	go p.acceptLoop(ctx, serverTLS)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	return p, nil
}

func (p *PlugInProvider) acceptLoop(ctx context.Context, serverTLS *tls.Config) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			xlog.Log.Warnf("tunnel/http2-plug", "accept error: %v", err)
			time.Sleep(time.Second)
			continue
		}
		go p.handleConn(conn, serverTLS)
	}
}

func (p *PlugInProvider) handleConn(conn net.Conn, serverTLS *tls.Config) {
	if p.config.TrafficMark != 0 {
		if err := netutil.SetMark(conn, p.config.TrafficMark); err != nil {
			xlog.Log.Warnf("tunnel/http2-plug", "set traffic mark: %v", err)
		}
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	tlsConn := tls.Server(conn, serverTLS)
	if err := tlsConn.Handshake(); err != nil {
		xlog.Log.Warnf("tunnel/http2-plug", "tls handshake: %v", err)
		conn.Close()
		return
	}

	tlsConn.SetReadDeadline(time.Now().Add(tunnelIDReadDeadline))
	var idBuf [16]byte
	if _, err := io.ReadFull(tlsConn, idBuf[:]); err != nil {
		xlog.Log.Warnf("tunnel/http2-plug", "read tunnel id: %v", err)
		tlsConn.Close()
		return
	}
	tlsConn.SetReadDeadline(time.Time{})

	p.pending.deliver(ids.TunnelId(idBuf), tlsConn)
}

func (p *PlugInProvider) Name() string { return PlugTunnelName }

func (p *PlugInProvider) AcceptOut(ctx context.Context) (ids.MatchOutId, int, error) {
	outId, err := p.matchServer.AcceptOut(ctx, plugKeys())
	if err != nil {
		return ids.MatchOutId{}, 0, err
	}
	return outId, p.config.Connections, nil
}

func (p *PlugInProvider) Accept(ctx context.Context, outId ids.MatchOutId) (tunnel.InTunnel, []router.RuleConfig, int64, error) {
	externalAddr, err := stunprobe.ProbeExternalAddr(ctx, p.config.StunServers)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http2-plug: probe external address: %w", err)
	}

	payload, err := json.Marshal(plugInData{
		Address: net.JoinHostPort(externalAddr.IP.String(), strconv.Itoa(p.externalPort)),
		CertPEM: p.cert.CertPEM,
		KeyPEM:  p.cert.KeyPEM,
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http2-plug: marshal in data: %w", err)
	}

	match, err := p.matchServer.MatchOut(ctx, plugKeys(), outId, ids.NewMatchInId(), payload)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http2-plug: match out: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, plugStreamWaitTimeout)
	conn, err := p.pending.wait(waitCtx, match.TunnelId)
	cancel()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http2-plug: wait for incoming connection: %w", err)
	}

	transport := &http2.Transport{}
	cc, err := transport.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("http2-plug: establish connection: %w", err)
	}

	priority := p.config.PriorityDefault
	if match.TunnelPriority != 0 {
		priority = match.TunnelPriority
	}
	if p.config.Priority != 0 {
		priority = p.config.Priority
	}

	t := tunnel.NewByteStreamInTunnel(match.TunnelId, ids.OutId(match.Id), match.TunnelLabels, priority, newClientConnection(cc))
	xlog.Log.Infof("tunnel/http2-plug", "tunnel %s established", t)

	return t, match.RoutingRules, match.RoutingPriority, nil
}

// PlugOutConfig configures the OUT side of the plugged HTTP/2 transport.
type PlugOutConfig struct {
	Priority        int64
	RoutingRules    []router.RuleConfig
	RoutingPriority int64
	TrafficMark     uint32
}

// PlugOutProvider is the OUT-side half: dial the address IN advertised,
// announce the assigned TunnelId as a raw 16-byte prefix, then run as the
// HTTP/2 server on the connection it just dialed.
type PlugOutProvider struct {
	matchServer matchsvc.OutMatchServer
	config      PlugOutConfig
}

func NewPlugOutProvider(matchServer matchsvc.OutMatchServer, config PlugOutConfig) *PlugOutProvider {
	return &PlugOutProvider{matchServer: matchServer, config: config}
}

func (p *PlugOutProvider) Accept(ctx context.Context) (tunnel.OutTunnel, error) {
	payload, err := json.Marshal(plugOutData{})
	if err != nil {
		return nil, fmt.Errorf("http2-plug: marshal out data: %w", err)
	}

	outId := ids.NewMatchOutId()
	registerCtx, cancelRegister := context.WithCancel(ctx)
	go func() {
		if err := p.matchServer.RegisterOut(registerCtx, plugKeys(), outId); err != nil && registerCtx.Err() == nil {
			xlog.Log.Warnf("tunnel/http2-plug", "presence registration for %s ended: %v", outId, err)
		}
	}()

	match, err := p.matchServer.MatchIn(ctx, plugKeys(), outId, payload, p.config.Priority, p.config.RoutingRules, p.config.RoutingPriority)
	cancelRegister()
	if err != nil {
		return nil, fmt.Errorf("http2-plug: match in: %w", err)
	}

	var in plugInData
	if err := json.Unmarshal(match.Data, &in); err != nil {
		return nil, fmt.Errorf("http2-plug: unmarshal in data: %w", err)
	}

	cert, err := tunnelcrypto.LoadSelfSigned(in.CertPEM, in.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("http2-plug: load pinned cert: %w", err)
	}
	clientTLS, err := cert.MutualClientConfig(plugTLSName)
	if err != nil {
		return nil, fmt.Errorf("http2-plug: build client tls config: %w", err)
	}
	clientTLS.NextProtos = []string{"h2"}

	conn, err := netutil.DialTCPMarked(ctx, "tcp", in.Address, p.config.TrafficMark)
	if err != nil {
		return nil, fmt.Errorf("http2-plug: dial: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	tlsConn := tls.Client(conn, clientTLS)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http2-plug: tls handshake: %w", err)
	}

	tunnelIdBytes := uuid.UUID(match.TunnelId)
	if _, err := tlsConn.Write(tunnelIdBytes[:]); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("http2-plug: send tunnel id: %w", err)
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
	xlog.Log.Infof("tunnel/http2-plug", "tunnel %s accepted for %s", match.TunnelId, match.Id)

	return t, nil
}
