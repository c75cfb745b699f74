// Package http2 implements the TLS/HTTP-2 multiplexed tunnel transport: the
// OUT side mints a throwaway self-signed certificate and hands both the
// certificate and its private key to the IN side over the match service,
// so the same keypair authenticates both ends of the mutual-TLS handshake
// (IN as client, OUT as server) without a separate PKI. Once the
// connection is up, every proxied conversation becomes one HTTP/2 stream:
// a long-lived POST whose request body is the IN-to-OUT direction and
// whose response body is the OUT-to-IN direction, each flushed as it is
// written so the stream behaves as a plain duplex byte pipe.
package http2

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"splitproxy/internal/matchsvc"
	"splitproxy/internal/tunnel"
)

// TunnelName identifies this transport in match-service keys and in the
// per-transport config map.
const TunnelName = "http2"

// tlsServerName is the SNI/authority presented by the IN side. Since trust
// is rooted in the OUT-generated certificate rather than a public CA, the
// name itself only has to agree with the certificate's SAN.
const tlsServerName = "splitproxy-http2"

// windowSize is the HTTP/2 flow-control window given to both the whole
// connection and each individual stream.
const windowSize = 4 << 20 // 4 MiB

// watchInterval is how often a client connection's liveness is polled; see
// clientConnection.watch.
const watchInterval = 5 * time.Second

type inData struct{}

type outData struct {
	Address string `json:"address"`
	CertPEM []byte `json:"cert"`
	KeyPEM  []byte `json:"key"`
}

func keys() matchsvc.Keys { return matchsvc.TransportKeys{Name: TunnelName} }

// h2Stream adapts one HTTP/2 request/response pair (client side) or one
// handled request (server side) into a tunnel.Stream. w is flushed after
// every write so bytes reach the peer without waiting for the handler (or
// RoundTrip) to return.
type h2Stream struct {
	r         io.ReadCloser
	w         io.Writer
	closeOnce sync.Once
	done      chan struct{} // non-nil only on the server (accepted) side
}

func (s *h2Stream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *h2Stream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *h2Stream) Close() error {
	s.closeOnce.Do(func() {
		s.r.Close()
		if wc, ok := s.w.(io.Closer); ok {
			wc.Close()
		}
		if s.done != nil {
			close(s.done)
		}
	})
	return nil
}

// flushWriter flushes an http.ResponseWriter after every write, so a
// server-side stream behaves like a live pipe instead of a buffered
// response body.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil && fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// clientConnection is the IN side's view of one mutual-TLS HTTP/2
// connection: every Open call issues a new streaming POST and hands back
// its request/response bodies as a duplex stream.
type clientConnection struct {
	cc        *http2.ClientConn
	closed    chan struct{}
	closeOnce sync.Once
}

func newClientConnection(cc *http2.ClientConn) *clientConnection {
	c := &clientConnection{cc: cc, closed: make(chan struct{})}
	go c.watch()
	return c
}

// watch polls the connection's reported state until the peer or transport
// tears it down. golang.org/x/net/http2 doesn't expose a done-channel the
// way quic.Connection's Context does, so this is the closest equivalent.
func (c *clientConnection) watch() {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for range ticker.C {
		if c.cc.State().Closed {
			close(c.closed)
			return
		}
	}
}

func (c *clientConnection) Open(ctx context.Context) (tunnel.Stream, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+tlsServerName+"/", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	type result struct {
		resp *http.Response
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		resp, err := c.cc.RoundTrip(req)
		resultCh <- result{resp, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			pw.Close()
			return nil, res.err
		}
		return &h2Stream{r: res.resp.Body, w: pw}, nil
	case <-ctx.Done():
		pw.Close()
		return nil, ctx.Err()
	}
}

func (c *clientConnection) Closed() <-chan struct{} { return c.closed }

func (c *clientConnection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return c.cc.State().Closed
	}
}

func (c *clientConnection) Close() error {
	c.closeOnce.Do(func() { c.cc.Shutdown(context.Background()) })
	return nil
}

// serverConnection is the OUT side's view of one mutual-TLS HTTP/2
// connection: every request the http2.Server hands to handle is turned
// into an accepted duplex stream.
type serverConnection struct {
	acceptCh  chan *h2Stream
	closed    chan struct{}
	closeOnce sync.Once
}

func newServerConnection() *serverConnection {
	return &serverConnection{
		acceptCh: make(chan *h2Stream),
		closed:   make(chan struct{}),
	}
}

func (s *serverConnection) handle(w http.ResponseWriter, r *http.Request) {
	flusher, _ := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	done := make(chan struct{})
	stream := &h2Stream{r: r.Body, w: flushWriter{w, flusher}, done: done}

	select {
	case s.acceptCh <- stream:
	case <-r.Context().Done():
		return
	}

	<-done
}

func (s *serverConnection) Accept(ctx context.Context) (tunnel.Stream, error) {
	select {
	case stream := <-s.acceptCh:
		return stream, nil
	case <-s.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *serverConnection) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *serverConnection) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
