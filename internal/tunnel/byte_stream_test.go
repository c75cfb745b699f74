package tunnel

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"splitproxy/internal/ids"
)

// pipeInConn and pipeOutConn adapt a net.Conn half into a single-use
// ByteStreamInTunnelConnection/ByteStreamOutTunnelConnection pair for
// testing the header framing without a real transport.
type pipeInConn struct {
	stream Stream
	closed chan struct{}
}

func (c *pipeInConn) Open(ctx context.Context) (Stream, error) { return c.stream, nil }
func (c *pipeInConn) Closed() <-chan struct{}                  { return c.closed }
func (c *pipeInConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
func (c *pipeInConn) Close() error { close(c.closed); return nil }

type pipeOutConn struct {
	stream Stream
	used   bool
}

func (c *pipeOutConn) Accept(ctx context.Context) (Stream, error) {
	if c.used {
		select {}
	}
	c.used = true
	return c.stream, nil
}
func (c *pipeOutConn) IsClosed() bool { return c.used }

func TestByteStreamTunnelEndToEnd(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	inTunnel := NewByteStreamInTunnel(ids.NewTunnelId(), ids.NewOutId(), []string{"PROXY"}, 0, &pipeInConn{stream: clientConn, closed: make(chan struct{})})
	outTunnel := NewByteStreamOutTunnel(&pipeOutConn{stream: serverConn})

	destination := netip.MustParseAddrPort("93.184.216.34:443")

	errCh := make(chan error, 1)
	go func() {
		_, err := inTunnel.Connect(context.Background(), destination, "example.com", "rule-a")
		errCh <- err
	}()

	gotDest, gotName, gotTag, stream, err := outTunnel.Accept(context.Background())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer stream.Close()

	if err := <-errCh; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if gotDest != destination {
		t.Fatalf("destination: got %v want %v", gotDest, destination)
	}
	if gotName != "example.com" {
		t.Fatalf("name: got %q", gotName)
	}
	if gotTag != "rule-a" {
		t.Fatalf("tag: got %q", gotTag)
	}
}
