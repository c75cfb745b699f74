package yamux

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"splitproxy/internal/tunnelcrypto"
)

// handshake builds a live yamux session over a loopback TLS pair using the
// transport's asymmetric trust model: the client trusts the server's
// self-signed certificate as its sole root and proves its own identity with
// a bearer token instead of a client certificate.
func handshake(t *testing.T) (*inConnection, *outConnection, func()) {
	t.Helper()

	cert, err := tunnelcrypto.GenerateSelfSigned([]string{tlsServerName})
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}

	clientTLS, err := tunnelcrypto.ServerOnlyClientConfig(cert.CertPEM, tlsServerName)
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	serverTLS := cert.ServerOnlyServerConfig()

	token := []byte("test-proof-token-0123456789abcd")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	serverCh := make(chan *outConnection, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			serverErrCh <- err
			return
		}
		tlsConn := tls.Server(conn, serverTLS)
		if err := tlsConn.Handshake(); err != nil {
			serverErrCh <- err
			return
		}
		proof := make([]byte, len(token))
		if _, err := io.ReadFull(tlsConn, proof); err != nil {
			serverErrCh <- err
			return
		}
		if !bytes.Equal(proof, token) {
			serverErrCh <- err
			return
		}
		session, err := yamux.Server(tlsConn, sessionConfig())
		if err != nil {
			serverErrCh <- err
			return
		}
		serverCh <- newOutConnection(session)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tlsConn := tls.Client(conn, clientTLS)
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if _, err := tlsConn.Write(token); err != nil {
		t.Fatalf("write proof token: %v", err)
	}
	session, err := yamux.Client(tlsConn, sessionConfig())
	if err != nil {
		t.Fatalf("client session: %v", err)
	}

	var serverConn *outConnection
	select {
	case serverConn = <-serverCh:
	case err := <-serverErrCh:
		t.Fatalf("server side: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for server session")
	}

	cleanup := func() { listener.Close() }
	return newInConnection(session), serverConn, cleanup
}

func TestOpenAcceptRoundTripsBytesBothWays(t *testing.T) {
	client, server, cleanup := handshake(t)
	defer cleanup()

	ctx := t.Context()

	openDone := make(chan struct{})
	var clientStream interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
		Close() error
	}
	go func() {
		defer close(openDone)
		s, err := client.Open(ctx)
		if err != nil {
			t.Errorf("open: %v", err)
			return
		}
		clientStream = s
	}()

	serverStream, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	<-openDone
	if clientStream == nil {
		t.Fatalf("client stream was never opened")
	}

	if _, err := clientStream.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(serverStream, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(buf, []byte("ping")) {
		t.Fatalf("server got %q", buf)
	}

	if _, err := serverStream.Write([]byte("pong")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if _, err := io.ReadFull(clientStream, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(buf, []byte("pong")) {
		t.Fatalf("client got %q", buf)
	}

	clientStream.Close()
	serverStream.Close()
}

func TestConnectionLivenessTracking(t *testing.T) {
	client, server, cleanup := handshake(t)
	defer cleanup()

	if client.IsClosed() {
		t.Fatalf("expected fresh client session to be open")
	}
	if server.IsClosed() {
		t.Fatalf("expected fresh server session to be open")
	}

	client.Close()

	select {
	case <-client.Closed():
	case <-time.After(5 * time.Second):
		t.Fatalf("expected Closed() to fire after Close()")
	}
	if !client.IsClosed() {
		t.Fatalf("expected client session to report closed")
	}
}
