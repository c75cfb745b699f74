package stunprobe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

// fakeStunServer answers every binding request it receives with a
// XOR-MAPPED-ADDRESS pointing at reflectAddr, mirroring what a real STUN
// server would report back for the probing socket.
func fakeStunServer(t *testing.T, reflectAddr *net.UDPAddr) (addr string, stop func()) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1500)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}

			var req stun.Message
			req.Raw = append([]byte(nil), buf[:n]...)
			if err := req.Decode(); err != nil {
				continue
			}

			resp, err := stun.Build(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess, &stun.XORMappedAddress{
				IP:   reflectAddr.IP,
				Port: reflectAddr.Port,
			})
			if err != nil {
				continue
			}
			conn.WriteTo(resp.Raw, raddr)

			select {
			case <-done:
				return
			default:
			}
		}
	}()

	return conn.LocalAddr().String(), func() {
		close(done)
		conn.Close()
	}
}

func TestProbeExternalAddrReturnsFirstRespondingServer(t *testing.T) {
	want := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 51820}
	serverAddr, stop := fakeStunServer(t, want)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := ProbeExternalAddr(ctx, []string{"127.0.0.1:1", serverAddr})
	if err != nil {
		t.Fatalf("ProbeExternalAddr: %v", err)
	}
	if !got.IP.Equal(want.IP) || got.Port != want.Port {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestProbeExternalAddrSkipsDeadServerAndTriesNext(t *testing.T) {
	want := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 9), Port: 4500}
	serverAddr, stop := fakeStunServer(t, want)
	defer stop()

	dead, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen dead: %v", err)
	}
	deadAddr := dead.LocalAddr().String()
	dead.Close() // closed immediately: nothing will ever answer on this address

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := ProbeExternalAddr(ctx, []string{deadAddr, serverAddr})
	if err != nil {
		t.Fatalf("ProbeExternalAddr: %v", err)
	}
	if !got.IP.Equal(want.IP) || got.Port != want.Port {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestProbeExternalAddrNoServersIsAnError(t *testing.T) {
	if _, err := ProbeExternalAddr(context.Background(), nil); err == nil {
		t.Fatalf("expected an error for an empty server list")
	}
}

func TestOpenAndProbeKeepsSocketUsable(t *testing.T) {
	want := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 55), Port: 9999}
	serverAddr, stop := fakeStunServer(t, want)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, got, err := OpenAndProbe(ctx, []string{serverAddr})
	if err != nil {
		t.Fatalf("OpenAndProbe: %v", err)
	}
	defer conn.Close()

	if !got.IP.Equal(want.IP) || got.Port != want.Port {
		t.Fatalf("got %v want %v", got, want)
	}

	// The socket must still be usable for further I/O after probing.
	if _, err := conn.WriteToUDP([]byte("x"), conn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("socket unusable after probe: %v", err)
	}
}
