package yamux

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"

	"splitproxy/internal/ids"
	"splitproxy/internal/matchsvc"
	"splitproxy/internal/router"
)

// fakeStunServer answers every binding request with the request's own
// observed source address, which on loopback is the already-reachable
// address the OUT side will actually listen on.
func fakeStunServer(t *testing.T) (addr string, stop func()) {
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
			uaddr := raddr.(*net.UDPAddr)
			resp, err := stun.Build(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess, &stun.XORMappedAddress{
				IP:   uaddr.IP,
				Port: uaddr.Port,
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
	return conn.LocalAddr().String(), func() { close(done); conn.Close() }
}

// pairedMatchServer is an in-process fake of both match-server halves for a
// single pairing, replacing a real rendezvous backend for this test.
type pairedMatchServer struct {
	outAnnounced chan ids.MatchOutId
	inAnnounced  chan matchsvc.InAnnouncement
	matched      chan matchsvc.MatchOut
}

func newPairedMatchServer() *pairedMatchServer {
	return &pairedMatchServer{
		outAnnounced: make(chan ids.MatchOutId, 1),
		inAnnounced:  make(chan matchsvc.InAnnouncement, 1),
		matched:      make(chan matchsvc.MatchOut, 1),
	}
}

func (s *pairedMatchServer) AcceptOut(ctx context.Context, keys matchsvc.Keys) (ids.MatchOutId, error) {
	select {
	case id := <-s.outAnnounced:
		return id, nil
	case <-ctx.Done():
		return ids.MatchOutId{}, ctx.Err()
	}
}

func (s *pairedMatchServer) MatchOut(ctx context.Context, keys matchsvc.Keys, outId ids.MatchOutId, inId ids.MatchInId, inData json.RawMessage) (*matchsvc.MatchOut, error) {
	s.inAnnounced <- matchsvc.InAnnouncement{Id: inId, Data: inData}
	select {
	case out := <-s.matched:
		return &out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pairedMatchServer) RegisterOut(ctx context.Context, keys matchsvc.Keys, outId ids.MatchOutId) error {
	select {
	case s.outAnnounced <- outId:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *pairedMatchServer) MatchIn(ctx context.Context, keys matchsvc.Keys, outId ids.MatchOutId, outData json.RawMessage, tunnelPriority int64, routingRules []router.RuleConfig, routingPriority int64) (*matchsvc.MatchIn, error) {
	select {
	case ann := <-s.inAnnounced:
		tunnelId := ids.NewTunnelId()
		s.matched <- matchsvc.MatchOut{
			Id:              outId,
			TunnelId:        tunnelId,
			TunnelLabels:    []string{"exit-a"},
			TunnelPriority:  tunnelPriority,
			RoutingPriority: routingPriority,
			RoutingRules:    routingRules,
			Data:            outData,
		}
		return &matchsvc.MatchIn{Id: ann.Id, TunnelId: tunnelId, Data: ann.Data}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TestProviderPairingEstablishesATunnel runs InProvider and OutProvider
// concurrently against each other, exercising the full
// probe -> rendezvous -> TLS handshake -> token proof -> yamux session chain
// end to end.
func TestProviderPairingEstablishesATunnel(t *testing.T) {
	stunAddr, stop := fakeStunServer(t)
	defer stop()

	ms := newPairedMatchServer()
	inProvider := NewInProvider(ms, InConfig{PriorityDefault: 1})
	outProvider := NewOutProvider(ms, OutConfig{StunServers: []string{stunAddr}, RoutingPriority: 3, Priority: 7})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outTunnelCh := make(chan interface{ IsClosed() bool }, 1)
	outErrCh := make(chan error, 1)
	go func() {
		outTun, err := outProvider.Accept(ctx)
		if err != nil {
			outErrCh <- err
			return
		}
		outTunnelCh <- outTun
	}()

	outId, n, err := inProvider.AcceptOut(ctx)
	if err != nil {
		t.Fatalf("AcceptOut: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected connection count hint 1, got %d", n)
	}

	inTun, rules, routingPriority, err := inProvider.Accept(ctx, outId)
	if err != nil {
		t.Fatalf("in accept: %v", err)
	}
	defer inTun.Close()

	if inTun.Priority() != 7 {
		t.Fatalf("expected OUT-advertised priority 7 to win, got %d", inTun.Priority())
	}
	if routingPriority != 3 {
		t.Fatalf("expected routing priority 3, got %d", routingPriority)
	}
	if len(rules) != 0 {
		t.Fatalf("expected no routing rules in this test, got %+v", rules)
	}

	select {
	case err := <-outErrCh:
		t.Fatalf("out accept: %v", err)
	case outTun := <-outTunnelCh:
		if outTun.IsClosed() {
			t.Fatalf("expected the accepted out tunnel to be open")
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the out side to accept the connection")
	}
}

// TestConcurrentPairingsGetDistinctIndexes exercises connection pooling: two
// simultaneous Accept calls against the same OUT must carry different Index
// values in their in-data payload, so the match-service lock keys they
// derive don't collide.
func TestConcurrentPairingsGetDistinctIndexes(t *testing.T) {
	ms := newPairedMatchServer()
	ms.inAnnounced = make(chan matchsvc.InAnnouncement, 2)
	inProvider := NewInProvider(ms, InConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		go inProvider.Accept(ctx, ids.MatchOutId{})
	}

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ann := <-ms.inAnnounced:
			var data inData
			if err := json.Unmarshal(ann.Data, &data); err != nil {
				t.Fatalf("unmarshal in data: %v", err)
			}
			seen[data.Index] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for in-data announcement")
		}
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 distinct indexes, got %v", seen)
	}
}
