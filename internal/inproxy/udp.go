package inproxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"splitproxy/internal/netutil"
	"splitproxy/internal/xlog"
)

// udpBufferSize is the maximum datagram size relayed in either direction.
const udpBufferSize = 65536

// defaultAssociationIdle is how long a per-source association may sit
// quiet before it's torn down, when the caller doesn't configure one.
const defaultAssociationIdle = 60 * time.Second

// Resolver recovers the real destination (and recovered hostname, for
// logging) for an original, possibly fake-IP, destination.
type Resolver func(original netip.AddrPort) (real netip.AddrPort, name string)

type responseSocket struct {
	conn *net.UDPConn
	refs int
}

// Forwarder relays UDP datagrams for the transparent proxy. One shared
// TPROXY socket receives client datagrams; each distinct client source
// address gets its own marked delegate socket that talks directly to the
// resolved real destination (UDP here is always relayed directly, never
// tunneled); replies are sent back to the client spoofing the original
// destination as their source, via a shared, reference-counted pool of
// response sockets.
type Forwarder struct {
	conn        *netutil.TransparentUDPConn
	trafficMark uint32
	idleTimeout time.Duration

	// newResponseSocket and newDelegateSocket are swappable for tests,
	// the same fetch-is-a-field shape internal/geoip's Updater uses —
	// real use binds genuinely transparent (root-requiring) sockets, so
	// tests substitute plain loopback ones to exercise the relay logic
	// without privilege.
	newResponseSocket func(original netip.AddrPort, mark uint32) (*net.UDPConn, error)
	newDelegateSocket func(source netip.AddrPort, mark uint32) (*net.UDPConn, error)

	mu              sync.Mutex
	responseSockets map[netip.AddrPort]*responseSocket
	associations    map[netip.AddrPort]*association
}

// NewForwarder builds a Forwarder reading from conn. idleTimeout of zero
// uses defaultAssociationIdle.
func NewForwarder(conn *netutil.TransparentUDPConn, trafficMark uint32, idleTimeout time.Duration) *Forwarder {
	if idleTimeout <= 0 {
		idleTimeout = defaultAssociationIdle
	}
	return &Forwarder{
		conn:              conn,
		trafficMark:       trafficMark,
		idleTimeout:       idleTimeout,
		newResponseSocket: netutil.DialTransparentUDPSpoofed,
		newDelegateSocket: openDelegateSocket,
		responseSockets:   make(map[netip.AddrPort]*responseSocket),
		associations:      make(map[netip.AddrPort]*association),
	}
}

// Serve reads datagrams from the shared proxy socket and relays each to
// its resolved real destination until ctx is cancelled or the socket
// errors.
func (f *Forwarder) Serve(ctx context.Context, resolve Resolver) error {
	buf := make([]byte, udpBufferSize)
	for {
		n, source, original, err := f.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("inproxy: udp read: %w", err)
		}

		real := f.associatedDestination(source, original)
		var name string
		if !real.IsValid() {
			real, name = resolve(original)
			xlog.Log.Infof("inproxy", "redirect datagrams from %s to %s", source, destinationString(real, name))
		}

		payload := append([]byte(nil), buf[:n]...)
		if err := f.send(ctx, source, original, real, payload); err != nil {
			xlog.Log.Warnf("inproxy", "udp send from %s to %s failed: %v", source, real, err)
		}
	}
}

// associatedDestination is a shortcut checked before re-resolving: an
// existing association for source already knows the real destination it
// mapped original to, which avoids unnecessary routing work and a missed
// mapping when the router would match on a port that full-cone NAT
// behavior has since changed.
func (f *Forwarder) associatedDestination(source, original netip.AddrPort) netip.AddrPort {
	f.mu.Lock()
	a, ok := f.associations[source]
	f.mu.Unlock()
	if !ok {
		return netip.AddrPort{}
	}
	return a.realFor(original)
}

func (f *Forwarder) send(ctx context.Context, source, original, real netip.AddrPort, payload []byte) error {
	f.mu.Lock()
	a, ok := f.associations[source]
	if !ok {
		var err error
		a, err = newAssociation(source, f.trafficMark, f.newDelegateSocket)
		if err != nil {
			f.mu.Unlock()
			return err
		}
		f.associations[source] = a
		go a.run(ctx, f)
	}
	f.mu.Unlock()

	return a.send(original, real, payload)
}

func (f *Forwarder) removeAssociation(source netip.AddrPort) {
	f.mu.Lock()
	delete(f.associations, source)
	f.mu.Unlock()
}

// assignResponseSocket returns the shared response socket for original,
// creating and binding one (spoofing original as its local address, so a
// reply from it carries original as its source) on first use system-wide.
// acquire must be true exactly once per association per distinct original
// it relays through (when that original is first added to the
// association's related set) — a fresh socket always starts at refs 1
// regardless of acquire, since its first touch always counts, but an
// already-existing socket's count only grows on that one acquiring call,
// keeping it balanced against releaseResponseSockets' single
// decrement-per-related-entry at teardown.
func (f *Forwarder) assignResponseSocket(original netip.AddrPort, acquire bool) (*net.UDPConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rs, ok := f.responseSockets[original]; ok {
		if acquire {
			rs.refs++
		}
		return rs.conn, nil
	}

	conn, err := f.newResponseSocket(original, f.trafficMark)
	if err != nil {
		return nil, fmt.Errorf("inproxy: assign response socket for %s: %w", original, err)
	}
	f.responseSockets[original] = &responseSocket{conn: conn, refs: 1}
	return conn, nil
}

// releaseResponseSockets drops one reference for each original destination
// in related, closing and removing any response socket whose count has
// reached zero.
func (f *Forwarder) releaseResponseSockets(related map[netip.AddrPort]struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for original := range related {
		rs, ok := f.responseSockets[original]
		if !ok {
			continue
		}
		rs.refs--
		if rs.refs <= 0 {
			rs.conn.Close()
			delete(f.responseSockets, original)
		}
	}
}

// association owns one client source address's delegate socket: the
// marked, otherwise-plain UDP socket real datagrams actually go out on and
// come back on.
type association struct {
	source   netip.AddrPort
	delegate *net.UDPConn

	mu             sync.Mutex
	originalToReal map[netip.AddrPort]netip.AddrPort
	realToOriginal map[netip.AddrPort]netip.AddrPort
	related        map[netip.AddrPort]struct{}

	activity chan struct{}
}

// openDelegateSocket opens the real, marked delegate socket used in
// production: an unbound-destination UDP socket of the client's address
// family with SO_MARK applied so routing policy can steer it away from
// the transparent-proxy rule that redirected the client in the first
// place.
func openDelegateSocket(source netip.AddrPort, mark uint32) (*net.UDPConn, error) {
	network := "udp4"
	laddr := &net.UDPAddr{}
	if source.Addr().Is6() && !source.Addr().Is4In6() {
		network = "udp6"
		laddr = &net.UDPAddr{IP: net.IPv6zero}
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("inproxy: open delegate socket for %s: %w", source, err)
	}
	if err := netutil.SetMark(conn, mark); err != nil {
		conn.Close()
		return nil, fmt.Errorf("inproxy: mark delegate socket for %s: %w", source, err)
	}
	return conn, nil
}

func newAssociation(source netip.AddrPort, mark uint32, newDelegate func(netip.AddrPort, uint32) (*net.UDPConn, error)) (*association, error) {
	conn, err := newDelegate(source, mark)
	if err != nil {
		return nil, err
	}

	return &association{
		source:         source,
		delegate:       conn,
		originalToReal: make(map[netip.AddrPort]netip.AddrPort),
		realToOriginal: make(map[netip.AddrPort]netip.AddrPort),
		related:        make(map[netip.AddrPort]struct{}),
		activity:       make(chan struct{}, 1),
	}, nil
}

func (a *association) realFor(original netip.AddrPort) netip.AddrPort {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.originalToReal[original]
}

func (a *association) signalActivity() {
	select {
	case a.activity <- struct{}{}:
	default:
	}
}

func (a *association) send(original, real netip.AddrPort, payload []byte) error {
	a.signalActivity()

	a.mu.Lock()
	a.originalToReal[original] = real
	a.realToOriginal[real] = original
	a.mu.Unlock()

	_, err := a.delegate.WriteToUDPAddrPort(payload, real)
	return err
}

// run drives the association until its delegate socket goes quiet for the
// forwarder's idle timeout or ctx is cancelled, then tears it down,
// releasing any response sockets only this association was keeping alive.
func (a *association) run(ctx context.Context, f *Forwarder) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.relayReplies(f)
	}()

	defer a.delegate.Close()
	defer func() {
		a.mu.Lock()
		related := make(map[netip.AddrPort]struct{}, len(a.related))
		for k := range a.related {
			related[k] = struct{}{}
		}
		a.mu.Unlock()
		f.releaseResponseSockets(related)
	}()
	defer f.removeAssociation(a.source)

	timer := time.NewTimer(f.idleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-a.activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(f.idleTimeout)
		case <-timer.C:
			return
		}
	}
}

func (a *association) relayReplies(f *Forwarder) {
	buf := make([]byte, udpBufferSize)
	for {
		n, realAddr, err := a.delegate.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		a.signalActivity()

		a.mu.Lock()
		original, ok := a.realToOriginal[realAddr]
		if !ok {
			original = realAddr
		}
		_, alreadyRelated := a.related[original]
		a.related[original] = struct{}{}
		a.mu.Unlock()

		responseConn, err := f.assignResponseSocket(original, !alreadyRelated)
		if err != nil {
			xlog.Log.Warnf("inproxy", "assign response socket: %v", err)
			continue
		}

		if _, err := responseConn.WriteToUDPAddrPort(buf[:n], a.source); err != nil {
			xlog.Log.Warnf("inproxy", "reply to %s via %s failed: %v", a.source, original, err)
		}
	}
}
