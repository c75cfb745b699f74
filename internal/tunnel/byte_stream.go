package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"

	"splitproxy/internal/ids"
)

// ByteStreamInTunnelConnection is the capability a concrete transport
// (QUIC, HTTP/2-mux, yamux) supplies to ByteStreamInTunnel: open a new raw
// substream.
type ByteStreamInTunnelConnection interface {
	Open(ctx context.Context) (Stream, error)
	Closed() <-chan struct{}
	IsClosed() bool
	Close() error
}

// ByteStreamOutTunnelConnection is the OUT-side counterpart: accept a new
// raw substream, header still unparsed.
type ByteStreamOutTunnelConnection interface {
	Accept(ctx context.Context) (Stream, error)
	IsClosed() bool
}

// ByteStreamInTunnel implements InTunnel by writing the connect header
// (internal/tunnel.EncodeHeader) at the front of every new substream opened
// through conn. Shared by every transport built on a raw bidirectional
// stream abstraction.
type ByteStreamInTunnel struct {
	id       ids.TunnelId
	outId    ids.OutId
	labels   []string
	priority int64
	conn     ByteStreamInTunnelConnection
	active   atomic.Bool
}

func NewByteStreamInTunnel(id ids.TunnelId, outId ids.OutId, labels []string, priority int64, conn ByteStreamInTunnelConnection) *ByteStreamInTunnel {
	t := &ByteStreamInTunnel{id: id, outId: outId, labels: labels, priority: priority, conn: conn}
	t.active.Store(true)
	return t
}

func (t *ByteStreamInTunnel) Id() ids.TunnelId     { return t.id }
func (t *ByteStreamInTunnel) OutId() ids.OutId      { return t.outId }
func (t *ByteStreamInTunnel) Labels() []string      { return t.labels }
func (t *ByteStreamInTunnel) Priority() int64       { return t.priority }
func (t *ByteStreamInTunnel) SetActive(active bool) { t.active.Store(active) }
func (t *ByteStreamInTunnel) IsActive() bool        { return t.active.Load() }
func (t *ByteStreamInTunnel) Closed() <-chan struct{} { return t.conn.Closed() }
func (t *ByteStreamInTunnel) IsClosed() bool        { return t.conn.IsClosed() }
func (t *ByteStreamInTunnel) Close() error          { return t.conn.Close() }

func (t *ByteStreamInTunnel) Connect(ctx context.Context, destination netip.AddrPort, name string, tag string) (Stream, error) {
	stream, err := t.conn.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("tunnel: open substream: %w", err)
	}
	if err := EncodeHeader(stream, destination, name, tag); err != nil {
		stream.Close()
		return nil, fmt.Errorf("tunnel: write connect header: %w", err)
	}
	return stream, nil
}

// String implements the "{type} {id_short}({labels})" display convention.
func (t *ByteStreamInTunnel) String() string {
	return tunnelString("in", t.id, t.labels)
}

// ByteStreamOutTunnel implements OutTunnel by reading the connect header
// back off each substream accepted through conn.
type ByteStreamOutTunnel struct {
	conn ByteStreamOutTunnelConnection
}

func NewByteStreamOutTunnel(conn ByteStreamOutTunnelConnection) *ByteStreamOutTunnel {
	return &ByteStreamOutTunnel{conn: conn}
}

func (t *ByteStreamOutTunnel) Accept(ctx context.Context) (netip.AddrPort, string, string, Stream, error) {
	stream, err := t.conn.Accept(ctx)
	if err != nil {
		return netip.AddrPort{}, "", "", nil, fmt.Errorf("tunnel: accept substream: %w", err)
	}
	destination, name, tag, err := DecodeHeader(stream)
	if err != nil {
		stream.Close()
		return netip.AddrPort{}, "", "", nil, fmt.Errorf("tunnel: read connect header: %w", err)
	}
	return destination, name, tag, stream, nil
}

func (t *ByteStreamOutTunnel) IsClosed() bool { return t.conn.IsClosed() }

func tunnelString(kind string, id ids.TunnelId, labels []string) string {
	s := fmt.Sprintf("%s %s", kind, id.Short())
	if len(labels) > 0 {
		s += "("
		for i, l := range labels {
			if i > 0 {
				s += ", "
			}
			s += l
		}
		s += ")"
	}
	return s
}
