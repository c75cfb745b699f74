package fakeipdns

import (
	"net"
	"net/netip"

	"github.com/miekg/dns"

	"splitproxy/internal/xlog"
)

// Server is a UDP DNS server that forwards everything to an upstream
// resolver and rewrites A, AAAA, and HTTPS (SVCB) hint answers to synthetic
// addresses drawn from a Store, so a transparent interceptor downstream can
// recover the queried name from the IP alone.
type Server struct {
	store    *Store
	upstream string
	client   *dns.Client
	srv      *dns.Server
}

// NewServer builds a Server that answers on listenAddr (UDP) and forwards
// unmodified/unresolved queries to upstreamAddr.
func NewServer(listenAddr, upstreamAddr string, store *Store) *Server {
	s := &Server{
		store:    store,
		upstream: upstreamAddr,
		client:   &dns.Client{Net: "udp"},
	}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)
	s.srv = &dns.Server{Addr: listenAddr, Net: "udp", Handler: mux}
	return s
}

// ListenAndServe blocks serving DNS until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	resp, _, err := s.client.Exchange(req, s.upstream)
	if err != nil {
		xlog.Log.Warnf("fakeipdns", "upstream exchange failed: %v", err)
		fail := new(dns.Msg)
		fail.SetRcode(req, dns.RcodeServerFailure)
		_ = w.WriteMsg(fail)
		return
	}

	for _, q := range req.Question {
		switch q.Qtype {
		case dns.TypeA, dns.TypeAAAA, dns.TypeHTTPS:
			s.rewriteAnswers(resp)
		}
	}

	if err := w.WriteMsg(resp); err != nil {
		xlog.Log.Warnf("fakeipdns", "write response failed: %v", err)
	}
}

func (s *Server) rewriteAnswers(resp *dns.Msg) {
	for i, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			real, ok := netip.AddrFromSlice(rec.A.To4())
			if !ok {
				continue
			}
			fake, err := s.store.Resolve(TypeA, rec.Hdr.Name, real)
			if err != nil {
				xlog.Log.Warnf("fakeipdns", "resolve A %s: %v", rec.Hdr.Name, err)
				continue
			}
			rec.A = net.IP(fake.AsSlice())
			rec.Hdr.Ttl = uint32(rewriteTTL.Seconds())
			resp.Answer[i] = rec
		case *dns.AAAA:
			real, ok := netip.AddrFromSlice(rec.AAAA.To16())
			if !ok {
				continue
			}
			fake, err := s.store.Resolve(TypeAAAA, rec.Hdr.Name, real)
			if err != nil {
				xlog.Log.Warnf("fakeipdns", "resolve AAAA %s: %v", rec.Hdr.Name, err)
				continue
			}
			rec.AAAA = net.IP(fake.AsSlice())
			rec.Hdr.Ttl = uint32(rewriteTTL.Seconds())
			resp.Answer[i] = rec
		case *dns.HTTPS:
			if s.rewriteHTTPSHints(rec) {
				resp.Answer[i] = rec
			}
		}
	}
}

// rewriteHTTPSHints replaces ipv4hint/ipv6hint SVCB parameters with a
// single fake IP drawn from the hint's first address, collapsing the list
// to one element; every other parameter passes through unchanged. It
// mutates nothing and reports false if any hint can't be resolved, so the
// caller can fall back to the unmodified upstream record rather than hand
// back a record with only some of its hints rewritten.
func (s *Server) rewriteHTTPSHints(rec *dns.HTTPS) bool {
	name := rec.Hdr.Name
	rewritten := make([]dns.SVCBKeyValue, len(rec.Value))
	for i, v := range rec.Value {
		switch hint := v.(type) {
		case *dns.SVCBIPv4Hint:
			if len(hint.Hint) == 0 {
				return false
			}
			real, ok := netip.AddrFromSlice(hint.Hint[0].To4())
			if !ok {
				return false
			}
			fake, err := s.store.Resolve(TypeA, name, real)
			if err != nil {
				xlog.Log.Warnf("fakeipdns", "resolve ipv4hint %s: %v", name, err)
				return false
			}
			rewritten[i] = &dns.SVCBIPv4Hint{Hint: []net.IP{net.IP(fake.AsSlice())}}
		case *dns.SVCBIPv6Hint:
			if len(hint.Hint) == 0 {
				return false
			}
			real, ok := netip.AddrFromSlice(hint.Hint[0].To16())
			if !ok {
				return false
			}
			fake, err := s.store.Resolve(TypeAAAA, name, real)
			if err != nil {
				xlog.Log.Warnf("fakeipdns", "resolve ipv6hint %s: %v", name, err)
				return false
			}
			rewritten[i] = &dns.SVCBIPv6Hint{Hint: []net.IP{net.IP(fake.AsSlice())}}
		default:
			rewritten[i] = v
		}
	}
	rec.Value = rewritten
	return true
}
