package router

import (
	"fmt"
	"net/netip"
	"regexp"
)

// RuleConfig is the YAML shape of one rule. Kind selects which fields apply;
// see the Kind* constants. IN-side rules (loaded once from the local config
// file) use Priority when set and are otherwise pinned to math.MinInt64,
// same as fallback —
// OUT-side rules (received from a matched tunnel) may set Priority
// explicitly, defaulting to the router's configured routing priority for
// that registration when absent.
type RuleConfig struct {
	Kind       string   `yaml:"kind"`
	Match      []string `yaml:"match,omitempty"`
	MatchIP    []string `yaml:"match_ip,omitempty"`
	MatchPort  []uint16 `yaml:"match_port,omitempty"`
	Negate     bool     `yaml:"negate,omitempty"`
	Out        []string `yaml:"out,omitempty"`
	Priority   *int64   `yaml:"priority,omitempty"`
	Tag        string   `yaml:"tag,omitempty"`
}

const (
	KindGeoIP          = "geoip"
	KindAddress        = "address"
	KindDomain         = "domain"
	KindDomainPattern  = "domain_pattern"
	KindFallback       = "fallback"
)

// ToInRule converts a config entry loaded from the IN peer's own config file
// into a Rule, at c.Priority when set. An IN-side rule without a Priority
// sits at the lowest priority (evaluated last, alongside fallback rules).
func ToInRule(c RuleConfig) (Rule, error) {
	if c.Priority != nil {
		return toRule(c, c.Priority)
	}
	return toRule(c, minInt64Ptr())
}

// ToOutRule converts a rule received from a matched OUT tunnel into a Rule.
// labels defaults to tunnelLabel when c.Out is empty; the manager passes the
// tunnel's OutId string, a label every tunnel from that OUT is indexed
// under, so an OUT-registered rule without explicit labels still routes
// traffic to that OUT's tunnels. priorityDefault is used when c.Priority is
// unset.
func ToOutRule(c RuleConfig, tunnelLabel string, priorityDefault int64) (Rule, error) {
	if len(c.Out) == 0 && c.Kind != KindFallback {
		c.Out = []string{tunnelLabel}
	}
	prio := &priorityDefault
	if c.Priority != nil {
		prio = c.Priority
	}
	return toRule(c, prio)
}

func minInt64Ptr() *int64 {
	var v int64 = -1 << 63
	return &v
}

func toRule(c RuleConfig, priority *int64) (Rule, error) {
	switch c.Kind {
	case KindGeoIP:
		return &GeoIPRule{Regions: c.Match, Labels: c.Out, Prio: *priority, Negate: c.Negate, RTag: c.Tag}, nil
	case KindAddress:
		prefixes, err := parsePrefixes(c.MatchIP)
		if err != nil {
			return nil, err
		}
		var ips []netip.Prefix
		if len(c.MatchIP) > 0 {
			ips = prefixes
		}
		var ports []uint16
		if len(c.MatchPort) > 0 {
			ports = c.MatchPort
		}
		return &AddressRule{MatchIPs: ips, MatchPorts: ports, Labels: c.Out, Prio: *priority, Negate: c.Negate, RTag: c.Tag}, nil
	case KindDomain:
		return &DomainRule{Matches: c.Match, Labels: c.Out, Prio: *priority, Negate: c.Negate, RTag: c.Tag}, nil
	case KindDomainPattern:
		patterns, err := compilePatterns(c.Match)
		if err != nil {
			return nil, err
		}
		return &DomainPatternRule{Matches: patterns, Labels: c.Out, Prio: *priority, Negate: c.Negate, RTag: c.Tag}, nil
	case KindFallback:
		return &FallbackRule{Labels: c.Out, RTag: c.Tag}, nil
	default:
		return nil, fmt.Errorf("router: unknown rule kind %q", c.Kind)
	}
}

func parsePrefixes(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p)
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("router: invalid match_ip %q: %w", s, err)
		}
		bits := 32
		if addr.Is6() {
			bits = 128
		}
		out = append(out, netip.PrefixFrom(addr, bits))
	}
	return out, nil
}

func compilePatterns(raw []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, s := range raw {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("router: invalid domain_pattern %q: %w", s, err)
		}
		out = append(out, re)
	}
	return out, nil
}
