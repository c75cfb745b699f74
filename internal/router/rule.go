package router

import (
	"math"
	"net/netip"
	"regexp"
	"strings"
)

// Built-in label values with special handling in the tunnel manager's
// selection logic (internal/manager).
const (
	LabelDirect = "DIRECT"
	LabelProxy  = "PROXY"
	LabelAny    = "ANY"
)

// Destination is the triple rules match against: the connection's address,
// the hostname recovered via fake-IP DNS (if any), and GeoIP region codes
// for the address.
type Destination struct {
	Address     netip.Addr
	Port        uint16
	Domain      string // "" if unresolved
	RegionCodes []string
}

// Labeled pairs a granted label with the tag of the rule that granted it.
type Labeled struct {
	Label string
	Tag   string // "" if the rule carries no tag
}

// Rule is one routing rule: a predicate over a Destination plus the labels
// it grants when the predicate holds.
type Rule interface {
	Priority() int64
	Tag() string
	// Match evaluates the rule against d. anyMatched reports whether any
	// rule earlier in the same priority group (or any prior group) already
	// granted a label for d; only the fallback kind consults it.
	Match(d Destination, anyMatched bool) []string
}

func labelsOrNil(matched bool, labels []string, negate bool) []string {
	if matched == negate {
		return nil
	}
	return labels
}

// GeoIPRule grants labels when any of Regions appears in d.RegionCodes.
type GeoIPRule struct {
	Regions []string
	Labels  []string
	Prio    int64
	Negate  bool
	RTag    string
}

func (r *GeoIPRule) Priority() int64 { return r.Prio }
func (r *GeoIPRule) Tag() string     { return r.RTag }

func (r *GeoIPRule) Match(d Destination, _ bool) []string {
	matched := false
	for _, region := range r.Regions {
		for _, have := range d.RegionCodes {
			if strings.EqualFold(region, have) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	return labelsOrNil(matched, r.Labels, r.Negate)
}

// AddressRule grants labels when the address is in one of MatchIPs (if set)
// AND the port is in one of MatchPorts (if set). An unset condition is
// vacuously true.
type AddressRule struct {
	MatchIPs   []netip.Prefix
	MatchPorts []uint16
	Labels     []string
	Prio       int64
	Negate     bool
	RTag       string
}

func (r *AddressRule) Priority() int64 { return r.Prio }
func (r *AddressRule) Tag() string     { return r.RTag }

func (r *AddressRule) Match(d Destination, _ bool) []string {
	ipOK := r.MatchIPs == nil
	for _, prefix := range r.MatchIPs {
		if prefix.Contains(d.Address) {
			ipOK = true
			break
		}
	}
	portOK := r.MatchPorts == nil
	for _, p := range r.MatchPorts {
		if p == d.Port {
			portOK = true
			break
		}
	}
	return labelsOrNil(ipOK && portOK, r.Labels, r.Negate)
}

// DomainRule grants labels when d.Domain equals one of Matches, or is a
// sub-domain of one of them (a dot-bounded suffix match, not a bare
// strings.HasSuffix, so "notexample.com" does not match "example.com").
type DomainRule struct {
	Matches []string
	Labels  []string
	Prio    int64
	Negate  bool
	RTag    string
}

func (r *DomainRule) Priority() int64 { return r.Prio }
func (r *DomainRule) Tag() string     { return r.RTag }

func (r *DomainRule) Match(d Destination, _ bool) []string {
	matched := false
	if d.Domain != "" {
		domain := strings.ToLower(strings.TrimSuffix(d.Domain, "."))
		for _, m := range r.Matches {
			m = strings.ToLower(strings.TrimSuffix(m, "."))
			if domain == m || strings.HasSuffix(domain, "."+m) {
				matched = true
				break
			}
		}
	}
	return labelsOrNil(matched, r.Labels, r.Negate)
}

// DomainPatternRule grants labels when any regex in Matches matches d.Domain.
type DomainPatternRule struct {
	Matches []*regexp.Regexp
	Labels  []string
	Prio    int64
	Negate  bool
	RTag    string
}

func (r *DomainPatternRule) Priority() int64 { return r.Prio }
func (r *DomainPatternRule) Tag() string     { return r.RTag }

func (r *DomainPatternRule) Match(d Destination, _ bool) []string {
	matched := false
	if d.Domain != "" {
		for _, re := range r.Matches {
			if re.MatchString(d.Domain) {
				matched = true
				break
			}
		}
	}
	return labelsOrNil(matched, r.Labels, r.Negate)
}

// FallbackRule grants its labels iff no rule in any prior group (nor earlier
// in its own group) has granted a label yet. It always sits in the last
// priority group: its priority is pinned to math.MinInt64.
type FallbackRule struct {
	Labels []string
	RTag   string
}

func (r *FallbackRule) Priority() int64 { return math.MinInt64 }
func (r *FallbackRule) Tag() string     { return r.RTag }

func (r *FallbackRule) Match(_ Destination, anyMatched bool) []string {
	if anyMatched {
		return nil
	}
	return r.Labels
}
