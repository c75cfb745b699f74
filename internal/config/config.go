// Package config loads the YAML configuration for either process role,
// selected by a top-level "role" discriminator.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"splitproxy/internal/router"
	"splitproxy/internal/xlog"
)

// Role discriminates the two top-level config shapes.
type Role string

const (
	RoleIn  Role = "in"
	RoleOut Role = "out"
)

func (r Role) String() string { return string(r) }

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleIn, RoleOut:
		return Role(s), nil
	default:
		return "", fmt.Errorf("config: unknown role %q (want \"in\" or \"out\")", s)
	}
}

func (r *Role) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MatchServiceConfig is either a bare URL (redis://… or rediss://…) or,
// written out as a full object, the same fields inline.
type MatchServiceConfig struct {
	URL string `yaml:"url"`
}

func (c *MatchServiceConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&c.URL)
	}
	type plain MatchServiceConfig
	return value.Decode((*plain)(c))
}

// TransportConfig toggles and prioritizes one of the named tunnel
// transports ("quic", "punchquic", "http2", "http2-plug", "yamux").
type TransportConfig struct {
	Enabled  bool  `yaml:"enabled"`
	Priority int64 `yaml:"priority"`
}

// ConnectorConfig selects the OUT-side destination dialer.
type ConnectorConfig struct {
	Kind       string `yaml:"kind"` // "local" or "socks5"
	Socks5Addr string `yaml:"socks5_addr,omitempty"`
}

// InConfig is the IN-peer (gateway) configuration.
type InConfig struct {
	Role Role `yaml:"role"`

	ListenAddr         string          `yaml:"listen_addr"`
	FakeDNSListenAddr  string          `yaml:"fake_dns_listen_addr"`
	UpstreamDNS        string          `yaml:"upstream_dns"`
	FakeIPv4Prefix     string          `yaml:"fake_ipv4_prefix"`
	FakeIPv6Prefix     string          `yaml:"fake_ipv6_prefix"`
	FakeIPStorePath    string          `yaml:"fake_ip_store_path"`
	TrafficMark        int             `yaml:"traffic_mark"`
	UDPAssociationIdle time.Duration   `yaml:"udp_association_idle"`

	StunServers  []string                   `yaml:"stun_servers"`
	MatchService MatchServiceConfig         `yaml:"match_service"`
	Transports   map[string]TransportConfig `yaml:"transports"`
	Rules        []router.RuleConfig        `yaml:"rules"`

	// PlugListenAddr/PlugExternalPort are only consulted when the
	// "http2-plug" transport is enabled: unlike every other transport, IN
	// accepts OUT's incoming TCP connections here rather than dialing out
	// itself, so it needs its own listen address (and, behind a
	// port-forward, the externally reachable port to advertise in place of
	// the listener's own).
	PlugListenAddr   string `yaml:"plug_listen_addr"`
	PlugExternalPort int    `yaml:"plug_external_port"`

	GeoLite2URL      string        `yaml:"geolite2_url"`
	GeoLite2Path     string        `yaml:"geolite2_path"`
	GeoLite2Interval time.Duration `yaml:"geolite2_update_interval"`

	Logging xlog.Config `yaml:"logging"`
}

// OutConfig is the OUT-peer (exit) configuration.
type OutConfig struct {
	Role Role `yaml:"role"`

	Labels          []string `yaml:"labels"`
	TunnelPriority  int64    `yaml:"tunnel_priority"`
	RoutingPriority int64    `yaml:"routing_priority"`
	TrafficMark     int      `yaml:"traffic_mark"`

	StunServers  []string                   `yaml:"stun_servers"`
	MatchService MatchServiceConfig         `yaml:"match_service"`
	Transports   map[string]TransportConfig `yaml:"transports"`
	Rules        []router.RuleConfig        `yaml:"rules"`
	Connector    ConnectorConfig            `yaml:"connector"`

	Logging xlog.Config `yaml:"logging"`
}

func defaultInConfig() InConfig {
	return InConfig{
		Role:               RoleIn,
		ListenAddr:         "127.0.0.1:12345",
		FakeDNSListenAddr:  "127.0.0.1:5353",
		UpstreamDNS:        "8.8.8.8:53",
		FakeIPv4Prefix:     "198.18.0.0/15",
		FakeIPv6Prefix:     "2001:db8::/32",
		FakeIPStorePath:    "fakeip.db",
		UDPAssociationIdle: 60 * time.Second,
		PlugListenAddr:     ":12346",
		GeoLite2Interval:   24 * time.Hour,
	}
}

func defaultOutConfig() OutConfig {
	return OutConfig{
		Role:      RoleOut,
		Connector: ConnectorConfig{Kind: "local"},
	}
}

// roleProbe reads only the "role" field so the caller can pick which
// concrete struct to unmarshal the rest of the document into.
type roleProbe struct {
	Role Role `yaml:"role"`
}

// LoadIn reads and parses an IN-role configuration file, filling in
// defaults for anything the file omits.
func LoadIn(path string) (*InConfig, error) {
	data, role, err := readAndProbeRole(path)
	if err != nil {
		return nil, err
	}
	if role != RoleIn {
		return nil, fmt.Errorf("config: %s has role %q, want %q", path, role, RoleIn)
	}
	cfg := defaultInConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadOut reads and parses an OUT-role configuration file, filling in
// defaults for anything the file omits.
func LoadOut(path string) (*OutConfig, error) {
	data, role, err := readAndProbeRole(path)
	if err != nil {
		return nil, err
	}
	if role != RoleOut {
		return nil, fmt.Errorf("config: %s has role %q, want %q", path, role, RoleOut)
	}
	cfg := defaultOutConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ProbeRole reads just the "role" field of the config file at path, letting
// a caller decide which of LoadIn/LoadOut to use without parsing the whole
// document twice.
func ProbeRole(path string) (Role, error) {
	_, role, err := readAndProbeRole(path)
	return role, err
}

func readAndProbeRole(path string) ([]byte, Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("config: read %s: %w", path, err)
	}
	var probe roleProbe
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, "", fmt.Errorf("config: parse %s: %w", path, err)
	}
	if probe.Role == "" {
		return nil, "", fmt.Errorf("config: %s is missing required \"role\" field", path)
	}
	return data, probe.Role, nil
}
