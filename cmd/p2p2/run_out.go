package main

import (
	"context"
	"fmt"

	"splitproxy/internal/config"
	"splitproxy/internal/connector"
	"splitproxy/internal/outproxy"
	"splitproxy/internal/xlog"
)

func runOut(ctx context.Context, cfg *config.OutConfig) error {
	xlog.Log = xlog.New(cfg.Logging)
	xlog.Log.Infof("main", "starting OUT...")

	conn, err := buildConnector(cfg.Connector)
	if err != nil {
		return fmt.Errorf("main: build connector: %w", err)
	}

	transports := make(map[string]outproxy.TransportOptions, len(cfg.Transports))
	for name, t := range cfg.Transports {
		transports[name] = outproxy.TransportOptions{Enabled: t.Enabled, Priority: t.Priority}
	}

	return outproxy.Up(ctx, outproxy.Options{
		Labels:          cfg.Labels,
		StunServers:     cfg.StunServers,
		MatchServiceURL: cfg.MatchService.URL,
		Transports:      transports,
		DefaultPriority: cfg.TunnelPriority,
		RoutingRules:    cfg.Rules,
		RoutingPriority: cfg.RoutingPriority,
		TrafficMark:     uint32(cfg.TrafficMark),
		Connector:       conn,
	})
}

func buildConnector(cfg config.ConnectorConfig) (connector.Connector, error) {
	switch cfg.Kind {
	case "", "local":
		return connector.NewLocalConnector(connector.LocalSource{}, 0), nil
	case "socks5":
		if cfg.Socks5Addr == "" {
			return nil, fmt.Errorf("connector: socks5 kind requires socks5_addr")
		}
		return connector.NewSocks5Connector(cfg.Socks5Addr)
	default:
		return nil, fmt.Errorf("connector: unknown kind %q", cfg.Kind)
	}
}
