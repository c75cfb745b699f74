// Command p2p2 runs either half of a split transparent proxy: an IN
// (gateway) peer that redirects a network's traffic into selected tunnels,
// or an OUT (exit) peer that accepts those tunnels and dials their
// destinations. The role is read from the "role" field of the config file
// named by -config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"splitproxy/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("p2p2 %s (commit=%s)\n", version, commit)
		return
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	role, err := config.ProbeRole(*configPath)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var runErr error
	switch role {
	case config.RoleIn:
		cfg, err := config.LoadIn(*configPath)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		runErr = runIn(ctx, cfg)
	case config.RoleOut:
		cfg, err := config.LoadOut(*configPath)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		runErr = runOut(ctx, cfg)
	default:
		log.Fatalf("[main] unknown role %q", role)
	}

	if runErr != nil && ctx.Err() == nil {
		log.Fatalf("[main] %v", runErr)
	}
}
