// Command a2amesh starts one mesh node as a standalone process: it loads
// configuration, wires the node via public/mesh.New, activates the
// configured protocol/topology, binds every declared transport, and waits
// for a shutdown signal.
//
// Configuration loading strategy, kept from the teacher's
// cmd/orchestrator/main.go:
//  1. command line argument: use the specified config file path
//  2. default file: attempt config/a2amesh.yaml
//  3. hardcoded defaults: built-in single-node configuration
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a2amesh/mesh/internal/activator"
	"github.com/a2amesh/mesh/internal/config"
	"github.com/a2amesh/mesh/internal/router"
	"github.com/a2amesh/mesh/public/mesh"
)

func main() {
	var cfg *config.Config
	var configSource string

	if len(os.Args) >= 2 {
		configFile := os.Args[1]
		loadedCfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", configFile, err)
		}
		cfg = loadedCfg
		configSource = fmt.Sprintf("config file: %s", configFile)
	} else if _, err := os.Stat("config/a2amesh.yaml"); err == nil {
		loadedCfg, err := config.Load("config/a2amesh.yaml")
		if err != nil {
			log.Printf("config/a2amesh.yaml exists but failed to load: %v", err)
			log.Printf("using hardcoded defaults instead")
			cfg = defaultConfig()
			configSource = "hardcoded defaults (config/a2amesh.yaml failed to parse)"
		} else {
			cfg = loadedCfg
			configSource = "config/a2amesh.yaml (default)"
		}
	} else {
		log.Printf("no config file specified and config/a2amesh.yaml not found")
		cfg = defaultConfig()
		configSource = "hardcoded defaults"
	}

	log.Printf("starting a2amesh node %q using %s", cfg.AgentID, configSource)
	if cfg.Debug {
		log.Printf("debug logging enabled")
	}

	node, err := mesh.New(cfg, nil)
	if err != nil {
		log.Fatalf("failed to construct node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, tc := range cfg.Transports {
		addr := fmt.Sprintf("%s:%d", tc.Host, tc.Port)
		if err := node.Listen(ctx, tc.Protocol, addr, tc.Path); err != nil {
			log.Printf("failed to listen on %s (%s): %v", addr, tc.Protocol, err)
			continue
		}
		log.Printf("listening on %s (%s)", addr, tc.Protocol)
	}

	topology := router.Topology(cfg.Topology)
	protocol := activator.ProtocolA2A
	if cfg.Bridge.Enabled {
		protocol = activator.ProtocolHybrid
	}
	result := node.Activate(ctx, protocol, topology)
	if !result.Success {
		log.Printf("activation of %s/%s did not fully succeed: %s", protocol, topology, result.Error)
	} else {
		log.Printf("activated %s protocol under %s topology, endpoints=%v", result.Protocol, result.Topology, result.Endpoints)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("received signal %s, shutting down", sig)
	case <-ctx.Done():
		log.Printf("context cancelled, shutting down")
	}

	cancel()
	done := make(chan struct{})
	go func() {
		if err := node.Close(); err != nil {
			log.Printf("error during shutdown: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Printf("node shut down cleanly")
	case <-time.After(10 * time.Second):
		log.Printf("shutdown timeout exceeded")
	}
}

// defaultConfig is the built-in single-node fallback used when no config
// file is available: one TCP transport on :7420, mesh topology, load
// balanced routing.
func defaultConfig() *config.Config {
	cfg := config.Default("a2amesh-node")
	cfg.Debug = true
	cfg.RoutingStrategy = string(router.StrategyLoadBalanced)
	cfg.Topology = string(router.TopologyMesh)
	cfg.Transports = []config.TransportConfig{
		{Protocol: "tcp", Host: "0.0.0.0", Port: 7420, MaxConnections: 100, IdleTimeout: 5 * time.Minute},
	}
	return cfg
}
