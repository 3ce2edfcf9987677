// Package activator implements the Protocol Activator (C6): it accepts an
// activation request naming a protocol and a topology, applies the
// topology's defaults to the router it was given, checks that the
// transports (and the bridge, for the Hybrid protocol) it was given are
// present, and tracks status per protocol. It does not construct any of
// those components itself.
//
// Grounded on the teacher's cmd/orchestrator/main.go startup sequence
// (config load, component wiring, status logging) and on
// public/orchestrator.EmbeddedOrchestrator's lifecycle bookkeeping, both
// generalized from a fixed GOX cell pipeline to the protocol/topology
// activation contract named here.
package activator

import (
	"context"
	"log"
	"sync"

	"github.com/a2amesh/mesh/internal/bridge"
	"github.com/a2amesh/mesh/internal/router"
	"github.com/a2amesh/mesh/internal/transport"
)

// Status is a protocol's current activation state.
type Status string

const (
	StatusInactive   Status = "inactive"
	StatusActivating Status = "activating"
	StatusActive     Status = "active"
	StatusError      Status = "error"
	StatusDegraded   Status = "degraded"
)

// ProtocolName enumerates the protocols the activator can bring up.
type ProtocolName string

const (
	ProtocolA2A    ProtocolName = "a2a"
	ProtocolHybrid ProtocolName = "hybrid"
)

// Request is an activation request: {protocolName, topology}.
type Request struct {
	Protocol ProtocolName
	Topology router.Topology
}

// ActivationResult is the activator's response.
type ActivationResult struct {
	Success       bool
	Protocol      ProtocolName
	Capabilities  []string
	Endpoints     []string
	FallbacksUsed []string
	Topology      router.Topology
	Error         string
}

// Activator owns the transports declared for each protocol and the status
// of each activation attempt. One Activator instance serves one mesh node.
type Activator struct {
	localID string
	debug   bool

	transports map[transport.Protocol]transport.Transport
	br         *bridge.Bridge
	rt         *router.Router

	mu     sync.Mutex
	status map[ProtocolName]Status
}

// Option configures an Activator at construction.
type Option func(*Activator)

// WithBridge attaches the peer RPC bridge the Hybrid protocol requires.
func WithBridge(b *bridge.Bridge) Option {
	return func(a *Activator) { a.br = b }
}

// New constructs an Activator bound to the node's transports and router.
func New(localID string, debug bool, transports map[transport.Protocol]transport.Transport, rt *router.Router, opts ...Option) *Activator {
	a := &Activator{
		localID:    localID,
		debug:      debug,
		transports: transports,
		rt:         rt,
		status:     make(map[ProtocolName]Status),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Activator) logf(format string, args ...interface{}) {
	if a.debug {
		log.Printf("[Activator] "+format, args...)
	}
}

func (a *Activator) setStatus(p ProtocolName, s Status) {
	a.mu.Lock()
	a.status[p] = s
	a.mu.Unlock()
}

// Status reports the current activation status of a protocol.
func (a *Activator) Status(p ProtocolName) Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.status[p]; ok {
		return s
	}
	return StatusInactive
}

// Activate validates req, applies topology defaults to the router, checks
// declared dependencies, and returns an ActivationResult. It never panics
// on a missing optional dependency: a missing piece is named in
// FallbacksUsed instead of failing the whole activation. No substitute
// component is created in its place.
func (a *Activator) Activate(ctx context.Context, req Request) *ActivationResult {
	if !validTopology(req.Topology) {
		a.setStatus(req.Protocol, StatusError)
		return &ActivationResult{Success: false, Protocol: req.Protocol, Topology: req.Topology, Error: "unknown topology: " + string(req.Topology)}
	}

	a.setStatus(req.Protocol, StatusActivating)

	strategy, maxHops := router.DefaultsFor(req.Topology)
	if a.rt != nil {
		a.rt.SetDefaults(strategy, maxHops)
	}

	switch req.Protocol {
	case ProtocolA2A:
		return a.activateA2A(req)
	case ProtocolHybrid:
		return a.activateHybrid(ctx, req)
	default:
		a.setStatus(req.Protocol, StatusError)
		return &ActivationResult{Success: false, Protocol: req.Protocol, Topology: req.Topology, Error: "unknown protocol: " + string(req.Protocol)}
	}
}

func (a *Activator) activateA2A(req Request) *ActivationResult {
	var endpoints []string
	var fallbacks []string

	if len(a.transports) == 0 {
		fallbacks = append(fallbacks, "transport")
		a.logf("no transports configured, A2A protocol reporting transport fallback")
	}
	for proto := range a.transports {
		endpoints = append(endpoints, string(proto))
	}

	a.setStatus(req.Protocol, StatusActive)
	return &ActivationResult{
		Success:       true,
		Protocol:      req.Protocol,
		Capabilities:  []string{"route", "discover", "register"},
		Endpoints:     endpoints,
		FallbacksUsed: fallbacks,
		Topology:      req.Topology,
	}
}

// activateHybrid requires both the A2A protocol and the peer RPC bridge to
// be active; per the explicit guidance that a source implementation must
// not mark hybrid active with only one side up, this degrades instead of
// succeeding when the bridge is absent or unconnected.
func (a *Activator) activateHybrid(ctx context.Context, req Request) *ActivationResult {
	a2aResult := a.activateA2A(Request{Protocol: ProtocolA2A, Topology: req.Topology})
	if !a2aResult.Success {
		a.setStatus(req.Protocol, StatusError)
		return &ActivationResult{Success: false, Protocol: req.Protocol, Topology: req.Topology, Error: "a2a activation failed: " + a2aResult.Error}
	}

	if a.br == nil {
		a.setStatus(req.Protocol, StatusDegraded)
		return &ActivationResult{
			Success:       false,
			Protocol:      req.Protocol,
			Topology:      req.Topology,
			FallbacksUsed: append(a2aResult.FallbacksUsed, "bridge"),
			Error:         "hybrid requires a configured peer rpc bridge",
		}
	}

	if !a.br.Connected() {
		if err := a.br.Connect(ctx); err != nil {
			a.setStatus(req.Protocol, StatusDegraded)
			return &ActivationResult{
				Success:       false,
				Protocol:      req.Protocol,
				Topology:      req.Topology,
				FallbacksUsed: append(a2aResult.FallbacksUsed, "bridge"),
				Error:         "bridge connect failed: " + err.Error(),
			}
		}
	}

	a.setStatus(req.Protocol, StatusActive)
	return &ActivationResult{
		Success:       true,
		Protocol:      req.Protocol,
		Capabilities:  append(a2aResult.Capabilities, "bridge_call"),
		Endpoints:     append(a2aResult.Endpoints, a.br.String()),
		FallbacksUsed: a2aResult.FallbacksUsed,
		Topology:      req.Topology,
	}
}

func validTopology(t router.Topology) bool {
	switch t {
	case router.TopologyHierarchical, router.TopologyMesh, router.TopologyRing, router.TopologyStar:
		return true
	default:
		return false
	}
}
