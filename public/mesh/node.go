// Package mesh is the embeddable per-process instance wrapper: it wires
// the wire codec, transports, registry, discovery, router, activator,
// bridge and metrics core into one Node, and tears all of it down on
// Close. Unlike a process-wide singleton, multiple Nodes can coexist in
// the same process (§9 "global singletons → per-process instances
// constructed explicitly, with teardown").
//
// Generalized from the teacher's public/orchestrator.EmbeddedOrchestrator,
// which wired a fixed GOX cell pipeline (VFS, deployer, broker) behind one
// constructor/Close pair; here the wired components are the mesh's own
// C1-C8, not a pipeline's.
package mesh

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/a2amesh/mesh/internal/a2aerr"
	"github.com/a2amesh/mesh/internal/activator"
	"github.com/a2amesh/mesh/internal/bridge"
	"github.com/a2amesh/mesh/internal/config"
	"github.com/a2amesh/mesh/internal/discovery"
	"github.com/a2amesh/mesh/internal/events"
	"github.com/a2amesh/mesh/internal/message"
	"github.com/a2amesh/mesh/internal/metrics"
	"github.com/a2amesh/mesh/internal/persistence"
	"github.com/a2amesh/mesh/internal/registry"
	"github.com/a2amesh/mesh/internal/router"
	"github.com/a2amesh/mesh/internal/security"
	"github.com/a2amesh/mesh/internal/transport"
)

// Node is one mesh agent's embeddable runtime. Construct with New, and
// always call Close when done with it.
type Node struct {
	cfg *config.Config

	Registry  *registry.Registry
	Discovery *discovery.Service
	Router    *router.Router
	Events    *events.Bus
	Metrics   *metrics.Core
	Activator *activator.Activator
	Bridge    *bridge.Bridge
	Store     *persistence.Store
	Security  *security.Verifier

	transports map[transport.Protocol]transport.Transport

	onRequest func(*message.Message) *message.Message

	// sem bounds in-flight dispatch per cfg.MaxConcurrentMessages; nil means
	// unbounded.
	sem chan struct{}

	discoveryStop chan struct{}
	discoveryDone chan struct{}
}

// Handler is the caller-supplied function invoked for every inbound
// request/notification the node's transports receive.
type Handler func(*message.Message) *message.Message

// New constructs a Node from cfg. Transports named in cfg.Transports are
// constructed but not yet listening; call Listen to bind each one.
func New(cfg *config.Config, handler Handler) (*Node, error) {
	bus := events.NewBus()
	m := metrics.New(1000)

	reg := registry.New(
		registry.WithEventBus(bus),
		registry.WithDebug(cfg.Debug),
	)

	rt := router.New(reg, cfg.AgentID, m, bus)

	var sem chan struct{}
	if cfg.MaxConcurrentMessages > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrentMessages)
	}

	n := &Node{
		cfg:        cfg,
		Registry:   reg,
		Router:     rt,
		Events:     bus,
		Metrics:    m,
		Security:   security.New(cfg.SecurityEnabled, cfg.Secret, cfg.TrustedAgents),
		transports: make(map[transport.Protocol]transport.Transport),
		onRequest:  handler,
		sem:        sem,
	}

	n.Discovery = discovery.New(reg, cfg.AgentID, rt)

	dispatch := func(msg *message.Message) *message.Message {
		return n.dispatch(msg)
	}

	retryPolicy := cfg.RetryPolicy.Transport()
	for _, tc := range cfg.Transports {
		t, err := buildTransport(tc, cfg.AgentID, cfg.Debug, dispatch)
		if err != nil {
			return nil, fmt.Errorf("build transport %s: %w", tc.Protocol, err)
		}
		if rc, ok := t.(transport.RetryConfigurable); ok {
			rc.SetRetryPolicy(retryPolicy)
		}
		n.transports[t.Protocol()] = t
	}

	var activatorOpts []activator.Option
	if cfg.Bridge.Enabled {
		n.Bridge = bridge.New(bridge.Config{
			Address: cfg.Bridge.Address,
			LocalID: cfg.AgentID,
			Debug:   cfg.Debug,
		})
		activatorOpts = append(activatorOpts, activator.WithBridge(n.Bridge))
	}
	n.Activator = activator.New(cfg.AgentID, cfg.Debug, n.transports, rt, activatorOpts...)

	if cfg.Persistence.Enabled {
		store, err := persistence.Open(cfg.Persistence.Dir)
		if err != nil {
			return nil, fmt.Errorf("open persistence store: %w", err)
		}
		n.Store = store
		if entries, err := store.LoadAll(); err == nil {
			reg.Restore(entries)
			n.logf("restored %d registry entries from snapshot", len(entries))
		} else {
			n.logf("failed to load registry snapshot: %v", err)
		}
		n.subscribePersistence()
	}

	if cfg.DiscoveryEnabled {
		n.discoveryStop = make(chan struct{})
		n.discoveryDone = make(chan struct{})
		go n.discoveryLoop()
	}

	return n, nil
}

// discoveryLoop periodically re-announces this node's own registry card to
// every configured transport (§6 discoveryEnabled/discoveryInterval), so
// peers that joined after this node's own registration still learn of it.
func (n *Node) discoveryLoop() {
	defer close(n.discoveryDone)
	ticker := time.NewTicker(n.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.discoveryStop:
			return
		case <-ticker.C:
			n.announce()
		}
	}
}

func (n *Node) announce() {
	card := n.Registry.Get(n.cfg.AgentID)
	if card == nil {
		return
	}
	notif, err := message.NewNotification(n.cfg.AgentID, message.NewBroadcastTarget(), "discovery.announce", *card)
	if err != nil {
		n.logf("build discovery announce failed: %v", err)
		return
	}
	n.Security.Sign(notif)
	for _, t := range n.transports {
		t.Broadcast(context.Background(), notif, nil)
	}
}

func (n *Node) logf(format string, args ...interface{}) {
	if n.cfg.Debug {
		log.Printf("[Node:%s] "+format, append([]interface{}{n.cfg.AgentID}, args...)...)
	}
}

// subscribePersistence keeps the snapshot store in step with registry
// lifecycle events, without the persistence package importing the event
// bus itself.
func (n *Node) subscribePersistence() {
	ch := n.Events.Subscribe("registry.*")
	go func() {
		for ev := range ch {
			agentID := ev.AgentID
			if agentID == "" {
				continue
			}
			switch ev.Name {
			case events.AgentUnregistered:
				_ = n.Store.DeleteEntry(agentID)
			default:
				if entry, ok := n.Registry.EntryAt(agentID); ok {
					_ = n.Store.SaveEntry(entry)
				}
			}
		}
	}()
}

func buildTransport(tc config.TransportConfig, localID string, debug bool, dispatch func(*message.Message) *message.Message) (transport.Transport, error) {
	switch tc.Protocol {
	case "tcp":
		return transport.NewTCPTransport(localID, debug, dispatch), nil
	case "websocket":
		return transport.NewWebSocketTransport(localID, debug, dispatch), nil
	case "http":
		return transport.NewHTTPTransport(transport.ProtocolHTTP, localID, debug, dispatch), nil
	case "http2":
		return transport.NewHTTPTransport(transport.ProtocolHTTP2, localID, debug, dispatch), nil
	case "grpc":
		return transport.NewGRPCTransport(localID, debug, dispatch), nil
	default:
		return nil, fmt.Errorf("unknown transport protocol %q", tc.Protocol)
	}
}

// dispatch routes an inbound message to the caller's handler, after checking
// expiry and signature and admitting it under the concurrency limit. Falls
// back to a method-not-found error response for requests if no handler is
// set.
func (n *Node) dispatch(msg *message.Message) *message.Message {
	if msg.IsExpired(time.Now()) {
		return errorOrDrop(msg, n.cfg.AgentID, -32000, "message expired past its context timeout", a2aerr.TimeoutError, false)
	}

	if err := n.Security.Verify(msg); err != nil {
		return errorOrDrop(msg, n.cfg.AgentID, -32001, err.Error(), a2aerr.AuthenticationErr, false)
	}

	if n.sem != nil {
		select {
		case n.sem <- struct{}{}:
			defer func() { <-n.sem }()
		default:
			return errorOrDrop(msg, n.cfg.AgentID, -32002, "too many concurrent messages in flight", a2aerr.ResourceExhausted, true)
		}
	}

	if n.onRequest != nil {
		return n.onRequest(msg)
	}
	if msg.MessageType == message.TypeNotification {
		return nil
	}
	rpcErr := &message.RPCError{Code: -32601, Message: "no handler configured"}
	return message.NewErrorResponse(msg, n.cfg.AgentID, -32601, rpcErr)
}

// errorOrDrop builds a typed error response for a request, or drops a
// notification (notifications never get a reply, even on rejection).
func errorOrDrop(msg *message.Message, from string, code int, text string, errType a2aerr.Type, retryable bool) *message.Message {
	if msg.MessageType == message.TypeNotification {
		return nil
	}
	rpcErr := &message.RPCError{
		Code:    code,
		Message: text,
		Data:    &message.RPCErrorData{Type: string(errType), Source: from, Retryable: retryable},
	}
	return message.NewErrorResponse(msg, from, code, rpcErr)
}

// Listen binds the named transport protocol at addr/path. Protocol must
// have been declared in cfg.Transports at construction time.
func (n *Node) Listen(ctx context.Context, protocol string, addr, path string) error {
	t, ok := n.transports[transport.Protocol(protocol)]
	if !ok {
		return fmt.Errorf("transport %q not configured", protocol)
	}
	switch tt := t.(type) {
	case *transport.TCPTransport:
		return tt.Listen(ctx, addr)
	case *transport.WebSocketTransport:
		return tt.Listen(ctx, addr, path)
	case *transport.HTTPTransport:
		return tt.Listen(ctx, addr, path)
	case *transport.GRPCTransport:
		return tt.Listen(addr, nil)
	default:
		return fmt.Errorf("transport %q does not support listening", protocol)
	}
}

// Transport returns the live transport for protocol, for callers that need
// direct Connect/Send access beyond what Node exposes.
func (n *Node) Transport(protocol string) (transport.Transport, bool) {
	t, ok := n.transports[transport.Protocol(protocol)]
	return t, ok
}

// Send signs and delivers msg over protocol's connectionID, applying
// cfg.MessageTimeout as a default deadline when ctx carries none of its own
// (§6 messageTimeout).
func (n *Node) Send(ctx context.Context, protocol, connectionID string, msg *message.Message) (*message.Message, error) {
	t, ok := n.transports[transport.Protocol(protocol)]
	if !ok {
		return nil, fmt.Errorf("transport %q not configured", protocol)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && n.cfg.MessageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.MessageTimeout)
		defer cancel()
	}
	n.Security.Sign(msg)
	return t.Send(ctx, connectionID, msg)
}

// Activate brings up a protocol/topology combination via the node's
// activator, applying the resulting strategy/maxHops defaults to the
// router.
func (n *Node) Activate(ctx context.Context, protocolName activator.ProtocolName, topology router.Topology) *activator.ActivationResult {
	return n.Activator.Activate(ctx, activator.Request{Protocol: protocolName, Topology: topology})
}

// Register adds card to the registry with registry.DefaultTTL.
func (n *Node) Register(card registry.Card) (*registry.RegisterResult, error) {
	return n.Registry.Register(card, registry.DefaultTTL)
}

// Discover runs q against the node's discovery service.
func (n *Node) Discover(q discovery.Query) (*discovery.Result, error) {
	return n.Discovery.Discover(q)
}

// Route computes a route for msg via the node's router.
func (n *Node) Route(msg *message.Message) (*router.Route, error) {
	return n.Router.Route(msg)
}

// Close stops the discovery loop, then tears down every transport, the
// bridge, the registry sweeper, the persistence store and the event bus, in
// that order, so no goroutine outlives the Node. A second call is a no-op
// per component.
func (n *Node) Close() error {
	if n.discoveryStop != nil {
		close(n.discoveryStop)
		<-n.discoveryDone
		n.discoveryStop = nil
	}
	var firstErr error
	for _, t := range n.transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.Bridge != nil {
		if err := n.Bridge.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.Registry.Close()
	if n.Store != nil {
		if err := n.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.Events.Close()
	return firstErr
}

// WaitBriefly gives background goroutines (sweeper shutdown, connection
// drain) a moment to settle after Close, mirroring the teacher's shutdown
// grace period in cmd/orchestrator.
func WaitBriefly() {
	time.Sleep(50 * time.Millisecond)
}
