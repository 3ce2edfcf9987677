package mesh

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/a2amesh/mesh/internal/activator"
	"github.com/a2amesh/mesh/internal/config"
	"github.com/a2amesh/mesh/internal/discovery"
	"github.com/a2amesh/mesh/internal/message"
	"github.com/a2amesh/mesh/internal/registry"
	"github.com/a2amesh/mesh/internal/router"
	"github.com/a2amesh/mesh/internal/transport"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestConfig(t *testing.T, agentID string) *config.Config {
	cfg := config.Default(agentID)
	cfg.Transports = []config.TransportConfig{
		{Protocol: "tcp", Host: "127.0.0.1", Port: freePort(t)},
	}
	return cfg
}

func TestNewBuildsConfiguredTransports(t *testing.T) {
	cfg := newTestConfig(t, "node-a")
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	if _, ok := n.Transport("tcp"); !ok {
		t.Fatal("expected tcp transport to be built")
	}
	if _, ok := n.Transport("grpc"); ok {
		t.Fatal("did not expect an unconfigured grpc transport")
	}
}

func TestNodeSendRoundTrip(t *testing.T) {
	cfg := newTestConfig(t, "node-server")
	handler := func(msg *message.Message) *message.Message {
		reply, _ := message.NewResponse(msg, "node-server", map[string]string{"pong": "ok"})
		return reply
	}
	server, err := New(cfg, handler)
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr := cfg.Transports[0].Host + ":" + strconv.Itoa(cfg.Transports[0].Port)
	if err := server.Listen(ctx, "tcp", addr, ""); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	clientCfg := newTestConfig(t, "node-client")
	client, err := New(clientCfg, nil)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	defer client.Close()

	ct, ok := client.Transport("tcp")
	if !ok {
		t.Fatal("expected client tcp transport")
	}
	conn, err := ct.Connect(ctx, "node-server", transport.EndpointConfig{
		Protocol: transport.ProtocolTCP,
		Address:  cfg.Transports[0].Host,
		Port:     cfg.Transports[0].Port,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req, err := message.NewRequest("node-client", message.NewTarget("node-server"), "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
	defer sendCancel()
	resp, err := ct.Send(sendCtx, conn.ID, req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
}

func TestNodeRegisterAndDiscover(t *testing.T) {
	cfg := newTestConfig(t, "node-registry")
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	card := registry.Card{
		ID:      "agent-1",
		Name:    "agent-1",
		Version: "1.0.0",
		Capabilities: []registry.Capability{
			{Name: "translate", Version: "1.0.0"},
		},
	}
	if _, err := n.Register(card); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := n.Discover(discovery.Query{Capabilities: []string{"translate"}})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if result.TotalFound != 1 {
		t.Fatalf("expected 1 match, got %d", result.TotalFound)
	}
}

func TestNodeActivateA2AWithNoBridgeSucceeds(t *testing.T) {
	cfg := newTestConfig(t, "node-activate")
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	result := n.Activate(context.Background(), activator.ProtocolA2A, router.TopologyMesh)
	if !result.Success {
		t.Fatalf("expected A2A activation to succeed, got %+v", result)
	}
}

func TestNodeActivateHybridWithoutBridgeDegrades(t *testing.T) {
	cfg := newTestConfig(t, "node-hybrid")
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	result := n.Activate(context.Background(), activator.ProtocolHybrid, router.TopologyMesh)
	if result.Success {
		t.Fatal("expected Hybrid activation without a bridge to fail")
	}
}

func TestDispatchRejectsExpiredRequest(t *testing.T) {
	cfg := newTestConfig(t, "node-expiry")
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	req, err := message.NewRequest("peer", message.NewTarget("node-expiry"), "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Context = &message.Context{TimeoutMs: 1}
	req.Timestamp = time.Now().Add(-time.Hour).UnixMilli()

	resp := n.dispatch(req)
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response for an expired request")
	}
}

func TestDispatchDropsExpiredNotification(t *testing.T) {
	cfg := newTestConfig(t, "node-expiry-notif")
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	notif, err := message.NewNotification("peer", message.NewTarget("node-expiry-notif"), "ping", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	notif.Context = &message.Context{TimeoutMs: 1}
	notif.Timestamp = time.Now().Add(-time.Hour).UnixMilli()

	if resp := n.dispatch(notif); resp != nil {
		t.Fatalf("expected nil response for an expired notification, got %+v", resp)
	}
}

func TestDispatchRejectsUnverifiedMessageWhenSecurityEnabled(t *testing.T) {
	cfg := newTestConfig(t, "node-security")
	cfg.SecurityEnabled = true
	cfg.Secret = "topsecret"
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	req, err := message.NewRequest("peer", message.NewTarget("node-security"), "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp := n.dispatch(req)
	if resp == nil || resp.Error == nil {
		t.Fatal("expected rejection of an unsigned request when security is enabled")
	}
}

func TestDispatchAcceptsCorrectlySignedMessage(t *testing.T) {
	cfg := newTestConfig(t, "node-security-ok")
	cfg.SecurityEnabled = true
	cfg.Secret = "topsecret"
	n, err := New(cfg, func(msg *message.Message) *message.Message {
		reply, _ := message.NewResponse(msg, "node-security-ok", "ok")
		return reply
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	req, err := message.NewRequest("peer", message.NewTarget("node-security-ok"), "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	n.Security.Sign(req)

	resp := n.dispatch(req)
	if resp == nil || resp.Error != nil {
		t.Fatalf("expected a successful response, got %+v", resp)
	}
}

func TestDispatchEnforcesConcurrencyLimit(t *testing.T) {
	cfg := newTestConfig(t, "node-limit")
	cfg.MaxConcurrentMessages = 1

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	n, err := New(cfg, func(msg *message.Message) *message.Message {
		entered <- struct{}{}
		<-release
		reply, _ := message.NewResponse(msg, "node-limit", "ok")
		return reply
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	req1, _ := message.NewRequest("peer", message.NewTarget("node-limit"), "ping", nil)
	done := make(chan *message.Message, 1)
	go func() { done <- n.dispatch(req1) }()
	<-entered // first dispatch now holds the one available semaphore slot

	req2, _ := message.NewRequest("peer", message.NewTarget("node-limit"), "ping", nil)
	resp2 := n.dispatch(req2)
	if resp2 == nil || resp2.Error == nil {
		t.Fatal("expected the second concurrent dispatch to be rejected as resource exhausted")
	}

	close(release)
	resp1 := <-done
	if resp1 == nil || resp1.Error != nil {
		t.Fatalf("expected the first dispatch to succeed once released, got %+v", resp1)
	}
}

func TestNodeCloseIsIdempotentAcrossComponents(t *testing.T) {
	cfg := newTestConfig(t, "node-close")
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
