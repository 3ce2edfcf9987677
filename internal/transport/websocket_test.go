package transport

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/a2amesh/mesh/internal/message"
)

func TestWebSocketSendReceivesReply(t *testing.T) {
	port := freePort(t)

	server := NewWebSocketTransport("server", false, func(msg *message.Message) *message.Message {
		reply, _ := message.NewResponse(msg, "server", map[string]string{"pong": "ok"})
		return reply
	})
	t.Cleanup(func() { server.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Listen(ctx, "127.0.0.1:"+strconv.Itoa(port), "/ws"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	client := NewWebSocketTransport("client", false, nil)
	t.Cleanup(func() { client.Close() })

	conn, err := client.Connect(ctx, "server", EndpointConfig{Protocol: ProtocolWebSocket, Address: "127.0.0.1", Port: port, Path: "/ws"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req, err := message.NewRequest("client", message.NewTarget("server"), "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer sendCancel()
	resp, err := client.Send(sendCtx, conn.ID, req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
}

func TestWebSocketReconnectsAfterConnectionLoss(t *testing.T) {
	port := freePort(t)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	handler := func(msg *message.Message) *message.Message {
		reply, _ := message.NewResponse(msg, "server", map[string]string{"pong": "ok"})
		return reply
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewWebSocketTransport("server", false, handler)
	if err := server.Listen(ctx, addr, "/ws"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	client := NewWebSocketTransport("client", false, nil)
	t.Cleanup(func() { client.Close() })
	client.SetRetryPolicy(RetryPolicy{MaxAttempts: 25, Strategy: BackoffFixed, BaseDelay: 20 * time.Millisecond})

	conn, err := client.Connect(ctx, "server", EndpointConfig{Protocol: ProtocolWebSocket, Address: "127.0.0.1", Port: port, Path: "/ws"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Pull the server out from under the live connection, forcing the
	// client's read loop to fail and hand off to reconnect().
	server.Close()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c, ok := client.pool.get(conn.ID); ok && (c.State == StateUnhealthy || c.State == StateReconnecting) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c, ok := client.pool.get(conn.ID); !ok || (c.State != StateUnhealthy && c.State != StateReconnecting) {
		state := "<missing>"
		if ok {
			state = string(c.State)
		}
		t.Fatalf("expected connection to be unhealthy/reconnecting after loss, got %s", state)
	}

	// Bring a fresh server back up on the same address and let the client's
	// in-flight reconnect loop find it.
	server2 := NewWebSocketTransport("server", false, handler)
	t.Cleanup(func() { server2.Close() })
	if err := server2.Listen(ctx, addr, "/ws"); err != nil {
		t.Fatalf("relisten: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := client.pool.get(conn.ID); ok && c.State == StateConnected {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	c, ok := client.pool.get(conn.ID)
	if !ok || c.State != StateConnected {
		t.Fatalf("expected connection to reconnect to StateConnected, got %+v", c)
	}

	req, err := message.NewRequest("client", message.NewTarget("server"), "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
	defer sendCancel()
	resp, err := client.Send(sendCtx, conn.ID, req)
	if err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
}

func TestWebSocketReconnectGivesUpAfterExhaustingPolicy(t *testing.T) {
	port := freePort(t)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewWebSocketTransport("server", false, nil)
	if err := server.Listen(ctx, addr, "/ws"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	client := NewWebSocketTransport("client", false, nil)
	t.Cleanup(func() { client.Close() })
	client.SetRetryPolicy(RetryPolicy{MaxAttempts: 2, Strategy: BackoffFixed, BaseDelay: 10 * time.Millisecond})

	conn, err := client.Connect(ctx, "server", EndpointConfig{Protocol: ProtocolWebSocket, Address: "127.0.0.1", Port: port, Path: "/ws"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Kill the server for good; with no relisten, reconnect must exhaust
	// its retry budget and mark the connection failed.
	server.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := client.pool.get(conn.ID); ok && c.State == StateFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	c, ok := client.pool.get(conn.ID)
	if !ok || c.State != StateFailed {
		t.Fatalf("expected connection to end StateFailed, got %+v", c)
	}
}

func TestWebSocketDisconnectIsIdempotent(t *testing.T) {
	client := NewWebSocketTransport("client", false, nil)
	t.Cleanup(func() { client.Close() })

	if err := client.Disconnect("nonexistent"); err != nil {
		t.Fatalf("expected idempotent disconnect, got %v", err)
	}
}
