package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/a2amesh/mesh/internal/message"
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

func TestTCPSendReceivesReply(t *testing.T) {
	port := freePort(t)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	server := NewTCPTransport("server", false, func(msg *message.Message) *message.Message {
		reply, _ := message.NewResponse(msg, "server", map[string]string{"pong": "ok"})
		return reply
	})
	t.Cleanup(func() { server.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Listen(ctx, addr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	client := NewTCPTransport("client", false, nil)
	t.Cleanup(func() { client.Close() })

	conn, err := client.Connect(ctx, "server", EndpointConfig{Protocol: ProtocolTCP, Address: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req, err := message.NewRequest("client", message.NewTarget("server"), "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
	defer sendCancel()
	resp, err := client.Send(sendCtx, conn.ID, req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
}

func TestTCPSendOnClosedConnectionFails(t *testing.T) {
	client := NewTCPTransport("client", false, nil)
	t.Cleanup(func() { client.Close() })

	req, _ := message.NewRequest("client", message.NewTarget("server"), "ping", nil)
	_, err := client.Send(context.Background(), "nonexistent", req)
	if err == nil {
		t.Fatal("expected error sending on an unknown connection id")
	}
}

func TestTCPDisconnectIsIdempotent(t *testing.T) {
	client := NewTCPTransport("client", false, nil)
	t.Cleanup(func() { client.Close() })

	if err := client.Disconnect("nonexistent"); err != nil {
		t.Fatalf("expected idempotent disconnect, got %v", err)
	}
	if err := client.Disconnect("nonexistent"); err != nil {
		t.Fatalf("expected second disconnect to also succeed, got %v", err)
	}
}
