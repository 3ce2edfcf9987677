package transport

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/a2amesh/mesh/internal/message"
)

func TestGRPCSendReceivesReply(t *testing.T) {
	port := freePort(t)

	server := NewGRPCTransport("server", false, func(msg *message.Message) *message.Message {
		reply, _ := message.NewResponse(msg, "server", map[string]string{"pong": "ok"})
		return reply
	})
	t.Cleanup(func() { server.Close() })

	if err := server.Listen("127.0.0.1:"+strconv.Itoa(port), nil); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	client := NewGRPCTransport("client", false, nil)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := client.Connect(ctx, "server", EndpointConfig{Protocol: ProtocolGRPC, Address: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req, err := message.NewRequest("client", message.NewTarget("server"), "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := client.Send(ctx, conn.ID, req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
}

func TestGRPCDisconnectIsIdempotent(t *testing.T) {
	client := NewGRPCTransport("client", false, nil)
	t.Cleanup(func() { client.Close() })

	if err := client.Disconnect("nonexistent"); err != nil {
		t.Fatalf("expected idempotent disconnect, got %v", err)
	}
}
