package bridge

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/a2amesh/mesh/internal/message"
)

// startEchoPeer runs a minimal peer RPC server that echoes every request's
// "value" param back under an "echoed" key in its reply, exercising the
// bridge's mapOutbound param renaming.
func startEchoPeer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		decoder := json.NewDecoder(conn)
		encoder := json.NewEncoder(conn)
		for {
			var req rpcRequest
			if err := decoder.Decode(&req); err != nil {
				return
			}
			var params map[string]json.RawMessage
			json.Unmarshal(req.Params, &params)
			result, _ := json.Marshal(map[string]json.RawMessage{"echoed": params["value"]})
			encoder.Encode(rpcResponse{ID: req.ID, Result: result})
		}
	}()
	return ln.Addr().String()
}

func TestCallRoundTripsWithMapping(t *testing.T) {
	addr := startEchoPeer(t)
	b := New(Config{
		Address: addr,
		LocalID: "local",
		Mappings: []MethodMapping{
			{A2AMethod: "greet", PeerMethod: "greet.v1", ParamRename: map[string]string{"text": "value"}},
		},
	})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	params, _ := json.Marshal(map[string]string{"text": "hello"})
	req, err := message.NewRequest("local", message.NewTarget("peer"), "greet", json.RawMessage(params))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := b.Call(ctx, req)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["echoed"] != "hello" {
		t.Fatalf("expected echoed=hello, got %+v", result)
	}
}

func TestCallBeforeConnectFails(t *testing.T) {
	b := New(Config{Address: "127.0.0.1:1", LocalID: "local"})
	req, _ := message.NewRequest("local", message.NewTarget("peer"), "ping", nil)
	if _, err := b.Call(context.Background(), req); err == nil {
		t.Fatal("expected Call to fail when not connected")
	}
}

func TestConnectedReflectsState(t *testing.T) {
	addr := startEchoPeer(t)
	b := New(Config{Address: addr, LocalID: "local"})
	if b.Connected() {
		t.Fatal("expected Connected() to be false before Connect")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !b.Connected() {
		t.Fatal("expected Connected() to be true after Connect")
	}
	b.Close()
}
