// Package bridge implements the Bridge/Hybrid component (C7): a thin
// adapter translating inbound A2A messages to a peer RPC system (tool
// calling, MCP-style) and its responses back (§4.7). It exposes a
// Call/Notify/Connected/Close surface parallel to the transport layer's;
// it does not implement transport.Transport, and the router does not
// route through it.
//
// Grounded on the teacher's internal/client.BrokerClient: a persistent TCP
// connection, JSON-RPC request framing, and request/response correlation
// via a map of id -> channel guarded by a mutex, all adapted from broker
// pub/sub semantics to a single-peer RPC bridge.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/a2amesh/mesh/internal/a2aerr"
	"github.com/a2amesh/mesh/internal/message"
)

// MethodMapping declares how an A2A method name and its params translate to
// the peer RPC system's method name and parameter shape.
type MethodMapping struct {
	A2AMethod    string
	PeerMethod   string
	ParamRename  map[string]string // A2A param key -> peer param key
	ResultRename map[string]string // peer result key -> A2A result key
}

// Config configures a Bridge.
type Config struct {
	Address  string
	LocalID  string
	Debug    bool
	Mappings []MethodMapping
	Timeout  time.Duration
}

// rpcRequest is the wire shape sent to the peer RPC system.
type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the wire shape received back.
type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Bridge maintains one persistent connection to a peer RPC system and
// translates A2A messages across it.
type Bridge struct {
	cfg Config

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	encoder *json.Encoder

	pendingMu sync.Mutex
	pending   map[string]chan *rpcResponse

	mappingByA2A map[string]MethodMapping

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a disconnected Bridge.
func New(cfg Config) *Bridge {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	byA2A := make(map[string]MethodMapping, len(cfg.Mappings))
	for _, m := range cfg.Mappings {
		byA2A[m.A2AMethod] = m
	}
	return &Bridge{
		cfg:          cfg,
		pending:      make(map[string]chan *rpcResponse),
		mappingByA2A: byA2A,
		done:         make(chan struct{}),
	}
}

func (b *Bridge) logf(format string, args ...interface{}) {
	if b.cfg.Debug {
		log.Printf("[Bridge] "+format, args...)
	}
}

// Connect dials the peer RPC system and starts the background reader.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", b.cfg.Address)
	if err != nil {
		return a2aerr.Wrap(a2aerr.AgentUnavailable, b.cfg.LocalID, "bridge dial failed", err).WithData(map[string]interface{}{"reason": "TransportUnavailable"})
	}
	b.conn = conn
	b.writer = bufio.NewWriter(conn)
	b.encoder = json.NewEncoder(b.writer)
	go b.readLoop(conn)
	b.logf("connected to peer rpc system at %s", b.cfg.Address)
	return nil
}

func (b *Bridge) readLoop(conn net.Conn) {
	decoder := json.NewDecoder(bufio.NewReader(conn))
	for {
		var resp rpcResponse
		if err := decoder.Decode(&resp); err != nil {
			b.logf("read loop ended: %v", err)
			return
		}
		b.pendingMu.Lock()
		ch, ok := b.pending[resp.ID]
		b.pendingMu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- &resp:
		default:
		}
	}
}

// mapOutbound translates an A2A message's method/params into the wire
// request understood by the peer RPC system, per the declared mapping (or
// passthrough when no mapping is declared for that method).
func (b *Bridge) mapOutbound(msg *message.Message) (rpcRequest, error) {
	mapping, ok := b.mappingByA2A[msg.Method]
	peerMethod := msg.Method
	if ok {
		peerMethod = mapping.PeerMethod
	}

	params := msg.Params
	if ok && len(mapping.ParamRename) > 0 && len(msg.Params) > 0 {
		var decoded map[string]json.RawMessage
		if err := json.Unmarshal(msg.Params, &decoded); err != nil {
			return rpcRequest{}, a2aerr.Wrap(a2aerr.SerializationError, b.cfg.LocalID, "decode params for remap", err)
		}
		renamed := make(map[string]json.RawMessage, len(decoded))
		for k, v := range decoded {
			if newKey, has := mapping.ParamRename[k]; has {
				renamed[newKey] = v
			} else {
				renamed[k] = v
			}
		}
		remapped, err := json.Marshal(renamed)
		if err != nil {
			return rpcRequest{}, a2aerr.Wrap(a2aerr.SerializationError, b.cfg.LocalID, "remarshal params", err)
		}
		params = remapped
	}

	return rpcRequest{ID: msg.ID, Method: peerMethod, Params: params}, nil
}

// mapInbound translates the peer RPC system's response back into an A2A
// response message, applying declared result-key renames.
func (b *Bridge) mapInbound(req *message.Message, resp *rpcResponse) *message.Message {
	if resp.Error != nil {
		rpcErr := &message.RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		return message.NewErrorResponse(req, b.cfg.LocalID, resp.Error.Code, rpcErr)
	}

	result := resp.Result
	mapping, ok := b.mappingByA2A[req.Method]
	if ok && len(mapping.ResultRename) > 0 && len(resp.Result) > 0 {
		var decoded map[string]json.RawMessage
		if err := json.Unmarshal(resp.Result, &decoded); err == nil {
			renamed := make(map[string]json.RawMessage, len(decoded))
			for k, v := range decoded {
				if newKey, has := mapping.ResultRename[k]; has {
					renamed[newKey] = v
				} else {
					renamed[k] = v
				}
			}
			if remapped, err := json.Marshal(renamed); err == nil {
				result = remapped
			}
		}
	}

	var decodedResult interface{}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &decodedResult)
	}
	reply, err := message.NewResponse(req, b.cfg.LocalID, decodedResult)
	if err != nil {
		rpcErr := &message.RPCError{Code: -32603, Message: "failed to encode bridge result: " + err.Error()}
		return message.NewErrorResponse(req, b.cfg.LocalID, -32603, rpcErr)
	}
	return reply
}

// Call sends req to the peer RPC system and blocks for the mapped response.
func (b *Bridge) Call(ctx context.Context, req *message.Message) (*message.Message, error) {
	b.mu.Lock()
	conn := b.conn
	encoder := b.encoder
	b.mu.Unlock()
	if conn == nil {
		return nil, a2aerr.New(a2aerr.AgentUnavailable, b.cfg.LocalID, "bridge not connected")
	}

	wireReq, err := b.mapOutbound(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *rpcResponse, 1)
	b.pendingMu.Lock()
	b.pending[wireReq.ID] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, wireReq.ID)
		b.pendingMu.Unlock()
	}()

	b.mu.Lock()
	err = encoder.Encode(wireReq)
	if err == nil {
		err = b.writer.Flush()
	}
	b.mu.Unlock()
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.AgentUnavailable, b.cfg.LocalID, "bridge write failed", err)
	}

	select {
	case resp := <-ch:
		return b.mapInbound(req, resp), nil
	case <-ctx.Done():
		return nil, a2aerr.New(a2aerr.TimeoutError, b.cfg.LocalID, "bridge call timed out")
	case <-b.done:
		return nil, a2aerr.New(a2aerr.AgentUnavailable, b.cfg.LocalID, "bridge closed")
	}
}

// Notify sends req without waiting for a response, for A2A notifications.
func (b *Bridge) Notify(req *message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return a2aerr.New(a2aerr.AgentUnavailable, b.cfg.LocalID, "bridge not connected")
	}
	wireReq, err := b.mapOutbound(req)
	if err != nil {
		return err
	}
	if err := b.encoder.Encode(wireReq); err != nil {
		return a2aerr.Wrap(a2aerr.AgentUnavailable, b.cfg.LocalID, "bridge write failed", err)
	}
	return b.writer.Flush()
}

// Connected reports whether the bridge currently holds an open connection.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Close tears down the connection and unblocks any pending calls.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.conn != nil {
			err = b.conn.Close()
		}
	})
	return err
}

// String satisfies fmt.Stringer for log lines identifying this bridge.
func (b *Bridge) String() string {
	return fmt.Sprintf("bridge(%s)", b.cfg.Address)
}
