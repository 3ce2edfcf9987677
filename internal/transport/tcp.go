package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/a2amesh/mesh/internal/a2aerr"
	"github.com/a2amesh/mesh/internal/message"
)

// TCPTransport carries JSON-RPC messages framed per §4.1 over plain TCP
// sockets. Generalized from the teacher's internal/broker.Service (accept
// loop, one goroutine per connection) on the server side and
// internal/client.BrokerClient (request/response correlation by a map of
// channels keyed by request id, background listener goroutine with
// panic recovery) on the client side.
type TCPTransport struct {
	pool    *pool
	localID string
	debug   bool

	listener net.Listener

	connsMu sync.RWMutex
	conns   map[string]net.Conn // connection id -> socket

	pendingMu sync.Mutex
	pending   map[string]chan *message.Message // request id -> response channel

	onMessage func(*message.Message) *message.Message // inbound handler; returns a reply or nil for fire-and-forget

	retryPolicy RetryPolicy

	closeOnce sync.Once
}

// NewTCPTransport constructs a transport identified as localID. onMessage
// handles an inbound request/notification and may return a reply message
// (nil for notifications and anything the handler chooses not to answer).
func NewTCPTransport(localID string, debug bool, onMessage func(*message.Message) *message.Message) *TCPTransport {
	t := &TCPTransport{
		pool:        newPool(5 * time.Minute),
		localID:     localID,
		debug:       debug,
		conns:       make(map[string]net.Conn),
		pending:     make(map[string]chan *message.Message),
		onMessage:   onMessage,
		retryPolicy: DefaultRetryPolicy,
	}
	t.pool.setIdleHandler(t.evictIdle)
	return t
}

func (t *TCPTransport) Protocol() Protocol { return ProtocolTCP }

// SetRetryPolicy overrides the policy governing retried sends (§6 retryPolicy).
func (t *TCPTransport) SetRetryPolicy(p RetryPolicy) { t.retryPolicy = p }

// evictIdle closes a connection the pool's sweep found idle beyond idleTimeout.
func (t *TCPTransport) evictIdle(connID string) {
	conn, ok := t.conn(connID)
	if !ok {
		return
	}
	t.logf("closing idle connection %s", connID)
	t.closeConn(connID, conn)
}

func (t *TCPTransport) logf(format string, args ...interface{}) {
	if t.debug {
		log.Printf("[Transport:tcp] "+format, args...)
	}
}

// Listen starts accepting inbound connections on addr until ctx is done.
func (t *TCPTransport) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return a2aerr.Wrap(a2aerr.ProtocolError, t.localID, "tcp listen failed", err)
	}
	t.listener = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go t.acceptLoop(ctx)
	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.logf("accept error: %v", err)
				return
			}
		}
		id := newConnectionID()
		t.connsMu.Lock()
		t.conns[id] = conn
		t.connsMu.Unlock()
		t.pool.add(&Connection{ID: id, Protocol: ProtocolTCP, State: StateConnected, ConnectionTime: time.Now(), LastActivity: time.Now()})
		go t.readLoop(id, conn)
	}
}

// Connect dials a peer and starts its read loop. Fails with
// TransportUnavailable or Timeout per §4.2.
func (t *TCPTransport) Connect(ctx context.Context, peerID string, cfg EndpointConfig) (*Connection, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.AgentUnavailable, t.localID, "dial "+addr+" failed", err).WithData(map[string]interface{}{"reason": "TransportUnavailable"})
	}
	id := newConnectionID()
	t.connsMu.Lock()
	t.conns[id] = conn
	t.connsMu.Unlock()

	c := &Connection{ID: id, Protocol: ProtocolTCP, PeerID: peerID, Config: cfg, State: StateConnected, ConnectionTime: time.Now(), LastActivity: time.Now()}
	t.pool.add(c)
	go t.readLoop(id, conn)
	t.logf("connected to %s (%s)", peerID, addr)
	return c, nil
}

func (t *TCPTransport) readLoop(connID string, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			t.logf("read loop panic on %s: %v", connID, r)
		}
		t.closeConn(connID, conn)
	}()
	for {
		msg, err := message.ReadMessageFrame(conn)
		if err != nil {
			return
		}
		t.pool.touch(connID)
		if c, ok := t.pool.get(connID); ok {
			c.Received++
		}

		if msg.MessageType == message.TypeResponse {
			t.deliverResponse(msg)
			continue
		}

		if t.onMessage == nil {
			continue
		}
		reply := t.onMessage(msg)
		if reply == nil {
			continue
		}
		framed, err := message.EncodeMessageFrame(reply)
		if err != nil {
			t.logf("encode reply failed: %v", err)
			continue
		}
		if _, err := conn.Write(framed); err != nil {
			t.logf("write reply failed: %v", err)
			return
		}
	}
}

func (t *TCPTransport) deliverResponse(msg *message.Message) {
	t.pendingMu.Lock()
	ch, ok := t.pending[msg.ID]
	t.pendingMu.Unlock()
	if !ok {
		return // second response for an id, or a response to a cancelled send: dropped per §5
	}
	select {
	case ch <- msg:
	default:
	}
}

func (t *TCPTransport) closeConn(connID string, conn net.Conn) {
	conn.Close()
	t.connsMu.Lock()
	delete(t.conns, connID)
	t.connsMu.Unlock()
	if c, ok := t.pool.get(connID); ok {
		c.State = StateClosed
	}
	t.pool.remove(connID)
}

// Send serializes msg, writes it, and blocks until the matching response
// arrives or ctx expires (§4.2 Timeout). Retryable failures are retried per
// the transport's retry policy (§4.2, §6 retryPolicy).
func (t *TCPTransport) Send(ctx context.Context, connectionID string, msg *message.Message) (*message.Message, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts(t.retryPolicy); attempt++ {
		resp, err := t.sendOnce(ctx, connectionID, msg)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == maxAttempts(t.retryPolicy) {
			break
		}
		select {
		case <-time.After(t.retryPolicy.Delay(attempt)):
		case <-ctx.Done():
			return nil, a2aerr.New(a2aerr.TimeoutError, t.localID, "send timed out waiting for response")
		}
	}
	return nil, lastErr
}

// sendOnce is a single send attempt, with no retry of its own.
func (t *TCPTransport) sendOnce(ctx context.Context, connectionID string, msg *message.Message) (*message.Message, error) {
	conn, ok := t.conn(connectionID)
	if !ok {
		return nil, a2aerr.New(a2aerr.AgentUnavailable, t.localID, "connection closed").WithData(map[string]interface{}{"reason": "ConnectionClosed"})
	}
	if msg.ID == "" {
		return nil, a2aerr.New(a2aerr.ValidationError, t.localID, "send requires a message id")
	}

	ch := make(chan *message.Message, 1)
	t.pendingMu.Lock()
	t.pending[msg.ID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, msg.ID)
		t.pendingMu.Unlock()
	}()

	framed, err := message.EncodeMessageFrame(msg)
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.SerializationError, t.localID, "encode message", err)
	}
	if _, err := conn.Write(framed); err != nil {
		return nil, a2aerr.Wrap(a2aerr.AgentUnavailable, t.localID, "write failed", err)
	}
	if c, ok := t.pool.get(connectionID); ok {
		c.Sent++
		c.LastActivity = time.Now()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, a2aerr.New(a2aerr.TimeoutError, t.localID, "send timed out waiting for response")
	}
}

// SendNotification writes msg without tracking a response (§4.2 fire-and-forget).
func (t *TCPTransport) SendNotification(ctx context.Context, connectionID string, msg *message.Message) error {
	conn, ok := t.conn(connectionID)
	if !ok {
		return a2aerr.New(a2aerr.AgentUnavailable, t.localID, "connection closed")
	}
	framed, err := message.EncodeMessageFrame(msg)
	if err != nil {
		return a2aerr.Wrap(a2aerr.SerializationError, t.localID, "encode notification", err)
	}
	if _, err := conn.Write(framed); err != nil {
		return a2aerr.Wrap(a2aerr.AgentUnavailable, t.localID, "write failed", err)
	}
	return nil
}

func (t *TCPTransport) conn(id string) (net.Conn, bool) {
	t.connsMu.RLock()
	defer t.connsMu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

// Broadcast sends msg concurrently to every open connection not in exclude,
// aggregating per-peer successes and failures (§4.2, §4.5 partial success).
func (t *TCPTransport) Broadcast(ctx context.Context, msg *message.Message, exclude map[string]struct{}) map[string]BroadcastResult {
	conns := t.pool.list()
	results := make(map[string]BroadcastResult)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range conns {
		if _, skip := exclude[c.ID]; skip {
			continue
		}
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			clone := msg.Clone()
			clone.ID = connID + ":" + msg.ID
			resp, err := t.Send(ctx, connID, clone)
			mu.Lock()
			results[connID] = BroadcastResult{Response: resp, Err: err}
			mu.Unlock()
		}(c.ID)
	}
	wg.Wait()
	return results
}

// Disconnect is idempotent: a second call on an already-closed id is a no-op.
func (t *TCPTransport) Disconnect(connectionID string) error {
	conn, ok := t.conn(connectionID)
	if !ok {
		return nil
	}
	t.closeConn(connectionID, conn)
	return nil
}

func (t *TCPTransport) Connections() []Connection { return t.pool.list() }

// Close tears down the listener, every open connection and the pool's
// sweeper — part of the mesh node's explicit teardown.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.listener != nil {
			t.listener.Close()
		}
		t.connsMu.Lock()
		for id, conn := range t.conns {
			conn.Close()
			delete(t.conns, id)
		}
		t.connsMu.Unlock()
		t.pool.stop()
	})
	return nil
}
