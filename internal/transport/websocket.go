package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2amesh/mesh/internal/a2aerr"
	"github.com/a2amesh/mesh/internal/message"
)

// Keepalive timing, aligned with the gorilla/websocket ping/pong idiom
// (other_examples/...stepherg-blizzardgw.../ws-handler.go): the server
// pings every pingPeriod and the peer's pong resets the read deadline.
const (
	wsPongWait   = 75 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsWriteWait  = 10 * time.Second
)

// WebSocketTransport carries JSON-RPC messages as whole WebSocket text
// frames (no C1 length-prefix framing: the WebSocket protocol already
// delimits messages). Generalized from the same broker/client
// request-correlation idiom as TCPTransport, with connection write access
// serialized per-socket by wsConn.mu (§4.2 "WebSocket write lock").
type WebSocketTransport struct {
	pool    *pool
	localID string
	debug   bool

	server   *http.Server
	upgrader websocket.Upgrader

	connsMu sync.RWMutex
	conns   map[string]*wsConn

	pendingMu sync.Mutex
	pending   map[string]chan *message.Message

	onMessage func(*message.Message) *message.Message

	retryPolicy RetryPolicy

	closeOnce sync.Once
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

// NewWebSocketTransport constructs a transport identified as localID.
func NewWebSocketTransport(localID string, debug bool, onMessage func(*message.Message) *message.Message) *WebSocketTransport {
	t := &WebSocketTransport{
		pool:        newPool(5 * time.Minute),
		localID:     localID,
		debug:       debug,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:       make(map[string]*wsConn),
		pending:     make(map[string]chan *message.Message),
		onMessage:   onMessage,
		retryPolicy: DefaultRetryPolicy,
	}
	t.pool.setIdleHandler(t.evictIdle)
	return t
}

func (t *WebSocketTransport) Protocol() Protocol { return ProtocolWebSocket }

// SetRetryPolicy overrides the policy governing retried sends, dials and
// reconnects (§6 retryPolicy).
func (t *WebSocketTransport) SetRetryPolicy(p RetryPolicy) { t.retryPolicy = p }

// evictIdle closes a connection the pool's sweep found idle beyond
// idleTimeout. This is a cleanup sweep, not a health signal: it never
// triggers reconnect() itself.
func (t *WebSocketTransport) evictIdle(connID string) {
	wc, ok := t.wsConn(connID)
	if !ok {
		return
	}
	t.logf("closing idle connection %s", connID)
	t.connsMu.Lock()
	delete(t.conns, connID)
	t.connsMu.Unlock()
	if c, ok := t.pool.get(connID); ok {
		c.State = StateClosed
	}
	t.pool.remove(connID)
	wc.conn.Close()
}

func (t *WebSocketTransport) logf(format string, args ...interface{}) {
	if t.debug {
		log.Printf("[Transport:websocket] "+format, args...)
	}
}

// Listen starts an HTTP server that upgrades every request on path to a
// WebSocket connection, until ctx is done.
func (t *WebSocketTransport) Listen(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logf("upgrade failed: %v", err)
			return
		}
		t.adopt(conn)
	})
	t.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		t.server.Close()
	}()
	ln := t.server
	errCh := make(chan error, 1)
	go func() { errCh <- ln.ListenAndServe() }()
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return a2aerr.Wrap(a2aerr.ProtocolError, t.localID, "websocket listen failed", err)
		}
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}

func (t *WebSocketTransport) adopt(conn *websocket.Conn) string {
	id := newConnectionID()
	wc := &wsConn{conn: conn}
	t.connsMu.Lock()
	t.conns[id] = wc
	t.connsMu.Unlock()
	t.pool.add(&Connection{ID: id, Protocol: ProtocolWebSocket, State: StateConnected, ConnectionTime: time.Now(), LastActivity: time.Now()})
	go t.readLoop(id, wc)
	go t.pingLoop(id, wc)
	return id
}

// Connect dials a peer's WebSocket endpoint, retrying dial failures per the
// transport's retry policy (§4.2, §6 retryPolicy).
func (t *WebSocketTransport) Connect(ctx context.Context, peerID string, cfg EndpointConfig) (*Connection, error) {
	url := wsURL(cfg)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts(t.retryPolicy); attempt++ {
		conn, err := t.dial(ctx, url)
		if err == nil {
			id := t.adopt(conn)
			c := &Connection{ID: id, Protocol: ProtocolWebSocket, PeerID: peerID, Config: cfg, State: StateConnected, ConnectionTime: time.Now(), LastActivity: time.Now()}
			t.pool.add(c)
			t.logf("connected to %s (%s)", peerID, url)
			return c, nil
		}
		lastErr = err
		if attempt == maxAttempts(t.retryPolicy) {
			break
		}
		select {
		case <-time.After(t.retryPolicy.Delay(attempt)):
		case <-ctx.Done():
			return nil, a2aerr.New(a2aerr.TimeoutError, t.localID, "connect timed out")
		}
	}
	return nil, lastErr
}

func wsURL(cfg EndpointConfig) string {
	scheme := "ws"
	if cfg.TLS.Enabled {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Address, cfg.Port, cfg.Path)
}

func (t *WebSocketTransport) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.AgentUnavailable, t.localID, "dial "+url+" failed", err).WithData(map[string]interface{}{"reason": "TransportUnavailable"})
	}
	return conn, nil
}

func (t *WebSocketTransport) pingLoop(connID string, wc *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if _, ok := t.wsConn(connID); !ok {
			return
		}
		wc.mu.Lock()
		_ = wc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := wc.conn.WriteMessage(websocket.PingMessage, nil)
		wc.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (t *WebSocketTransport) readLoop(connID string, wc *wsConn) {
	defer func() {
		if r := recover(); r != nil {
			t.logf("read loop panic on %s: %v", connID, r)
		}
		t.handleConnLoss(connID, wc)
	}()
	_ = wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	wc.conn.SetPongHandler(func(string) error {
		_ = wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		t.pool.touch(connID)
		if c, ok := t.pool.get(connID); ok {
			c.Received++
		}
		msg, err := message.FromJSON(data)
		if err != nil {
			t.logf("decode failed: %v", err)
			continue
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
		if err := wc.writeJSON(reply); err != nil {
			t.logf("write reply failed: %v", err)
			return
		}
	}
}

func (t *WebSocketTransport) deliverResponse(msg *message.Message) {
	t.pendingMu.Lock()
	ch, ok := t.pending[msg.ID]
	t.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (t *WebSocketTransport) closeConn(connID string, wc *wsConn) {
	wc.conn.Close()
	t.connsMu.Lock()
	delete(t.conns, connID)
	t.connsMu.Unlock()
	if c, ok := t.pool.get(connID); ok {
		c.State = StateClosed
	}
	t.pool.remove(connID)
}

// handleConnLoss runs when a connection's read loop exits. A connection
// this transport dialed itself (PeerID/Config set by Connect) knows how to
// redial, so it is handed to reconnect instead of torn down; an inbound,
// server-accepted connection has nothing to redial to and is simply closed
// (§3 Connection lifecycle: idle -> connecting -> connected -> unhealthy ->
// reconnecting -> connected | failed).
func (t *WebSocketTransport) handleConnLoss(connID string, wc *wsConn) {
	wc.conn.Close()
	c, ok := t.pool.get(connID)
	if ok && c.PeerID != "" && c.Config.Address != "" {
		c.State = StateUnhealthy
		go t.reconnect(connID)
		return
	}
	t.connsMu.Lock()
	delete(t.conns, connID)
	t.connsMu.Unlock()
	if ok {
		c.State = StateClosed
	}
	t.pool.remove(connID)
}

// reconnect redials a lost outbound connection per the transport's retry
// policy, reusing the same connection id so pending Sends resolve against
// it transparently once it lands back in StateConnected. Exhausting the
// policy's attempts marks the connection StateFailed and gives up.
func (t *WebSocketTransport) reconnect(connID string) {
	c, ok := t.pool.get(connID)
	if !ok {
		return
	}
	c.State = StateReconnecting
	url := wsURL(c.Config)
	for attempt := 1; attempt <= maxAttempts(t.retryPolicy); attempt++ {
		time.Sleep(t.retryPolicy.Delay(attempt))

		conn, err := t.dial(context.Background(), url)
		if err != nil {
			t.logf("reconnect attempt %d to %s failed: %v", attempt, c.PeerID, err)
			continue
		}

		cc, stillTracked := t.pool.get(connID)
		if !stillTracked {
			// Disconnect/Close ran while we were dialing; abandon the redial.
			conn.Close()
			return
		}

		wc := &wsConn{conn: conn}
		t.connsMu.Lock()
		t.conns[connID] = wc
		t.connsMu.Unlock()

		cc.State = StateConnected
		cc.LastActivity = time.Now()
		go t.readLoop(connID, wc)
		go t.pingLoop(connID, wc)
		t.logf("reconnected to %s", c.PeerID)
		return
	}
	if cc, ok := t.pool.get(connID); ok {
		cc.State = StateFailed
	}
	t.logf("reconnect to %s exhausted retry policy, giving up", c.PeerID)
}

func (t *WebSocketTransport) wsConn(id string) (*wsConn, bool) {
	t.connsMu.RLock()
	defer t.connsMu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

// Send writes msg and blocks until the matching response arrives or ctx
// expires. Retryable failures are retried per the transport's retry policy
// (§4.2, §6 retryPolicy); a connection caught mid-reconnect fails the
// current attempt and retries against the same id once it is live again.
func (t *WebSocketTransport) Send(ctx context.Context, connectionID string, msg *message.Message) (*message.Message, error) {
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

func (t *WebSocketTransport) sendOnce(ctx context.Context, connectionID string, msg *message.Message) (*message.Message, error) {
	wc, ok := t.wsConn(connectionID)
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

	if err := wc.writeJSON(msg); err != nil {
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

// SendNotification writes msg without tracking a response.
func (t *WebSocketTransport) SendNotification(ctx context.Context, connectionID string, msg *message.Message) error {
	wc, ok := t.wsConn(connectionID)
	if !ok {
		return a2aerr.New(a2aerr.AgentUnavailable, t.localID, "connection closed")
	}
	if err := wc.writeJSON(msg); err != nil {
		return a2aerr.Wrap(a2aerr.AgentUnavailable, t.localID, "write failed", err)
	}
	return nil
}

// Broadcast sends msg concurrently to every open connection not in exclude.
func (t *WebSocketTransport) Broadcast(ctx context.Context, msg *message.Message, exclude map[string]struct{}) map[string]BroadcastResult {
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

// Disconnect is idempotent.
func (t *WebSocketTransport) Disconnect(connectionID string) error {
	wc, ok := t.wsConn(connectionID)
	if !ok {
		return nil
	}
	t.closeConn(connectionID, wc)
	return nil
}

func (t *WebSocketTransport) Connections() []Connection { return t.pool.list() }

// Close tears down the server, every open connection and the pool's sweeper.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.server != nil {
			t.server.Close()
		}
		t.connsMu.Lock()
		for id, wc := range t.conns {
			wc.conn.Close()
			delete(t.conns, id)
		}
		t.connsMu.Unlock()
		t.pool.stop()
	})
	return nil
}
