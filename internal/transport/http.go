package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/a2amesh/mesh/internal/a2aerr"
	"github.com/a2amesh/mesh/internal/message"
)

// HTTPTransport carries JSON-RPC messages as HTTP/1.1 or HTTP/2 request/
// response bodies (§4.2: "HTTP/2 per-stream" concurrency). Unlike the
// byte-oriented transports, a connection here models a fixed peer base URL
// rather than a persistent socket: Send issues one POST per call, so
// "concurrent send on the same connection" is naturally serialized per
// stream by net/http's own connection pooling.
type HTTPTransport struct {
	proto   Protocol // ProtocolHTTP or ProtocolHTTP2
	pool    *pool
	localID string
	debug   bool
	client  *http.Client

	server *http.Server

	targetsMu sync.RWMutex
	targets   map[string]string // connection id -> base URL

	onMessage func(*message.Message) *message.Message

	retryPolicy RetryPolicy

	closeOnce sync.Once
}

// NewHTTPTransport constructs a transport for proto (ProtocolHTTP or
// ProtocolHTTP2).
func NewHTTPTransport(proto Protocol, localID string, debug bool, onMessage func(*message.Message) *message.Message) *HTTPTransport {
	client := &http.Client{Timeout: 60 * time.Second}
	if proto == ProtocolHTTP2 {
		// AllowHTTP + a plain-net.Dial DialTLS is the standard h2c client
		// recipe: it lets http2.Transport speak cleartext HTTP/2 to a
		// server that never negotiates TLS/ALPN.
		client.Transport = &http2.Transport{
			AllowHTTP: true,
			DialTLS: func(network, addr string, cfg *tls.Config) (net.Conn, error) {
				return net.Dial(network, addr)
			},
		}
	}
	t := &HTTPTransport{
		proto:       proto,
		pool:        newPool(5 * time.Minute),
		localID:     localID,
		debug:       debug,
		client:      client,
		targets:     make(map[string]string),
		onMessage:   onMessage,
		retryPolicy: DefaultRetryPolicy,
	}
	t.pool.setIdleHandler(t.evictIdle)
	return t
}

func (t *HTTPTransport) Protocol() Protocol { return t.proto }

// SetRetryPolicy overrides the policy governing retried sends (§6 retryPolicy).
func (t *HTTPTransport) SetRetryPolicy(p RetryPolicy) { t.retryPolicy = p }

// evictIdle drops the target mapping for a connection idle beyond
// idleTimeout; a future Send against that id fails until reconnected.
func (t *HTTPTransport) evictIdle(connID string) {
	t.logf("evicting idle target %s", connID)
	t.targetsMu.Lock()
	delete(t.targets, connID)
	t.targetsMu.Unlock()
	t.pool.remove(connID)
}

func (t *HTTPTransport) logf(format string, args ...interface{}) {
	if t.debug {
		log.Printf("[Transport:%s] "+format, t.proto, args...)
	}
}

// Listen starts an HTTP server handling POSTed messages on path, upgrading
// to h2c (cleartext HTTP/2) when the transport's protocol is ProtocolHTTP2.
func (t *HTTPTransport) Listen(ctx context.Context, addr, path string) error {
	var handler http.Handler = http.HandlerFunc(t.serve(path))
	if t.proto == ProtocolHTTP2 {
		h2s := &http2.Server{}
		handler = h2c.NewHandler(handler, h2s)
	}
	t.server = &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		t.server.Close()
	}()
	errCh := make(chan error, 1)
	go func() { errCh <- t.server.ListenAndServe() }()
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return a2aerr.Wrap(a2aerr.ProtocolError, t.localID, "http listen failed", err)
		}
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}

func (t *HTTPTransport) serve(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		msg, err := message.FromJSON(body)
		if err != nil {
			http.Error(w, "decode failed", http.StatusBadRequest)
			return
		}
		if t.onMessage == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		reply := t.onMessage(msg)
		if reply == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	}
}

// Connect registers addr as the target for a new connection id; HTTP is
// request/response so there is no persistent socket to dial.
func (t *HTTPTransport) Connect(ctx context.Context, peerID string, cfg EndpointConfig) (*Connection, error) {
	scheme := "http"
	if cfg.TLS.Enabled {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Address, cfg.Port, cfg.Path)
	id := newConnectionID()
	t.targetsMu.Lock()
	t.targets[id] = url
	t.targetsMu.Unlock()
	c := &Connection{ID: id, Protocol: t.proto, PeerID: peerID, Config: cfg, State: StateConnected, ConnectionTime: time.Now(), LastActivity: time.Now()}
	t.pool.add(c)
	t.logf("registered target %s -> %s", peerID, url)
	return c, nil
}

func (t *HTTPTransport) target(id string) (string, bool) {
	t.targetsMu.RLock()
	defer t.targetsMu.RUnlock()
	url, ok := t.targets[id]
	return url, ok
}

func (t *HTTPTransport) post(ctx context.Context, connectionID string, msg *message.Message) (*http.Response, error) {
	url, ok := t.target(connectionID)
	if !ok {
		return nil, a2aerr.New(a2aerr.AgentUnavailable, t.localID, "connection closed").WithData(map[string]interface{}{"reason": "ConnectionClosed"})
	}
	body, err := msg.ToJSON()
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.SerializationError, t.localID, "encode message", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.ProtocolError, t.localID, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, a2aerr.New(a2aerr.TimeoutError, t.localID, "send timed out")
		}
		return nil, a2aerr.Wrap(a2aerr.AgentUnavailable, t.localID, "request failed", err)
	}
	if c, ok := t.pool.get(connectionID); ok {
		c.Sent++
		c.LastActivity = time.Now()
	}
	return resp, nil
}

// Send posts msg and decodes the response body as the reply message.
// Retryable failures are retried per the transport's retry policy (§4.2, §6
// retryPolicy).
func (t *HTTPTransport) Send(ctx context.Context, connectionID string, msg *message.Message) (*message.Message, error) {
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
			return nil, a2aerr.New(a2aerr.TimeoutError, t.localID, "send timed out")
		}
	}
	return nil, lastErr
}

func (t *HTTPTransport) sendOnce(ctx context.Context, connectionID string, msg *message.Message) (*message.Message, error) {
	resp, err := t.post(ctx, connectionID, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.SerializationError, t.localID, "read response", err)
	}
	if len(body) == 0 {
		return nil, nil
	}
	reply, err := message.FromJSON(body)
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.ProtocolError, t.localID, "decode response", err)
	}
	if c, ok := t.pool.get(connectionID); ok {
		c.Received++
	}
	return reply, nil
}

// SendNotification posts msg and discards the response.
func (t *HTTPTransport) SendNotification(ctx context.Context, connectionID string, msg *message.Message) error {
	resp, err := t.post(ctx, connectionID, msg)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Broadcast posts msg to every registered target not in exclude.
func (t *HTTPTransport) Broadcast(ctx context.Context, msg *message.Message, exclude map[string]struct{}) map[string]BroadcastResult {
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

// Disconnect drops the target mapping; idempotent.
func (t *HTTPTransport) Disconnect(connectionID string) error {
	t.targetsMu.Lock()
	delete(t.targets, connectionID)
	t.targetsMu.Unlock()
	t.pool.remove(connectionID)
	return nil
}

func (t *HTTPTransport) Connections() []Connection { return t.pool.list() }

// Close tears down the server and the pool's sweeper.
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.server != nil {
			t.server.Close()
		}
		t.pool.stop()
	})
	return nil
}
