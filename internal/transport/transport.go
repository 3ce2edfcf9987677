// Package transport implements the Transport Layer (C2): connection
// lifecycle, pooling, retries and TLS/auth hooks over WebSocket, HTTP,
// gRPC and TCP.
//
// Grounded on the teacher's internal/client.BrokerClient (request/response
// correlation by a map of channels keyed by request id, a background
// message-listener goroutine with panic recovery, non-blocking delivery
// into per-topic subscriber channels) and internal/broker.Service (the
// accept-loop-per-listener, one-goroutine-per-connection shape, and the
// mutex-guarded connection map). Both are generalized here from a single
// fixed broker endpoint to a pool of per-peer connections across several
// wire protocols.
package transport

import (
	"context"
	"time"

	"github.com/a2amesh/mesh/internal/message"
)

// Protocol names a wire protocol a transport implementation carries.
type Protocol string

const (
	ProtocolWebSocket Protocol = "websocket"
	ProtocolHTTP      Protocol = "http"
	ProtocolHTTP2     Protocol = "http2"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolTCP       Protocol = "tcp"
)

// State is the connection lifecycle state machine (§3, §4.2).
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUnhealthy    State = "unhealthy"
	StateReconnecting State = "reconnecting"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

// TLSConfig configures transport-level TLS.
type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	SkipVerify bool // "lax" peer verification; false is "strict"
}

// AuthMode enumerates the authentication hooks the transport exposes.
type AuthMode string

const (
	AuthNone       AuthMode = "none"
	AuthBearer     AuthMode = "bearer"
	AuthClientCert AuthMode = "client_cert"
	AuthOAuth2     AuthMode = "oauth2"
)

// AuthConfig configures the authentication hook used on connect.
type AuthConfig struct {
	Mode  AuthMode
	Token string // bearer / oauth2-style bearer
}

// EndpointConfig is the per-connection dial configuration.
type EndpointConfig struct {
	Protocol       Protocol
	Address        string
	Port           int
	Path           string
	TLS            TLSConfig
	Auth           AuthConfig
	KeepAlive      time.Duration
	Compression    bool
	IdleTimeout    time.Duration
	MaxConnections int
}

// Connection is the transport-owned connection record (§3 Connection).
type Connection struct {
	ID             string
	Protocol       Protocol
	PeerID         string
	Config         EndpointConfig
	State          State
	LastActivity   time.Time
	ConnectionTime time.Time
	Sent           int64
	Received       int64
	Bytes          int64
	Errors         int64
}

// Transport is the contract every protocol implementation (websocket, http,
// grpc, tcp) satisfies. The bridge package does not implement or import
// this interface; it exposes its own Call/Notify/Connected/Close surface.
type Transport interface {
	Protocol() Protocol
	Connect(ctx context.Context, peerID string, cfg EndpointConfig) (*Connection, error)
	Send(ctx context.Context, connectionID string, msg *message.Message) (*message.Message, error)
	SendNotification(ctx context.Context, connectionID string, msg *message.Message) error
	Broadcast(ctx context.Context, msg *message.Message, exclude map[string]struct{}) map[string]BroadcastResult
	Disconnect(connectionID string) error
	Connections() []Connection
	Close() error
}

// BroadcastResult is one peer's outcome from a Broadcast call (§4.2, §4.5
// "partial success" aggregation).
type BroadcastResult struct {
	Response *message.Message
	Err      error
}

// RetryConfigurable is implemented by every transport so its retry/backoff
// policy can be overridden from §6's retryPolicy configuration instead of
// always running DefaultRetryPolicy.
type RetryConfigurable interface {
	SetRetryPolicy(RetryPolicy)
}
