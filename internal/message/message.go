// Package message implements the wire codec (C1): the JSON-RPC 2.0 message
// shape extended with A2A routing/coordination fields, and the length-
// prefixed binary frame format used by the byte-oriented transports.
//
// Generalized from the teacher's internal/envelope package, which carried
// the same "from/to/type/route/trace" shape under different field names for
// a single point-to-point broker instead of a capability-routed mesh.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the messageType field.
type Type string

const (
	TypeRequest              Type = "request"
	TypeResponse             Type = "response"
	TypeNotification         Type = "notification"
	TypeDiscovery            Type = "discovery"
	TypeRegistration         Type = "registration"
	TypeHeartbeat            Type = "heartbeat"
	TypeCapabilityQuery      Type = "capability_query"
	TypeWorkflowCoordination Type = "workflow_coordination"
	TypeResourceNegotiation  Type = "resource_negotiation"
	TypeSecurityHandshake    Type = "security_handshake"
)

// Priority enumerates the optional priority field.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// RequiredCapability names a capability (and, optionally, a minimum version)
// the recipient of a message must satisfy.
type RequiredCapability struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// RouteInfo is the optional embedded route: the ordered hop list plus the
// strategy and hop-count bookkeeping the router stamped onto the message.
type RouteInfo struct {
	Path     []string `json:"path,omitempty"`
	Hops     int      `json:"hops"`
	MaxHops  int      `json:"maxHops,omitempty"`
	Strategy string   `json:"strategy,omitempty"`
}

// RetryPolicy carries a per-message retry/backoff preference on the wire.
// The transports in internal/transport apply their own configured policy
// and do not read it.
type RetryPolicy struct {
	MaxAttempts     int           `json:"maxAttempts,omitempty"`
	BackoffStrategy string        `json:"backoffStrategy,omitempty"` // fixed | linear | exponential
	BaseDelay       time.Duration `json:"baseDelay,omitempty"`
	MaxDelay        time.Duration `json:"maxDelay,omitempty"`
	Jitter          bool          `json:"jitter,omitempty"`
}

// Context carries workflow/session correlation and coordination hints.
type Context struct {
	WorkflowID       string       `json:"workflowId,omitempty"`
	SessionID        string       `json:"sessionId,omitempty"`
	CorrelationID    string       `json:"correlationId,omitempty"`
	ParentMessageID  string       `json:"parentMessageId,omitempty"`
	TimeoutMs        int64        `json:"timeoutMs,omitempty"`
	RetryPolicy      *RetryPolicy `json:"retryPolicy,omitempty"`
	MaxCost          float64      `json:"maxCost,omitempty"`
	PreferredLatency int64        `json:"preferredLatency,omitempty"`
	PartialSuccess   bool         `json:"partialSuccess,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object, extended with the A2A error
// detail block carried under `data`.
type RPCError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *RPCErrorData `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// RPCErrorData is the structured `error.data` block.
type RPCErrorData struct {
	Type            string `json:"type"`
	Source          string `json:"source,omitempty"`
	Retryable       bool   `json:"retryable"`
	Troubleshooting string `json:"troubleshooting,omitempty"`
}

// Message is a JSON-RPC 2.0 object extended per §3 of the specification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	From         string                `json:"from"`
	To           Target                `json:"to"`
	MessageType  Type                  `json:"messageType"`
	Timestamp    int64                 `json:"timestamp"`
	Priority     Priority              `json:"priority,omitempty"`
	Nonce        string                `json:"nonce,omitempty"`
	Signature    string                `json:"signature,omitempty"`
	Route        *RouteInfo            `json:"route,omitempty"`
	Context      *Context              `json:"context,omitempty"`
	Capabilities []RequiredCapability  `json:"capabilities,omitempty"`
}

// ValidationError reports a single malformed field, mirroring the teacher's
// envelope.ValidationError.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %q: %s", e.Field, e.Message)
}

// NewRequest builds a request message with a fresh id and current timestamp.
func NewRequest(from string, to Target, method string, params interface{}) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return &Message{
		JSONRPC:     "2.0",
		Method:      method,
		Params:      raw,
		ID:          uuid.New().String(),
		From:        from,
		To:          to,
		MessageType: TypeRequest,
		Timestamp:   time.Now().UnixMilli(),
		Priority:    PriorityNormal,
	}, nil
}

// NewNotification builds a notification: same shape as a request but
// without an id, and never expects a reply.
func NewNotification(from string, to Target, method string, params interface{}) (*Message, error) {
	m, err := NewRequest(from, to, method, params)
	if err != nil {
		return nil, err
	}
	m.ID = ""
	m.MessageType = TypeNotification
	return m, nil
}

// NewResponse builds a successful reply correlated to req by id.
func NewResponse(req *Message, from string, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{
		JSONRPC:     "2.0",
		ID:          req.ID,
		Result:      raw,
		From:        from,
		To:          NewTarget(req.From),
		MessageType: TypeResponse,
		Timestamp:   time.Now().UnixMilli(),
		Context:     req.Context,
	}, nil
}

// NewErrorResponse builds a failure reply correlated to req by id.
func NewErrorResponse(req *Message, from string, code int, rpcErr *RPCError) *Message {
	return &Message{
		JSONRPC:     "2.0",
		ID:          req.ID,
		Error:       rpcErr,
		From:        from,
		To:          NewTarget(req.From),
		MessageType: TypeResponse,
		Timestamp:   time.Now().UnixMilli(),
		Context:     req.Context,
	}
}

// Validate checks the invariants named in §3: exactly one of result/error on
// a response, a notification carries no id, and the envelope fields required
// to route the message are present.
func (m *Message) Validate() error {
	if m.JSONRPC != "2.0" {
		return &ValidationError{Field: "jsonrpc", Message: "must be \"2.0\""}
	}
	if m.From == "" {
		return &ValidationError{Field: "from", Message: "must not be empty"}
	}
	if m.MessageType == "" {
		return &ValidationError{Field: "messageType", Message: "must not be empty"}
	}
	switch m.MessageType {
	case TypeResponse:
		if m.Result != nil && m.Error != nil {
			return &ValidationError{Field: "result/error", Message: "exactly one may be set"}
		}
		if m.Result == nil && m.Error == nil {
			return &ValidationError{Field: "result/error", Message: "exactly one must be set"}
		}
		if m.ID == "" {
			return &ValidationError{Field: "id", Message: "a response must carry the request id"}
		}
	case TypeNotification:
		if m.ID != "" {
			return &ValidationError{Field: "id", Message: "a notification must not carry an id"}
		}
	default:
		if m.Method == "" {
			return &ValidationError{Field: "method", Message: "must not be empty"}
		}
	}
	return nil
}

// IsExpired reports whether the message's context timeout has elapsed,
// measured from Timestamp.
func (m *Message) IsExpired(now time.Time) bool {
	if m.Context == nil || m.Context.TimeoutMs <= 0 {
		return false
	}
	deadline := time.UnixMilli(m.Timestamp).Add(time.Duration(m.Context.TimeoutMs) * time.Millisecond)
	return now.After(deadline)
}

// ToJSON serializes the message to its wire form.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON parses a message from its wire form.
func FromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// Clone returns a deep copy safe to mutate independently of m, mirroring
// the teacher envelope's Clone used when stamping routes onto forwarded
// messages.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Params != nil {
		cp.Params = append(json.RawMessage(nil), m.Params...)
	}
	if m.Result != nil {
		cp.Result = append(json.RawMessage(nil), m.Result...)
	}
	if m.Route != nil {
		r := *m.Route
		r.Path = append([]string(nil), m.Route.Path...)
		cp.Route = &r
	}
	if m.Context != nil {
		c := *m.Context
		cp.Context = &c
	}
	if m.Capabilities != nil {
		cp.Capabilities = append([]RequiredCapability(nil), m.Capabilities...)
	}
	return &cp
}

// StampRoute records the router's chosen path onto the message, as required
// for multihop execution (§4.5): intermediate peers honour the embedded path.
func (m *Message) StampRoute(path []string, strategy string, maxHops int) {
	m.Route = &RouteInfo{
		Path:     append([]string(nil), path...),
		Hops:     len(path) - 1,
		MaxHops:  maxHops,
		Strategy: strategy,
	}
}
