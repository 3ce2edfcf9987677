// Package registry implements the Agent Registry (C3): agent-card storage,
// TTL-based expiry and the capability/service/type inverted indexes that
// the discovery service and router consult.
//
// Grounded on the teacher's internal/broker.Service, which keeps a similar
// shape of "map of live things behind a mutex, with a background sweeper"
// for topics and pipes; this package generalizes that pattern from
// connection bookkeeping to capability-indexed agent bookkeeping.
package registry

import "time"

// Capability is a named, versioned ability a peer claims to provide.
type Capability struct {
	Name                string                 `json:"name"`
	Version             string                 `json:"version"`
	Parameters          map[string]interface{} `json:"parameters,omitempty"`
	ResourceRequirements map[string]interface{} `json:"resourceRequirements,omitempty"`
	Dependencies        []string               `json:"dependencies,omitempty"`
	Conflicts           []string               `json:"conflicts,omitempty"`
}

// Service is a concrete RPC a peer exposes.
type Service struct {
	Name        string  `json:"name"`
	Method      string  `json:"method"`
	Parameters  []string `json:"parameters,omitempty"`
	ReturnType  string  `json:"returnType,omitempty"`
	Cost        float64 `json:"cost"`
	Latency     float64 `json:"latency"`
	Reliability float64 `json:"reliability"`
}

// Endpoint is a network address on a particular wire protocol.
type Endpoint struct {
	Protocol       string `json:"protocol"` // websocket | http | http2 | grpc | tcp
	Address        string `json:"address"`
	Port           int    `json:"port,omitempty"`
	Path           string `json:"path,omitempty"`
	Secure         bool   `json:"secure"`
	MaxConnections int    `json:"maxConnections,omitempty"`
}

// Metadata is the mutable status block of a card.
type Metadata struct {
	Type        string             `json:"type,omitempty"`
	Status      string             `json:"status,omitempty"` // active | overloaded | offline | degraded
	Load        float64            `json:"load"`
	CreatedAt   time.Time          `json:"createdAt"`
	LastSeen    time.Time          `json:"lastSeen"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	PublicKey   string             `json:"publicKey,omitempty"`
	TrustLevel  string             `json:"trustLevel,omitempty"`
}

// Card is the agent card: an immutable-ish descriptor of a peer.
type Card struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Version      string       `json:"version"`
	Capabilities []Capability `json:"capabilities"`
	Services     []Service    `json:"services"`
	Endpoints    []Endpoint   `json:"endpoints"`
	Metadata     Metadata     `json:"metadata"`
}

// Clone returns a deep copy of the card so callers cannot mutate registry
// state through a returned reference.
func (c Card) Clone() Card {
	cp := c
	cp.Capabilities = append([]Capability(nil), c.Capabilities...)
	cp.Services = append([]Service(nil), c.Services...)
	cp.Endpoints = append([]Endpoint(nil), c.Endpoints...)
	if c.Metadata.Metrics != nil {
		cp.Metadata.Metrics = make(map[string]float64, len(c.Metadata.Metrics))
		for k, v := range c.Metadata.Metrics {
			cp.Metadata.Metrics[k] = v
		}
	}
	return cp
}

// CapabilityNames returns the card's declared capability names.
func (c Card) CapabilityNames() []string {
	names := make([]string, len(c.Capabilities))
	for i, cap := range c.Capabilities {
		names[i] = cap.Name
	}
	return names
}

// Entry is a registry entry: a card plus its registration bookkeeping.
type Entry struct {
	Card             Card      `json:"card"`
	RegistrationTime time.Time `json:"registrationTime"`
	ExpiresAt        time.Time `json:"expiresAt"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}
