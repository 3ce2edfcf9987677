package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/a2amesh/mesh/internal/a2aerr"
	"github.com/a2amesh/mesh/internal/events"
)

const (
	// DefaultTTL matches the specification's default.
	DefaultTTL = 3600 * time.Second
	// DefaultCleanupInterval matches the specification's default sweeper cadence.
	DefaultCleanupInterval = 60 * time.Second
)

// RegisterResult is the outcome of a successful Register call.
type RegisterResult struct {
	Registered bool
	AgentID    string
	ExpiresAt  time.Time
}

// Registry owns entries and their three inverted indexes exclusively; no
// other component mutates this state directly (§3 Ownership).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	capabilityIndex map[string]map[string]struct{} // capability name -> agent ids
	serviceIndex    map[string]map[string]struct{} // service name or RPC method -> agent ids
	typeIndex       map[string]map[string]struct{} // agent type -> agent ids

	cleanupInterval time.Duration
	bus             *events.Bus
	debug           bool

	cancelSweep context.CancelFunc
	sweepDone   chan struct{}
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithCleanupInterval overrides DefaultCleanupInterval.
func WithCleanupInterval(d time.Duration) Option {
	return func(r *Registry) { r.cleanupInterval = d }
}

// WithEventBus attaches a bus that Register/Unregister/Update/sweep publish to.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithDebug enables [Registry]-prefixed logging.
func WithDebug(debug bool) Option {
	return func(r *Registry) { r.debug = debug }
}

// New constructs a Registry and starts its background TTL sweeper.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:         make(map[string]*Entry),
		capabilityIndex: make(map[string]map[string]struct{}),
		serviceIndex:    make(map[string]map[string]struct{}),
		typeIndex:       make(map[string]map[string]struct{}),
		cleanupInterval: DefaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelSweep = cancel
	r.sweepDone = make(chan struct{})
	go r.sweepLoop(ctx)
	return r
}

func (r *Registry) logf(format string, args ...interface{}) {
	if r.debug {
		log.Printf("[Registry] "+format, args...)
	}
}

func (r *Registry) publish(name events.Name, agentID string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{Name: name, Topic: "registry." + string(name), AgentID: agentID, Data: data})
}

// Register adds card to the registry with the given ttl (DefaultTTL if zero),
// rejecting a duplicate id with AlreadyRegistered semantics.
func (r *Registry) Register(card Card, ttl time.Duration) (*RegisterResult, error) {
	if card.ID == "" || card.Name == "" || card.Version == "" {
		return nil, a2aerr.New(a2aerr.ValidationError, "registry", "id, name and version must be non-empty")
	}
	if card.Capabilities == nil {
		card.Capabilities = []Capability{}
	}
	if card.Services == nil {
		card.Services = []Service{}
	}
	if card.Endpoints == nil {
		card.Endpoints = []Endpoint{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	r.mu.Lock()
	if _, exists := r.entries[card.ID]; exists {
		r.mu.Unlock()
		return nil, a2aerr.New(a2aerr.ValidationError, "registry", fmt.Sprintf("agent %q already registered", card.ID)).
			WithData(map[string]interface{}{"reason": "AlreadyRegistered"})
	}

	now := time.Now()
	if card.Metadata.CreatedAt.IsZero() {
		card.Metadata.CreatedAt = now
	}
	card.Metadata.LastSeen = now

	entry := &Entry{
		Card:             card,
		RegistrationTime: now,
		ExpiresAt:        now.Add(ttl),
		LastHeartbeat:    now,
	}
	r.entries[card.ID] = entry
	r.indexCard(card)
	r.mu.Unlock()

	r.logf("registered %s (ttl=%s, capabilities=%v)", card.ID, ttl, card.CapabilityNames())
	r.publish(events.AgentRegistered, card.ID, map[string]interface{}{"card": card})

	return &RegisterResult{Registered: true, AgentID: card.ID, ExpiresAt: entry.ExpiresAt}, nil
}

// indexCard must be called with the write lock held.
func (r *Registry) indexCard(card Card) {
	for _, cap := range card.Capabilities {
		addToIndex(r.capabilityIndex, cap.Name, card.ID)
	}
	for _, svc := range card.Services {
		addToIndex(r.serviceIndex, svc.Name, card.ID)
		if svc.Method != "" && svc.Method != svc.Name {
			addToIndex(r.serviceIndex, svc.Method, card.ID)
		}
	}
	if card.Metadata.Type != "" {
		addToIndex(r.typeIndex, card.Metadata.Type, card.ID)
	}
}

// unindexCard must be called with the write lock held.
func (r *Registry) unindexCard(card Card) {
	for _, cap := range card.Capabilities {
		removeFromIndex(r.capabilityIndex, cap.Name, card.ID)
	}
	for _, svc := range card.Services {
		removeFromIndex(r.serviceIndex, svc.Name, card.ID)
		if svc.Method != "" && svc.Method != svc.Name {
			removeFromIndex(r.serviceIndex, svc.Method, card.ID)
		}
	}
	if card.Metadata.Type != "" {
		removeFromIndex(r.typeIndex, card.Metadata.Type, card.ID)
	}
}

func addToIndex(idx map[string]map[string]struct{}, key, agentID string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[agentID] = struct{}{}
}

func removeFromIndex(idx map[string]map[string]struct{}, key, agentID string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, agentID)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// Unregister removes the entry and all index references atomically.
func (r *Registry) Unregister(agentID string) bool {
	r.mu.Lock()
	entry, ok := r.entries[agentID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.unindexCard(entry.Card)
	delete(r.entries, agentID)
	r.mu.Unlock()

	r.logf("unregistered %s", agentID)
	r.publish(events.AgentUnregistered, agentID, nil)
	return true
}

// Update re-indexes the diff between the old and new cards, refreshes
// lastHeartbeat, and emits agentUpdated. An unchanged card is a no-op on
// the indexes (§8 round-trip property).
func (r *Registry) Update(card Card) bool {
	r.mu.Lock()
	entry, ok := r.entries[card.ID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	old := entry.Card
	r.unindexCard(old)
	card.Metadata.LastSeen = time.Now()
	entry.Card = card
	entry.LastHeartbeat = time.Now()
	r.indexCard(card)
	r.mu.Unlock()

	r.publish(events.AgentUpdated, card.ID, map[string]interface{}{"card": card})
	return true
}

// Heartbeat refreshes lastHeartbeat and metadata.lastSeen without touching
// the TTL or indexes.
func (r *Registry) Heartbeat(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[agentID]
	if !ok {
		return false
	}
	now := time.Now()
	entry.LastHeartbeat = now
	entry.Card.Metadata.LastSeen = now
	return true
}

// Get returns a clone of the live card for agentID, or nil if missing or
// expired. An expired entry is unregistered as a side effect of the read.
func (r *Registry) Get(agentID string) *Card {
	r.mu.RLock()
	entry, ok := r.entries[agentID]
	expired := ok && entry.Expired(time.Now())
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if expired {
		r.Unregister(agentID)
		return nil
	}
	card := entry.Card.Clone()
	return &card
}

// List returns clones of every live entry, keyed by agent id.
func (r *Registry) List() map[string]Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Card, len(r.entries))
	now := time.Now()
	for id, entry := range r.entries {
		if entry.Expired(now) {
			continue
		}
		out[id] = entry.Card.Clone()
	}
	return out
}

// AgentsWithCapability returns the live agent ids indexed under capability name.
func (r *Registry) AgentsWithCapability(name string) []string {
	return r.snapshotIndex(r.capabilityIndex, name)
}

// AgentsWithService returns the live agent ids indexed under a service name
// or RPC method name.
func (r *Registry) AgentsWithService(name string) []string {
	return r.snapshotIndex(r.serviceIndex, name)
}

// AgentsOfType returns the live agent ids indexed under agentType.
func (r *Registry) AgentsOfType(agentType string) []string {
	return r.snapshotIndex(r.typeIndex, agentType)
}

func (r *Registry) snapshotIndex(idx map[string]map[string]struct{}, key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := idx[key]
	if !ok {
		return nil
	}
	now := time.Now()
	out := make([]string, 0, len(set))
	for id := range set {
		if entry, ok := r.entries[id]; ok && !entry.Expired(now) {
			out = append(out, id)
		}
	}
	return out
}

// EntryAt exposes the raw registration bookkeeping for id, used by the
// snapshot store; returns false if unknown.
func (r *Registry) EntryAt(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[agentID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Restore loads entries directly, bypassing Register's duplicate check, for
// use by the snapshot store when rebuilding a registry without live peers
// present. Indexes are rebuilt from the restored entries (§4.3 "an
// implementation must rebuild indexes from entries on restart").
func (r *Registry) Restore(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry, len(entries))
	r.capabilityIndex = make(map[string]map[string]struct{})
	r.serviceIndex = make(map[string]map[string]struct{})
	r.typeIndex = make(map[string]map[string]struct{})
	for i := range entries {
		e := entries[i]
		r.entries[e.Card.ID] = &e
		r.indexCard(e.Card)
	}
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()
	r.mu.Lock()
	var expired []string
	for id, entry := range r.entries {
		if entry.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.unindexCard(r.entries[id].Card)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.logf("ttl expired for %s", id)
		r.publish(events.AgentUnregistered, id, map[string]interface{}{"reason": "ttl_expired"})
	}
}

// Close stops the background sweeper. Part of the mesh node's explicit
// teardown (§9 "global singletons" note).
func (r *Registry) Close() {
	r.cancelSweep()
	<-r.sweepDone
}
