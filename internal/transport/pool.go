package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pool is the shared connection bookkeeping embedded by every protocol
// implementation: single-owner map, idle sweep, id generation. Concurrent
// Send on the same connection is serialized by each protocol's own write
// lock/queue (§4.2 "Shared-resource policy"); the pool itself only tracks
// state, not writes.
type pool struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	idleTimeout time.Duration
	onIdle      func(id string)

	sweepStop chan struct{}
	sweepDone chan struct{}
}

func newPool(idleTimeout time.Duration) *pool {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	p := &pool{
		connections: make(map[string]*Connection),
		idleTimeout: idleTimeout,
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

func newConnectionID() string { return uuid.New().String() }

// setIdleHandler registers the callback sweepLoop invokes for each
// connection id the idle sweep finds. Callers set this once, right after
// construction, before any traffic flows.
func (p *pool) setIdleHandler(fn func(id string)) {
	p.mu.Lock()
	p.onIdle = fn
	p.mu.Unlock()
}

func (p *pool) idleHandler() func(id string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.onIdle
}

func (p *pool) add(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connections[c.ID] = c
}

func (p *pool) get(id string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.connections[id]
	return c, ok
}

func (p *pool) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.connections, id)
}

func (p *pool) list() []Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Connection, 0, len(p.connections))
	for _, c := range p.connections {
		out = append(out, *c)
	}
	return out
}

func (p *pool) touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.connections[id]; ok {
		c.LastActivity = time.Now()
	}
}

// sweepLoop closes connections idle beyond idleTimeout (§4.2 "Cleanup
// sweeps every tick"). Each tick it finds the idle ids and hands them to
// the registered onIdle callback, which does the actual protocol-specific
// network close.
func (p *pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case now := <-ticker.C:
			handler := p.idleHandler()
			if handler == nil {
				continue
			}
			for _, id := range p.idle(now) {
				handler(id)
			}
		}
	}
}

// idle returns connection ids that have been inactive past idleTimeout.
func (p *pool) idle(now time.Time) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for id, c := range p.connections {
		if c.State == StateConnected && now.Sub(c.LastActivity) > p.idleTimeout {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *pool) stop() {
	close(p.sweepStop)
	<-p.sweepDone
}
