package router

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/a2amesh/mesh/internal/a2aerr"
	"github.com/a2amesh/mesh/internal/events"
	"github.com/a2amesh/mesh/internal/message"
	"github.com/a2amesh/mesh/internal/metrics"
	"github.com/a2amesh/mesh/internal/registry"
)

// Router computes routes per §4.5. It never mutates registry state; it
// keeps its own adjacency view, built from explicit AddLink calls; registry
// events only invalidate the route cache.
type Router struct {
	reg     *registry.Registry
	localID string
	metrics *metrics.Core

	mu        sync.RWMutex
	adjacency map[string]map[string]struct{}

	defaultStrategy Strategy
	defaultMaxHops  int

	cache *routeCache

	rrMu sync.Mutex
	rr   map[string]int // round-robin counters keyed by candidate-pool signature
}

// New constructs a Router bound to reg. If bus is non-nil, the router
// subscribes to registry events to invalidate its route cache.
func New(reg *registry.Registry, localID string, m *metrics.Core, bus *events.Bus) *Router {
	r := &Router{
		reg:             reg,
		localID:         localID,
		metrics:         m,
		adjacency:       make(map[string]map[string]struct{}),
		defaultStrategy: StrategyShortestPath,
		defaultMaxHops:  3,
		cache:           newRouteCache(256),
		rr:              make(map[string]int),
	}
	if bus != nil {
		r.subscribeInvalidation(bus)
	}
	return r
}

func (r *Router) subscribeInvalidation(bus *events.Bus) {
	ch := bus.Subscribe("registry.*")
	go func() {
		for range ch {
			r.cache.invalidateAll()
		}
	}()
}

// SetDefaults applies the activator's topology-derived strategy/maxHops
// defaults, used when a message carries no route.strategy (§4.6).
func (r *Router) SetDefaults(strategy Strategy, maxHops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultStrategy = strategy
	r.defaultMaxHops = maxHops
}

// AddLink records a direct adjacency between two peers. Nothing in this
// module calls it automatically; links are recorded by the caller.
func (r *Router) AddLink(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addLink(r.adjacency, a, b)
	addLink(r.adjacency, b, a)
}

func addLink(adj map[string]map[string]struct{}, a, b string) {
	set, ok := adj[a]
	if !ok {
		set = make(map[string]struct{})
		adj[a] = set
	}
	set[b] = struct{}{}
}

// neighbors returns id's directly reachable peers. When no explicit link
// has been recorded for id, the router assumes every other live peer is
// directly reachable — the "flat mesh" default, which explicit AddLink calls narrow for hierarchical/ring/star topologies.
func (r *Router) neighbors(id string, live map[string]registry.Card) []string {
	r.mu.RLock()
	set, explicit := r.adjacency[id]
	r.mu.RUnlock()
	if explicit {
		out := make([]string, 0, len(set))
		for peer := range set {
			if _, ok := live[peer]; ok {
				out = append(out, peer)
			}
		}
		return out
	}
	out := make([]string, 0, len(live))
	for peer := range live {
		if peer != id {
			out = append(out, peer)
		}
	}
	return out
}

// Route computes a Route for msg and stamps multihop path info onto it
// when hops > 1, per §4.5.
func (r *Router) Route(msg *message.Message) (*Route, error) {
	start := time.Now()
	route, err := r.computeRoute(msg)
	if r.metrics != nil {
		r.metrics.Increment(metrics.Key{Component: "router", Label: "totalRouted"}, 1)
		if err != nil {
			r.metrics.Increment(metrics.Key{Component: "router", Label: "errors"}, 1)
			if ae, ok := err.(*a2aerr.Error); ok {
				r.metrics.Increment(metrics.Key{Component: "router", Label: "errors." + string(ae.Type)}, 1)
			}
		} else {
			r.metrics.Increment(metrics.Key{Component: "router", Label: "success"}, 1)
			r.metrics.Increment(metrics.Key{Component: "router", Label: "strategy." + string(route.Strategy)}, 1)
			r.metrics.Observe(metrics.Key{Component: "router", Label: "hops"}, float64(route.Hops))
		}
		r.metrics.Observe(metrics.Key{Component: "router", Label: "routingTimeMs"}, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		return nil, err
	}
	if route.Hops > 1 {
		msg.StampRoute(route.Path, string(route.Strategy), route.MaxHops)
	}
	return route, nil
}

func (r *Router) computeRoute(msg *message.Message) (*Route, error) {
	pool := r.candidatePool(msg)
	if len(pool) == 0 {
		if msg.To.IsBroadcast() {
			return &Route{Path: []string{r.localID}, Hops: 0, Strategy: StrategyDirect}, nil
		}
		return nil, a2aerr.New(a2aerr.AgentUnavailable, r.localID, "no live candidate for target")
	}

	strategy := r.strategyFor(msg)
	maxHops := r.maxHopsFor(msg)

	route, err := r.runStrategy(strategy, msg, pool, maxHops)
	if err != nil {
		// Fallback: if a concrete single peer id was requested and it is
		// reachable as a single hop, fall back to direct (§4.5 "Fallback").
		// A candidate rejected over context.maxCost is not a missing
		// candidate, so ResourceExhausted is returned as is.
		if ae, typed := err.(*a2aerr.Error); typed && ae.Type == a2aerr.ResourceExhausted {
			return nil, err
		}
		if single, ok := msg.To.Single(); ok {
			if _, liveOK := r.liveCard(single); liveOK && r.isNeighbor(single) {
				return &Route{Path: []string{r.localID, single}, Hops: 1, Strategy: StrategyDirect, MaxHops: maxHops}, nil
			}
		}
		return nil, err
	}
	return route, nil
}

func (r *Router) isNeighbor(id string) bool {
	live := r.reg.List()
	for _, n := range r.neighbors(r.localID, live) {
		if n == id {
			return true
		}
	}
	return false
}

func (r *Router) liveCard(id string) (registry.Card, bool) {
	c := r.reg.Get(id)
	if c == nil {
		return registry.Card{}, false
	}
	return *c, true
}

// candidatePool resolves msg.To into the set of agent ids the strategy
// should consider, per §4.5 "Targets".
func (r *Router) candidatePool(msg *message.Message) []string {
	live := r.reg.List()
	if msg.To.IsBroadcast() {
		pool := make([]string, 0, len(live))
		for id := range live {
			if id != r.localID {
				pool = append(pool, id)
			}
		}
		if len(msg.Capabilities) > 0 {
			pool = filterByCapabilities(live, pool, msg.Capabilities)
		}
		return pool
	}
	peers := msg.To.Peers()
	pool := make([]string, 0, len(peers))
	for _, id := range peers {
		if _, ok := live[id]; ok {
			pool = append(pool, id)
		}
	}
	return pool
}

func filterByCapabilities(live map[string]registry.Card, pool []string, required []message.RequiredCapability) []string {
	out := make([]string, 0, len(pool))
	for _, id := range pool {
		if cardSatisfiesAll(live[id], required) {
			out = append(out, id)
		}
	}
	return out
}

func cardSatisfiesAll(card registry.Card, required []message.RequiredCapability) bool {
	for _, req := range required {
		if !cardHasCapability(card, req) {
			return false
		}
	}
	return true
}

func cardHasCapability(card registry.Card, req message.RequiredCapability) bool {
	for _, cap := range card.Capabilities {
		if cap.Name != req.Name {
			continue
		}
		if req.Version == "" {
			return true
		}
		if satisfiesSemver(cap.Version, req.Version) {
			return true
		}
	}
	return false
}

func (r *Router) strategyFor(msg *message.Message) Strategy {
	if msg.Route != nil && msg.Route.Strategy != "" {
		return Strategy(msg.Route.Strategy)
	}
	if _, single := msg.To.Single(); single {
		return StrategyDirect
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultStrategy
}

func (r *Router) maxHopsFor(msg *message.Message) int {
	if msg.Route != nil && msg.Route.MaxHops > 0 {
		return msg.Route.MaxHops
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultMaxHops
}

func (r *Router) runStrategy(strategy Strategy, msg *message.Message, pool []string, maxHops int) (*Route, error) {
	switch strategy {
	case StrategyDirect:
		return r.direct(pool, maxHops)
	case StrategyShortestPath:
		return r.shortestPath(pool, maxHops)
	case StrategyLoadBalanced:
		return r.loadBalanced(msg, pool, maxHops)
	case StrategyCapabilityAware:
		return r.capabilityAware(msg, pool, maxHops)
	case StrategyCostOptimized:
		return r.costOptimized(msg, pool, maxHops)
	default:
		return nil, a2aerr.New(a2aerr.RoutingError, r.localID, "unknown strategy: "+string(strategy))
	}
}

func (r *Router) direct(pool []string, maxHops int) (*Route, error) {
	if len(pool) != 1 {
		return nil, a2aerr.New(a2aerr.RoutingError, r.localID, "direct strategy requires exactly one target")
	}
	target := pool[0]
	cacheKey := "direct:" + target
	if cached, ok := r.cache.get(cacheKey); ok {
		return &cached, nil
	}
	if !r.isNeighbor(target) {
		return nil, a2aerr.New(a2aerr.AgentUnavailable, r.localID, "peer "+target+" is not directly reachable")
	}
	route := Route{Path: []string{r.localID, target}, Hops: 1, Strategy: StrategyDirect, MaxHops: maxHops}
	r.cache.put(cacheKey, route)
	return &route, nil
}

// DistanceBetween reports the hop count from "from" to "to" using the same
// BFS the shortest_path strategy uses, satisfying discovery.Distance so the
// discovery service can apply maxDistance filtering without reaching into
// router internals.
func (r *Router) DistanceBetween(from, to string) (int, bool) {
	if from == to {
		return 0, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	live := r.reg.List()
	if from != r.localID {
		return distanceBFS(from, to, r.adjacency, live, r.defaultMaxHops)
	}
	path := r.bfs(to, live, r.defaultMaxHops)
	if path == nil {
		return 0, false
	}
	return len(path) - 1, true
}

// distanceBFS runs the same traversal as Router.bfs but rooted at an
// arbitrary peer rather than always r.localID, for DistanceBetween calls
// between two remote peers.
func distanceBFS(source, target string, adjacency map[string]map[string]struct{}, live map[string]registry.Card, maxHops int) (int, bool) {
	if source == target {
		return 0, true
	}
	type frame struct {
		id   string
		hops int
	}
	visited := map[string]struct{}{source: {}}
	queue := []frame{{id: source, hops: 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.hops >= maxHops {
			continue
		}
		var peers []string
		if set, explicit := adjacency[cur.id]; explicit {
			for p := range set {
				peers = append(peers, p)
			}
		} else {
			for p := range live {
				if p != cur.id {
					peers = append(peers, p)
				}
			}
		}
		for _, next := range peers {
			if _, seen := visited[next]; seen {
				continue
			}
			if _, alive := live[next]; !alive {
				continue
			}
			visited[next] = struct{}{}
			if next == target {
				return cur.hops + 1, true
			}
			queue = append(queue, frame{id: next, hops: cur.hops + 1})
		}
	}
	return 0, false
}

// bfs finds the shortest path from r.localID to target, returning nil if
// unreachable. Cycles are impossible by construction: BFS never revisits a
// node, so a returned path never contains a duplicate id (§8 invariant).
func (r *Router) bfs(target string, live map[string]registry.Card, maxHops int) []string {
	if target == r.localID {
		return []string{r.localID}
	}
	type frame struct {
		id   string
		path []string
	}
	visited := map[string]struct{}{r.localID: {}}
	queue := []frame{{id: r.localID, path: []string{r.localID}}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if len(cur.path)-1 >= maxHops {
			continue
		}
		for _, next := range r.neighbors(cur.id, live) {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			path := append(append([]string(nil), cur.path...), next)
			if next == target {
				return path
			}
			queue = append(queue, frame{id: next, path: path})
		}
	}
	return nil
}

func aggregateLoad(path []string, live map[string]registry.Card) float64 {
	var total float64
	for _, id := range path {
		if c, ok := live[id]; ok {
			total += c.Metadata.Load
		}
	}
	return total
}

func aggregateLatency(path []string, live map[string]registry.Card) float64 {
	var total float64
	for _, id := range path {
		if c, ok := live[id]; ok {
			for _, svc := range c.Services {
				total += svc.Latency
			}
		}
	}
	return total
}

func (r *Router) shortestPath(pool []string, maxHops int) (*Route, error) {
	live := r.reg.List()
	var best []string
	for _, target := range pool {
		path := r.bfs(target, live, maxHops)
		if path == nil {
			continue
		}
		if best == nil || len(path) < len(best) {
			best = path
			continue
		}
		if len(path) == len(best) {
			if aggregateLoad(path, live) < aggregateLoad(best, live) {
				best = path
			} else if aggregateLoad(path, live) == aggregateLoad(best, live) &&
				aggregateLatency(path, live) < aggregateLatency(best, live) {
				best = path
			}
		}
	}
	if best == nil {
		return nil, a2aerr.New(a2aerr.RoutingError, r.localID, "no path within maxHops")
	}
	hops := len(best) - 1
	if hops > maxHops {
		return nil, a2aerr.New(a2aerr.RoutingError, r.localID, fmt.Sprintf("minimum hop count %d exceeds maxHops %d", hops, maxHops))
	}
	return &Route{Path: best, Hops: hops, Strategy: StrategyShortestPath, MaxHops: maxHops}, nil
}

func (r *Router) loadBalanced(msg *message.Message, pool []string, maxHops int) (*Route, error) {
	live := r.reg.List()
	eligible := make([]string, 0, len(pool))
	for _, id := range pool {
		if live[id].Metadata.Status != "overloaded" && live[id].Metadata.Status != "offline" {
			eligible = append(eligible, id)
		}
	}
	degraded := false
	if len(eligible) == 0 {
		eligible = pool
		degraded = true
	}
	if len(eligible) == 0 {
		return nil, a2aerr.New(a2aerr.AgentUnavailable, r.localID, "no candidate for load_balanced routing")
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		ci, cj := live[eligible[i]], live[eligible[j]]
		if ci.Metadata.Load != cj.Metadata.Load {
			return ci.Metadata.Load < cj.Metadata.Load
		}
		ei := r.errorRate(eligible[i])
		ej := r.errorRate(eligible[j])
		return ei < ej
	})

	// Round-robin among the subset tied for lowest load/error-rate.
	best := live[eligible[0]]
	tied := []string{eligible[0]}
	for _, id := range eligible[1:] {
		c := live[id]
		if c.Metadata.Load == best.Metadata.Load && r.errorRate(id) == r.errorRate(eligible[0]) {
			tied = append(tied, id)
		}
	}
	chosen := tied[r.nextRoundRobin(tied)]

	path := r.bfs(chosen, live, maxHops)
	if path == nil {
		return nil, a2aerr.New(a2aerr.RoutingError, r.localID, "selected peer unreachable within maxHops")
	}
	return &Route{Path: path, Hops: len(path) - 1, Strategy: StrategyLoadBalanced, MaxHops: maxHops, Degraded: degraded}, nil
}

func (r *Router) errorRate(id string) float64 {
	if r.metrics == nil {
		return 0
	}
	total := r.metrics.Counter(metrics.Key{Component: "router", PeerID: id, Label: "attempts"})
	errs := r.metrics.Counter(metrics.Key{Component: "router", PeerID: id, Label: "errors"})
	if total == 0 {
		return 0
	}
	return float64(errs) / float64(total)
}

func (r *Router) nextRoundRobin(tied []string) int {
	key := fmt.Sprintf("%v", tied)
	r.rrMu.Lock()
	defer r.rrMu.Unlock()
	idx := r.rr[key] % len(tied)
	r.rr[key] = idx + 1
	return idx
}

func (r *Router) capabilityAware(msg *message.Message, pool []string, maxHops int) (*Route, error) {
	if len(msg.Capabilities) == 0 {
		return nil, a2aerr.New(a2aerr.ValidationError, r.localID, "capability_aware routing requires message.capabilities")
	}
	live := r.reg.List()
	matches := make([]string, 0, len(pool))
	for _, id := range pool {
		if cardSatisfiesAll(live[id], msg.Capabilities) {
			matches = append(matches, id)
		}
	}
	if len(matches) == 0 {
		return nil, a2aerr.New(a2aerr.CapabilityNotFound, r.localID, "no live peer satisfies required capabilities")
	}

	primary := msg.Capabilities[0]
	sort.SliceStable(matches, func(i, j int) bool {
		vi := bestVersionFor(live[matches[i]], primary.Name)
		vj := bestVersionFor(live[matches[j]], primary.Name)
		if cmp := compareVersion(vi, vj); cmp != 0 {
			return cmp > 0 // higher (minor, patch) preferred
		}
		ci := cardCost(live[matches[i]])
		cj := cardCost(live[matches[j]])
		if ci != cj {
			return ci < cj
		}
		return live[matches[i]].Metadata.Load < live[matches[j]].Metadata.Load
	})

	chosen := matches[0]
	path := r.bfs(chosen, live, maxHops)
	if path == nil {
		return nil, a2aerr.New(a2aerr.RoutingError, r.localID, "best capability match unreachable within maxHops")
	}
	return &Route{Path: path, Hops: len(path) - 1, Strategy: StrategyCapabilityAware, MaxHops: maxHops}, nil
}

func bestVersionFor(card registry.Card, capName string) string {
	best := ""
	for _, cap := range card.Capabilities {
		if cap.Name == capName && compareVersion(cap.Version, best) > 0 {
			best = cap.Version
		}
	}
	return best
}

func cardCost(card registry.Card) float64 {
	if v, ok := card.Metadata.Metrics["cost"]; ok {
		return v
	}
	return 0
}

func (r *Router) costOptimized(msg *message.Message, pool []string, maxHops int) (*Route, error) {
	if msg.Method == "" {
		return nil, a2aerr.New(a2aerr.ValidationError, r.localID, "cost_optimized routing requires a method")
	}
	live := r.reg.List()
	type candidate struct {
		id   string
		cost float64
	}
	var candidates []candidate
	for _, id := range pool {
		for _, svc := range live[id].Services {
			if svc.Name == msg.Method || svc.Method == msg.Method {
				candidates = append(candidates, candidate{id: id, cost: svc.Cost})
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil, a2aerr.New(a2aerr.CapabilityNotFound, r.localID, "no live peer offers method "+msg.Method)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].cost < candidates[j].cost })
	cheapest := candidates[0]

	if msg.Context != nil && msg.Context.MaxCost > 0 && cheapest.cost > msg.Context.MaxCost {
		return nil, a2aerr.New(a2aerr.ResourceExhausted, r.localID, "cheapest candidate exceeds context.maxCost").
			WithData(map[string]interface{}{"cost": cheapest.cost, "maxCost": msg.Context.MaxCost})
	}

	path := r.bfs(cheapest.id, live, maxHops)
	if path == nil {
		return nil, a2aerr.New(a2aerr.RoutingError, r.localID, "cheapest candidate unreachable within maxHops")
	}
	return &Route{Path: path, Hops: len(path) - 1, Strategy: StrategyCostOptimized, MaxHops: maxHops}, nil
}
