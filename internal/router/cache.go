package router

import (
	"container/list"
	"sync"
)

// routeCache is a bounded LRU cache of recently computed routes, explicitly
// invalidated by registry events rather than time-based expiry (§5 "Router
// cache: bounded LRU with explicit invalidation on registry events").
type routeCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key   string
	route Route
}

func newRouteCache(capacity int) *routeCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &routeCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *routeCache) get(key string) (Route, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Route{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).route, true
}

func (c *routeCache) put(key string, route Route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).route = route
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, route: route})
	c.items[key] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// invalidateAll drops every cached route; called on any registry mutation
// event since a route may reference any peer.
func (c *routeCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}
