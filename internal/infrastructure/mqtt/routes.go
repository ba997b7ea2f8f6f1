package mqtt

import (
	"sort"
	"sync"
)

// route is one remembered subscription.
type route struct {
	pattern string
	qos     byte
	handler MessageHandler
}

// routeTable holds the subscriptions to replay after a reconnect. The zero
// value is ready to use.
type routeTable struct {
	mu     sync.RWMutex
	byName map[string]route
}

func (t *routeTable) put(r route) {
	t.mu.Lock()
	if t.byName == nil {
		t.byName = make(map[string]route)
	}
	t.byName[r.pattern] = r
	t.mu.Unlock()
}

func (t *routeTable) drop(pattern string) {
	t.mu.Lock()
	delete(t.byName, pattern)
	t.mu.Unlock()
}

func (t *routeTable) has(pattern string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byName[pattern]
	return ok
}

func (t *routeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}

// snapshot returns the routes sorted by pattern.
func (t *routeTable) snapshot() []route {
	t.mu.RLock()
	out := make([]route, 0, len(t.byName))
	for _, r := range t.byName {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].pattern < out[j].pattern })
	return out
}

// restore re-subscribes every route on c. Failures are logged and the
// route is kept so the next reconnect tries again.
func (t *routeTable) restore(c *Client) {
	routes := t.snapshot()
	if len(routes) == 0 {
		return
	}
	failed := 0
	for _, r := range routes {
		if err := await(c.paho.Subscribe(r.pattern, r.qos, c.wrap(r.handler)), defaultPublishTimeout, ErrSubscribeFailed); err != nil {
			failed++
			if l := c.getLogger(); l != nil {
				l.Warn("MQTT subscription not restored", "topic", r.pattern, "error", err)
			}
		}
	}
	if failed > 0 {
		if l := c.getLogger(); l != nil {
			l.Error("MQTT reconnect left subscriptions missing", "failed", failed, "total", len(routes))
		}
	}
}
