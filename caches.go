package dbus

import "sync"

// cache is a concurrent memo table.
type cache[K comparable, V any] struct {
	m sync.Map
}

func (c *cache[K, V]) Get(k K) (val V, found bool) {
	ent, ok := c.m.Load(k)
	if !ok {
		return val, false
	}
	return ent.(V), true
}

func (c *cache[K, V]) Put(k K, val V) {
	c.m.Store(k, val)
}
