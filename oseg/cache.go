package oseg

import (
	"container/list"
	"time"

	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/model"
)

// lruCache is OSEG's bounded cache (§3 "Cache entry", §4.2 capacity C /
// TTL T). A capacity-bounded doubly linked list plus a map gives O(1)
// get/insert/evict; entries additionally expire on TTL even if never
// evicted for space (P5).
type lruCache struct {
	capacity int
	ttl      time.Duration
	ll       *list.List
	index    map[ids.ObjectId]*list.Element
}

type cacheNode struct {
	id    ids.ObjectId
	entry model.CacheEntry
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	if capacity < 1 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		index:    make(map[ids.ObjectId]*list.Element, capacity),
	}
}

// Get returns the cached owner for id, or ok=false if absent or
// expired (P5: an expired entry is never returned as a live hit).
func (c *lruCache) Get(id ids.ObjectId) (ids.ServerId, bool) {
	el, ok := c.index[id]
	if !ok {
		return 0, false
	}
	node := el.Value.(*cacheNode)
	if node.entry.Expired(c.ttl) {
		c.ll.Remove(el)
		delete(c.index, id)
		return 0, false
	}
	c.ll.MoveToFront(el)
	return node.entry.Owner, true
}

// Insert records id -> owner, evicting the least-recently-used entry
// if the cache is at capacity.
func (c *lruCache) Insert(id ids.ObjectId, owner ids.ServerId, now int64) {
	if el, ok := c.index[id]; ok {
		el.Value.(*cacheNode).entry = model.CacheEntry{Owner: owner, InsertedAt: now}
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheNode{id: id, entry: model.CacheEntry{Owner: owner, InsertedAt: now}})
	c.index[id] = el
	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.index, back.Value.(*cacheNode).id)
	}
}

func (c *lruCache) Remove(id ids.ObjectId) {
	if el, ok := c.index[id]; ok {
		c.ll.Remove(el)
		delete(c.index, id)
	}
}

func (c *lruCache) Len() int { return c.ll.Len() }
