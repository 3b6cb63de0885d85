package cache

import (
	"bytes"
	"context"
	"sync/atomic"
)

type lruItem struct {
	key   string
	value []byte
	size  int64
	prev  *lruItem
	next  *lruItem
}

// LRU is a byte-bounded least-recently-used cache. The size of an entry is
// len(key)+len(value). It is not safe for concurrent use; wrap it in
// ThreadSafe when it is shared.
type LRU struct {
	maxBytes int64

	items map[string]*lruItem
	head  *lruItem
	tail  *lruItem
	total int64

	hits               atomic.Uint64
	misses             atomic.Uint64
	inserts            atomic.Uint64
	identicalReinserts atomic.Uint64
	evictions          atomic.Uint64
	deletes            atomic.Uint64
}

// NewLRU returns an LRU holding at most maxBytes of keys and values.
// A maxBytes of zero or less means unbounded.
func NewLRU(maxBytes int64) *LRU {
	return &LRU{maxBytes: maxBytes, items: map[string]*lruItem{}}
}

func (c *LRU) Name() string  { return "LRU" }
func (c *LRU) Healthy() bool { return true }

func (c *LRU) Get(_ context.Context, key string) ([]byte, bool) {
	it, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.moveToFront(it)
	return it.value, true
}

func (c *LRU) Put(_ context.Context, key string, value []byte) {
	sz := int64(len(key) + len(value))

	if it, ok := c.items[key]; ok {
		if bytes.Equal(it.value, value) {
			c.identicalReinserts.Add(1)
			c.moveToFront(it)
			return
		}
		c.removeItem(it)
	}

	if c.maxBytes > 0 && sz > c.maxBytes {
		// Would evict everything and still not fit.
		return
	}

	for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.tail != nil {
		c.evictions.Add(1)
		c.removeItem(c.tail)
	}

	it := &lruItem{key: key, value: value, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	c.inserts.Add(1)
}

func (c *LRU) Delete(_ context.Context, key string) {
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.deletes.Add(1)
	c.removeItem(it)
}

// Len returns the number of entries.
func (c *LRU) Len() int { return len(c.items) }

// TotalSize returns the accounted bytes of all entries.
func (c *LRU) TotalSize() int64 { return c.total }

// Keys returns the keys from most to least recently used.
func (c *LRU) Keys() []string {
	out := make([]string, 0, len(c.items))
	for it := c.head; it != nil; it = it.next {
		out = append(out, it.key)
	}
	return out
}

func (c *LRU) Stats() Stats {
	return Stats{
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		Inserts:            c.inserts.Load(),
		IdenticalReinserts: c.identicalReinserts.Load(),
		Evictions:          c.evictions.Load(),
		Deletes:            c.deletes.Load(),
		Entries:            len(c.items),
		Bytes:              c.total,
	}
}

// ClearStats resets the counters but keeps the entries.
func (c *LRU) ClearStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.inserts.Store(0)
	c.identicalReinserts.Store(0)
	c.evictions.Store(0)
	c.deletes.Store(0)
}

func (c *LRU) removeItem(it *lruItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *LRU) addToFront(it *lruItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *LRU) unlink(it *lruItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *LRU) moveToFront(it *lruItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
