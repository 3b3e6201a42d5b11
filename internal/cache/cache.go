// Package cache implements a sharded, reference-counted LRU block cache.
// A handle returned by Get stays valid — its bytes are never reused or
// freed — until the caller releases it, even if the entry is evicted or
// explicitly erased out from under it in the meantime; this is the deferred
// eviction scheme described in package doc of the shard type below.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// numShards is the number of independent shards a Cache splits its
// keyspace across, each with its own mutex, to reduce contention between
// unrelated block accesses.
const numShards = 5

// Destructor is invoked exactly once per entry, when its reference count
// drops to zero after it has left the cache (by eviction or Erase).
type Destructor func(key, value []byte)

// entry is one cached item. It is never freed while refs > 0; once it
// leaves the cache (inCache becomes false) and refs reaches zero, the
// registered Destructor fires and the entry is discarded.
type entry struct {
	key     []byte
	value   []byte
	refs    int
	inCache bool
	ttl     time.Duration
	stored  time.Time
	elem    *list.Element // this entry's node in its shard's recency list
}

// Handle is a live reference to a cached value, obtained from Get. The
// caller must call Cache.Release once per Handle; further Release calls on
// the same Handle have no effect.
type Handle struct {
	e        *entry
	s        *shard
	released bool
}

// Value returns the handle's cached bytes. Valid until Release.
func (h *Handle) Value() []byte {
	return h.e.value
}

// shard is one independently-locked slice of the cache's keyspace: a
// hashmap from key to entry, a recency list for LRU eviction, and a
// "pending erase" side map holding entries unlinked from both (by
// eviction or Erase) but still pinned by an outstanding Handle. A Get
// always returns a pointer callers can hold onto regardless of what
// Insert/Erase calls happen afterward; the side map is what makes that
// safe without a copy on every access.
type shard struct {
	mu           sync.Mutex
	capacity     int
	usage        int
	table        map[string]*entry
	recency      *list.List
	pendingErase map[*entry]bool
	destructor   Destructor
}

func newShard(capacity int) *shard {
	return &shard{
		capacity:     capacity,
		table:        make(map[string]*entry),
		recency:      list.New(),
		pendingErase: make(map[*entry]bool),
	}
}

// Cache is a sharded LRU. Construct with New and size each shard so total
// capacity is roughly capacityPerShard * numShards entries.
type Cache struct {
	shards     [numShards]*shard
	destructor Destructor
}

// New returns a Cache with numShards shards, each holding up to
// capacityPerShard entries before evicting.
func New(capacityPerShard int) *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = newShard(capacityPerShard)
	}
	return c
}

// RegisterCleanHandler sets the destructor invoked when an entry is
// finalized. It applies to every shard and should be set once, before use.
func (c *Cache) RegisterCleanHandler(fn Destructor) {
	c.destructor = fn
	for _, s := range c.shards {
		s.destructor = fn
	}
}

func shardIndex(key []byte) int {
	h := fnv.New64a()
	h.Write(key)
	return int(h.Sum64() % numShards)
}

func (c *Cache) shardFor(key []byte) *shard {
	return c.shards[shardIndex(key)]
}

// Insert installs value under key with an initial reference count of one
// (the cache's own pin), evicting the least-recently-used entry first if
// the shard is full. ttl is recorded on the entry; the cache never expires
// entries on its own, whatever the ttl.
func (c *Cache) Insert(key, value []byte, ttl time.Duration) *Handle {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	ks := string(key)
	if old, ok := s.table[ks]; ok {
		s.unlinkLocked(old)
		old.refs--
		s.finalizeIfDeadLocked(old)
	}

	if s.usage >= s.capacity {
		s.evictOldestLocked()
	}

	e := &entry{
		key:     append([]byte(nil), key...),
		value:   value,
		refs:    1,
		inCache: true,
		ttl:     ttl,
		stored:  time.Now(),
	}
	e.elem = s.recency.PushFront(e)
	s.table[ks] = e
	s.usage++

	return &Handle{e: e, s: s}
}

// Get returns a handle to the value stored under key, moving it to the
// front of its shard's recency list. ok is false on a miss.
func (c *Cache) Get(key []byte) (h *Handle, ok bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.table[string(key)]
	if !found {
		return nil, false
	}
	s.recency.MoveToFront(e.elem)
	e.refs++
	return &Handle{e: e, s: s}, true
}

// Release drops h's reference. Once an entry's reference count reaches
// zero and it is no longer in the cache (evicted or erased), its
// destructor fires and its memory is no longer reachable through the
// cache.
func (c *Cache) Release(h *Handle) {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	h.e.refs--
	s.finalizeIfDeadLocked(h.e)
}

// Erase unlinks key from the cache immediately, regardless of how many
// handles are outstanding; those handles remain valid until released, at
// which point the entry is finalized.
func (c *Cache) Erase(key []byte) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.table[string(key)]
	if !ok {
		return
	}
	s.unlinkLocked(e)
	e.refs--
	s.finalizeIfDeadLocked(e)
}

// Prune sweeps the pending-erase side map, finalizing any entry whose
// outstanding handles have all already been released. Normally Release
// finalizes inline; Prune is a safety net a caller can invoke
// periodically to make sure nothing was left behind.
func (c *Cache) Prune() {
	for _, s := range c.shards {
		s.mu.Lock()
		for e := range s.pendingErase {
			s.finalizeIfDeadLocked(e)
		}
		s.mu.Unlock()
	}
}

// unlinkLocked removes e from the table and recency list and, if it still
// has outstanding references, moves it to the pending-erase side map so
// existing handles remain valid.
func (s *shard) unlinkLocked(e *entry) {
	delete(s.table, string(e.key))
	s.recency.Remove(e.elem)
	s.usage--
	e.inCache = false
	if e.refs > 0 {
		s.pendingErase[e] = true
	}
}

// evictOldestLocked evicts the shard's least-recently-used entry, per
// spec's "insert evicts the LRU tail, which unpins the entry" rule: the
// cache's own reference on that entry is dropped here, same as Erase.
func (s *shard) evictOldestLocked() {
	back := s.recency.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	s.unlinkLocked(e)
	e.refs--
	s.finalizeIfDeadLocked(e)
}

// finalizeIfDeadLocked invokes the destructor and drops e once it has left
// the cache and no handle references it anymore.
func (s *shard) finalizeIfDeadLocked(e *entry) {
	if e.inCache || e.refs > 0 {
		return
	}
	delete(s.pendingErase, e)
	if s.destructor != nil {
		s.destructor(e.key, e.value)
	}
}
