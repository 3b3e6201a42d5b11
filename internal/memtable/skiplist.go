// Package memtable provides the in-memory, internal-key-ordered store that
// sits in front of every write: a single-writer/multi-reader skip list
// (this file) wrapped with MVCC semantics (memtable.go).
package memtable

import (
	"math/rand"
	"sync/atomic"

	"github.com/jwwh/tinykv/internal/arena"
)

const (
	// maxHeight is the skip list's H parameter: the tallest a node's tower
	// of forward pointers can grow.
	maxHeight = 20
	// branching is the B parameter: new node height is 1+geometric(1/B),
	// capped at maxHeight.
	branching = 4
)

// Comparator orders the opaque byte keys the skip list indexes. The memtable
// supplies one that decodes the internal key embedded in each record.
type Comparator func(a, b []byte) int

// node is a skip list node. Its forward-pointer tower is a separately
// allocated slice sized to the node's height — the Go equivalent of the
// original design's trailing flexible array. Node towers hold live pointers
// and so are not carved from the byte-oriented arena, which holds only the
// immutable record bytes a node's key points at.
type node struct {
	key     []byte
	forward []atomic.Pointer[node]
}

func newNode(key []byte, height int) *node {
	return &node{key: key, forward: make([]atomic.Pointer[node], height)}
}

// next returns the node's successor at level, with an acquire load pairing
// the release store insert uses to publish new nodes.
func (n *node) next(level int) *node {
	return n.forward[level].Load()
}

func (n *node) setNext(level int, v *node) {
	n.forward[level].Store(v)
}

// SkipList is a probabilistic ordered map over opaque byte keys. Key bytes
// are stored as given (the memtable hands it arena-backed records); the list
// itself does not copy them. It tolerates exactly one writer
// (the owning memtable) concurrent with arbitrarily many lock-free readers.
type SkipList struct {
	cmp    Comparator
	arena  *arena.Arena
	head   *node
	height atomic.Int32 // current max height in use, relaxed
	rnd    *rand.Rand
}

// NewSkipList returns an empty SkipList ordered by cmp. a is held for the
// list's lifetime; Insert does not allocate from it.
func NewSkipList(cmp Comparator, a *arena.Arena) *SkipList {
	return &SkipList{
		cmp:   cmp,
		arena: a,
		head:  newNode(nil, maxHeight),
		rnd:   rand.New(rand.NewSource(0xdb1357)),
	}
}

func (s *SkipList) randomHeight() int {
	h := 1
	for h < maxHeight && s.rnd.Intn(branching) == 0 {
		h++
	}
	return h
}

func (s *SkipList) curHeight() int {
	return int(s.height.Load())
}

// findGreaterOrEqual walks the tower top-down and returns the first node
// whose key is >= target (nil if none), optionally filling prev with the
// per-level predecessor of that node — the classic skip list search used by
// both Insert and Seek.
func (s *SkipList) findGreaterOrEqual(key []byte, prev []*node) *node {
	x := s.head
	level := s.curHeight() - 1
	if level < 0 {
		level = 0
	}

	for {
		next := x.next(level)
		if next != nil && s.cmp(next.key, key) < 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// findLessThan returns the last node (walking from head) with key strictly
// less than target.
func (s *SkipList) findLessThan(key []byte) *node {
	x := s.head
	level := s.curHeight() - 1
	if level < 0 {
		level = 0
	}

	for {
		next := x.next(level)
		if next != nil && s.cmp(next.key, key) < 0 {
			x = next
			continue
		}
		if level == 0 {
			if x == s.head {
				return nil
			}
			return x
		}
		level--
	}
}

func (s *SkipList) findLast() *node {
	x := s.head
	level := s.curHeight() - 1
	if level < 0 {
		level = 0
	}

	for {
		next := x.next(level)
		if next != nil {
			x = next
			continue
		}
		if level == 0 {
			if x == s.head {
				return nil
			}
			return x
		}
		level--
	}
}

// Insert adds key to the list. It is the caller's (the memtable's)
// responsibility that key is unique under cmp — uniqueness is already
// guaranteed for memtable records because every internal key embeds a
// fresh sequence number. Single-writer only.
func (s *SkipList) Insert(key []byte) {
	var prev [maxHeight]*node
	s.findGreaterOrEqual(key, prev[:])

	height := s.randomHeight()
	if height > s.curHeight() {
		for i := s.curHeight(); i < height; i++ {
			prev[i] = s.head
		}
		// Relaxed: a reader observing the new height before a node exists at
		// that level simply treats the head's nil forward pointer as
		// end-of-list, which is the documented, safe race.
		s.height.Store(int32(height))
	}

	n := newNode(key, height)
	for i := 0; i < height; i++ {
		n.setNext(i, prev[i].next(i))
		prev[i].setNext(i, n) // release store publishing n
	}
}

// Contains reports whether key is present. Lock-free.
func (s *SkipList) Contains(key []byte) bool {
	n := s.findGreaterOrEqual(key, nil)
	return n != nil && s.cmp(n.key, key) == 0
}

// Iterator walks the skip list in key order.
type Iterator struct {
	list *SkipList
	n    *node
}

// NewIterator returns an invalid iterator positioned before the first entry.
func (s *SkipList) NewIterator() *Iterator {
	return &Iterator{list: s}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.n != nil }

// Key returns the current entry. Valid() must be true.
func (it *Iterator) Key() []byte { return it.n.key }

// SeekFirst positions at the smallest entry.
func (it *Iterator) SeekFirst() {
	it.n = it.list.head.next(0)
}

// SeekLast positions at the largest entry.
func (it *Iterator) SeekLast() {
	it.n = it.list.findLast()
}

// Seek positions at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	it.n = it.list.findGreaterOrEqual(target, nil)
}

// Next advances to the next entry. Valid() must be true beforehand.
func (it *Iterator) Next() {
	it.n = it.n.next(0)
}

// Prev moves to the previous entry by re-searching for the greatest key
// strictly less than the current one — the skip list carries no
// back-pointers, so this costs another descent exactly as spec §4.4
// describes.
func (it *Iterator) Prev() {
	it.n = it.list.findLessThan(it.n.key)
}
