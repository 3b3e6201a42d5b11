package memtable

import (
	"sync/atomic"

	"github.com/jwwh/tinykv/internal/arena"
	"github.com/jwwh/tinykv/internal/codec"
	"github.com/jwwh/tinykv/internal/dbformat"
	"github.com/jwwh/tinykv/errs"
)

// LookupResult is the outcome of a point Get against a memtable.
type LookupResult int

const (
	// NotFound means no record for the user key exists in this memtable.
	NotFound LookupResult = iota
	// Found means a live value was located; Memtable.Get's out parameter
	// holds it.
	Found
	// Deleted means the newest record visible at the lookup's sequence is a
	// tombstone.
	Deleted
)

// Memtable is an in-memory, internal-key-ordered store of recent writes,
// backed by a skip list over an arena. It is reference counted: a write path
// and a flusher may share one, and the arena is freed only once the last
// reference drops.
type Memtable struct {
	list *SkipList
	a    *arena.Arena
	cmp  *dbformat.Comparator
	refs atomic.Int32
}

// New returns an empty Memtable ordered by cmp (nil selects bytewise user
// key order), with an initial reference count of 1.
func New(cmp *dbformat.Comparator) *Memtable {
	if cmp == nil {
		cmp = dbformat.Default
	}
	a := arena.New()
	m := &Memtable{a: a, cmp: cmp}
	m.list = NewSkipList(recordComparator(cmp), a)
	m.refs.Store(1)
	return m
}

// recordComparator adapts an internal-key comparator to compare two
// memtable records (each prefixed with a varint length per §3) by decoding
// their internal keys first.
func recordComparator(cmp *dbformat.Comparator) Comparator {
	return func(a, b []byte) int {
		ak, _, _ := codec.GetLengthPrefixedSlice(a)
		bk, _, _ := codec.GetLengthPrefixedSlice(b)
		return cmp.Compare(ak, bk)
	}
}

// Add encodes (sequence, type, userKey, value) as a memtable record —
// varint(internal_key_len) ∥ internal_key ∥ varint(value_len) ∥ value — into
// the arena and inserts a pointer to it into the skip list.
func (m *Memtable) Add(seq dbformat.SequenceNumber, t dbformat.ValueType, userKey, value []byte) error {
	if len(userKey) == 0 {
		return errs.ErrInvalidArgument
	}

	internalKeyLen := len(userKey) + dbformat.NumInternalBytes
	encodedLen := varintLen(uint32(internalKeyLen)) + internalKeyLen + varintLen(uint32(len(value))) + len(value)

	buf := m.a.Allocate(encodedLen)[:0]
	buf = codec.PutVarint32(buf, uint32(internalKeyLen))
	buf = dbformat.AppendInternalKey(buf, userKey, seq, t)
	buf = codec.PutVarint32(buf, uint32(len(value)))
	buf = append(buf, value...)

	m.list.Insert(buf)
	return nil
}

// Get looks up userKey as of the snapshot sequence embedded in lookupKey.
// On Found, value holds a copy of the live value; it is nil otherwise.
func (m *Memtable) Get(lookupKey *dbformat.LookupKey) (value []byte, result LookupResult) {
	it := m.list.NewIterator()
	it.Seek(lookupKey.MemtableKey())

	if !it.Valid() {
		return nil, NotFound
	}

	record := it.Key()
	internalKey, rest, ok := codec.GetLengthPrefixedSlice(record)
	if !ok {
		return nil, NotFound
	}

	if m.cmp.CompareUserKey(internalKey, lookupKey.InternalKey()) != 0 {
		return nil, NotFound
	}

	_, typ := dbformat.ExtractSequenceAndType(internalKey)
	val, _, ok := codec.GetLengthPrefixedSlice(rest)
	if !ok {
		return nil, NotFound
	}

	switch typ {
	case dbformat.TypeValue:
		return append([]byte(nil), val...), Found
	default:
		return nil, Deleted
	}
}

// ApproximateMemoryUsage delegates to the backing arena.
func (m *Memtable) ApproximateMemoryUsage() int64 {
	return m.a.MemoryUsage()
}

// Ref increments the reference count. Used when a flusher takes ownership
// of a frozen memtable concurrently with the write path still holding one.
func (m *Memtable) Ref() { m.refs.Add(1) }

// Unref decrements the reference count. The caller must not use m again
// after this call if it returns true (the arena has been dropped).
func (m *Memtable) Unref() bool {
	if m.refs.Add(-1) == 0 {
		m.a = nil
		m.list = nil
		return true
	}
	return false
}

// RecordIterator yields (internalKey, value) pairs from a memtable in
// internal-key order.
type RecordIterator struct {
	it *Iterator
}

// NewIterator returns a RecordIterator over every record currently in m.
func (m *Memtable) NewIterator() *RecordIterator {
	return &RecordIterator{it: m.list.NewIterator()}
}

// SeekFirst positions at the smallest internal key.
func (r *RecordIterator) SeekFirst() { r.it.SeekFirst() }

// Seek positions at the first internal key >= target.
func (r *RecordIterator) Seek(target []byte) { r.it.Seek(target) }

// Valid reports whether the iterator is positioned at an entry.
func (r *RecordIterator) Valid() bool { return r.it.Valid() }

// Next advances the iterator.
func (r *RecordIterator) Next() { r.it.Next() }

// InternalKey returns the current entry's internal key.
func (r *RecordIterator) InternalKey() []byte {
	k, _, _ := codec.GetLengthPrefixedSlice(r.it.Key())
	return k
}

// Value returns the current entry's value.
func (r *RecordIterator) Value() []byte {
	_, rest, _ := codec.GetLengthPrefixedSlice(r.it.Key())
	v, _, _ := codec.GetLengthPrefixedSlice(rest)
	return v
}

func varintLen(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
