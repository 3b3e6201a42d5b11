// Package dbformat implements the internal-key model that encodes MVCC
// semantics into byte ordering: every key stored in a memtable or SST is a
// user key concatenated with a packed (sequence, type) trailer, ordered so a
// forward scan of equal user keys visits the newest version first.
package dbformat

import (
	"github.com/jwwh/tinykv/internal/codec"
)

// SequenceNumber is the 56-bit monotonically increasing counter assigned by
// the write path. Every insert, update, and delete consumes one.
type SequenceNumber uint64

// MaxSequenceNumber is the largest representable sequence number (2^56 - 1).
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// ValueType tags a record as a live value or a tombstone. It occupies the
// low 8 bits of the internal key's trailer.
type ValueType uint8

const (
	// TypeDeletion marks a tombstone: the user key is logically absent as of
	// this sequence number.
	TypeDeletion ValueType = 0
	// TypeValue marks a live value.
	TypeValue ValueType = 1
)

// ValueTypeForSeek is the type used when constructing a lookup key: seeking
// with the highest-sorting type for a given sequence ensures an ordered seek
// lands on or before the newest version at or before that sequence.
const ValueTypeForSeek = TypeValue

// NumInternalBytes is the fixed width of the trailer appended to every user
// key: 8 bytes holding (sequence<<8 | type).
const NumInternalBytes = 8

// PackSequenceAndType packs a sequence number and value type into the 64-bit
// trailer format: sequence occupies the upper 56 bits, type the low 8.
func PackSequenceAndType(seq SequenceNumber, t ValueType) uint64 {
	return uint64(seq)<<8 | uint64(t)
}

// UnpackSequenceAndType is the inverse of PackSequenceAndType.
func UnpackSequenceAndType(packed uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(packed >> 8), ValueType(packed & 0xff)
}

// AppendInternalKey appends the encoding of an internal key — user_key
// followed by the packed (sequence, type) trailer — to dst and returns the
// grown slice.
func AppendInternalKey(dst []byte, userKey []byte, seq SequenceNumber, t ValueType) []byte {
	dst = append(dst, userKey...)
	return codec.PutFixed64(dst, PackSequenceAndType(seq, t))
}

// ExtractUserKey returns the user-key prefix of an internal key. The result
// aliases internalKey.
func ExtractUserKey(internalKey []byte) []byte {
	if len(internalKey) < NumInternalBytes {
		return internalKey
	}
	return internalKey[:len(internalKey)-NumInternalBytes]
}

// ExtractSequenceAndType decodes the trailer of an internal key.
func ExtractSequenceAndType(internalKey []byte) (SequenceNumber, ValueType) {
	if len(internalKey) < NumInternalBytes {
		return 0, TypeDeletion
	}
	trailer := codec.GetFixed64(internalKey[len(internalKey)-NumInternalBytes:])
	return UnpackSequenceAndType(trailer)
}

// Compare orders internal keys: user keys ascending by the user comparator,
// and on a tie, sequence+type descending (the newest/most-specific version
// sorts first). This is the fundamental invariant every read path depends on.
func Compare(userCmp func(a, b []byte) int, a, b []byte) int {
	au, bu := ExtractUserKey(a), ExtractUserKey(b)
	if c := userCmp(au, bu); c != 0 {
		return c
	}

	var at, bt uint64
	if len(a) >= NumInternalBytes {
		at = codec.GetFixed64(a[len(a)-NumInternalBytes:])
	}
	if len(b) >= NumInternalBytes {
		bt = codec.GetFixed64(b[len(b)-NumInternalBytes:])
	}
	switch {
	case at > bt:
		return -1
	case at < bt:
		return 1
	default:
		return 0
	}
}

// Comparator bundles a user-key comparator with the internal-key ordering
// derived from it, plus the index-shrinking helpers the SST builder needs.
// It implements the injectable comparator contract from spec §6.
type Comparator struct {
	userName    string
	userCompare func(a, b []byte) int
}

// NewComparator builds an internal-key Comparator wrapping the given named
// user-key comparator. A nil compare function defaults to bytewise order.
func NewComparator(name string, compare func(a, b []byte) int) *Comparator {
	if compare == nil {
		compare = codec.Compare
		if name == "" {
			name = "tinykv.BytewiseComparator"
		}
	}
	return &Comparator{userName: name, userCompare: compare}
}

// Default is the internal-key comparator over plain lexicographic byte
// ordering, used whenever no comparator is injected.
var Default = NewComparator("tinykv.BytewiseComparator", codec.Compare)

// Name returns the comparator's registered name.
func (c *Comparator) Name() string { return c.userName }

// Compare orders two internal keys per the contract documented on the
// package-level Compare function.
func (c *Comparator) Compare(a, b []byte) int {
	return Compare(c.userCompare, a, b)
}

// CompareUserKey compares just the user-key portion of two internal keys
// (or two bare user keys — ExtractUserKey is a no-op on keys shorter than
// the trailer).
func (c *Comparator) CompareUserKey(a, b []byte) int {
	return c.userCompare(ExtractUserKey(a), ExtractUserKey(b))
}

// UserCompare exposes the wrapped user-key comparator directly.
func (c *Comparator) UserCompare() func(a, b []byte) int {
	return c.userCompare
}

// FindShortestSeparator delegates to the user comparator's shortening
// helper on the extracted user keys. If shortening found a strictly shorter
// separator, the result is re-extended with the maximum sequence number and
// ValueTypeForSeek so it remains a valid internal key that still sorts
// greater-or-equal to start and less-than-or-equal to the original limit's
// family.
func (c *Comparator) FindShortestSeparator(start, limit []byte) []byte {
	su, lu := ExtractUserKey(start), ExtractUserKey(limit)
	sep := codec.FindShortestSeparator(su, lu)

	if len(sep) < len(su) && c.userCompare(su, sep) != 0 {
		dst := append([]byte(nil), sep...)
		return codec.PutFixed64(dst, PackSequenceAndType(MaxSequenceNumber, ValueTypeForSeek))
	}
	return start
}

// FindShortSuccessor delegates to the user comparator's short-successor
// helper on the extracted user key, re-extending the result the same way as
// FindShortestSeparator when shortening occurred.
func (c *Comparator) FindShortSuccessor(key []byte) []byte {
	ku := ExtractUserKey(key)
	succ := codec.FindShortSuccessor(ku)

	if len(succ) != len(ku) || c.userCompare(ku, succ) != 0 {
		out := make([]byte, 0, len(succ)+NumInternalBytes)
		out = append(out, succ...)
		return codec.PutFixed64(out, PackSequenceAndType(MaxSequenceNumber, ValueTypeForSeek))
	}
	return key
}

// LookupKey is a packed buffer carrying a snapshot sequence number for
// point lookups: varint(|user_key|+8) ∥ user_key ∥ u64(sequence<<8|ValueTypeForSeek).
// An ordered seek against this buffer's InternalKey() lands on the newest
// version of user_key visible at or before sequence.
type LookupKey struct {
	buf []byte
	// internalKeyStart indexes into buf: buf as a whole is the memtable key
	// (varint length + internal key), buf[internalKeyStart:] is exactly the
	// internal key (user key + trailer, without the leading varint length).
	internalKeyStart int
}

// NewLookupKey builds a LookupKey for userKey at the given snapshot
// sequence number.
func NewLookupKey(userKey []byte, seq SequenceNumber) *LookupKey {
	internalLen := len(userKey) + NumInternalBytes
	buf := codec.PutVarint32(nil, uint32(internalLen))
	internalKeyStart := len(buf)
	buf = append(buf, userKey...)
	buf = codec.PutFixed64(buf, PackSequenceAndType(seq, ValueTypeForSeek))

	return &LookupKey{buf: buf, internalKeyStart: internalKeyStart}
}

// MemtableKey returns the full memtable-record key prefix: the varint length
// followed by the internal key, matching the record format memtables store.
func (lk *LookupKey) MemtableKey() []byte { return lk.buf }

// InternalKey returns just the internal key portion (user key + trailer),
// suitable for comparator-driven seeks.
func (lk *LookupKey) InternalKey() []byte { return lk.buf[lk.internalKeyStart:] }

// UserKey returns the user-key portion.
func (lk *LookupKey) UserKey() []byte {
	return lk.buf[lk.internalKeyStart : len(lk.buf)-NumInternalBytes]
}
