// Package sstable implements the on-disk sorted-string-table format: prefix
// compressed data blocks with restart points (this file), and the SST
// builder/reader/footer that assembles blocks, a filter block, and an index
// block into one file (table.go).
package sstable

import (
	"github.com/jwwh/tinykv/internal/codec"
	"github.com/jwwh/tinykv/errs"
)

// DefaultRestartInterval is the number of records between restart points in
// a freshly built block.
const DefaultRestartInterval = 16

// DefaultBlockSize is the target uncompressed size of a data block before
// the builder flushes it.
const DefaultBlockSize = 4096

// BlockBuilder assembles one prefix-compressed block: a sequence of
// records, each sharing a prefix with the previous key, followed by a
// restart-point array the reader binary-searches.
type BlockBuilder struct {
	restartInterval int
	buf             []byte
	restarts        []uint32
	counter         int
	lastKey         []byte
	finished        bool
}

// NewBlockBuilder returns an empty builder with the given restart interval.
func NewBlockBuilder(restartInterval int) *BlockBuilder {
	if restartInterval <= 0 {
		restartInterval = DefaultRestartInterval
	}
	return &BlockBuilder{
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

// Empty reports whether no record has been added since construction or the
// last Reset.
func (b *BlockBuilder) Empty() bool {
	return len(b.buf) == 0
}

// CurrentSizeEstimate returns the size the block would have if finished now.
func (b *BlockBuilder) CurrentSizeEstimate() int {
	return len(b.buf) + 4*len(b.restarts) + 4
}

// Add appends a record. Keys must be added in ascending order; the caller
// (the table builder) is responsible for that invariant.
func (b *BlockBuilder) Add(key, value []byte) {
	var shared int
	if b.counter < b.restartInterval {
		shared = sharedPrefixLen(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
		shared = 0
	}
	unshared := key[shared:]

	b.buf = codec.PutVarint32(b.buf, uint32(shared))
	b.buf = codec.PutVarint32(b.buf, uint32(len(unshared)))
	b.buf = codec.PutVarint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, unshared...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// Finish appends the restart array and count, returning the complete block.
// The builder must not be reused without a Reset.
func (b *BlockBuilder) Finish() []byte {
	for _, r := range b.restarts {
		b.buf = codec.PutFixed32(b.buf, r)
	}
	b.buf = codec.PutFixed32(b.buf, uint32(len(b.restarts)))
	b.finished = true
	return b.buf
}

// Reset clears the builder for reuse.
func (b *BlockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Block is a parsed, read-only view over a finished block's bytes.
type Block struct {
	data           []byte
	restartsOffset int
	numRestarts    int
}

// NewBlock parses data as a finished block.
func NewBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, errs.NewCorruption(0, "block too small to hold restart count")
	}
	numRestarts := int(codec.GetFixed32(data[len(data)-4:]))
	restartsOffset := len(data) - 4 - 4*numRestarts
	if numRestarts < 1 || restartsOffset < 0 {
		return nil, errs.NewCorruption(0, "bad restart count in block")
	}
	return &Block{data: data, restartsOffset: restartsOffset, numRestarts: numRestarts}, nil
}

func (blk *Block) restartPoint(i int) int {
	return int(codec.GetFixed32(blk.data[blk.restartsOffset+4*i:]))
}

// decodeEntryAt decodes the record starting at offset, returning the shared
// prefix length, the unshared key bytes, the value bytes, and the offset of
// the record immediately following it. ok is false on any malformed header
// or lengths that run past the records area.
func (blk *Block) decodeEntryAt(offset int) (shared int, unsharedKey, value []byte, next int, ok bool) {
	if offset >= blk.restartsOffset {
		return 0, nil, nil, 0, false
	}
	b := blk.data[offset:blk.restartsOffset]

	sharedV, n1 := codec.GetVarint32(b)
	if n1 == 0 {
		return 0, nil, nil, 0, false
	}
	unsharedV, n2 := codec.GetVarint32(b[n1:])
	if n2 == 0 {
		return 0, nil, nil, 0, false
	}
	valueLenV, n3 := codec.GetVarint32(b[n1+n2:])
	if n3 == 0 {
		return 0, nil, nil, 0, false
	}

	headerLen := n1 + n2 + n3
	keyEnd := headerLen + int(unsharedV)
	valEnd := keyEnd + int(valueLenV)
	if valEnd > len(b) {
		return 0, nil, nil, 0, false
	}

	return int(sharedV), b[headerLen:keyEnd], b[keyEnd:valEnd], offset + valEnd, true
}

// BlockIterator walks a Block's records in key order.
type BlockIterator struct {
	block   *Block
	cmp     func(a, b []byte) int
	current int  // offset of the current record, -1 if invalid
	next    int  // offset of the following record
	key     []byte
	value   []byte
	valid   bool
}

// NewBlockIterator returns an iterator over blk, ordering keys with cmp.
func NewBlockIterator(blk *Block, cmp func(a, b []byte) int) *BlockIterator {
	return &BlockIterator{block: blk, cmp: cmp, current: -1}
}

// Valid reports whether the iterator is positioned at a record.
func (it *BlockIterator) Valid() bool { return it.valid }

// Key returns the current record's fully reconstructed key.
func (it *BlockIterator) Key() []byte { return it.key }

// Value returns the current record's value.
func (it *BlockIterator) Value() []byte { return it.value }

func (it *BlockIterator) parseAt(offset int) bool {
	shared, unsharedKey, value, next, ok := it.block.decodeEntryAt(offset)
	if !ok || shared > len(it.key) {
		it.valid = false
		return false
	}
	full := make([]byte, shared+len(unsharedKey))
	copy(full, it.key[:shared])
	copy(full[shared:], unsharedKey)

	it.key = full
	it.value = value
	it.current = offset
	it.next = next
	it.valid = true
	return true
}

func (it *BlockIterator) seekToRestart(index int) {
	it.key = it.key[:0]
	it.parseAt(it.block.restartPoint(index))
}

// First positions at the smallest record.
func (it *BlockIterator) First() {
	it.seekToRestart(0)
}

// Last positions at the largest record.
func (it *BlockIterator) Last() {
	it.seekToRestart(it.block.numRestarts - 1)
	for it.valid && it.next < it.block.restartsOffset {
		it.Next()
	}
}

// Next advances to the following record. Valid() must be true beforehand.
func (it *BlockIterator) Next() {
	it.parseAt(it.next)
}

// Prev moves to the record immediately preceding the current one, by
// locating the restart point at or before the current record and
// re-scanning forward from there — the block carries no back links.
func (it *BlockIterator) Prev() {
	if !it.valid {
		return
	}
	original := it.current

	idx := 0
	for i := 0; i < it.block.numRestarts; i++ {
		if it.block.restartPoint(i) <= original {
			idx = i
		} else {
			break
		}
	}
	for it.block.restartPoint(idx) >= original {
		if idx == 0 {
			it.valid = false
			return
		}
		idx--
	}

	it.seekToRestart(idx)
	for it.valid && it.next < original {
		it.Next()
	}
}

// Seek positions at the first record with key >= target.
func (it *BlockIterator) Seek(target []byte) {
	left, right := 0, it.block.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		_, unsharedKey, _, _, ok := it.block.decodeEntryAt(it.block.restartPoint(mid))
		if ok && it.cmp(unsharedKey, target) <= 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}

	it.seekToRestart(left)
	for it.valid && it.cmp(it.key, target) < 0 {
		it.Next()
	}
}
