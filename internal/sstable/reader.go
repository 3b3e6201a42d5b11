package sstable

import (
	"github.com/jwwh/tinykv/internal/codec"
	"github.com/jwwh/tinykv/internal/dbformat"
	"github.com/jwwh/tinykv/errs"
	"github.com/jwwh/tinykv/internal/filter"
	"github.com/jwwh/tinykv/internal/sstfile"
)

// BlockSource loads a data block's raw bytes on demand, letting a TableReader
// share block loading (and caching) with the rest of the engine.
// db.go's cachingBlockSource implements it on top of internal/cache.Cache.
type BlockSource interface {
	// GetBlock returns the decoded, verified bytes of the block at handle.
	GetBlock(handle BlockHandle) ([]byte, error)
}

// directBlockSource reads every block straight from the file, uncached —
// the reader's fallback when no cache is wired in.
type directBlockSource struct {
	r *sstfile.Reader
}

func (d directBlockSource) GetBlock(handle BlockHandle) ([]byte, error) {
	return readBlock(d.r, handle)
}

// TableReader opens a finished SST file for point lookups and iteration.
type TableReader struct {
	r      *sstfile.Reader
	cmp    *dbformat.Comparator
	source BlockSource

	index       *Block
	filterBytes []byte
	haveFilter  bool
}

// Open parses path's footer, index block, and (if present) filter block.
// cmp orders internal keys (nil selects dbformat.Default). source overrides
// block loading, e.g. with a cache-backed implementation; nil reads
// directly from the file every time.
func Open(path string, cmp *dbformat.Comparator, source BlockSource) (*TableReader, error) {
	if cmp == nil {
		cmp = dbformat.Default
	}

	r, err := sstfile.OpenReader(path)
	if err != nil {
		return nil, err
	}

	size, err := r.Size()
	if err != nil {
		r.Close()
		return nil, err
	}
	if size < FooterSize {
		r.Close()
		return nil, errs.NewCorruption(size, "file too small to hold a footer")
	}

	footerBuf := make([]byte, FooterSize)
	if _, err := r.ReadAt(footerBuf, size-FooterSize); err != nil {
		r.Close()
		return nil, err
	}
	metaIndexHandle, indexHandle, err := DecodeFooter(footerBuf)
	if err != nil {
		r.Close()
		return nil, err
	}

	indexData, err := readBlock(r, indexHandle)
	if err != nil {
		r.Close()
		return nil, err
	}
	index, err := NewBlock(indexData)
	if err != nil {
		r.Close()
		return nil, err
	}

	tr := &TableReader{r: r, cmp: cmp, index: index}
	if source == nil {
		tr.source = directBlockSource{r: r}
	} else {
		tr.source = source
	}

	metaIndexData, err := readBlock(r, metaIndexHandle)
	if err == nil {
		metaIndex, merr := NewBlock(metaIndexData)
		if merr == nil {
			it := NewBlockIterator(metaIndex, codec.Compare)
			it.Seek([]byte(filterPolicyName))
			if it.Valid() && string(it.Key()) == filterPolicyName {
				handle, n := DecodeBlockHandleVarint(it.Value())
				if n > 0 {
					filterData, ferr := readBlock(r, handle)
					if ferr == nil {
						tr.filterBytes = filterData
						tr.haveFilter = true
					}
				}
			}
		}
	}

	return tr, nil
}

// Close closes the underlying file.
func (tr *TableReader) Close() error {
	return tr.r.Close()
}

// LookupResult is the outcome of a point Lookup, mirroring
// memtable.LookupResult so a caller layering multiple sources (memtable,
// several SSTs) can tell "absent here" apart from "a tombstone shadows
// anything older" without which the older source would wrongly resurface a
// deleted value.
type LookupResult int

const (
	// NotFound means internalKey's user key is absent from this table.
	NotFound LookupResult = iota
	// Found means a live value was located.
	Found
	// Deleted means the newest version visible at this internal key's
	// sequence is a tombstone.
	Deleted
)

// Lookup looks up internalKey (already at the desired snapshot sequence,
// typically a dbformat.LookupKey's InternalKey) against this table.
func (tr *TableReader) Lookup(internalKey []byte) (value []byte, result LookupResult, err error) {
	userKey := dbformat.ExtractUserKey(internalKey)

	idx := NewBlockIterator(tr.index, tr.cmp.Compare)
	idx.Seek(internalKey)
	if !idx.Valid() {
		return nil, NotFound, nil
	}

	handle, n := DecodeBlockHandleVarint(idx.Value())
	if n == 0 {
		return nil, NotFound, errs.NewCorruption(0, "bad index entry")
	}

	if tr.haveFilter && !filter.MayMatch(userKey, tr.filterBytes) {
		return nil, NotFound, nil
	}

	data, err := tr.source.GetBlock(handle)
	if err != nil {
		return nil, NotFound, err
	}
	blk, err := NewBlock(data)
	if err != nil {
		return nil, NotFound, err
	}

	it := NewBlockIterator(blk, tr.cmp.Compare)
	it.Seek(internalKey)
	if !it.Valid() {
		return nil, NotFound, nil
	}
	if tr.cmp.CompareUserKey(it.Key(), internalKey) != 0 {
		return nil, NotFound, nil
	}

	_, typ := dbformat.ExtractSequenceAndType(it.Key())
	if typ == dbformat.TypeDeletion {
		return nil, Deleted, nil
	}
	return append([]byte(nil), it.Value()...), Found, nil
}

// Get looks up internalKey and returns its value if found and not excluded
// by the filter, collapsing a tombstone to "not found" — callers that need
// to distinguish a tombstone from absence entirely (to stop a search across
// multiple tables rather than falling through to an older one) should call
// Lookup directly.
func (tr *TableReader) Get(internalKey []byte) (value []byte, found bool, err error) {
	value, result, err := tr.Lookup(internalKey)
	return value, result == Found, err
}

// Iterator is a two-level iterator: its outer cursor walks the index block,
// and its inner cursor is (re)created on demand from each index entry's
// data block.
type Iterator struct {
	tr    *TableReader
	index *BlockIterator
	data  *BlockIterator
	err   error
}

// NewIterator returns an iterator over every record in the table.
func (tr *TableReader) NewIterator() *Iterator {
	return &Iterator{tr: tr, index: NewBlockIterator(tr.index, tr.cmp.Compare)}
}

// Valid reports whether the iterator is positioned at a record.
func (it *Iterator) Valid() bool {
	return it.data != nil && it.data.Valid()
}

// Err returns the first error encountered loading a data block, if any.
func (it *Iterator) Err() error { return it.err }

// Key returns the current record's internal key.
func (it *Iterator) Key() []byte { return it.data.Key() }

// Value returns the current record's value.
func (it *Iterator) Value() []byte { return it.data.Value() }

func (it *Iterator) loadDataBlock() {
	if !it.index.Valid() {
		it.data = nil
		return
	}
	handle, n := DecodeBlockHandleVarint(it.index.Value())
	if n == 0 {
		it.err = errs.NewCorruption(0, "bad index entry")
		it.data = nil
		return
	}
	raw, err := it.tr.source.GetBlock(handle)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	blk, err := NewBlock(raw)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	it.data = NewBlockIterator(blk, it.tr.cmp.Compare)
}

// First positions at the smallest record in the table.
func (it *Iterator) First() {
	it.index.First()
	it.loadDataBlock()
	if it.data != nil {
		it.data.First()
	}
}

// Seek positions at the first record with key >= target.
func (it *Iterator) Seek(target []byte) {
	it.index.Seek(target)
	it.loadDataBlock()
	if it.data == nil {
		return
	}
	it.data.Seek(target)
	if !it.data.Valid() {
		it.advanceToNextBlock()
	}
}

func (it *Iterator) advanceToNextBlock() {
	for {
		it.index.Next()
		if !it.index.Valid() {
			it.data = nil
			return
		}
		it.loadDataBlock()
		if it.data == nil {
			return
		}
		it.data.First()
		if it.data.Valid() {
			return
		}
	}
}

// Next advances to the following record, crossing into the next data block
// via the index when the current one is exhausted.
func (it *Iterator) Next() {
	if it.data == nil {
		return
	}
	it.data.Next()
	if !it.data.Valid() {
		it.advanceToNextBlock()
	}
}
