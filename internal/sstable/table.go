package sstable

import (
	"hash/crc32"

	"github.com/jwwh/tinykv/internal/codec"
	"github.com/jwwh/tinykv/internal/dbformat"
	"github.com/jwwh/tinykv/errs"
	"github.com/jwwh/tinykv/internal/filter"
	"github.com/jwwh/tinykv/internal/sstfile"
)

const (
	// CompressionNone tags an uncompressed block.
	CompressionNone byte = 0
	// CompressionSnappy tags a Snappy-compressed block. The builder never
	// writes it; the tag exists so the reader can recognize and reject a file
	// that used it.
	CompressionSnappy byte = 1

	// blockTrailerSize is the 1-byte compression tag plus the 4-byte masked
	// CRC every physical block carries.
	blockTrailerSize = 5

	// FooterSize is the fixed size of the trailing footer: two 16-byte
	// block handles plus an 8-byte magic number.
	FooterSize = 2*16 + 8

	// filterPolicyName identifies the Bloom filter policy in the
	// meta-index block, matching spec §4.9's "filter.<policy-name>" key.
	filterPolicyName = "filter.tinykv.BuiltinBloomFilter"

	// tableMagicNumber detects format mismatches; the low byte pattern is
	// arbitrary but fixed.
	tableMagicNumber uint64 = 0xdb4775248b80fb57
)

var blockCRCTable = crc32.MakeTable(crc32.Castagnoli)

// BlockHandle locates a block within an SST file.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// EncodeVarint appends a varint-pair encoding of h, used inside index and
// meta-index block values.
func (h BlockHandle) EncodeVarint(dst []byte) []byte {
	dst = codec.PutVarint64(dst, h.Offset)
	return codec.PutVarint64(dst, h.Size)
}

// DecodeBlockHandleVarint reads a varint-pair encoded handle from the front
// of b, returning the number of bytes consumed (0 on malformed input).
func DecodeBlockHandleVarint(b []byte) (BlockHandle, int) {
	offset, n1 := codec.GetVarint64(b)
	if n1 == 0 {
		return BlockHandle{}, 0
	}
	size, n2 := codec.GetVarint64(b[n1:])
	if n2 == 0 {
		return BlockHandle{}, 0
	}
	return BlockHandle{Offset: offset, Size: size}, n1 + n2
}

func (h BlockHandle) encodeFixed(dst []byte) []byte {
	dst = codec.PutFixed64(dst, h.Offset)
	return codec.PutFixed64(dst, h.Size)
}

func decodeBlockHandleFixed(b []byte) BlockHandle {
	return BlockHandle{Offset: codec.GetFixed64(b[0:8]), Size: codec.GetFixed64(b[8:16])}
}

// EncodeFooter returns the fixed-size footer referencing the meta-index and
// index blocks.
func EncodeFooter(metaIndex, index BlockHandle) []byte {
	buf := make([]byte, 0, FooterSize)
	buf = metaIndex.encodeFixed(buf)
	buf = index.encodeFixed(buf)
	buf = codec.PutFixed64(buf, tableMagicNumber)
	return buf
}

// DecodeFooter parses a FooterSize-byte buffer, verifying the magic number.
func DecodeFooter(buf []byte) (metaIndex, index BlockHandle, err error) {
	if len(buf) != FooterSize {
		return BlockHandle{}, BlockHandle{}, errs.NewCorruption(0, "short footer")
	}
	magic := codec.GetFixed64(buf[32:40])
	if magic != tableMagicNumber {
		return BlockHandle{}, BlockHandle{}, errs.NewCorruption(0, "bad magic number")
	}
	metaIndex = decodeBlockHandleFixed(buf[0:16])
	index = decodeBlockHandleFixed(buf[16:32])
	return metaIndex, index, nil
}

func crcOfBlock(compression byte, data []byte) uint32 {
	h := crc32.New(blockCRCTable)
	h.Write(data)
	h.Write([]byte{compression})
	return h.Sum32()
}

// writeBlock appends a compression tag and masked CRC trailer to data and
// writes it to w, returning the handle the caller records in an index.
func writeBlock(w *sstfile.Writer, data []byte) (BlockHandle, error) {
	offset, err := w.Append(data)
	if err != nil {
		return BlockHandle{}, err
	}
	var trailer [blockTrailerSize]byte
	trailer[0] = CompressionNone
	crc := codec.MaskCRC(crcOfBlock(CompressionNone, data))
	codec.PutFixed32(trailer[1:1], crc)
	if _, err := w.Append(trailer[:]); err != nil {
		return BlockHandle{}, err
	}
	return BlockHandle{Offset: uint64(offset), Size: uint64(len(data))}, nil
}

// ReadBlock loads and verifies the block at handle from r, bypassing any
// cache. A BlockSource backed by an external cache (see db.go) calls this on
// a miss to populate itself, without needing access to this package's
// unexported read path.
func ReadBlock(r *sstfile.Reader, handle BlockHandle) ([]byte, error) {
	return readBlock(r, handle)
}

// readBlock loads and verifies the block at handle from r.
func readBlock(r *sstfile.Reader, handle BlockHandle) ([]byte, error) {
	buf := make([]byte, handle.Size+blockTrailerSize)
	if _, err := r.ReadAt(buf, int64(handle.Offset)); err != nil {
		return nil, err
	}
	data := buf[:handle.Size]
	trailer := buf[handle.Size:]
	compression := trailer[0]
	if compression == CompressionSnappy {
		return nil, errs.NewCorruption(int64(handle.Offset), "snappy compression not supported")
	}
	if compression != CompressionNone {
		return nil, errs.NewCorruption(int64(handle.Offset), "unknown compression tag")
	}

	want := codec.UnmaskCRC(codec.GetFixed32(trailer[1:5]))
	got := crcOfBlock(compression, data)
	if want != got {
		return nil, errs.NewCorruption(int64(handle.Offset), "block checksum mismatch")
	}
	return data, nil
}

// TableBuilder assembles one SST file: data blocks, an optional Bloom
// filter block, a meta-index block, an index block, and the footer. Add
// must be called with internal keys in strictly ascending order.
type TableBuilder struct {
	w   *sstfile.Writer
	cmp *dbformat.Comparator

	blockSize       int
	restartInterval int

	dataBlock  *BlockBuilder
	indexBlock *BlockBuilder
	filterBuf  *filter.Builder

	pendingIndexEntry bool
	pendingHandle     BlockHandle
	lastKey           []byte

	numEntries int
	closed     bool
}

// TableBuilderOptions configures a TableBuilder.
type TableBuilderOptions struct {
	BlockSize        int
	RestartInterval  int
	FilterBitsPerKey float64 // 0 disables the filter block
}

// DefaultTableBuilderOptions returns the engine's defaults: 4 KiB blocks, a
// restart every 16 records, and a 10-bits-per-key Bloom filter.
func DefaultTableBuilderOptions() TableBuilderOptions {
	return TableBuilderOptions{
		BlockSize:        DefaultBlockSize,
		RestartInterval:  DefaultRestartInterval,
		FilterBitsPerKey: 10,
	}
}

// NewTableBuilder returns a builder writing through w, ordering keys with
// cmp (nil selects dbformat.Default).
func NewTableBuilder(w *sstfile.Writer, cmp *dbformat.Comparator, opts TableBuilderOptions) *TableBuilder {
	if cmp == nil {
		cmp = dbformat.Default
	}
	tb := &TableBuilder{
		w:               w,
		cmp:             cmp,
		blockSize:       opts.BlockSize,
		restartInterval: opts.RestartInterval,
		dataBlock:       NewBlockBuilder(opts.RestartInterval),
		indexBlock:      NewBlockBuilder(opts.RestartInterval),
	}
	if opts.FilterBitsPerKey > 0 {
		tb.filterBuf = filter.NewBuilder(opts.FilterBitsPerKey)
	}
	return tb
}

// Add inserts one record. key must be strictly greater than the previous
// key added.
func (tb *TableBuilder) Add(key, value []byte) error {
	if tb.closed {
		return errs.ErrInvalidArgument
	}
	if tb.lastKey != nil && tb.cmp.Compare(tb.lastKey, key) >= 0 {
		return errs.ErrInvalidArgument
	}

	if tb.pendingIndexEntry {
		sep := tb.cmp.FindShortestSeparator(tb.lastKey, key)
		var val []byte
		val = tb.pendingHandle.EncodeVarint(val)
		tb.indexBlock.Add(sep, val)
		tb.pendingIndexEntry = false
	}

	if tb.filterBuf != nil {
		tb.filterBuf.Add(dbformat.ExtractUserKey(key))
	}

	tb.dataBlock.Add(key, value)
	tb.lastKey = append(tb.lastKey[:0], key...)
	tb.numEntries++

	if tb.dataBlock.CurrentSizeEstimate() >= tb.blockSize {
		return tb.flushDataBlock()
	}
	return nil
}

func (tb *TableBuilder) flushDataBlock() error {
	if tb.dataBlock.Empty() {
		return nil
	}
	handle, err := writeBlock(tb.w, tb.dataBlock.Finish())
	if err != nil {
		return err
	}
	tb.pendingHandle = handle
	tb.pendingIndexEntry = true
	tb.dataBlock.Reset()
	return nil
}

// Finish flushes the last data block and writes the filter, meta-index,
// index, and footer, returning the total file size.
func (tb *TableBuilder) Finish() (int64, error) {
	if tb.closed {
		return 0, errs.ErrInvalidArgument
	}
	if err := tb.flushDataBlock(); err != nil {
		return 0, err
	}

	var filterHandle BlockHandle
	haveFilter := tb.filterBuf != nil
	if haveFilter {
		h, err := writeBlock(tb.w, tb.filterBuf.Finish())
		if err != nil {
			return 0, err
		}
		filterHandle = h
	}

	metaIndexBlock := NewBlockBuilder(tb.restartInterval)
	if haveFilter {
		var val []byte
		val = filterHandle.EncodeVarint(val)
		metaIndexBlock.Add([]byte(filterPolicyName), val)
	}
	metaIndexHandle, err := writeBlock(tb.w, metaIndexBlock.Finish())
	if err != nil {
		return 0, err
	}

	if tb.pendingIndexEntry {
		sep := tb.cmp.FindShortSuccessor(tb.lastKey)
		var val []byte
		val = tb.pendingHandle.EncodeVarint(val)
		tb.indexBlock.Add(sep, val)
		tb.pendingIndexEntry = false
	}
	indexHandle, err := writeBlock(tb.w, tb.indexBlock.Finish())
	if err != nil {
		return 0, err
	}

	footer := EncodeFooter(metaIndexHandle, indexHandle)
	if _, err := tb.w.Append(footer); err != nil {
		return 0, err
	}
	if err := tb.w.Sync(); err != nil {
		return 0, err
	}

	tb.closed = true
	return tb.w.Offset(), nil
}

// NumEntries returns the count of records added so far.
func (tb *TableBuilder) NumEntries() int {
	return tb.numEntries
}
