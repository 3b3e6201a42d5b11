package wal

import (
	"io"

	"github.com/jwwh/tinykv/internal/codec"
)

// Writer frames logical records into the physical block layout and appends
// them to an underlying byte sink (typically an *sstfile.Writer). It is
// not safe for concurrent use; callers serialize through a single mutator,
// the same contract the memtable above it carries.
type Writer struct {
	dst        io.Writer
	blockOffset int // bytes already consumed in the current block
}

// NewWriter returns a Writer appending to dst, which is assumed empty (a
// fresh WAL segment) — blockOffset starts at zero.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// AddRecord frames data as one or more physical records and writes them to
// the underlying sink. A zero-length record is still framed, as a single
// FULL record with length zero, so reads and writes agree on record count.
func (w *Writer) AddRecord(data []byte) error {
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				if _, err := w.dst.Write(make([]byte, leftover)); err != nil {
					return err
				}
			}
			w.blockOffset = 0
			leftover = BlockSize
		}

		avail := leftover - HeaderSize
		fragment := avail
		if fragment > len(data) {
			fragment = len(data)
		}
		end := fragment == len(data)

		var typ RecordType
		switch {
		case begin && end:
			typ = RecordFull
		case begin:
			typ = RecordFirst
		case end:
			typ = RecordLast
		default:
			typ = RecordMiddle
		}

		if err := w.emitPhysicalRecord(typ, data[:fragment]); err != nil {
			return err
		}

		data = data[fragment:]
		w.blockOffset += HeaderSize + fragment
		begin = false

		if len(data) == 0 {
			break
		}
	}
	return nil
}

func (w *Writer) emitPhysicalRecord(typ RecordType, payload []byte) error {
	var header [HeaderSize]byte
	crc := codec.MaskCRC(crcOfRecord(typ, payload))
	codec.PutFixed32(header[:0], crc)
	header[4] = byte(len(payload))
	header[5] = byte(len(payload) >> 8)
	header[6] = byte(typ)

	if _, err := w.dst.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.dst.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// syncer is the subset of *sstfile.Writer a Writer needs to expose
// durability without depending on a concrete sink type.
type syncer interface {
	Sync() error
}

// Sync flushes the underlying sink to stable storage, if it supports it.
func (w *Writer) Sync() error {
	if s, ok := w.dst.(syncer); ok {
		return s.Sync()
	}
	return nil
}
