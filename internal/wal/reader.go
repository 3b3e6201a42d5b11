package wal

import (
	"io"

	"github.com/jwwh/tinykv/internal/codec"
)

// Reporter is called whenever the reader drops bytes it cannot account for —
// a corrupt record, an undersized fragment, a dangling continuation. The
// reader never aborts on its own account of a Reporter call; it keeps
// scanning for the next recoverable record.
type Reporter func(bytes int64, reason string)

// Reader reassembles logical records from a sequentially framed WAL stream,
// used both for normal replay and for recovery after a crash mid-write.
type Reader struct {
	src      io.Reader
	reporter Reporter

	buf       [BlockSize]byte
	bufLen    int
	bufPos    int
	eof       bool
	lastBlock bool

	// offset tracks the absolute stream position of buf[bufPos], for
	// reporting and for the offset a ReadRecord call returns.
	offset int64
}

// NewReader returns a Reader scanning src from its current position, which
// must be a block boundary (src itself, or src seeked there by the caller —
// see SkipToBlockBoundary for resuming mid-file).
func NewReader(src io.Reader, reporter Reporter) *Reader {
	if reporter == nil {
		reporter = func(int64, string) {}
	}
	return &Reader{src: src, reporter: reporter}
}

// SkipToBlockBoundary advances past any bytes in the last 6 of a block — too
// few to hold a header — given a starting offset. Callers resuming recovery
// at a known byte offset into the log should pass its return value as the
// number of bytes to discard from src before constructing the Reader.
func SkipToBlockBoundary(initialOffset int64) (skip int64) {
	blockStart := initialOffset - initialOffset%BlockSize
	offsetInBlock := initialOffset - blockStart
	if offsetInBlock > BlockSize-HeaderSize {
		return BlockSize - offsetInBlock
	}
	return 0
}

// ReadRecord returns the next logical record and the absolute stream offset
// of its first physical fragment. err is io.EOF once the stream is
// exhausted; a fragment still pending at that point is reported as
// truncated and dropped.
func (r *Reader) ReadRecord() (record []byte, offset int64, err error) {
	var scratch []byte
	inFragment := false
	recordOffset := r.offset

	for {
		typ, payload, physOffset, perr := r.readPhysicalRecord()
		if perr != nil {
			if inFragment {
				r.reporter(int64(len(scratch)), "truncated record at end of file")
			}
			return nil, 0, io.EOF
		}

		switch typ {
		case RecordFull:
			if inFragment {
				r.reporter(int64(len(scratch)), "partial record without end; discarding before FULL")
			}
			return append([]byte(nil), payload...), physOffset, nil

		case RecordFirst:
			if inFragment {
				r.reporter(int64(len(scratch)), "partial record without end; discarding before FIRST")
			}
			scratch = append([]byte(nil), payload...)
			inFragment = true
			recordOffset = physOffset

		case RecordMiddle:
			if !inFragment {
				r.reporter(int64(len(payload)), "missing start of fragmented record (MIDDLE without FIRST)")
				continue
			}
			scratch = append(scratch, payload...)

		case RecordLast:
			if !inFragment {
				r.reporter(int64(len(payload)), "missing start of fragmented record (LAST without FIRST)")
				continue
			}
			scratch = append(scratch, payload...)
			return scratch, recordOffset, nil

		default:
			r.reporter(int64(len(payload)), "unknown record type")
		}
	}
}

// readPhysicalRecord loads (refilling blocks as needed) and validates the
// next physical record's header and payload.
func (r *Reader) readPhysicalRecord() (typ RecordType, payload []byte, offset int64, err error) {
	for {
		if r.bufLen-r.bufPos < HeaderSize {
			if r.lastBlock && r.eof {
				return 0, nil, 0, io.EOF
			}
			if !r.fillBlock() {
				return 0, nil, 0, io.EOF
			}
			continue
		}

		header := r.buf[r.bufPos : r.bufPos+HeaderSize]
		crc := codec.GetFixed32(header[0:4])
		length := int(header[4]) | int(header[5])<<8
		rt := RecordType(header[6])

		if rt == RecordZero && crc == 0 && length == 0 {
			// Trailer padding: nothing real left in this block.
			r.advanceToNextBlock()
			continue
		}

		if r.bufPos+HeaderSize+length > r.bufLen {
			r.reporter(int64(r.bufLen-r.bufPos), "declared record length exceeds block")
			r.advanceToNextBlock()
			continue
		}

		body := r.buf[r.bufPos+HeaderSize : r.bufPos+HeaderSize+length]
		want := codec.UnmaskCRC(crc)
		got := crcOfRecord(rt, body)
		recOffset := r.offset

		r.bufPos += HeaderSize + length
		r.offset += int64(HeaderSize + length)

		if got != want {
			r.reporter(int64(HeaderSize+length), "checksum mismatch")
			continue
		}

		return rt, body, recOffset, nil
	}
}

// advanceToNextBlock discards whatever remains of the current block.
func (r *Reader) advanceToNextBlock() {
	r.offset += int64(r.bufLen - r.bufPos)
	r.bufPos = r.bufLen
}

// fillBlock reads up to BlockSize bytes from src. It returns false only when
// no further bytes are available at all.
func (r *Reader) fillBlock() bool {
	if r.eof {
		return false
	}
	// Bytes left unread in the current block (tail padding) still count
	// toward the stream position.
	r.offset += int64(r.bufLen - r.bufPos)
	n, err := io.ReadFull(r.src, r.buf[:])
	if n == 0 {
		r.eof = true
		return false
	}
	if err != nil {
		// Partial final block: io.ErrUnexpectedEOF or io.EOF.
		r.eof = true
		r.lastBlock = true
	}
	r.bufLen = n
	r.bufPos = 0
	return true
}
