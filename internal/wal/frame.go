// Package wal implements the write-ahead log's physical record framing:
// writes are split across fixed 32 KiB blocks with a 7-byte CRC-32C header
// per physical record, and a recovery reader reassembles logical records
// from those fragments, reporting (but not aborting on) corruption.
package wal

import (
	"hash/crc32"
)

const (
	// BlockSize is the fixed size of a WAL block.
	BlockSize = 32768

	// HeaderSize is the size of a physical record's header: 4-byte masked
	// CRC-32C, 2-byte little-endian length, 1-byte type tag.
	HeaderSize = 7
)

// RecordType tags a physical record's role in reassembling a logical record.
type RecordType uint8

const (
	// RecordZero denotes trailing zero-padding, not a real record: the
	// writer emits it implicitly by padding the tail of a block, never by
	// calling AddRecord; the reader uses it to detect "rest of this block is
	// padding" and skip to the next block.
	RecordZero RecordType = 0
	// RecordFull holds an entire logical record in one physical record.
	RecordFull RecordType = 1
	// RecordFirst holds the first fragment of a logical record spanning
	// multiple physical records.
	RecordFirst RecordType = 2
	// RecordMiddle holds an interior fragment.
	RecordMiddle RecordType = 3
	// RecordLast holds the final fragment.
	RecordLast RecordType = 4
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// crcOfRecord computes the CRC-32C checksum over the record's type byte
// followed by its payload, matching the header's documented coverage.
func crcOfRecord(typ RecordType, payload []byte) uint32 {
	h := crc32.New(castagnoliTable)
	h.Write([]byte{byte(typ)})
	h.Write(payload)
	return h.Sum32()
}
