// Package codec implements the byte-level encoding primitives shared by every
// on-disk format in the engine: fixed-width little-endian integers, varints,
// length-prefixed slices, the bytewise comparator used to order user keys
// and shrink SST index separators, and the CRC masking rule every on-disk
// checksum (WAL records, SST block trailers) uses.
package codec

import "math/bits"

// crcMaskDelta is added (mod 2^32) after a bitwise rotation to mask a CRC,
// so that the on-disk encoding of an empty payload's CRC is never zero.
const crcMaskDelta = 0xa282ead8

// MaskCRC applies the fixed rotation used on disk: rotr(crc, 15) + delta.
func MaskCRC(crc uint32) uint32 {
	return bits.RotateLeft32(crc, -15) + crcMaskDelta
}

// UnmaskCRC inverts MaskCRC.
func UnmaskCRC(masked uint32) uint32 {
	return bits.RotateLeft32(masked-crcMaskDelta, 15)
}

// PutFixed32 appends a 4-byte little-endian encoding of v to dst.
func PutFixed32(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// PutFixed64 appends an 8-byte little-endian encoding of v to dst.
func PutFixed64(dst []byte, v uint64) []byte {
	return append(dst,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}

// GetFixed32 decodes a 4-byte little-endian uint32 from the front of b.
func GetFixed32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// GetFixed64 decodes an 8-byte little-endian uint64 from the front of b.
func GetFixed64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// PutVarint32 appends the varint32 encoding of v (1-5 bytes, 7 data bits per
// byte, high bit a continuation flag) to dst.
func PutVarint32(dst []byte, v uint32) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// PutVarint64 appends the varint64 encoding of v (1-10 bytes) to dst.
func PutVarint64(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// GetVarint32 decodes a varint32 from the front of b, returning the value and
// the number of bytes consumed. n is 0 if b does not hold a complete varint.
func GetVarint32(b []byte) (v uint32, n int) {
	var shift uint
	for i := 0; i < len(b) && i < 5; i++ {
		c := b[i]
		v |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// GetVarint64 decodes a varint64 from the front of b, returning the value and
// the number of bytes consumed. n is 0 if b does not hold a complete varint.
func GetVarint64(b []byte) (v uint64, n int) {
	var shift uint
	for i := 0; i < len(b) && i < 10; i++ {
		c := b[i]
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// PutLengthPrefixedSlice appends varint32(len(v)) followed by v to dst.
func PutLengthPrefixedSlice(dst []byte, v []byte) []byte {
	dst = PutVarint32(dst, uint32(len(v)))
	return append(dst, v...)
}

// GetLengthPrefixedSlice reads a varint32 length prefix followed by that many
// bytes from the front of b. ok is false if b is short or the varint is
// malformed.
func GetLengthPrefixedSlice(b []byte) (v []byte, rest []byte, ok bool) {
	n, sz := GetVarint32(b)
	if sz == 0 || uint32(len(b)-sz) < n {
		return nil, b, false
	}
	return b[sz : sz+int(n)], b[sz+int(n):], true
}

// Compare is the default bytewise comparator: plain lexicographic ordering
// over the raw bytes.
func Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// FindShortestSeparator returns a shortest byte string s with
// start <= s < limit, suitable for use as an SST index separator key. It
// requires Compare(start, limit) < 0.
//
// It locates the first differing byte; if that byte in start is < 0xff and
// incrementing it still leaves it strictly below the corresponding byte in
// limit (so the result stays below limit), it increments that byte and
// truncates. If no
// such shortening is possible, start is returned unchanged — that is still a
// legal (if not shortest) answer.
func FindShortestSeparator(start, limit []byte) []byte {
	minLen := len(start)
	if len(limit) < minLen {
		minLen = len(limit)
	}

	diffIndex := 0
	for diffIndex < minLen && start[diffIndex] == limit[diffIndex] {
		diffIndex++
	}

	if diffIndex >= minLen {
		// One is a prefix of the other; start is already shortest.
		return start
	}

	b := start[diffIndex]
	if b < 0xff && b+1 < limit[diffIndex] {
		out := make([]byte, diffIndex+1)
		copy(out, start[:diffIndex])
		out[diffIndex] = b + 1
		return out
	}
	return start
}

// FindShortSuccessor returns the shortest byte string >= key that can serve
// as an upper-bound separator: the first byte not equal to 0xff is
// incremented and the string truncated there. If every byte is 0xff, key is
// returned unchanged.
func FindShortSuccessor(key []byte) []byte {
	for i := 0; i < len(key); i++ {
		if key[i] != 0xff {
			out := make([]byte, i+1)
			copy(out, key[:i])
			out[i] = key[i] + 1
			return out
		}
	}
	return key
}
