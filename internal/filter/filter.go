// Package filter builds and probes the Bloom filter blocks an SST attaches
// to a group of adjacent data blocks, trading a small amount of space for
// skipping block reads that can't possibly contain a key.
package filter

import (
	"encoding/binary"
	"math"
	mathbits "math/bits"

	"github.com/bits-and-blooms/bitset"
)

const (
	minBitsPerEntry = 64 // floor on total filter size regardless of key count
	maxK            = 30
	minK            = 1
)

// BitsPerKeyForFalsePositiveRate returns the bits-per-key that achieves a
// target false-positive rate p, independent of how many keys are filtered:
// bits = -ln(p)/ln(2)^2.
func BitsPerKeyForFalsePositiveRate(p float64) float64 {
	return -math.Log(p) / (math.Ln2 * math.Ln2)
}

// Builder accumulates key hashes for one filter block and produces its
// persisted encoding on Finish.
type Builder struct {
	bitsPerKey float64
	k          int
	hashes     []uint32
}

// NewBuilder returns a Builder targeting bitsPerKey bits of filter per key
// added; k is derived as round(bitsPerKey*ln2), clamped to [1, 30].
func NewBuilder(bitsPerKey float64) *Builder {
	k := int(math.Round(bitsPerKey * math.Ln2))
	if k < minK {
		k = minK
	}
	if k > maxK {
		k = maxK
	}
	return &Builder{bitsPerKey: bitsPerKey, k: k}
}

// Add records key for inclusion in the filter built by the next Finish.
func (b *Builder) Add(key []byte) {
	b.hashes = append(b.hashes, bloomHash(key))
}

// Reset drops accumulated keys so the Builder can start a fresh filter
// block, reusing its configured bitsPerKey/k.
func (b *Builder) Reset() {
	b.hashes = b.hashes[:0]
}

// Finish returns the persisted filter: bit_array ∥ u32(k) little-endian.
func (b *Builder) Finish() []byte {
	n := len(b.hashes)
	totalBits := int(float64(n) * b.bitsPerKey)
	if totalBits < minBitsPerEntry {
		totalBits = minBitsPerEntry
	}
	numBytes := (totalBits + 7) / 8
	totalBits = numBytes * 8

	bs := bitset.New(uint(totalBits))
	for _, h := range b.hashes {
		delta := mathbits.RotateLeft32(h, -17)
		hh := h
		for i := 0; i < b.k; i++ {
			bs.Set(uint(hh % uint32(totalBits)))
			hh += delta
		}
	}

	out := make([]byte, numBytes+4)
	for i := 0; i < numBytes; i++ {
		var bv byte
		for bit := 0; bit < 8; bit++ {
			idx := i*8 + bit
			if bs.Test(uint(idx)) {
				bv |= 1 << uint(bit)
			}
		}
		out[i] = bv
	}
	binary.LittleEndian.PutUint32(out[numBytes:], uint32(b.k))
	return out
}

// MayMatch reports whether key could be present in filter: false is a
// guaranteed negative, true may be a false positive. A filter with k > 30
// (or too short to hold a valid encoding) is treated as absent and always
// answers true — "no filter" fails open rather than dropping a real key.
func MayMatch(key, filter []byte) bool {
	if len(filter) < 4 {
		return true
	}
	numBytes := len(filter) - 4
	k := int(binary.LittleEndian.Uint32(filter[numBytes:]))
	if k > maxK {
		return true
	}
	totalBits := numBytes * 8
	if totalBits == 0 {
		return false
	}

	h := bloomHash(key)
	delta := mathbits.RotateLeft32(h, -17)
	for i := 0; i < k; i++ {
		bitpos := h % uint32(totalBits)
		if filter[bitpos/8]&(1<<(bitpos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// bloomHash is the Murmur-derived 32-bit hash LevelDB-family Bloom filters
// use: four bytes at a time with a fixed multiplier, folded down on the
// trailing 1-3 bytes.
func bloomHash(data []byte) uint32 {
	const (
		seed = uint32(0xbc9f1d34)
		m    = uint32(0xc6a4a793)
	)

	h := seed ^ uint32(len(data))*m
	for len(data) >= 4 {
		h += binary.LittleEndian.Uint32(data)
		data = data[4:]
		h *= m
		h ^= h >> 16
	}

	switch len(data) {
	case 3:
		h += uint32(data[2]) << 16
		fallthrough
	case 2:
		h += uint32(data[1]) << 8
		fallthrough
	case 1:
		h += uint32(data[0])
		h *= m
		h ^= h >> 24
	}
	return h
}
