// Package bloom implements the probabilistic membership filter AiDb embeds
// in every SSTable's meta block (spec.md §4.4/C5).
//
// Grounded on bloom/bloom.go's package shape (a filter object plus a
// bits-per-key policy), but the hashing scheme itself follows spec.md §4.4
// exactly: two independent FNV-1a hashes combined by double-hashing,
// rather than pebble's single Murmur-like hash with cache-line blocking.
package bloom

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/aidb/aidb/internal/base"
)

// Filter is a built, immutable Bloom filter as encoded into an SSTable meta
// block: num_hashes(u32 LE) | num_bits(u64 LE) | bit_bytes (spec.md §4.4).
type Filter struct {
	numHashes uint32
	numBits   uint64
	bits      []byte
}

// Builder accumulates keys and produces an encoded Filter.
type Builder struct {
	bitsPerKey uint32
	keys       [][]byte
}

// NewBuilder creates a Builder targeting the given bits-per-key
// (options.bloom_filter_bits_per_key, default 10 per spec.md §6).
func NewBuilder(bitsPerKey uint32) *Builder {
	if bitsPerKey == 0 {
		bitsPerKey = 10
	}
	return &Builder{bitsPerKey: bitsPerKey}
}

// Add records a user key to be inserted into the filter at Finish time.
func (b *Builder) Add(key []byte) {
	b.keys = append(b.keys, key)
}

// Empty reports whether any key has been added.
func (b *Builder) Empty() bool { return len(b.keys) == 0 }

// Finish computes m and k and builds the encoded filter. Sizing is driven
// by bitsPerKey the same way pebble's FilterPolicy(bitsPerKey) does, not by
// a false-positive target: m = n*bitsPerKey (at least 64, rounded up to a
// whole byte) and k = round(bitsPerKey * ln2), clamped to [1, 30]. This is
// the standard LevelDB/Pebble sizing shortcut and yields ~1% FPR at
// bitsPerKey=10.
func (b *Builder) Finish() *Filter {
	n := len(b.keys)
	if n == 0 {
		return &Filter{}
	}
	numBits := uint64(n) * uint64(b.bitsPerKey)
	if numBits < 64 {
		numBits = 64
	}
	numHashes := uint32(math.Round(float64(b.bitsPerKey) * math.Ln2))
	if numHashes < 1 {
		numHashes = 1
	}
	if numHashes > 30 {
		numHashes = 30
	}
	numBytes := (numBits + 7) / 8
	f := &Filter{
		numHashes: numHashes,
		numBits:   numBytes * 8,
		bits:      make([]byte, numBytes),
	}
	for _, key := range b.keys {
		f.insert(key)
	}
	return f
}

func hashPair(key []byte) (h1, h2 uint64) {
	f1 := fnv.New64a()
	f1.Write(key)
	h1 = f1.Sum64()

	f2 := fnv.New64a()
	f2.Write([]byte{0xff}) // distinct seed byte, per spec.md §4.4 "two distinct seeds".
	f2.Write(key)
	h2 = f2.Sum64()
	return h1, h2
}

func (f *Filter) insert(key []byte) {
	h1, h2 := hashPair(key)
	for i := uint32(0); i < f.numHashes; i++ {
		bit := (h1 + uint64(i)*h2) % f.numBits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain returns false only if key is certainly absent; true means
// "possibly present" (spec.md §4.4).
func (f *Filter) MayContain(key []byte) bool {
	if f == nil || f.numBits == 0 {
		return true // no filter present: callers must fall back to the block scan.
	}
	h1, h2 := hashPair(key)
	for i := uint32(0); i < f.numHashes; i++ {
		bit := (h1 + uint64(i)*h2) % f.numBits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode serializes the filter as num_hashes(u32 LE) | num_bits(u64 LE) |
// bit_bytes, per spec.md §4.4.
func (f *Filter) Encode() []byte {
	buf := make([]byte, 4+8+len(f.bits))
	binary.LittleEndian.PutUint32(buf[0:4], f.numHashes)
	binary.LittleEndian.PutUint64(buf[4:12], f.numBits)
	copy(buf[12:], f.bits)
	return buf
}

// Decode parses the encoding produced by Encode.
func Decode(buf []byte) (*Filter, error) {
	if len(buf) < 12 {
		return nil, base.MarkCorruption(nil, "aidb/bloom: truncated filter encoding")
	}
	numHashes := binary.LittleEndian.Uint32(buf[0:4])
	numBits := binary.LittleEndian.Uint64(buf[4:12])
	bits := buf[12:]
	if uint64(len(bits))*8 < numBits {
		return nil, base.MarkCorruption(nil, "aidb/bloom: filter bit array shorter than num_bits")
	}
	return &Filter{numHashes: numHashes, numBits: numBits, bits: bits}, nil
}
