// Package sstable implements the on-disk sorted file format (spec.md §3
// "SSTable", §4.3 C4, §4.5 C6/C7): the prefix-compressed block codec, the
// builder that assembles data blocks + meta block (Bloom filter) +
// meta-index + index + footer, and the reader that does footer→index→block
// lookups through a shared block cache.
//
// Grounded on pebble's sstable/block_writer.go and sstable/block_iter.go
// for the restart-point block shape, and sstable/layout.go for the
// data-blocks/meta-block/meta-index/index/footer file layout.
package sstable

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/golang/snappy"

	"github.com/aidb/aidb/internal/base"
)

// CompressionType identifies the block trailer's compression scheme
// (spec.md §4.3).
type CompressionType uint8

const (
	// CompressionNone stores the block body verbatim.
	CompressionNone CompressionType = 0
	// CompressionSnappy compresses the block body with Snappy.
	CompressionSnappy CompressionType = 1
)

// blockTrailerSize is the 1-byte compression type plus the 4-byte CRC that
// follows every on-disk block (data, meta, meta-index, index).
const blockTrailerSize = 5

// DefaultRestartInterval is the data-block restart interval (spec.md §4.3
// default 16). Index blocks use a restart interval of 1.
const DefaultRestartInterval = 16

// IndexRestartInterval is fixed at 1 per spec.md §4.3.
const IndexRestartInterval = 1

// blockWriter assembles one block's body: a sequence of prefix-compressed
// entries followed by the restart-point trailer (spec.md §4.3).
type blockWriter struct {
	restartInterval int
	buf             []byte
	restarts        []uint32
	curKey          []byte
	nEntries        int
}

func newBlockWriter(restartInterval int) *blockWriter {
	return &blockWriter{restartInterval: restartInterval}
}

// sharedPrefixLen returns the length of the common prefix of a and b.
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

// add appends one entry. key must be strictly greater (by InternalKey
// order) than the previous key added; an out-of-order key is rejected with
// a Corruption error per spec.md §4.3's "the builder fails on an
// out-of-order key".
func (w *blockWriter) add(key base.InternalKey, value []byte) error {
	encodedKey := base.AppendInternalKey(nil, key)

	// Checked unconditionally, independent of restart-interval placement:
	// curKey holds the full previous key (a restart point stores the full
	// key too, not a shared prefix), so a key landing exactly on a restart
	// boundary must not skip this guard.
	if w.nEntries > 0 && base.InternalCompare(mustDecode(w.curKey), key) >= 0 {
		return base.Newf(base.KindCorruption, "aidb/sstable: out-of-order key %s after %s", key, mustDecode(w.curKey))
	}

	shared := 0
	if w.nEntries%w.restartInterval != 0 {
		shared = sharedPrefixLen(w.curKey, encodedKey)
	} else {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	}

	unshared := encodedKey[shared:]
	var scratch [binary.MaxVarintLen32 * 3]byte
	n := binary.PutUvarint(scratch[0:], uint64(shared))
	n += binary.PutUvarint(scratch[n:], uint64(len(unshared)))
	n += binary.PutUvarint(scratch[n:], uint64(len(value)))
	w.buf = append(w.buf, scratch[:n]...)
	w.buf = append(w.buf, unshared...)
	w.buf = append(w.buf, value...)

	w.curKey = append(w.curKey[:0], encodedKey...)
	w.nEntries++
	return nil
}

func mustDecode(b []byte) base.InternalKey {
	k, ok := base.DecodeInternalKey(b)
	if !ok {
		return base.InternalKey{}
	}
	return k
}

func (w *blockWriter) empty() bool { return w.nEntries == 0 }

// estimatedSize approximates the finished block size, used by the builder
// to decide when to roll a new block (spec.md §4.5 "block_size").
func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*len(w.restarts) + 4
}

// finish appends the restart-point trailer and returns the block body
// (without the compression/CRC trailer — that's added by compressBlock).
func (w *blockWriter) finish() []byte {
	for _, r := range w.restarts {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, r)
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(w.restarts)))
	return w.buf
}

// compressBlock compresses body (if requested) and appends the 5-byte
// compression-type + CRC32 trailer, per spec.md §4.3: "A block as stored on
// disk is block_body | compression_type(u8) | crc32(u32 LE) where CRC
// covers block_body and compression_type."
func compressBlock(body []byte, compression CompressionType) []byte {
	var stored []byte
	var ctype CompressionType
	switch compression {
	case CompressionSnappy:
		stored = snappy.Encode(nil, body)
		ctype = CompressionSnappy
	default:
		stored = body
		ctype = CompressionNone
	}
	out := make([]byte, len(stored)+blockTrailerSize)
	copy(out, stored)
	out[len(stored)] = byte(ctype)
	crc := crc32.ChecksumIEEE(out[:len(stored)+1])
	binary.LittleEndian.PutUint32(out[len(stored)+1:], crc)
	return out
}

// decompressBlock verifies the CRC and decompresses a block as read from
// disk, returning the plain block body (entries + restart trailer).
func decompressBlock(raw []byte) ([]byte, error) {
	if len(raw) < blockTrailerSize {
		return nil, base.MarkCorruption(nil, "aidb/sstable: block shorter than trailer")
	}
	n := len(raw) - blockTrailerSize
	ctype := CompressionType(raw[n])
	wantCRC := binary.LittleEndian.Uint32(raw[n+1:])
	gotCRC := crc32.ChecksumIEEE(raw[:n+1])
	if gotCRC != wantCRC {
		return nil, base.MarkCorruption(nil, "aidb/sstable: block crc mismatch")
	}
	switch ctype {
	case CompressionNone:
		return raw[:n], nil
	case CompressionSnappy:
		body, err := snappy.Decode(nil, raw[:n])
		if err != nil {
			return nil, base.MarkCorruption(err, "aidb/sstable: snappy decode failed")
		}
		return body, nil
	default:
		return nil, base.MarkCorruption(nil, "aidb/sstable: unknown compression type %d", ctype)
	}
}

// blockEntry is one decoded (key, value) pair from a block, used by
// blockIter.
type blockEntry struct {
	key   base.InternalKey
	value []byte
}

// blockIter iterates (and binary-searches) the entries of one decoded
// block body, grounded on sstable/block_iter.go's restart-point binary
// search followed by linear scan within the restart group.
type blockIter struct {
	data     []byte // entries region, excludes the restart trailer.
	restarts []uint32
	// current position.
	offset  int
	curKey  []byte
	curVal  []byte
	corrupt error
}

func newBlockIter(body []byte) (*blockIter, error) {
	if len(body) < 4 {
		return nil, base.MarkCorruption(nil, "aidb/sstable: block body too short for restart count")
	}
	numRestarts := binary.LittleEndian.Uint32(body[len(body)-4:])
	restartsStart := len(body) - 4 - 4*int(numRestarts)
	if restartsStart < 0 {
		return nil, base.MarkCorruption(nil, "aidb/sstable: invalid restart count")
	}
	restarts := make([]uint32, numRestarts)
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(body[restartsStart+4*i:])
	}
	return &blockIter{data: body[:restartsStart], restarts: restarts}, nil
}

// decodeEntryAt decodes the entry starting at offset, returning the
// encoded key (after applying shared-prefix expansion against prevKey),
// the value, and the offset just past the entry.
func decodeEntryAt(data []byte, offset int, prevKey []byte) (key, value []byte, next int, err error) {
	shared, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return nil, nil, 0, base.MarkCorruption(nil, "aidb/sstable: invalid shared-len varint")
	}
	offset += n
	unsharedLen, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return nil, nil, 0, base.MarkCorruption(nil, "aidb/sstable: invalid unshared-len varint")
	}
	offset += n
	valueLen, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return nil, nil, 0, base.MarkCorruption(nil, "aidb/sstable: invalid value-len varint")
	}
	offset += n
	if int(shared) > len(prevKey) || offset+int(unsharedLen)+int(valueLen) > len(data) {
		return nil, nil, 0, base.MarkCorruption(nil, "aidb/sstable: entry overruns block")
	}
	key = make([]byte, int(shared)+int(unsharedLen))
	copy(key, prevKey[:shared])
	copy(key[shared:], data[offset:offset+int(unsharedLen)])
	offset += int(unsharedLen)
	value = data[offset : offset+int(valueLen)]
	offset += int(valueLen)
	return key, value, offset, nil
}

// seek positions the iterator at the first entry whose InternalKey is >=
// key, using binary search over restart points then a linear scan within
// the restart group (spec.md §4.3).
func (i *blockIter) seek(key base.InternalKey) (base.InternalKey, []byte, bool, error) {
	lo, hi := 0, len(i.restarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		k, _, _, err := decodeEntryAt(i.data, int(i.restarts[mid]), nil)
		if err != nil {
			return base.InternalKey{}, nil, false, err
		}
		ik, ok := base.DecodeInternalKey(k)
		if !ok {
			return base.InternalKey{}, nil, false, base.MarkCorruption(nil, "aidb/sstable: malformed restart key")
		}
		if base.InternalCompare(ik, key) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	offset := int(i.restarts[lo])
	var prevKey []byte
	for offset < len(i.data) {
		k, v, next, err := decodeEntryAt(i.data, offset, prevKey)
		if err != nil {
			return base.InternalKey{}, nil, false, err
		}
		ik, ok := base.DecodeInternalKey(k)
		if !ok {
			return base.InternalKey{}, nil, false, base.MarkCorruption(nil, "aidb/sstable: malformed entry key")
		}
		if base.InternalCompare(ik, key) >= 0 {
			return ik, v, true, nil
		}
		prevKey = k
		offset = next
	}
	return base.InternalKey{}, nil, false, nil
}

// each decodes every entry in the block in order, invoking fn. Used by the
// SSTable reader's full-table iterator (compaction, scans).
func (i *blockIter) each(fn func(key base.InternalKey, value []byte) error) error {
	var prevKey []byte
	offset := 0
	for offset < len(i.data) {
		k, v, next, err := decodeEntryAt(i.data, offset, prevKey)
		if err != nil {
			return err
		}
		ik, ok := base.DecodeInternalKey(k)
		if !ok {
			return base.MarkCorruption(nil, "aidb/sstable: malformed entry key")
		}
		if err := fn(ik, v); err != nil {
			return err
		}
		prevKey = k
		offset = next
	}
	return nil
}
