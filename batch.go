package aidb

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/aidb/aidb/internal/base"
)

// batchEntryKind tags one entry inside a Batch's payload, SPEC_FULL.md §4's
// write-batch encoding.
type batchEntryKind uint8

const (
	batchEntryPut    batchEntryKind = 1
	batchEntryDelete batchEntryKind = 2
)

// batchHeaderSize is seq_num(u64 LE) | count(u32 LE).
const batchHeaderSize = 8 + 4

// Batch accumulates an ordered list of Put/Delete operations for atomic
// application via DB.Write, spec.md §3/§6. A single Put or Delete is
// encoded and replayed identically to a one-entry Batch.
//
// Grounded on pebble's batchrepr package: a flat byte buffer holding a
// fixed header followed by tagged entries, rather than a slice of Go
// structs, so that the exact bytes written to the WAL are the exact bytes
// a Batch already holds in memory (no separate re-serialization step).
type Batch struct {
	data  []byte
	count uint32
}

// NewBatch returns an empty Batch ready for Put/Delete calls.
func NewBatch() *Batch {
	b := &Batch{data: make([]byte, batchHeaderSize)}
	return b
}

// Put appends a Put entry. Empty keys are rejected by the DB at commit
// time (spec.md §7 InvalidArgument), not here, so batches can be built up
// before validation.
func (b *Batch) Put(key, value []byte) {
	b.data = append(b.data, byte(batchEntryPut))
	b.data = appendVarintBytes(b.data, key)
	b.data = appendVarintBytes(b.data, value)
	b.count++
}

// Delete appends a Delete entry.
func (b *Batch) Delete(key []byte) {
	b.data = append(b.data, byte(batchEntryDelete))
	b.data = appendVarintBytes(b.data, key)
	b.count++
}

// Count returns the number of entries in the batch.
func (b *Batch) Count() int { return int(b.count) }

// Empty reports whether the batch has no entries.
func (b *Batch) Empty() bool { return b.count == 0 }

func appendVarintBytes(dst []byte, b []byte) []byte {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(b)))
	dst = append(dst, scratch[:n]...)
	return append(dst, b...)
}

// setSeqNum stamps the batch's header with the sequence number its first
// entry will receive at commit (SPEC_FULL.md §4: "the header's seq_num is
// the sequence of the batch's first entry; entry i receives seq_num+i").
func (b *Batch) setSeqNum(seqNum base.SeqNum) {
	binary.LittleEndian.PutUint64(b.data[0:8], uint64(seqNum))
	binary.LittleEndian.PutUint32(b.data[8:12], b.count)
}

func (b *Batch) seqNum() base.SeqNum {
	return base.SeqNum(binary.LittleEndian.Uint64(b.data[0:8]))
}

// Repr returns the batch's on-the-wire representation: the exact payload
// written inside one WAL record (SPEC_FULL.md §4). Valid only after
// setSeqNum has been called.
func (b *Batch) Repr() []byte { return b.data }

// batchEntry is one decoded Put or Delete, with the sequence number it
// was assigned at commit.
type batchEntry struct {
	kind   batchEntryKind
	seqNum base.SeqNum
	key    []byte
	value  []byte
}

// decodeBatch parses a Batch's Repr() (as read back from the WAL) into its
// header sequence number and entries, assigning each entry seqNum+i in
// encounter order — replay must reproduce the identical sequence
// assignment made at commit time (spec.md §6).
func decodeBatch(repr []byte) (seqNum base.SeqNum, entries []batchEntry, err error) {
	if len(repr) < batchHeaderSize {
		return 0, nil, base.MarkCorruption(io.ErrUnexpectedEOF, "aidb: truncated batch header")
	}
	seqNum = base.SeqNum(binary.LittleEndian.Uint64(repr[0:8]))
	count := binary.LittleEndian.Uint32(repr[8:12])

	r := bytes.NewReader(repr[batchHeaderSize:])
	entries = make([]batchEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		kindByte, err := r.ReadByte()
		if err != nil {
			return 0, nil, base.MarkCorruption(err, "aidb: truncated batch entry %d", i)
		}
		kind := batchEntryKind(kindByte)
		if kind != batchEntryPut && kind != batchEntryDelete {
			return 0, nil, base.MarkCorruption(nil, "aidb: unknown batch entry kind %d", kind)
		}
		key, err := readVarintBytes(r)
		if err != nil {
			return 0, nil, base.MarkCorruption(err, "aidb: truncated batch key %d", i)
		}
		var value []byte
		if kind == batchEntryPut {
			value, err = readVarintBytes(r)
			if err != nil {
				return 0, nil, base.MarkCorruption(err, "aidb: truncated batch value %d", i)
			}
		}
		entries = append(entries, batchEntry{kind: kind, seqNum: seqNum + base.SeqNum(i), key: key, value: value})
	}
	if r.Len() != 0 {
		return 0, nil, base.MarkCorruption(nil, "aidb: trailing bytes after batch entries")
	}
	return seqNum, entries, nil
}

func readVarintBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
