// Package base holds the types shared by every internal AiDb package: the
// InternaKey encoding, sequence numbers, comparer, filenames, and the error
// taxonomy. It intentionally has no dependency on any other internal
// package so that record, memtable, sstable, cache, manifest and compaction
// can all depend on it without cycles.
package base

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
)

// SeqNum is the 64-bit monotonically increasing counter assigned to every
// mutation (spec.md §3). Sequence numbers are globally ordered and are the
// sole source of MVCC visibility.
type SeqNum uint64

// SeqNumMax is used as the visibility bound for readers that must see every
// committed write (e.g. a fresh DB.Get with no snapshot).
const SeqNumMax SeqNum = 1<<64 - 1

func (s SeqNum) String() string { return fmt.Sprintf("%d", uint64(s)) }

// InternalKeyKind distinguishes a live value from a deletion marker.
type InternalKeyKind uint8

const (
	// InternalKeyKindValue marks a live put.
	InternalKeyKindValue InternalKeyKind = 0
	// InternalKeyKindTombstone marks a delete.
	InternalKeyKindTombstone InternalKeyKind = 1
)

func (k InternalKeyKind) String() string {
	switch k {
	case InternalKeyKindValue:
		return "SET"
	case InternalKeyKindTombstone:
		return "DEL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// InternalKey is the triple (user_key, sequence, kind) from spec.md §3. Its
// total order is: user_key ascending, sequence descending, then Value before
// Tombstone.
type InternalKey struct {
	UserKey []byte
	SeqNum  SeqNum
	Kind    InternalKeyKind
}

// MakeInternalKey builds an InternalKey, copying nothing — callers that need
// to retain the key past the lifetime of userKey must clone it first.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{UserKey: userKey, SeqNum: seqNum, Kind: kind}
}

// Clone returns an InternalKey backed by a fresh copy of the user key.
func (k InternalKey) Clone() InternalKey {
	uk := make([]byte, len(k.UserKey))
	copy(uk, k.UserKey)
	return InternalKey{UserKey: uk, SeqNum: k.SeqNum, Kind: k.Kind}
}

func (k InternalKey) String() string {
	return fmt.Sprintf("%s#%d,%s", k.UserKey, k.SeqNum, k.Kind)
}

// InternalCompare implements the InternalKey total order from spec.md §3:
// user_key ascending, then sequence descending, then Value before Tombstone.
func InternalCompare(a, b InternalKey) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	if a.SeqNum != b.SeqNum {
		// Descending: newer (larger) sequence sorts first.
		return cmp.Compare(b.SeqNum, a.SeqNum)
	}
	// Value (0) before Tombstone (1).
	return cmp.Compare(a.Kind, b.Kind)
}

// SeekKey constructs the InternalKey a point lookup for userKey at visibility
// sMax should seek to: spec.md §3's "scans the range starting at
// (user_key, s_max, Value)".
func SeekKey(userKey []byte, sMax SeqNum) InternalKey {
	return InternalKey{UserKey: userKey, SeqNum: sMax, Kind: InternalKeyKindValue}
}

// EncodeTrailer packs SeqNum and Kind into the 8-byte trailer used by the
// on-disk InternalKey encoding: low byte is the kind, the remaining 7 bytes
// are the sequence number (matching pebble's internalKeyTrailer packing,
// trimmed from a 56-bit sequence to a full 56 bits here as well since AiDb
// never needs the high byte for anything else).
func EncodeTrailer(seqNum SeqNum, kind InternalKeyKind) uint64 {
	return uint64(seqNum)<<8 | uint64(kind)
}

// DecodeTrailer is the inverse of EncodeTrailer.
func DecodeTrailer(trailer uint64) (SeqNum, InternalKeyKind) {
	return SeqNum(trailer >> 8), InternalKeyKind(trailer & 0xff)
}

// AppendInternalKey appends the on-disk encoding of key (user key bytes
// followed by the 8-byte little-endian trailer) to dst and returns the
// extended slice. This is the encoding used inside sstable blocks.
func AppendInternalKey(dst []byte, key InternalKey) []byte {
	dst = append(dst, key.UserKey...)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], EncodeTrailer(key.SeqNum, key.Kind))
	return append(dst, buf[:]...)
}

// DecodeInternalKey is the inverse of AppendInternalKey: b must be exactly
// len(user_key)+8 bytes. The returned InternalKey aliases b.
func DecodeInternalKey(b []byte) (InternalKey, bool) {
	if len(b) < 8 {
		return InternalKey{}, false
	}
	n := len(b) - 8
	trailer := binary.LittleEndian.Uint64(b[n:])
	seqNum, kind := DecodeTrailer(trailer)
	return InternalKey{UserKey: b[:n], SeqNum: seqNum, Kind: kind}, true
}
