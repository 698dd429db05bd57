// Package record implements the fragmented, CRC-protected log-record codec
// shared by the WAL (spec.md §4.1/C2) and the manifest (spec.md §4.10/C12).
//
// Unlike pebble's record package, which packs chunks into fixed 32 KiB
// physical blocks for compatibility with LevelDB's on-disk format, AiDb's
// spec (spec.md §3 "WALRecord", §6 "WAL/Manifest record") defines an
// unpadded frame stream: each physical record is exactly
// crc32(4) | length(2) | type(1) | payload, one after another, with no
// block alignment. This file implements that simpler framing, grounded on
// record/record.go's Reader/Writer shape and its fragment-type vocabulary.
package record

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/aidb/aidb/internal/base"
)

// ChunkType is the physical record type, per spec.md §3.
type ChunkType uint8

const (
	_ ChunkType = iota
	// Full indicates the physical record holds an entire logical record.
	Full
	// First indicates the physical record holds the first fragment of a
	// logical record that spans more than one physical record.
	First
	// Middle indicates an interior fragment.
	Middle
	// Last indicates the final fragment.
	Last
)

// HeaderSize is the 7-byte frame header: crc32(4) | length(2) | type(1).
const HeaderSize = 7

// MaxFragmentPayload is the implementation-defined maximum payload per
// physical fragment referenced by spec.md §3 ("approx 32 KiB payload per
// fragment").
const MaxFragmentPayload = 32 * 1024

// ErrCorruptRecord is returned by Reader when a frame fails CRC validation,
// has an unknown type, or is truncated mid-frame.
var ErrCorruptRecord = errors.New("aidb/record: corrupt record")

func checksum(chunkType ChunkType, payload []byte) uint32 {
	c := crc32.NewIEEE()
	c.Write([]byte{byte(chunkType)})
	c.Write(payload)
	return c.Sum32()
}

// Writer appends logical records to an underlying io.Writer, fragmenting
// ones larger than MaxFragmentPayload. It is not safe for concurrent use;
// callers serialize writes with their own lock (the WAL write lock /
// manifest lock per spec.md §5's lock ordering).
type Writer struct {
	w       io.Writer
	size    int64 // bytes written so far, used for rotation decisions.
	scratch [HeaderSize]byte
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// NewWriterSize wraps w, seeding Size() with the bytes already written
// through some earlier Writer over the same underlying file (used when
// reopening a log for append after recovery).
func NewWriterSize(w io.Writer, size int64) *Writer {
	return &Writer{w: w, size: size}
}

// Size reports the number of bytes written through this Writer.
func (w *Writer) Size() int64 { return w.size }

// Append fragments logical and writes it as one or more physical records.
func (w *Writer) Append(logical []byte) error {
	if len(logical) == 0 {
		return w.writeFrame(Full, nil)
	}
	first := true
	for len(logical) > 0 {
		n := len(logical)
		if n > MaxFragmentPayload {
			n = MaxFragmentPayload
		}
		frag := logical[:n]
		logical = logical[n:]
		last := len(logical) == 0

		var chunkType ChunkType
		switch {
		case first && last:
			chunkType = Full
		case first:
			chunkType = First
		case last:
			chunkType = Last
		default:
			chunkType = Middle
		}
		if err := w.writeFrame(chunkType, frag); err != nil {
			return err
		}
		first = false
	}
	return nil
}

func (w *Writer) writeFrame(chunkType ChunkType, payload []byte) error {
	binary.LittleEndian.PutUint32(w.scratch[0:4], checksum(chunkType, payload))
	binary.LittleEndian.PutUint16(w.scratch[4:6], uint16(len(payload)))
	w.scratch[6] = byte(chunkType)
	if _, err := w.w.Write(w.scratch[:]); err != nil {
		return errors.Wrapf(err, "aidb/record: writing frame header")
	}
	if len(payload) > 0 {
		if _, err := w.w.Write(payload); err != nil {
			return errors.Wrapf(err, "aidb/record: writing frame payload")
		}
	}
	w.size += HeaderSize + int64(len(payload))
	return nil
}

// Reader reassembles logical records written by Writer from an underlying
// io.Reader. On corruption (CRC mismatch, unknown type, or a frame
// truncated by a crash) Next stops and returns the corruption error; every
// logical record reassembled before that point has already been returned
// to the caller (spec.md §4.1: "the DB treats the remainder as lost").
type Reader struct {
	r   io.Reader
	buf []byte
	eof bool
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next reassembled logical record, or io.EOF once the
// underlying reader is exhausted cleanly between records.
func (r *Reader) Next() ([]byte, error) {
	if r.eof {
		return nil, io.EOF
	}
	var logical []byte
	var header [HeaderSize]byte
	inFragment := false
	for {
		_, err := io.ReadFull(r.r, header[:])
		if err != nil {
			if errors.Is(err, io.EOF) && !inFragment {
				r.eof = true
				return nil, io.EOF
			}
			// A partial header is exactly what a crash mid-append leaves
			// behind: treat it as end of valid data, not corruption, unless
			// we were mid-fragment (a guaranteed-lost logical record).
			if errors.Is(err, io.ErrUnexpectedEOF) && !inFragment {
				r.eof = true
				return nil, io.EOF
			}
			r.eof = true
			if inFragment {
				return nil, base.MarkCorruption(ErrCorruptRecord, "aidb/record: truncated frame header mid-record")
			}
			return nil, io.EOF
		}
		crcWant := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint16(header[4:6])
		chunkType := ChunkType(header[6])
		if chunkType < Full || chunkType > Last {
			r.eof = true
			return nil, base.MarkCorruption(ErrCorruptRecord, "aidb/record: unknown chunk type %d", chunkType)
		}
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r.r, payload); err != nil {
				r.eof = true
				return nil, base.MarkCorruption(ErrCorruptRecord, "aidb/record: truncated frame payload")
			}
		}
		if checksum(chunkType, payload) != crcWant {
			r.eof = true
			return nil, base.MarkCorruption(ErrCorruptRecord, "aidb/record: crc mismatch")
		}

		switch chunkType {
		case Full:
			if inFragment {
				r.eof = true
				return nil, base.MarkCorruption(ErrCorruptRecord, "aidb/record: Full chunk while fragment in progress")
			}
			return payload, nil
		case First:
			if inFragment {
				r.eof = true
				return nil, base.MarkCorruption(ErrCorruptRecord, "aidb/record: First chunk while fragment in progress")
			}
			logical = append(logical, payload...)
			inFragment = true
		case Middle:
			if !inFragment {
				r.eof = true
				return nil, base.MarkCorruption(ErrCorruptRecord, "aidb/record: Middle chunk with no fragment in progress")
			}
			logical = append(logical, payload...)
		case Last:
			if !inFragment {
				r.eof = true
				return nil, base.MarkCorruption(ErrCorruptRecord, "aidb/record: Last chunk with no fragment in progress")
			}
			logical = append(logical, payload...)
			return logical, nil
		}
	}
}
