package sstable

import (
	"encoding/binary"

	"github.com/aidb/aidb/internal/base"
)

// BlockHandle is an (offset, size) pointer into an SSTable file, spec.md §3.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

const blockHandleSize = 16

func encodeBlockHandle(dst []byte, h BlockHandle) []byte {
	var buf [blockHandleSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], h.Size)
	return append(dst, buf[:]...)
}

func decodeBlockHandle(b []byte) (BlockHandle, error) {
	if len(b) < blockHandleSize {
		return BlockHandle{}, base.MarkCorruption(nil, "aidb/sstable: truncated block handle")
	}
	return BlockHandle{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Size:   binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// FooterSize is the fixed 48-byte footer at the end of every SSTable file
// (spec.md §3/§6).
const FooterSize = 48

// magic = 0x53535F454C424154, the ASCII bytes "TABLE_SS" read as a
// little-endian u64. spec.md §6 names the byte value 0x5441424C455F5353
// for this constant, which is "TABLE_SS" read as a *big-endian* u64; since
// the footer field itself is written little-endian (like every other
// multi-byte field in this format), the value actually stored on disk is
// the byte-swapped 0x53535F454C424154 used here.
const magic uint64 = 0x53535F454C424154

func init() {
	// Guard against a transcription error in the magic constant: it must
	// decode back to the ASCII string "TABLE_SS".
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], magic)
	if string(buf[:]) != "TABLE_SS" {
		panic("aidb/sstable: magic constant does not encode \"TABLE_SS\"")
	}
}

type footer struct {
	metaIndexHandle BlockHandle
	indexHandle     BlockHandle
}

func encodeFooter(f footer) []byte {
	buf := make([]byte, 0, FooterSize)
	buf = encodeBlockHandle(buf, f.metaIndexHandle)
	buf = encodeBlockHandle(buf, f.indexHandle)
	buf = append(buf, make([]byte, 8)...) // padding
	var magicBuf [8]byte
	binary.LittleEndian.PutUint64(magicBuf[:], magic)
	buf = append(buf, magicBuf[:]...)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != FooterSize {
		return footer{}, base.MarkCorruption(nil, "aidb/sstable: footer is not %d bytes", FooterSize)
	}
	gotMagic := binary.LittleEndian.Uint64(buf[40:48])
	if gotMagic != magic {
		return footer{}, base.MarkCorruption(nil, "aidb/sstable: bad footer magic")
	}
	metaIndexHandle, err := decodeBlockHandle(buf[0:16])
	if err != nil {
		return footer{}, err
	}
	indexHandle, err := decodeBlockHandle(buf[16:32])
	if err != nil {
		return footer{}, err
	}
	return footer{metaIndexHandle: metaIndexHandle, indexHandle: indexHandle}, nil
}
