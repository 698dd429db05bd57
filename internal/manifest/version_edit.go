package manifest

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/aidb/aidb/internal/base"
)

// tag identifies the kind of field encoded next in a VersionEdit record,
// grounded on LevelDB/pebble's own tag-based VersionEdit encoding (see
// pebble's internal/manifest/version_edit.go) but trimmed to exactly the
// fields spec.md §3's VersionEdit names.
type tag uint32

const (
	tagNextFileNumber tag = 1
	tagLastSequence   tag = 2
	tagDeletedFile    tag = 3
	tagNewFile        tag = 4
)

// NewFileEntry pairs a level with the metadata of a file added to it.
type NewFileEntry struct {
	Level int
	Meta  FileMetadata
}

// DeletedFileEntry pairs a level with the file number removed from it.
type DeletedFileEntry struct {
	Level   int
	FileNum base.FileNum
}

// VersionEdit records one batch of changes to be applied atomically to the
// current Version, spec.md §3 "VersionEdit": AddFile / DeleteFile /
// SetNextFileNumber / SetLastSequence.
type VersionEdit struct {
	HasNextFileNumber bool
	NextFileNumber    base.FileNum
	HasLastSequence   bool
	LastSequence      base.SeqNum
	NewFiles          []NewFileEntry
	DeletedFiles      []DeletedFileEntry
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	buf.Write(scratch[:n])
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func putInternalKey(buf *bytes.Buffer, k base.InternalKey) {
	putBytes(buf, k.UserKey)
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], base.EncodeTrailer(k.SeqNum, k.Kind))
	buf.Write(scratch[:])
}

// Encode serializes the edit into the framing written to the manifest log.
func (e *VersionEdit) Encode() []byte {
	var buf bytes.Buffer
	if e.HasNextFileNumber {
		putUvarint(&buf, uint64(tagNextFileNumber))
		putUvarint(&buf, uint64(e.NextFileNumber))
	}
	if e.HasLastSequence {
		putUvarint(&buf, uint64(tagLastSequence))
		putUvarint(&buf, uint64(e.LastSequence))
	}
	for _, d := range e.DeletedFiles {
		putUvarint(&buf, uint64(tagDeletedFile))
		putUvarint(&buf, uint64(d.Level))
		putUvarint(&buf, uint64(d.FileNum))
	}
	for _, f := range e.NewFiles {
		putUvarint(&buf, uint64(tagNewFile))
		putUvarint(&buf, uint64(f.Level))
		putUvarint(&buf, uint64(f.Meta.FileNum))
		putUvarint(&buf, f.Meta.FileSize)
		putInternalKey(&buf, f.Meta.Smallest)
		putInternalKey(&buf, f.Meta.Largest)
	}
	return buf.Bytes()
}

func getUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, base.MarkCorruption(err, "manifest: truncated varint")
	}
	return v, nil
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	n, err := getUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, base.MarkCorruption(err, "manifest: truncated byte string")
	}
	return b, nil
}

func getInternalKey(r *bytes.Reader) (base.InternalKey, error) {
	userKey, err := getBytes(r)
	if err != nil {
		return base.InternalKey{}, err
	}
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return base.InternalKey{}, base.MarkCorruption(err, "manifest: truncated trailer")
	}
	seqNum, kind := base.DecodeTrailer(binary.LittleEndian.Uint64(scratch[:]))
	return base.MakeInternalKey(userKey, seqNum, kind), nil
}

// Decode parses the bytes of one manifest log record into a VersionEdit.
func Decode(data []byte) (*VersionEdit, error) {
	r := bytes.NewReader(data)
	e := &VersionEdit{}
	for r.Len() > 0 {
		t, err := getUvarint(r)
		if err != nil {
			return nil, err
		}
		switch tag(t) {
		case tagNextFileNumber:
			v, err := getUvarint(r)
			if err != nil {
				return nil, err
			}
			e.HasNextFileNumber = true
			e.NextFileNumber = base.FileNum(v)
		case tagLastSequence:
			v, err := getUvarint(r)
			if err != nil {
				return nil, err
			}
			e.HasLastSequence = true
			e.LastSequence = base.SeqNum(v)
		case tagDeletedFile:
			level, err := getUvarint(r)
			if err != nil {
				return nil, err
			}
			num, err := getUvarint(r)
			if err != nil {
				return nil, err
			}
			e.DeletedFiles = append(e.DeletedFiles, DeletedFileEntry{Level: int(level), FileNum: base.FileNum(num)})
		case tagNewFile:
			level, err := getUvarint(r)
			if err != nil {
				return nil, err
			}
			num, err := getUvarint(r)
			if err != nil {
				return nil, err
			}
			size, err := getUvarint(r)
			if err != nil {
				return nil, err
			}
			smallest, err := getInternalKey(r)
			if err != nil {
				return nil, err
			}
			largest, err := getInternalKey(r)
			if err != nil {
				return nil, err
			}
			e.NewFiles = append(e.NewFiles, NewFileEntry{
				Level: int(level),
				Meta: FileMetadata{
					FileNum:  base.FileNum(num),
					FileSize: size,
					Smallest: smallest,
					Largest:  largest,
				},
			})
		default:
			return nil, base.MarkCorruption(errors.Newf("manifest: unknown tag %d", t), "manifest: corrupt edit")
		}
	}
	return e, nil
}

// Apply returns a new Version with e's changes applied to base. base is
// never mutated (spec.md §5: copy-on-write).
func (e *VersionEdit) Apply(v *Version) *Version {
	nv := v.Clone()
	for _, d := range e.DeletedFiles {
		files := nv.Levels[d.Level]
		for i, f := range files {
			if f.FileNum == d.FileNum {
				nv.Levels[d.Level] = append(files[:i:i], files[i+1:]...)
				break
			}
		}
	}
	for _, f := range e.NewFiles {
		meta := f.Meta
		if f.Level == 0 {
			// L0 is kept newest-first (spec.md §3): a flush or an L0
			// compaction output is always the newest data, so it goes at
			// the front rather than the back.
			nv.Levels[0] = append([]*FileMetadata{&meta}, nv.Levels[0]...)
			continue
		}
		nv.Levels[f.Level] = append(nv.Levels[f.Level], &meta)
	}
	for level := 1; level < len(nv.Levels); level++ {
		sortFilesBySmallest(nv.Levels[level])
	}
	if e.HasNextFileNumber {
		nv.NextFileNum = e.NextFileNumber
	}
	if e.HasLastSequence {
		nv.LastSeqNum = e.LastSequence
	}
	return nv
}

func sortFilesBySmallest(files []*FileMetadata) {
	for i := 1; i < len(files); i++ {
		for j := i; j > 0 && base.InternalCompare(files[j].Smallest, files[j-1].Smallest) < 0; j-- {
			files[j], files[j-1] = files[j-1], files[j]
		}
	}
}
