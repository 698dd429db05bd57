// Package manifest implements the version-set / manifest subsystem
// (spec.md §3 "Version"/"VersionEdit", §4.10/C12): a durable log of
// SSTable add/delete edits, the next-file-number and last-sequence
// counters, and crash recovery.
//
// Grounded on pebble's internal/manifest package for the Version/
// VersionEdit shape (per-level immutable file lists, copy-on-write
// version swaps) and on the record package for the manifest's own
// framing, per spec.md §4.10: "framed using the same record codec as the
// WAL."
package manifest

import (
	"github.com/aidb/aidb/internal/base"
)

// FileMetadata describes one live SSTable as tracked by a Version.
type FileMetadata struct {
	FileNum  base.FileNum
	FileSize uint64
	Smallest base.InternalKey
	Largest  base.InternalKey
}

// Overlaps reports whether this file's key range intersects [start, end).
// A nil start/end means unbounded on that side.
func (m *FileMetadata) Overlaps(start, end []byte) bool {
	if end != nil && string(m.Smallest.UserKey) >= string(end) {
		return false
	}
	if start != nil && string(m.Largest.UserKey) < string(start) {
		return false
	}
	return true
}

// Version is an immutable snapshot of the per-level SSTable sets plus
// next_file_number and last_sequence, spec.md §3.
type Version struct {
	Levels          [][]*FileMetadata // Levels[0] is L0: newest-first, may overlap. Levels[L>=1]: sorted by Smallest, non-overlapping.
	NextFileNum     base.FileNum
	LastSeqNum      base.SeqNum
	CompactPointer  [][]byte // per level, the largest user key of the file most recently picked for compaction (spec.md §9 Open Question 3).
}

// NewVersion returns an empty Version with maxLevels levels.
func NewVersion(maxLevels int) *Version {
	return &Version{
		Levels:         make([][]*FileMetadata, maxLevels),
		CompactPointer: make([][]byte, maxLevels),
	}
}

// Clone returns a shallow copy of v suitable as the basis for applying one
// more edit (copy-on-write, spec.md §5: "Version / VersionSet: copy-on-
// write; writers build a new Version and swap").
func (v *Version) Clone() *Version {
	nv := &Version{
		Levels:         make([][]*FileMetadata, len(v.Levels)),
		CompactPointer: make([][]byte, len(v.CompactPointer)),
		NextFileNum:    v.NextFileNum,
		LastSeqNum:     v.LastSeqNum,
	}
	for i, files := range v.Levels {
		nv.Levels[i] = append([]*FileMetadata(nil), files...)
	}
	copy(nv.CompactPointer, v.CompactPointer)
	return nv
}

// TotalFileCount returns the number of live files across every level.
func (v *Version) TotalFileCount() int {
	n := 0
	for _, files := range v.Levels {
		n += len(files)
	}
	return n
}

// LevelBytes returns the total file size of level.
func (v *Version) LevelBytes(level int) uint64 {
	var total uint64
	for _, f := range v.Levels[level] {
		total += f.FileSize
	}
	return total
}

// OverlappingFiles returns every file in level whose key range intersects
// [start, end).
func (v *Version) OverlappingFiles(level int, start, end []byte) []*FileMetadata {
	var out []*FileMetadata
	for _, f := range v.Levels[level] {
		if f.Overlaps(start, end) {
			out = append(out, f)
		}
	}
	return out
}

// FindFile returns the file in level with the given file number, if
// present.
func (v *Version) FindFile(level int, fileNum base.FileNum) *FileMetadata {
	for _, f := range v.Levels[level] {
		if f.FileNum == fileNum {
			return f
		}
	}
	return nil
}

// HighestLevelWithData returns the deepest level index that holds at
// least one file, or -1 if the Version is empty.
func (v *Version) HighestLevelWithData() int {
	for i := len(v.Levels) - 1; i >= 0; i-- {
		if len(v.Levels[i]) > 0 {
			return i
		}
	}
	return -1
}
