// Package compaction implements the leveled compaction picker and runner
// (spec.md §4.8/C10, §4.9/C11): choosing which files to merge next, and
// merging them into the output level via internal/merge.
//
// Grounded on pebble's compaction_picker.go for the level-trigger priority
// order (L0 file-count trigger checked before any per-level size trigger)
// and its geometric target_size(L) growth, trimmed to spec.md §4.8's
// single-task-at-a-time model: pebble's real picker juggles several
// concurrent compactions and L0 sub-levels, neither of which spec.md's
// §4.8 asks for.
package compaction

import (
	"github.com/aidb/aidb/internal/manifest"
)

// Options configures the picker's triggers, spec.md §6's tunables table.
type Options struct {
	Level0CompactionThreshold int
	LevelSizeMultiplier       int64
	BaseLevelSize             int64
}

// DefaultOptions returns spec.md §6's documented defaults.
func DefaultOptions() Options {
	return Options{
		Level0CompactionThreshold: 4,
		LevelSizeMultiplier:       10,
		BaseLevelSize:             10 << 20,
	}
}

// TargetSize implements spec.md §4.8's target_size(L) formula:
// base_level_size * level_size_multiplier^(L-1), defined for L >= 1.
func (o Options) TargetSize(level int) int64 {
	if level < 1 {
		return 0
	}
	size := o.BaseLevelSize
	for i := 1; i < level; i++ {
		size *= o.LevelSizeMultiplier
	}
	return size
}

// Task describes one compaction to run: a set of input files at
// inputLevel plus every OutputLevel file they overlap, merging into
// OutputLevel (spec.md §4.8/§4.9).
type Task struct {
	InputLevel     int
	OutputLevel    int
	InputFiles     []*manifest.FileMetadata // from InputLevel.
	OverlapFiles   []*manifest.FileMetadata // from OutputLevel, overlapping InputFiles' combined range.
}

// AllInputs returns every file (input and output level) participating in
// the task, in no particular order.
func (t *Task) AllInputs() []*manifest.FileMetadata {
	out := make([]*manifest.FileMetadata, 0, len(t.InputFiles)+len(t.OverlapFiles))
	out = append(out, t.InputFiles...)
	out = append(out, t.OverlapFiles...)
	return out
}

// Picker selects the next compaction task from a Version, spec.md §4.8's
// two-step priority: L0 file-count trigger first, then per-level size
// trigger for L=1..max_levels-1.
type Picker struct {
	opts Options
}

// NewPicker builds a Picker.
func NewPicker(opts Options) *Picker {
	return &Picker{opts: opts}
}

// Pick returns the next Task to run against v, or nil if no level is over
// its trigger threshold.
func (p *Picker) Pick(v *manifest.Version) *Task {
	if len(v.Levels[0]) >= p.opts.Level0CompactionThreshold {
		return p.pickLevel0(v)
	}
	for level := 1; level < len(v.Levels)-1; level++ {
		if int64(v.LevelBytes(level)) > p.opts.TargetSize(level) {
			return p.pickLevelN(v, level)
		}
	}
	return nil
}

// pickLevel0 compacts every L0 file together with every L1 file whose
// range overlaps their union, spec.md §4.8 step 1.
func (p *Picker) pickLevel0(v *manifest.Version) *Task {
	inputs := append([]*manifest.FileMetadata(nil), v.Levels[0]...)
	start, end := unionRange(inputs)
	overlaps := v.OverlappingFiles(1, start, end)
	return &Task{InputLevel: 0, OutputLevel: 1, InputFiles: inputs, OverlapFiles: overlaps}
}

// pickLevelN picks one file from level via the round-robin compactPointer
// technique (spec.md §9 Open Question 3, resolved in DESIGN.md), plus
// every L+1 file it overlaps.
func (p *Picker) pickLevelN(v *manifest.Version, level int) *Task {
	files := v.Levels[level]
	chosen := pickByCompactPointer(files, v.CompactPointer[level])
	if chosen == nil {
		return nil
	}
	overlaps := v.OverlappingFiles(level+1, chosen.Smallest.UserKey, endBoundExclusive(chosen.Largest.UserKey))
	return &Task{InputLevel: level, OutputLevel: level + 1, InputFiles: []*manifest.FileMetadata{chosen}, OverlapFiles: overlaps}
}

// pickByCompactPointer returns the first file in files (sorted by
// smallest key) whose smallest key is > pointer, wrapping around to
// files[0] if every file has already been passed — guaranteeing every
// file is eventually picked (spec.md §9's "must eventually cover all
// files").
func pickByCompactPointer(files []*manifest.FileMetadata, pointer []byte) *manifest.FileMetadata {
	if len(files) == 0 {
		return nil
	}
	if pointer == nil {
		return files[0]
	}
	for _, f := range files {
		if string(f.Smallest.UserKey) > string(pointer) {
			return f
		}
	}
	return files[0]
}

// AdvanceCompactPointer records that chosen was just picked at level, so
// the next Pick call at that level starts past it.
func AdvanceCompactPointer(v *manifest.Version, level int, chosen *manifest.FileMetadata) {
	v.CompactPointer[level] = append([]byte(nil), chosen.Largest.UserKey...)
}

func unionRange(files []*manifest.FileMetadata) (start, end []byte) {
	for _, f := range files {
		if start == nil || string(f.Smallest.UserKey) < string(start) {
			start = f.Smallest.UserKey
		}
		if end == nil || string(f.Largest.UserKey) >= string(end) {
			end = append(append([]byte(nil), f.Largest.UserKey...), 0)
		}
	}
	return start, end
}

// endBoundExclusive returns the smallest byte string strictly greater
// than largest, used as an exclusive upper bound when largest itself must
// be included in the overlap search.
func endBoundExclusive(largest []byte) []byte {
	return append(append([]byte(nil), largest...), 0)
}
