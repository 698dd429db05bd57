package manifest

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/aidb/aidb/internal/base"
	"github.com/aidb/aidb/internal/record"
)

// manifestRotationThreshold is the manifest log size, in bytes, past which
// VersionSet.LogAndApply starts a fresh MANIFEST file instead of appending,
// spec.md §9 Open Question 4 ("the manifest itself can grow without bound
// ... periodically snapshot/rotate the manifest"). A VersionEdit record is
// tiny, so this bound still holds many thousands of edits while capping
// the cost of replaying them at Open.
const manifestRotationThreshold = 4 << 20 // 4 MiB

// VersionSet owns the current Version and the durable log of edits that
// produced it (spec.md §4.10/C12). All mutation goes through LogAndApply,
// which serializes with mu per spec.md §5's lock ordering ("version/level
// lists ... guarded together").
type VersionSet struct {
	mu        sync.Mutex
	dirname   string
	maxLevels int
	current   *Version

	manifestFileNum base.FileNum
	manifestFile    *os.File
	manifestWriter  *record.Writer
}

// Create initializes a brand-new manifest for an empty database: a
// MANIFEST-000001 containing one edit with NextFileNumber=2 and
// LastSequence=0, and a CURRENT file pointing at it.
func Create(dirname string, maxLevels int) (*VersionSet, error) {
	vs := &VersionSet{
		dirname:   dirname,
		maxLevels: maxLevels,
		current:   NewVersion(maxLevels),
	}
	edit := &VersionEdit{
		HasNextFileNumber: true,
		NextFileNumber:    2,
		HasLastSequence:   true,
		LastSequence:      0,
	}
	if err := vs.createNewManifest(base.FileNum(1), edit); err != nil {
		return nil, err
	}
	vs.current = edit.Apply(vs.current)
	return vs, nil
}

// Open recovers the VersionSet from dirname's CURRENT file and the
// MANIFEST log it names, replaying every VersionEdit in order (spec.md
// §4.10: "the DB ... replays every record in order, applying AddFile/
// DeleteFile/Set* edits to an initially-empty Version").
func Open(dirname string, maxLevels int) (*VersionSet, error) {
	manifestName, err := readCurrentFile(dirname)
	if err != nil {
		return nil, err
	}
	_, manifestNum, ok := base.ParseFilename(manifestName)
	if !ok {
		return nil, base.MarkCorruption(errors.Newf("manifest: CURRENT names unparseable file %q", manifestName), "manifest: invalid CURRENT contents")
	}

	f, err := os.Open(filepath.Join(dirname, manifestName))
	if err != nil {
		return nil, errors.Wrapf(err, "aidb: opening manifest %q", manifestName)
	}
	defer f.Close()

	v := NewVersion(maxLevels)
	r := record.NewReader(bufio.NewReader(f))
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "aidb: replaying manifest %q", manifestName)
		}
		edit, err := Decode(rec)
		if err != nil {
			return nil, err
		}
		v = edit.Apply(v)
	}

	vs := &VersionSet{
		dirname:         dirname,
		maxLevels:       maxLevels,
		current:         v,
		manifestFileNum: manifestNum,
	}
	mf, err := os.OpenFile(filepath.Join(dirname, manifestName), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "aidb: reopening manifest %q for append", manifestName)
	}
	info, err := mf.Stat()
	if err != nil {
		mf.Close()
		return nil, errors.Wrapf(err, "aidb: statting manifest %q", manifestName)
	}
	vs.manifestFile = mf
	vs.manifestWriter = record.NewWriterSize(mf, info.Size())
	return vs, nil
}

// Current returns the live Version. Callers must not mutate it; apply
// changes via LogAndApply instead (spec.md §5: "copy-on-write").
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.current
}

// NextFileNum allocates and returns the next file number, persisting the
// allocation via a VersionEdit so that a crash immediately after cannot
// reuse it (spec.md §4.10).
func (vs *VersionSet) NextFileNum() (base.FileNum, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	num := vs.current.NextFileNum
	edit := &VersionEdit{HasNextFileNumber: true, NextFileNumber: num + 1}
	if err := vs.logAndApplyLocked(edit); err != nil {
		return 0, err
	}
	return num, nil
}

// LogAndApply durably appends edit to the manifest log and swaps in the
// resulting Version, spec.md §4.10's commit protocol: "append the
// VersionEdit to the manifest log, fsync it, THEN swap the in-memory
// Version pointer."
func (vs *VersionSet) LogAndApply(edit *VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logAndApplyLocked(edit)
}

func (vs *VersionSet) logAndApplyLocked(edit *VersionEdit) error {
	if err := vs.manifestWriter.Append(edit.Encode()); err != nil {
		return errors.Wrapf(err, "aidb: appending manifest edit")
	}
	if err := vs.manifestFile.Sync(); err != nil {
		return errors.Wrapf(err, "aidb: fsyncing manifest")
	}
	vs.current = edit.Apply(vs.current)

	if vs.manifestWriter.Size() > manifestRotationThreshold {
		if err := vs.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

// rotateLocked snapshots the current Version into a fresh MANIFEST file and
// repoints CURRENT at it, bounding manifest replay time (spec.md §9 Open
// Question 4, resolved in favor of periodic rotation). Must hold vs.mu.
func (vs *VersionSet) rotateLocked() error {
	nextNum := vs.current.NextFileNum
	snapshot := &VersionEdit{
		HasNextFileNumber: true,
		NextFileNumber:    nextNum + 1,
		HasLastSequence:   true,
		LastSequence:      vs.current.LastSeqNum,
	}
	for level, files := range vs.current.Levels {
		if level == 0 {
			// L0 is stored newest-first; Apply prepends each L0 NewFile in
			// turn, so feed it oldest-first to reproduce the same order.
			for i := len(files) - 1; i >= 0; i-- {
				snapshot.NewFiles = append(snapshot.NewFiles, NewFileEntry{Level: 0, Meta: *files[i]})
			}
			continue
		}
		for _, f := range files {
			snapshot.NewFiles = append(snapshot.NewFiles, NewFileEntry{Level: level, Meta: *f})
		}
	}

	oldFile := vs.manifestFile
	newNum := nextNum // the rotation itself consumes one file number.
	if err := vs.createNewManifestLocked(newNum, snapshot); err != nil {
		return err
	}
	vs.current.NextFileNum = newNum + 1
	return oldFile.Close()
}

// createNewManifest is createNewManifestLocked without an existing
// VersionSet.mu to hold (used only from Create, before vs is published).
func (vs *VersionSet) createNewManifest(num base.FileNum, edit *VersionEdit) error {
	return vs.createNewManifestLocked(num, edit)
}

func (vs *VersionSet) createNewManifestLocked(num base.FileNum, edit *VersionEdit) error {
	path := base.MakeFilepath(vs.dirname, base.FileTypeManifest, num)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "aidb: creating manifest %q", path)
	}
	w := record.NewWriter(f)
	if err := w.Append(edit.Encode()); err != nil {
		f.Close()
		return errors.Wrapf(err, "aidb: writing initial manifest edit")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "aidb: fsyncing new manifest")
	}
	if err := setCurrentFile(vs.dirname, base.MakeFilename(base.FileTypeManifest, num)); err != nil {
		f.Close()
		return err
	}
	vs.manifestFileNum = num
	vs.manifestFile = f
	vs.manifestWriter = w
	return nil
}

// AdvanceCompactPointer records the compaction picker's round-robin
// progress at level (spec.md §9 Open Question 3). Purely an in-memory
// heuristic: it is never written to the manifest log, so it resets to nil
// after a restart with no correctness impact — pickByCompactPointer always
// terminates by wrapping back to the first file.
func (vs *VersionSet) AdvanceCompactPointer(level int, key []byte) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	nv := vs.current.Clone()
	nv.CompactPointer[level] = append([]byte(nil), key...)
	vs.current = nv
}

// Close flushes and closes the manifest log file.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifestFile == nil {
		return nil
	}
	return vs.manifestFile.Close()
}

// ManifestFileNum reports the file number of the currently-open manifest
// log.
func (vs *VersionSet) ManifestFileNum() base.FileNum {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.manifestFileNum
}

// ObsoleteTableFiles scans dirname for *.sst files not present in the
// current Version and not named in keepAlso (typically in-flight
// compaction outputs), spec.md §4.10: "any .sst file in the directory not
// referenced by the recovered Version is an orphan left by a crash between
// file-create and the version edit that would have registered it, and
// must be deleted." Returns absolute paths of files eligible for removal;
// callers are responsible for actually unlinking them (the DB coordinator
// does this once at Open, before its background goroutines start).
func (vs *VersionSet) ObsoleteTableFiles(keepAlso map[base.FileNum]bool) ([]string, error) {
	vs.mu.Lock()
	live := map[base.FileNum]bool{}
	for _, files := range vs.current.Levels {
		for _, f := range files {
			live[f.FileNum] = true
		}
	}
	dirname := vs.dirname
	vs.mu.Unlock()

	entries, err := os.ReadDir(dirname)
	if err != nil {
		return nil, errors.Wrapf(err, "aidb: listing %q", dirname)
	}
	var orphans []string
	for _, ent := range entries {
		fileType, num, ok := base.ParseFilename(ent.Name())
		if !ok || fileType != base.FileTypeTable {
			continue
		}
		if live[num] || keepAlso[num] {
			continue
		}
		orphans = append(orphans, filepath.Join(dirname, ent.Name()))
	}
	return orphans, nil
}

func readCurrentFile(dirname string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dirname, "CURRENT"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", base.Newf(base.KindNotFound, "aidb: no CURRENT file in %q", dirname)
		}
		return "", errors.Wrapf(err, "aidb: reading CURRENT")
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", base.MarkCorruption(errors.New("manifest: empty CURRENT file"), "manifest: invalid CURRENT")
	}
	return name, nil
}

// setCurrentFile atomically repoints CURRENT at manifestName, spec.md
// §4.10's "write-tmp + rename + fsync parent dir" protocol, grounded on
// pebble's base.SetCurrentFile / atomicfs helpers.
func setCurrentFile(dirname, manifestName string) error {
	tmpPath := filepath.Join(dirname, "CURRENT.dbtmp")
	if err := os.WriteFile(tmpPath, []byte(manifestName+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "aidb: writing CURRENT.dbtmp")
	}
	if err := os.Rename(tmpPath, filepath.Join(dirname, "CURRENT")); err != nil {
		return errors.Wrapf(err, "aidb: renaming CURRENT.dbtmp to CURRENT")
	}
	return syncDir(dirname)
}

func syncDir(dirname string) error {
	d, err := os.Open(dirname)
	if err != nil {
		return errors.Wrapf(err, "aidb: opening directory %q for fsync", dirname)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		// Some filesystems (notably tmpfs) reject fsync on directories;
		// spec.md §4.1 treats this as best-effort durability, matching
		// pebble's own vfs.Sync tolerance.
		if !errors.Is(err, os.ErrInvalid) {
			return errors.Wrapf(err, "aidb: fsyncing directory %q", dirname)
		}
	}
	return nil
}
