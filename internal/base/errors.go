package base

import (
	"github.com/cockroachdb/errors"
)

// Kind identifies the broad class of an AiDb error, per spec.md §7.
type Kind int

const (
	// KindIO covers underlying filesystem failures.
	KindIO Kind = iota
	// KindCorruption covers CRC mismatches, bad magic, truncated
	// blocks/footers, invalid varints, unknown compression, and
	// out-of-order keys within a block.
	KindCorruption
	// KindInvalidArgument covers empty keys, oversized batches, and
	// inverted ranges.
	KindInvalidArgument
	// KindNotFound covers an open of a missing directory with
	// create_if_missing=false.
	KindNotFound
	// KindAlreadyExists covers an open of a non-empty directory with
	// error_if_exists=true.
	KindAlreadyExists
	// KindInternal covers invariant violations caught at runtime.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindCorruption:
		return "Corruption"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// kindError wraps an error with its Kind, following the pattern of pebble's
// own errors.InvariantError.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind tags err with kind so that KindOf can later recover it.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Newf builds a new, kinded error.
func Newf(kind Kind, format string, args ...interface{}) error {
	return WithKind(kind, errors.Newf(format, args...))
}

// KindOf recovers the Kind attached by WithKind/Newf, defaulting to
// KindInternal for errors that never passed through this package (e.g. a
// raw I/O error from the filesystem that nobody re-kinded yet).
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}

// IsCorruption reports whether err (or anything it wraps) is a Corruption
// error, mirroring pebble's base.IsCorruptionError / MarkCorruptionError
// pair.
func IsCorruption(err error) bool { return err != nil && KindOf(err) == KindCorruption }

// MarkCorruption wraps err (or, if err is nil, a new error built from
// format/args) as a Corruption error.
func MarkCorruption(err error, format string, args ...interface{}) error {
	if err != nil {
		return WithKind(KindCorruption, errors.Wrapf(err, format, args...))
	}
	return Newf(KindCorruption, format, args...)
}

// ErrNotFound is returned as the error by DB.Get and Snapshot.Get when the
// key is absent or its newest visible entry is a tombstone.
var ErrNotFound = errors.New("aidb: not found")

// ErrClosed is returned by operations invoked on a closed DB.
var ErrClosed = errors.New("aidb: db is closed")
