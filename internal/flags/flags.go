// Package flags implements the packed Mode/Open/Status word that every
// open() call carries, per spec.md §3 ("Flags"). Following the teacher's
// convention of small bitset types with Choices()-style helpers (see
// backend/local's timeType Enum), each flag group is its own type with
// getter methods, and Flags composes all three into the single word
// passed down to a backing file system's open().
package flags

import "github.com/xila-project/core/internal/kernelerrors"

var errInvalidFlags = kernelerrors.ErrInvalidFlags

// Mode is the access-mode component of Flags.
type Mode uint8

const (
	ModeReadOnly Mode = iota
	ModeWriteOnly
	ModeReadWrite
)

// GetRead reports whether the mode permits reads.
func (m Mode) GetRead() bool {
	return m == ModeReadOnly || m == ModeReadWrite
}

// GetWrite reports whether the mode permits writes.
func (m Mode) GetWrite() bool {
	return m == ModeWriteOnly || m == ModeReadWrite
}

func (m Mode) String() string {
	switch m {
	case ModeReadOnly:
		return "read-only"
	case ModeWriteOnly:
		return "write-only"
	case ModeReadWrite:
		return "read-write"
	default:
		return "unknown-mode"
	}
}

// Open is a bitset of open-time behaviors.
type Open uint8

const (
	OpenCreate Open = 1 << iota
	OpenCreateOnly
	OpenTruncate
	OpenDirectory
	OpenAppend
)

func (o Open) Has(bit Open) bool { return o&bit != 0 }

// Status is a bitset of post-open behaviors.
type Status uint8

const (
	StatusNonBlocking Status = 1 << iota
	StatusSynchronous
	StatusCloseOnExec
)

func (s Status) Has(bit Status) bool { return s&bit != 0 }

// Flags is the packed (Mode, Open, Status) word carried by every open
// handle in the dispatcher's open_files table (spec.md §3).
type Flags struct {
	Mode   Mode
	Open   Open
	Status Status
}

// New builds a Flags value from the given mode, open and status flags.
func New(mode Mode, open Open, status Status) Flags {
	return Flags{Mode: mode, Open: open, Status: status}
}

// GetRead is a convenience forward to Mode.GetRead.
func (f Flags) GetRead() bool { return f.Mode.GetRead() }

// GetWrite is a convenience forward to Mode.GetWrite.
func (f Flags) GetWrite() bool { return f.Mode.GetWrite() }

// Validate rejects combinations the dispatcher must refuse outright before
// ever reaching a backing file system: CreateOnly without Create, Truncate
// on a read-only mode, Directory combined with WriteOnly/ReadWrite.
func (f Flags) Validate() error {
	if f.Open.Has(OpenCreateOnly) && !f.Open.Has(OpenCreate) {
		return errInvalidFlags
	}
	if f.Open.Has(OpenTruncate) && !f.Mode.GetWrite() {
		return errInvalidFlags
	}
	if f.Open.Has(OpenDirectory) && f.Mode.GetWrite() {
		return errInvalidFlags
	}
	return nil
}
