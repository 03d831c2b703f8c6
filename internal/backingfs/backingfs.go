// Package backingfs is the contract a concrete file system must satisfy
// to be mounted under the VFS dispatcher (spec.md §4.1): the dispatcher
// resolves a path to one FileSystem and a remainder path, then calls into
// that instance carrying an opaque Handle it never interprets.
//
// Every method here is invoked by the dispatcher with the dispatcher's
// own mount-table and handle-table locks already released (spec.md
// §4.1's Concurrency note): a backing file system owns its own
// synchronization.
package backingfs

import (
	"context"

	"github.com/xila-project/core/internal/flags"
	"github.com/xila-project/core/internal/metadata"
	"github.com/xila-project/core/internal/vpath"
)

// Handle is the opaque per-open context a backing file system hands back
// from Open/OpenDirectory; its representation is private to each backing
// implementation (spec.md §3, "InternalHandle").
type Handle any

// PositionKind selects the reference point for SetPosition, mirroring
// POSIX's SEEK_SET/SEEK_CUR/SEEK_END.
type PositionKind uint8

const (
	PositionStart PositionKind = iota
	PositionCurrent
	PositionEnd
)

// Position is the argument to SetPosition.
type Position struct {
	Kind   PositionKind
	Offset int64
}

// DirectoryEntry is one entry produced by ReadDirectory. "." and ".." are
// never produced (spec.md §4.1).
type DirectoryEntry struct {
	Name  string
	Kind  metadata.Kind
	Inode uint64
}

// FileSystem is the contract every backing file system implements.
//
// Paths passed in are already relative to the backing file system's own
// root: the dispatcher has stripped the mount-point prefix before calling
// in (spec.md §4.1, "Mount resolution").
type FileSystem interface {
	CreateFile(ctx context.Context, path vpath.Path) error
	CreateDirectory(ctx context.Context, path vpath.Path) error
	Remove(ctx context.Context, path vpath.Path) error
	Rename(ctx context.Context, source, destination vpath.Path) error

	Open(ctx context.Context, path vpath.Path, flags flags.Flags) (Handle, error)
	OpenDirectory(ctx context.Context, path vpath.Path) (Handle, error)

	Read(ctx context.Context, handle Handle, buf []byte) (int, error)
	Write(ctx context.Context, handle Handle, buf []byte) (int, error)
	SetPosition(ctx context.Context, handle Handle, pos Position) (int64, error)
	Flush(ctx context.Context, handle Handle) error
	Close(ctx context.Context, handle Handle) error

	ReadDirectory(ctx context.Context, handle Handle) (*DirectoryEntry, error)
	RewindDirectory(ctx context.Context, handle Handle) error

	GetMetadataPath(ctx context.Context, path vpath.Path) (metadata.Metadata, error)
	GetMetadataHandle(ctx context.Context, handle Handle) (metadata.Metadata, error)
	SetPermissions(ctx context.Context, path vpath.Path, perms metadata.Permissions) error
}
