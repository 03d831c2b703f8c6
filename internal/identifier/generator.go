package identifier

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Generator mints FileSystemIdentifier and TaskIdentifier values backed by
// a UUID random source rather than a plain incrementing counter, so that
// identifiers minted across a long-running device uptime (many
// mount/unmount or spawn/exit cycles) don't collide after a 32-bit
// counter wraps. See SPEC_FULL.md's [IDENTIFIERS] addition.
type Generator struct{}

// NewGenerator returns a Generator. It carries no state: every call draws
// fresh randomness from uuid.New(), so Generator is safe for concurrent
// use without a lock.
func NewGenerator() *Generator { return &Generator{} }

// NextFileSystemIdentifier mints a new mount-table key.
func (g *Generator) NextFileSystemIdentifier() FileSystemIdentifier {
	return FileSystemIdentifier(truncate(uuid.New()))
}

// NextTaskIdentifier mints a new task identifier for the scheduler.
func (g *Generator) NextTaskIdentifier() TaskIdentifier {
	return TaskIdentifier(truncate(uuid.New()))
}

// NextInode mints a new inode for a backing file system that does not
// otherwise have a natural inode numbering scheme (spec.md §4.2's
// LittleFS driver: an inode here is a stable identity for a directory
// entry, not an on-device offset, so minting it the same UUID-truncated
// way as the other identifier spaces avoids reusing a freed entry's old
// inode after churn).
func (g *Generator) NextInode() Inode {
	return Inode(truncate(uuid.New()))
}

func truncate(id uuid.UUID) uint32 {
	return binary.BigEndian.Uint32(id[:4])
}
