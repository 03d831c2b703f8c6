// Package metadata implements the {kind, times, permissions, owner}
// record of spec.md §3, with default-permission derivation by Kind.
package metadata

import (
	"time"

	"github.com/xila-project/core/internal/identifier"
)

// Kind enumerates the object kinds the kernel's file systems can report.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
	KindPipe
	KindBlockDevice
	KindCharacterDevice
	KindSocket
	KindSymbolicLink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindPipe:
		return "pipe"
	case KindBlockDevice:
		return "block-device"
	case KindCharacterDevice:
		return "character-device"
	case KindSocket:
		return "socket"
	case KindSymbolicLink:
		return "symbolic-link"
	default:
		return "unknown"
	}
}

// Permission is one read/write/execute triplet.
type Permission struct {
	Read, Write, Execute bool
}

// Permissions is the 9-bit owner/group/other permission set.
type Permissions struct {
	User, Group, Other Permission
}

// DefaultPermissions derives the conventional default permission set for
// a Kind, per spec.md §3: directories rwxr-xr-x, files rw-r--r--, pipes
// rw-------, everything else (devices, sockets, symlinks) rw-------.
func DefaultPermissions(kind Kind) Permissions {
	switch kind {
	case KindDirectory:
		return Permissions{
			User:  Permission{true, true, true},
			Group: Permission{true, false, true},
			Other: Permission{true, false, true},
		}
	case KindFile:
		return Permissions{
			User:  Permission{true, true, false},
			Group: Permission{true, false, false},
			Other: Permission{true, false, false},
		}
	default:
		return Permissions{
			User: Permission{true, true, false},
		}
	}
}

// Metadata is the full per-object record the VFS exposes via
// get_metadata/set_permissions.
type Metadata struct {
	Inode            *identifier.Inode
	Kind             Kind
	CreationTime     time.Time
	ModificationTime time.Time
	AccessTime       time.Time
	Permissions      Permissions
	User             identifier.UserIdentifier
	Group             identifier.GroupIdentifier
}

// New builds a Metadata record with default permissions for kind, owned by
// user/group, timestamped at now for all three time fields.
func New(kind Kind, user identifier.UserIdentifier, group identifier.GroupIdentifier, now time.Time) Metadata {
	return Metadata{
		Kind:             kind,
		CreationTime:     now,
		ModificationTime: now,
		AccessTime:       now,
		Permissions:      DefaultPermissions(kind),
		User:             user,
		Group:            group,
	}
}

// Touch updates the modification and access time to now.
func (m *Metadata) Touch(now time.Time) {
	m.ModificationTime = now
	m.AccessTime = now
}

// TouchAccess updates only the access time.
func (m *Metadata) TouchAccess(now time.Time) {
	m.AccessTime = now
}
