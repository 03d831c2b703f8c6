// Package vfs implements the dispatcher of spec.md §4.1: the single
// switchboard every task-visible file operation passes through before
// reaching a concrete backing file system. It owns two tables — the
// mount table (path prefix -> backing FileSystem) and the per-task
// open-file table (LocalFileIdentifier -> an open handle) — and holds no
// file-system state of its own beyond those two tables.
//
// Every backing file system call is made with the dispatcher's own locks
// released first (spec.md §4.1's Concurrency note): a long-running Read
// against a slow block device must never block an unrelated mount() or
// open() on a different backing file system.
package vfs

import (
	"context"

	"github.com/xila-project/core/internal/backingfs"
	"github.com/xila-project/core/internal/identifier"
	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/lock"
	"github.com/xila-project/core/internal/metadata"
	"github.com/xila-project/core/internal/vpath"
)

// mountEntry is one row of the mount table.
type mountEntry struct {
	id   identifier.FileSystemIdentifier
	path vpath.Path
	fs   backingfs.FileSystem
}

type mountTable struct {
	byPath map[string]*mountEntry
}

// Dispatcher is the VFS switchboard. The zero value is not usable; build
// one with New.
type Dispatcher struct {
	mounts    *lock.RwLock[mountTable]
	handles   *lock.RwLock[handleTable]
	generator *identifier.Generator
}

// New returns a Dispatcher with an empty mount table. Nothing is mounted
// at "/" automatically — the boot sequence that constructs a Dispatcher
// is expected to Mount its root file system before handing the
// Dispatcher to any task (spec.md §4.1: "The root / is always mounted"
// describes an operating invariant of a running kernel, not a default
// this constructor manufactures for you).
func New(generator *identifier.Generator) *Dispatcher {
	return &Dispatcher{
		mounts:    lock.NewRwLock(mountTable{byPath: make(map[string]*mountEntry)}),
		handles:   lock.NewRwLock(handleTable{entries: make(map[identifier.LocalFileIdentifier]*openFileState)}),
		generator: generator,
	}
}

// Mount attaches fs at path, which must already exist as a directory in
// whatever file system currently serves it — except for the very first
// mount of "/" itself, which has no parent to ask (spec.md §4.1).
func (d *Dispatcher) Mount(ctx context.Context, path vpath.Path, fs backingfs.FileSystem) (identifier.FileSystemIdentifier, error) {
	if !path.IsAbsolute() {
		return 0, kernelerrors.ErrInvalidPath
	}
	if !path.IsRoot() {
		m, err := d.GetMetadataPath(ctx, path)
		if err != nil {
			return 0, err
		}
		if m.Kind != metadata.KindDirectory {
			return 0, kernelerrors.ErrNotADirectory
		}
	}

	key := path.String()
	var id identifier.FileSystemIdentifier
	var opErr error
	writeErr := d.mounts.Write(ctx, func(mt *mountTable) {
		if _, exists := mt.byPath[key]; exists {
			opErr = kernelerrors.ErrAlreadyExists
			return
		}
		id = d.generator.NextFileSystemIdentifier()
		mt.byPath[key] = &mountEntry{id: id, path: path, fs: fs}
	})
	if writeErr != nil {
		return 0, writeErr
	}
	return id, opErr
}

// Unmount detaches the file system mounted as id. It fails with
// ResourceBusy if any task still holds an open handle rooted in that
// mount.
func (d *Dispatcher) Unmount(ctx context.Context, id identifier.FileSystemIdentifier) error {
	var opErr error
	writeErr := d.mounts.Write(ctx, func(mt *mountTable) {
		var key string
		found := false
		for k, e := range mt.byPath {
			if e.id == id {
				key, found = k, true
				break
			}
		}
		if !found {
			opErr = kernelerrors.ErrInvalidIdentifier
			return
		}

		busy := false
		herr := d.handles.Read(ctx, func(ht *handleTable) {
			for _, st := range ht.entries {
				if st.fsID == id {
					busy = true
					return
				}
			}
		})
		if herr != nil {
			opErr = herr
			return
		}
		if busy {
			opErr = kernelerrors.ErrResourceBusy
			return
		}
		delete(mt.byPath, key)
	})
	if writeErr != nil {
		return writeErr
	}
	return opErr
}

// resolveMount finds the longest mounted prefix of path and returns the
// owning mount entry together with path stripped of that prefix, leading
// separator retained (spec.md §4.1, "Mount resolution").
func (d *Dispatcher) resolveMount(ctx context.Context, path vpath.Path) (*mountEntry, vpath.Path, error) {
	var found *mountEntry
	var remainder vpath.Path
	var opErr error

	readErr := d.mounts.Read(ctx, func(mt *mountTable) {
		cur := path
		for {
			if e, ok := mt.byPath[cur.String()]; ok {
				r, err := path.StripPrefix(cur)
				if err != nil {
					opErr = err
					return
				}
				found, remainder = e, r
				return
			}
			if cur.IsRoot() {
				return
			}
			cur = cur.GoParent()
		}
	})
	if readErr != nil {
		return nil, vpath.Path{}, readErr
	}
	if opErr != nil {
		return nil, vpath.Path{}, opErr
	}
	if found == nil {
		return nil, vpath.Path{}, kernelerrors.ErrNotMounted
	}
	return found, remainder, nil
}

// CreateFile routes to the backing file system mounted over path.
func (d *Dispatcher) CreateFile(ctx context.Context, path vpath.Path) error {
	m, remainder, err := d.resolveMount(ctx, path)
	if err != nil {
		return err
	}
	return m.fs.CreateFile(ctx, remainder)
}

// CreateDirectory routes to the backing file system mounted over path.
func (d *Dispatcher) CreateDirectory(ctx context.Context, path vpath.Path) error {
	m, remainder, err := d.resolveMount(ctx, path)
	if err != nil {
		return err
	}
	return m.fs.CreateDirectory(ctx, remainder)
}

// Remove routes to the backing file system mounted over path.
func (d *Dispatcher) Remove(ctx context.Context, path vpath.Path) error {
	m, remainder, err := d.resolveMount(ctx, path)
	if err != nil {
		return err
	}
	return m.fs.Remove(ctx, remainder)
}

// Rename routes to the backing file system shared by source and
// destination. A rename whose two paths resolve to different mounts
// fails with CrossDeviceLink, matching every POSIX-like rename(2).
func (d *Dispatcher) Rename(ctx context.Context, source, destination vpath.Path) error {
	srcMount, srcRemainder, err := d.resolveMount(ctx, source)
	if err != nil {
		return err
	}
	dstMount, dstRemainder, err := d.resolveMount(ctx, destination)
	if err != nil {
		return err
	}
	if srcMount.id != dstMount.id {
		return kernelerrors.ErrCrossDeviceLink
	}
	return srcMount.fs.Rename(ctx, srcRemainder, dstRemainder)
}

// GetMetadataPath routes to the backing file system mounted over path.
func (d *Dispatcher) GetMetadataPath(ctx context.Context, path vpath.Path) (metadata.Metadata, error) {
	m, remainder, err := d.resolveMount(ctx, path)
	if err != nil {
		return metadata.Metadata{}, err
	}
	return m.fs.GetMetadataPath(ctx, remainder)
}

// SetPermissions routes to the backing file system mounted over path.
func (d *Dispatcher) SetPermissions(ctx context.Context, path vpath.Path, perms metadata.Permissions) error {
	m, remainder, err := d.resolveMount(ctx, path)
	if err != nil {
		return err
	}
	return m.fs.SetPermissions(ctx, remainder, perms)
}
