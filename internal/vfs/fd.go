package vfs

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/xila-project/core/internal/backingfs"
	"github.com/xila-project/core/internal/flags"
	"github.com/xila-project/core/internal/identifier"
	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/metadata"
	"github.com/xila-project/core/internal/vpath"
)

// openFileState is one row of the open-file table. Duplicate and
// Transfer both operate by sharing the *openFileState pointer across
// LocalFileIdentifier keys rather than copying it: refs counts how many
// keys currently point at it, and the underlying handle is only closed
// once the last of them is closed (spec.md §4.1, "Duplication ...
// preserve the (handle, flags) pair exactly").
type openFileState struct {
	fsID  identifier.FileSystemIdentifier
	h     dispatcherHandle
	flags flags.Flags
	refs  int
}

type handleTable struct {
	entries map[identifier.LocalFileIdentifier]*openFileState
}

// maxFileIdentifier is the largest slot value a FileIdentifier can hold.
const maxFileIdentifier = identifier.FileIdentifier(^uint16(0))

// nextFreeSlot scans from identifier.FirstAllocatable upward for a slot
// not already used by task, per spec.md §4.1's slot-allocation rule.
func nextFreeSlot(entries map[identifier.LocalFileIdentifier]*openFileState, task identifier.TaskIdentifier) (identifier.FileIdentifier, error) {
	used := make(map[identifier.FileIdentifier]bool)
	for k := range entries {
		if k.Task == task {
			used[k.File] = true
		}
	}
	for slot := identifier.FirstAllocatable; ; slot++ {
		if !used[slot] {
			return slot, nil
		}
		if slot == maxFileIdentifier {
			return 0, kernelerrors.ErrTooManyOpenFiles
		}
	}
}

// insertHandle allocates a fresh slot for task and files h under it with
// refs=1.
func (d *Dispatcher) insertHandle(ctx context.Context, task identifier.TaskIdentifier, fsID identifier.FileSystemIdentifier, h dispatcherHandle, fl flags.Flags) (identifier.UniqueFileIdentifier, error) {
	var local identifier.LocalFileIdentifier
	var opErr error
	writeErr := d.handles.Write(ctx, func(ht *handleTable) {
		slot, err := nextFreeSlot(ht.entries, task)
		if err != nil {
			opErr = err
			return
		}
		local = identifier.NewLocalFileIdentifier(task, slot)
		ht.entries[local] = &openFileState{fsID: fsID, h: h, flags: fl, refs: 1}
	})
	if writeErr != nil {
		return identifier.UniqueFileIdentifier{}, writeErr
	}
	if opErr != nil {
		return identifier.UniqueFileIdentifier{}, opErr
	}
	return identifier.NewUniqueFileIdentifier(local), nil
}

func (d *Dispatcher) lookup(ctx context.Context, fd identifier.UniqueFileIdentifier) (*openFileState, error) {
	var st *openFileState
	readErr := d.handles.Read(ctx, func(ht *handleTable) {
		st = ht.entries[fd.Local()]
	})
	if readErr != nil {
		return nil, readErr
	}
	if st == nil {
		return nil, kernelerrors.ErrInvalidIdentifier
	}
	return st, nil
}

// Open resolves path under the mount table, enforces fl, and inserts the
// resulting handle into task's open-file table.
//
// fl.Open.Has(flags.OpenDirectory) routes the call to the backing file
// system's OpenDirectory instead of Open, mirroring O_DIRECTORY; Validate
// already rejects that combined with a write mode.
func (d *Dispatcher) Open(ctx context.Context, task identifier.TaskIdentifier, path vpath.Path, fl flags.Flags) (identifier.UniqueFileIdentifier, error) {
	if err := fl.Validate(); err != nil {
		return identifier.UniqueFileIdentifier{}, err
	}
	m, remainder, err := d.resolveMount(ctx, path)
	if err != nil {
		return identifier.UniqueFileIdentifier{}, err
	}

	if fl.Open.Has(flags.OpenDirectory) {
		raw, err := m.fs.OpenDirectory(ctx, remainder)
		if err != nil {
			return identifier.UniqueFileIdentifier{}, err
		}
		return d.insertHandle(ctx, task, m.id, &directoryHandle{fs: m.fs, handle: raw}, fl)
	}

	raw, err := m.fs.Open(ctx, remainder, fl)
	if err != nil {
		return identifier.UniqueFileIdentifier{}, err
	}
	return d.insertHandle(ctx, task, m.id, &fileHandle{fs: m.fs, handle: raw}, fl)
}

// OpenDirectory resolves path and inserts a directory handle into task's
// open-file table. Unlike Open with OpenDirectory set, it takes no flags:
// directory iteration is always read-only (spec.md §4.1).
func (d *Dispatcher) OpenDirectory(ctx context.Context, task identifier.TaskIdentifier, path vpath.Path) (identifier.UniqueFileIdentifier, error) {
	m, remainder, err := d.resolveMount(ctx, path)
	if err != nil {
		return identifier.UniqueFileIdentifier{}, err
	}
	raw, err := m.fs.OpenDirectory(ctx, remainder)
	if err != nil {
		return identifier.UniqueFileIdentifier{}, err
	}
	return d.insertHandle(ctx, task, m.id, &directoryHandle{fs: m.fs, handle: raw}, flags.New(flags.ModeReadOnly, 0, 0))
}

// pipeCreator is the capability a backing file system offers if it can
// mint unnamed pipes outside the path namespace (spec.md §4.3). pipefs
// satisfies this structurally; the dispatcher never imports pipefs
// directly, keeping the dependency one-directional.
type pipeCreator interface {
	CreateUnnamedPipe(ctx context.Context, status flags.Status, capacity int) (readHandle, writeHandle backingfs.Handle, err error)
}

// CreateUnnamedPipe asks pipeFS (mounted as fsID) for a fresh unnamed
// pipe and inserts both ends into task's open-file table, per pipefs's
// own note that the dispatcher owns that insertion.
func (d *Dispatcher) CreateUnnamedPipe(ctx context.Context, task identifier.TaskIdentifier, fsID identifier.FileSystemIdentifier, pipeFS backingfs.FileSystem, status flags.Status, capacity int) (readFD, writeFD identifier.UniqueFileIdentifier, err error) {
	creator, ok := pipeFS.(pipeCreator)
	if !ok {
		return identifier.UniqueFileIdentifier{}, identifier.UniqueFileIdentifier{}, kernelerrors.ErrUnsupportedOperation
	}
	readHandle, writeHandle, err := creator.CreateUnnamedPipe(ctx, status, capacity)
	if err != nil {
		return identifier.UniqueFileIdentifier{}, identifier.UniqueFileIdentifier{}, err
	}

	readFD, err = d.insertHandle(ctx, task, fsID, &fileHandle{fs: pipeFS, handle: readHandle}, flags.New(flags.ModeReadOnly, 0, status))
	if err != nil {
		return identifier.UniqueFileIdentifier{}, identifier.UniqueFileIdentifier{}, err
	}
	writeFD, err = d.insertHandle(ctx, task, fsID, &fileHandle{fs: pipeFS, handle: writeHandle}, flags.New(flags.ModeWriteOnly, 0, status))
	if err != nil {
		return identifier.UniqueFileIdentifier{}, identifier.UniqueFileIdentifier{}, err
	}
	return readFD, writeFD, nil
}

// Read delegates to the handle's backing file system, rejecting the call
// outright if fl denies read access.
func (d *Dispatcher) Read(ctx context.Context, fd identifier.UniqueFileIdentifier, buf []byte) (int, error) {
	st, err := d.lookup(ctx, fd)
	if err != nil {
		return 0, err
	}
	if !st.flags.GetRead() {
		return 0, kernelerrors.ErrPermissionDenied
	}
	return st.h.readAt(ctx, buf)
}

// Write delegates to the handle's backing file system, rejecting the
// call outright if fl denies write access.
func (d *Dispatcher) Write(ctx context.Context, fd identifier.UniqueFileIdentifier, buf []byte) (int, error) {
	st, err := d.lookup(ctx, fd)
	if err != nil {
		return 0, err
	}
	if !st.flags.GetWrite() {
		return 0, kernelerrors.ErrPermissionDenied
	}
	return st.h.writeAt(ctx, buf)
}

// SetPosition delegates to the handle's backing file system.
func (d *Dispatcher) SetPosition(ctx context.Context, fd identifier.UniqueFileIdentifier, pos backingfs.Position) (int64, error) {
	st, err := d.lookup(ctx, fd)
	if err != nil {
		return 0, err
	}
	return st.h.setPosition(ctx, pos)
}

// Flush delegates to the handle's backing file system.
func (d *Dispatcher) Flush(ctx context.Context, fd identifier.UniqueFileIdentifier) error {
	st, err := d.lookup(ctx, fd)
	if err != nil {
		return err
	}
	return st.h.flush(ctx)
}

// GetMetadataHandle delegates to the handle's backing file system.
func (d *Dispatcher) GetMetadataHandle(ctx context.Context, fd identifier.UniqueFileIdentifier) (metadata.Metadata, error) {
	st, err := d.lookup(ctx, fd)
	if err != nil {
		return metadata.Metadata{}, err
	}
	return st.h.metadata(ctx)
}

// ReadDirectory delegates to the handle's backing file system. A nil
// *backingfs.DirectoryEntry with a nil error signals end of directory.
func (d *Dispatcher) ReadDirectory(ctx context.Context, fd identifier.UniqueFileIdentifier) (*backingfs.DirectoryEntry, error) {
	st, err := d.lookup(ctx, fd)
	if err != nil {
		return nil, err
	}
	return st.h.readDirectory(ctx)
}

// RewindDirectory delegates to the handle's backing file system.
func (d *Dispatcher) RewindDirectory(ctx context.Context, fd identifier.UniqueFileIdentifier) error {
	st, err := d.lookup(ctx, fd)
	if err != nil {
		return err
	}
	return st.h.rewindDirectory(ctx)
}

// Close removes fd from its owning task's open-file table. If fd shares
// its underlying handle with a sibling produced by Duplicate or
// Transfer, the backing file system is flushed and closed only once the
// last sibling is closed. Close always removes fd's table entry, even
// when the flush it attempts first fails; the flush error, if any, is
// what's returned (spec.md §4.1, "close attempts to flush ... but always
// releases the handle").
func (d *Dispatcher) Close(ctx context.Context, fd identifier.UniqueFileIdentifier) error {
	var st *openFileState
	var shouldRelease bool
	writeErr := d.handles.Write(ctx, func(ht *handleTable) {
		local := fd.Local()
		e, ok := ht.entries[local]
		if !ok {
			return
		}
		st = e
		delete(ht.entries, local)
		st.refs--
		shouldRelease = st.refs <= 0
	})
	if writeErr != nil {
		return writeErr
	}
	if st == nil {
		return kernelerrors.ErrInvalidIdentifier
	}
	if !shouldRelease {
		return nil
	}
	flushErr := st.h.flush(ctx)
	closeErr := st.h.close(ctx)
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// CloseAll closes every handle task still owns, used when a task exits
// (spec.md §4.1). It removes exactly the entries owned by task, attempts
// every close even if earlier ones fail, and reports every close error it
// saw rather than just the first.
func (d *Dispatcher) CloseAll(ctx context.Context, task identifier.TaskIdentifier) error {
	var released []*openFileState
	writeErr := d.handles.Write(ctx, func(ht *handleTable) {
		for k, e := range ht.entries {
			if k.Task != task {
				continue
			}
			delete(ht.entries, k)
			e.refs--
			if e.refs <= 0 {
				released = append(released, e)
			}
		}
	})
	if writeErr != nil {
		return writeErr
	}

	var result *multierror.Error
	for _, st := range released {
		_ = st.h.flush(ctx)
		if err := st.h.close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Duplicate allocates task a fresh slot aliasing fd's underlying handle,
// mirroring dup(2): both descriptors share position, flags, and the
// backing handle, and only the last close of either one releases it.
func (d *Dispatcher) Duplicate(ctx context.Context, fd identifier.UniqueFileIdentifier) (identifier.UniqueFileIdentifier, error) {
	task := fd.Task()
	var newFD identifier.UniqueFileIdentifier
	var opErr error
	writeErr := d.handles.Write(ctx, func(ht *handleTable) {
		e, ok := ht.entries[fd.Local()]
		if !ok {
			opErr = kernelerrors.ErrInvalidIdentifier
			return
		}
		slot, err := nextFreeSlot(ht.entries, task)
		if err != nil {
			opErr = err
			return
		}
		local := identifier.NewLocalFileIdentifier(task, slot)
		e.refs++
		ht.entries[local] = e
		newFD = identifier.NewUniqueFileIdentifier(local)
	})
	if writeErr != nil {
		return identifier.UniqueFileIdentifier{}, writeErr
	}
	return newFD, opErr
}

// Transfer moves fd from its owning task into dstTask, optionally at a
// caller-chosen slot (e.g. to land exactly on Stdin/Stdout/Stderr for a
// freshly spawned task). If desiredSlot is nil, a fresh slot is scanned
// for dstTask the same way Open would. Transfer reassigns ownership
// rather than duplicating: fd.refs is unchanged, only its table key
// moves (spec.md §4.1, "transfert").
func (d *Dispatcher) Transfer(ctx context.Context, fd identifier.UniqueFileIdentifier, dstTask identifier.TaskIdentifier, desiredSlot *identifier.FileIdentifier) (identifier.UniqueFileIdentifier, error) {
	var newFD identifier.UniqueFileIdentifier
	var opErr error
	writeErr := d.handles.Write(ctx, func(ht *handleTable) {
		srcLocal := fd.Local()
		e, ok := ht.entries[srcLocal]
		if !ok {
			opErr = kernelerrors.ErrInvalidIdentifier
			return
		}

		var slot identifier.FileIdentifier
		if desiredSlot != nil {
			slot = *desiredSlot
			if _, exists := ht.entries[identifier.NewLocalFileIdentifier(dstTask, slot)]; exists {
				opErr = kernelerrors.ErrAlreadyExists
				return
			}
		} else {
			s, err := nextFreeSlot(ht.entries, dstTask)
			if err != nil {
				opErr = err
				return
			}
			slot = s
		}

		dstLocal := identifier.NewLocalFileIdentifier(dstTask, slot)
		delete(ht.entries, srcLocal)
		ht.entries[dstLocal] = e
		newFD = identifier.NewUniqueFileIdentifier(dstLocal)
	})
	if writeErr != nil {
		return identifier.UniqueFileIdentifier{}, writeErr
	}
	return newFD, opErr
}
