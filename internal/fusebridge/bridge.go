// Package fusebridge exposes a vfs.Dispatcher as a real mountpoint on the
// host's own kernel, for development and debugging off-target: every
// operation the host's FUSE layer sends is translated into the same
// Dispatcher calls a scheduled task would make (spec.md §4.1), so a
// developer can `ls`/`cat`/`cp` against the embedded file systems with
// ordinary host tools instead of a bespoke test harness.
//
// Grounded on hanwen/go-fuse/v2's InodeEmbedder tree pattern (fs/api.go's
// package doc: a node type embeds fs.Inode, implements the NodeXxxx
// interfaces it supports, and NewInode links a Lookup/Create/Mkdir result
// back into the kernel's dentry cache).
package fusebridge

import (
	"context"
	"sync"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/xila-project/core/internal/backingfs"
	"github.com/xila-project/core/internal/flags"
	"github.com/xila-project/core/internal/identifier"
	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/metadata"
	"github.com/xila-project/core/internal/vfs"
	"github.com/xila-project/core/internal/vpath"
)

// node is one InodeEmbedder of the bridged tree. Unlike a classic go-fuse
// loopback file system, a node carries no cached children: every Lookup,
// Readdir, Getattr, etc. round-trips through the Dispatcher, which is the
// kernel's own source of truth.
type node struct {
	gofuse.Inode

	dispatcher *vfs.Dispatcher
	task       identifier.TaskIdentifier
	path       vpath.Path
}

var (
	_ gofuse.InodeEmbedder = (*node)(nil)
	_ gofuse.NodeLookuper  = (*node)(nil)
	_ gofuse.NodeGetattrer = (*node)(nil)
	_ gofuse.NodeReaddirer = (*node)(nil)
	_ gofuse.NodeOpener    = (*node)(nil)
	_ gofuse.NodeCreater   = (*node)(nil)
	_ gofuse.NodeMkdirer   = (*node)(nil)
	_ gofuse.NodeUnlinker  = (*node)(nil)
	_ gofuse.NodeRmdirer   = (*node)(nil)
	_ gofuse.NodeRenamer   = (*node)(nil)
)

// Mount exposes dispatcher's root at mountpoint and returns the running
// fuse.Server. The caller is responsible for calling server.Wait() (or
// server.Unmount() to tear down early).
func Mount(mountpoint string, dispatcher *vfs.Dispatcher, task identifier.TaskIdentifier, opts *gofuse.Options) (*fuse.Server, error) {
	root := &node{dispatcher: dispatcher, task: task, path: vpath.MustNew("/")}
	return gofuse.Mount(mountpoint, root, opts)
}

func (n *node) child(name string) *node {
	return &node{dispatcher: n.dispatcher, task: n.task, path: n.path.Join(name)}
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child := n.child(name)
	m, err := n.dispatcher.GetMetadataPath(ctx, child.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	fillEntryOut(out, m)
	return n.NewInode(ctx, child, stableAttr(m)), 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	m, err := n.dispatcher.GetMetadataPath(ctx, n.path)
	if err != nil {
		return errnoFor(err)
	}
	fillAttrOut(out, m)
	return 0
}

// dirStream adapts an already-drained slice of entries to go-fuse's
// DirStream, since ReadDirectory's handle must be closed before Readdir
// returns (the dispatcher, not the kernel, owns that handle's lifetime).
type dirStream struct {
	entries []fuse.DirEntry
	pos     int
}

func (d *dirStream) HasNext() bool { return d.pos < len(d.entries) }

func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := d.entries[d.pos]
	d.pos++
	return e, 0
}

func (d *dirStream) Close() {}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	fd, err := n.dispatcher.OpenDirectory(ctx, n.task, n.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	defer n.dispatcher.Close(ctx, fd)

	var entries []fuse.DirEntry
	for {
		entry, err := n.dispatcher.ReadDirectory(ctx, fd)
		if err != nil {
			return nil, errnoFor(err)
		}
		if entry == nil {
			break
		}
		entries = append(entries, fuse.DirEntry{
			Name: entry.Name,
			Ino:  entry.Inode,
			Mode: modeFor(entry.Kind),
		})
	}
	return &dirStream{entries: entries}, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child := n.child(name)
	if err := n.dispatcher.CreateDirectory(ctx, child.path); err != nil {
		return nil, errnoFor(err)
	}
	m, err := n.dispatcher.GetMetadataPath(ctx, child.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	fillEntryOut(out, m)
	return n.NewInode(ctx, child, stableAttr(m)), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := n.dispatcher.Remove(ctx, n.child(name).path); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.Unlink(ctx, name)
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flagBits uint32) syscall.Errno {
	dst, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	if err := n.dispatcher.Rename(ctx, n.child(name).path, dst.child(newName).path); err != nil {
		return errnoFor(err)
	}
	return 0
}

// Open services a lookup-then-open for an existing file; Create handles
// the O_CREAT path separately, matching the NodeOpener/NodeCreater split
// go-fuse itself draws.
func (n *node) Open(ctx context.Context, flagBits uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	fd, err := n.dispatcher.Open(ctx, n.task, n.path, flagsFromFUSE(flagBits, false))
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	return &fileHandle{dispatcher: n.dispatcher, fd: fd}, 0, 0
}

func (n *node) Create(ctx context.Context, name string, flagBits uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	child := n.child(name)
	if err := n.dispatcher.CreateFile(ctx, child.path); err != nil && !kernelerrors.Is(err, kernelerrors.ErrAlreadyExists) {
		return nil, nil, 0, errnoFor(err)
	}
	fd, err := n.dispatcher.Open(ctx, n.task, child.path, flagsFromFUSE(flagBits, true))
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	m, err := n.dispatcher.GetMetadataPath(ctx, child.path)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	fillEntryOut(out, m)
	inode := n.NewInode(ctx, child, stableAttr(m))
	return inode, &fileHandle{dispatcher: n.dispatcher, fd: fd}, 0, 0
}

// fileHandle wraps one Dispatcher file descriptor. SetPosition is called
// before every Read/Write because FileReader/FileWriter hand us an
// explicit offset while the Dispatcher's Read/Write operate at the
// handle's current position (spec.md §4.1).
type fileHandle struct {
	mu         sync.Mutex
	dispatcher *vfs.Dispatcher
	fd         identifier.UniqueFileIdentifier
}

var (
	_ gofuse.FileReader   = (*fileHandle)(nil)
	_ gofuse.FileWriter   = (*fileHandle)(nil)
	_ gofuse.FileFlusher  = (*fileHandle)(nil)
	_ gofuse.FileReleaser = (*fileHandle)(nil)
)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.dispatcher.SetPosition(ctx, h.fd, backingfs.Position{Kind: backingfs.PositionStart, Offset: off}); err != nil {
		return nil, errnoFor(err)
	}
	n, err := h.dispatcher.Read(ctx, h.fd, dest)
	if err != nil {
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.dispatcher.SetPosition(ctx, h.fd, backingfs.Position{Kind: backingfs.PositionStart, Offset: off}); err != nil {
		return 0, errnoFor(err)
	}
	written, err := h.dispatcher.Write(ctx, h.fd, data)
	if err != nil {
		return 0, errnoFor(err)
	}
	return uint32(written), 0
}

func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	if err := h.dispatcher.Flush(ctx, h.fd); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.dispatcher.Close(ctx, h.fd); err != nil {
		return errnoFor(err)
	}
	return 0
}

// flagsFromFUSE translates the POSIX open(2) flag bits the kernel hands
// NodeOpener/NodeCreater into this module's own flags.Flags. forCreate
// forces the Create bit on, since Create is only invoked for O_CREAT.
func flagsFromFUSE(bits uint32, forCreate bool) flags.Flags {
	var mode flags.Mode
	switch bits & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		mode = flags.ModeWriteOnly
	case syscall.O_RDWR:
		mode = flags.ModeReadWrite
	default:
		mode = flags.ModeReadOnly
	}

	var open flags.Open
	if forCreate || bits&syscall.O_CREAT != 0 {
		open |= flags.OpenCreate
	}
	if bits&syscall.O_TRUNC != 0 {
		open |= flags.OpenTruncate
	}
	if bits&syscall.O_APPEND != 0 {
		open |= flags.OpenAppend
	}

	return flags.New(mode, open, 0)
}

func modeFor(kind metadata.Kind) uint32 {
	switch kind {
	case metadata.KindDirectory:
		return syscall.S_IFDIR
	case metadata.KindSymbolicLink:
		return syscall.S_IFLNK
	case metadata.KindBlockDevice:
		return syscall.S_IFBLK
	case metadata.KindCharacterDevice:
		return syscall.S_IFCHR
	case metadata.KindSocket:
		return syscall.S_IFSOCK
	case metadata.KindPipe:
		return syscall.S_IFIFO
	default:
		return syscall.S_IFREG
	}
}

func permBits(p metadata.Permissions) uint32 {
	var m uint32
	if p.User.Read {
		m |= 0400
	}
	if p.User.Write {
		m |= 0200
	}
	if p.User.Execute {
		m |= 0100
	}
	if p.Group.Read {
		m |= 0040
	}
	if p.Group.Write {
		m |= 0020
	}
	if p.Group.Execute {
		m |= 0010
	}
	if p.Other.Read {
		m |= 0004
	}
	if p.Other.Write {
		m |= 0002
	}
	if p.Other.Execute {
		m |= 0001
	}
	return m
}

func inodeNumber(m metadata.Metadata) uint64 {
	if m.Inode == nil {
		return 0
	}
	return uint64(*m.Inode)
}

func stableAttr(m metadata.Metadata) gofuse.StableAttr {
	return gofuse.StableAttr{Mode: modeFor(m.Kind), Ino: inodeNumber(m)}
}

func fillAttr(attr *fuse.Attr, m metadata.Metadata) {
	attr.Ino = inodeNumber(m)
	attr.Mode = modeFor(m.Kind) | permBits(m.Permissions)
	attr.Owner = fuse.Owner{Uid: uint32(m.User), Gid: uint32(m.Group)}
	attr.SetTimes(&m.AccessTime, &m.ModificationTime, &m.ModificationTime)
}

func fillAttrOut(out *fuse.AttrOut, m metadata.Metadata) {
	fillAttr(&out.Attr, m)
}

func fillEntryOut(out *fuse.EntryOut, m metadata.Metadata) {
	fillAttr(&out.Attr, m)
}

// errnoFor maps the kernel's closed sentinel-error taxonomy
// (kernelerrors) onto the syscall.Errno values FUSE expects.
func errnoFor(err error) syscall.Errno {
	switch {
	case kernelerrors.Is(err, kernelerrors.ErrPermissionDenied):
		return syscall.EACCES
	case kernelerrors.Is(err, kernelerrors.ErrNotFound), kernelerrors.Is(err, kernelerrors.ErrNotMounted):
		return syscall.ENOENT
	case kernelerrors.Is(err, kernelerrors.ErrAlreadyExists):
		return syscall.EEXIST
	case kernelerrors.Is(err, kernelerrors.ErrNotADirectory):
		return syscall.ENOTDIR
	case kernelerrors.Is(err, kernelerrors.ErrIsADirectory):
		return syscall.EISDIR
	case kernelerrors.Is(err, kernelerrors.ErrDirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case kernelerrors.Is(err, kernelerrors.ErrInvalidPath), kernelerrors.Is(err, kernelerrors.ErrInvalidParameter), kernelerrors.Is(err, kernelerrors.ErrInvalidFlags):
		return syscall.EINVAL
	case kernelerrors.Is(err, kernelerrors.ErrNoSpaceLeft), kernelerrors.Is(err, kernelerrors.ErrFileSystemFull):
		return syscall.ENOSPC
	case kernelerrors.Is(err, kernelerrors.ErrCrossDeviceLink):
		return syscall.EXDEV
	case kernelerrors.Is(err, kernelerrors.ErrResourceBusy):
		return syscall.EBUSY
	case kernelerrors.Is(err, kernelerrors.ErrTooManyOpenFiles):
		return syscall.EMFILE
	case kernelerrors.Is(err, kernelerrors.ErrUnsupportedOperation):
		return syscall.ENOSYS
	case kernelerrors.Is(err, kernelerrors.ErrInvalidIdentifier), kernelerrors.Is(err, kernelerrors.ErrInvalidInode), kernelerrors.Is(err, kernelerrors.ErrInvalidFile):
		return syscall.EBADF
	case kernelerrors.Is(err, kernelerrors.ErrCorrupted), kernelerrors.Is(err, kernelerrors.ErrInputOutput), kernelerrors.Is(err, kernelerrors.ErrTruncated):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
