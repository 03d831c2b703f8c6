package vfs

import (
	"context"

	"github.com/xila-project/core/internal/backingfs"
	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/metadata"
)

// dispatcherHandle is the set of operations one open_files entry can be
// asked to perform. A concrete handle embeds baseHandle and overrides
// only the operations it actually supports, mirroring the teacher's
// vfs.baseHandle pattern (vfs/vfs_test.go's TestVFSbaseHandle exercises
// the same default-unsupported behavior against ENOSYS): adding a new
// dispatcherHandle method never forces every existing handle kind to
// grow a stub, since baseHandle already supplies one.
type dispatcherHandle interface {
	readAt(ctx context.Context, buf []byte) (int, error)
	writeAt(ctx context.Context, buf []byte) (int, error)
	setPosition(ctx context.Context, pos backingfs.Position) (int64, error)
	readDirectory(ctx context.Context) (*backingfs.DirectoryEntry, error)
	rewindDirectory(ctx context.Context) error
	flush(ctx context.Context) error
	close(ctx context.Context) error
	metadata(ctx context.Context) (metadata.Metadata, error)
}

// baseHandle answers readAt, writeAt, setPosition, readDirectory and
// rewindDirectory with UnsupportedOperation. Embedded by fileHandle and
// directoryHandle, it is overridden piecemeal by whichever of those two
// actually supports a given call; flush, close and metadata have no
// default here and are implemented by each of them.
type baseHandle struct{}

func (baseHandle) readAt(context.Context, []byte) (int, error) {
	return 0, kernelerrors.ErrUnsupportedOperation
}

func (baseHandle) writeAt(context.Context, []byte) (int, error) {
	return 0, kernelerrors.ErrUnsupportedOperation
}

func (baseHandle) setPosition(context.Context, backingfs.Position) (int64, error) {
	return 0, kernelerrors.ErrUnsupportedOperation
}

func (baseHandle) readDirectory(context.Context) (*backingfs.DirectoryEntry, error) {
	return nil, kernelerrors.ErrUnsupportedOperation
}

func (baseHandle) rewindDirectory(context.Context) error {
	return kernelerrors.ErrUnsupportedOperation
}

// fileHandle wraps a Handle obtained from a backing file system's Open.
// It supports every operation but directory iteration.
type fileHandle struct {
	baseHandle
	fs     backingfs.FileSystem
	handle backingfs.Handle
}

func (h *fileHandle) readAt(ctx context.Context, buf []byte) (int, error) {
	return h.fs.Read(ctx, h.handle, buf)
}

func (h *fileHandle) writeAt(ctx context.Context, buf []byte) (int, error) {
	return h.fs.Write(ctx, h.handle, buf)
}

func (h *fileHandle) setPosition(ctx context.Context, pos backingfs.Position) (int64, error) {
	return h.fs.SetPosition(ctx, h.handle, pos)
}

func (h *fileHandle) flush(ctx context.Context) error {
	return h.fs.Flush(ctx, h.handle)
}

func (h *fileHandle) close(ctx context.Context) error {
	return h.fs.Close(ctx, h.handle)
}

func (h *fileHandle) metadata(ctx context.Context) (metadata.Metadata, error) {
	return h.fs.GetMetadataHandle(ctx, h.handle)
}

// directoryHandle wraps a Handle obtained from a backing file system's
// OpenDirectory. It supports directory iteration and nothing that reads
// or writes file content.
type directoryHandle struct {
	baseHandle
	fs     backingfs.FileSystem
	handle backingfs.Handle
}

func (h *directoryHandle) readDirectory(ctx context.Context) (*backingfs.DirectoryEntry, error) {
	return h.fs.ReadDirectory(ctx, h.handle)
}

func (h *directoryHandle) rewindDirectory(ctx context.Context) error {
	return h.fs.RewindDirectory(ctx, h.handle)
}

func (h *directoryHandle) flush(ctx context.Context) error {
	return h.fs.Flush(ctx, h.handle)
}

func (h *directoryHandle) close(ctx context.Context) error {
	return h.fs.Close(ctx, h.handle)
}

func (h *directoryHandle) metadata(ctx context.Context) (metadata.Metadata, error) {
	return h.fs.GetMetadataHandle(ctx, h.handle)
}

var (
	_ dispatcherHandle = (*fileHandle)(nil)
	_ dispatcherHandle = (*directoryHandle)(nil)
)
