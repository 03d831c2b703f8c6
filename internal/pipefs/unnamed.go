package pipefs

import (
	"context"

	"github.com/xila-project/core/internal/backingfs"
	"github.com/xila-project/core/internal/flags"
)

// CreateUnnamedPipe allocates a fresh Pipe with no path entry and returns
// a (read handle, write handle) pair both referencing it (spec.md §4.3).
// The caller (the VFS dispatcher) is responsible for inserting each
// handle into the requesting task's file-handle table; pipefs itself has
// no notion of tasks.
func (f *FileSystem) CreateUnnamedPipe(ctx context.Context, status flags.Status, capacity int) (readHandle, writeHandle backingfs.Handle, err error) {
	f.mu.Lock()
	id := f.allocateInode()
	f.mu.Unlock()

	pipe := newPipe(capacity)
	pipe.addReader()
	pipe.addWriter()

	readFlags := flags.New(flags.ModeReadOnly, 0, status)
	writeFlags := flags.New(flags.ModeWriteOnly, 0, status)

	read := &handle{file: &fileHandle{inode: id, pipe: pipe, flags: readFlags}}
	write := &handle{file: &fileHandle{inode: id, pipe: pipe, flags: writeFlags}}
	return read, write, nil
}
