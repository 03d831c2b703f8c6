// Package pipefs implements the pipe file system of spec.md §4.3: fixed-
// capacity FIFO byte buffers reachable either anonymously (the two FDs
// returned by CreateUnnamedPipe) or by path, once registered in the pipe
// namespace with CreateNamedPipe.
//
// Grounded on the teacher's layered-Fs convention (backend/local.Fs
// wrapping the host file system behind fs.Fs) generalized to an entirely
// in-memory tree of nodes, since a pipe has no persistent storage of its
// own.
package pipefs

import (
	"context"
	"sync"
	"time"

	"github.com/xila-project/core/internal/backingfs"
	"github.com/xila-project/core/internal/flags"
	"github.com/xila-project/core/internal/identifier"
	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/metadata"
	"github.com/xila-project/core/internal/vpath"
)

// DefaultCapacity is used when a named pipe is created through the
// generic backingfs.FileSystem.CreateFile entry point, which carries no
// capacity argument.
const DefaultCapacity = 4096

type nodeKind uint8

const (
	nodeDirectory nodeKind = iota
	nodePipe
)

type node struct {
	kind     nodeKind
	children map[string]identifier.Inode // directory only
	pipe     *Pipe                       // pipe only
}

// FileSystem is the pipe file system: an in-memory tree of directories
// and named pipes, plus bookkeeping for anonymous pipes created out of
// band via CreateUnnamedPipe.
type FileSystem struct {
	mu        sync.Mutex
	nodes     map[identifier.Inode]*node
	nextInode identifier.Inode
}

// New constructs an empty pipe file system with just a root directory.
func New() *FileSystem {
	fs := &FileSystem{
		nodes:     map[identifier.Inode]*node{},
		nextInode: identifier.RootInode + 1,
	}
	fs.nodes[identifier.RootInode] = &node{kind: nodeDirectory, children: map[string]identifier.Inode{}}
	return fs
}

func (f *FileSystem) allocateInode() identifier.Inode {
	id := f.nextInode
	f.nextInode++
	return id
}

// resolve walks path's components from the root, returning the final
// inode and node, or ErrNotFound.
func (f *FileSystem) resolve(path vpath.Path) (identifier.Inode, *node, error) {
	current := identifier.RootInode
	currentNode := f.nodes[current]
	for _, component := range path.GetComponents() {
		if currentNode.kind != nodeDirectory {
			return 0, nil, kernelerrors.ErrNotADirectory
		}
		next, ok := currentNode.children[component]
		if !ok {
			return 0, nil, kernelerrors.ErrNotFound
		}
		current = next
		currentNode = f.nodes[current]
	}
	return current, currentNode, nil
}

func (f *FileSystem) resolveParent(path vpath.Path) (*node, string, error) {
	parentPath := path.GoParent()
	_, parentNode, err := f.resolve(parentPath)
	if err != nil {
		return nil, "", err
	}
	if parentNode.kind != nodeDirectory {
		return nil, "", kernelerrors.ErrNotADirectory
	}
	return parentNode, path.GetFileName(), nil
}

// CreateNamedPipe registers a new pipe of the given capacity at path,
// reachable by path thereafter (spec.md §4.3).
func (f *FileSystem) CreateNamedPipe(ctx context.Context, path vpath.Path, capacity int) (identifier.Inode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, name, err := f.resolveParent(path)
	if err != nil {
		return 0, err
	}
	if _, exists := parent.children[name]; exists {
		return 0, kernelerrors.ErrAlreadyExists
	}
	id := f.allocateInode()
	f.nodes[id] = &node{kind: nodePipe, pipe: newPipe(capacity)}
	parent.children[name] = id
	return id, nil
}

// CreateFile satisfies backingfs.FileSystem by creating a default-
// capacity named pipe; pipefs has no other notion of a "file".
func (f *FileSystem) CreateFile(ctx context.Context, path vpath.Path) error {
	_, err := f.CreateNamedPipe(ctx, path, DefaultCapacity)
	return err
}

func (f *FileSystem) CreateDirectory(ctx context.Context, path vpath.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, name, err := f.resolveParent(path)
	if err != nil {
		return err
	}
	if _, exists := parent.children[name]; exists {
		return kernelerrors.ErrAlreadyExists
	}
	id := f.allocateInode()
	f.nodes[id] = &node{kind: nodeDirectory, children: map[string]identifier.Inode{}}
	parent.children[name] = id
	return nil
}

func (f *FileSystem) Remove(ctx context.Context, path vpath.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, name, err := f.resolveParent(path)
	if err != nil {
		return err
	}
	id, exists := parent.children[name]
	if !exists {
		return kernelerrors.ErrNotFound
	}
	target := f.nodes[id]
	if target.kind == nodeDirectory && len(target.children) > 0 {
		return kernelerrors.ErrDirectoryNotEmpty
	}
	delete(parent.children, name)
	delete(f.nodes, id)
	return nil
}

func (f *FileSystem) Rename(ctx context.Context, source, destination vpath.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	srcParent, srcName, err := f.resolveParent(source)
	if err != nil {
		return err
	}
	id, exists := srcParent.children[srcName]
	if !exists {
		return kernelerrors.ErrNotFound
	}
	dstParent, dstName, err := f.resolveParent(destination)
	if err != nil {
		return err
	}
	if _, exists := dstParent.children[dstName]; exists {
		return kernelerrors.ErrAlreadyExists
	}
	delete(srcParent.children, srcName)
	dstParent.children[dstName] = id
	return nil
}

// handle is the opaque backingfs.Handle pipefs hands back from
// Open/OpenDirectory.
type handle struct {
	file *fileHandle
	dir  *dirHandle
}

type fileHandle struct {
	inode identifier.Inode
	pipe  *Pipe
	flags flags.Flags
}

type dirHandle struct {
	entries []string
	pos     int
}

func (f *FileSystem) Open(ctx context.Context, path vpath.Path, fl flags.Flags) (backingfs.Handle, error) {
	f.mu.Lock()
	id, n, err := f.resolve(path)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if n.kind != nodePipe {
		return nil, kernelerrors.ErrInvalidFile
	}
	if fl.GetRead() {
		n.pipe.addReader()
	}
	if fl.GetWrite() {
		n.pipe.addWriter()
	}
	return &handle{file: &fileHandle{inode: id, pipe: n.pipe, flags: fl}}, nil
}

func (f *FileSystem) OpenDirectory(ctx context.Context, path vpath.Path) (backingfs.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, n, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	if n.kind != nodeDirectory {
		return nil, kernelerrors.ErrNotADirectory
	}
	entries := make([]string, 0, len(n.children))
	for name := range n.children {
		entries = append(entries, name)
	}
	return &handle{dir: &dirHandle{entries: entries}}, nil
}

func asHandle(h backingfs.Handle) (*handle, error) {
	hd, ok := h.(*handle)
	if !ok {
		return nil, kernelerrors.ErrInvalidIdentifier
	}
	return hd, nil
}

func (f *FileSystem) Read(ctx context.Context, h backingfs.Handle, buf []byte) (int, error) {
	hd, err := asHandle(h)
	if err != nil {
		return 0, err
	}
	if hd.file == nil {
		return 0, kernelerrors.ErrIsADirectory
	}
	return hd.file.pipe.Read(ctx, buf, hd.file.flags.Status)
}

// ReadLine is a pipefs-specific extension beyond backingfs.FileSystem,
// used directly by callers (e.g. a line-oriented terminal device) that
// know they are talking to a pipe.
func (f *FileSystem) ReadLine(ctx context.Context, h backingfs.Handle, buf []byte) (int, error) {
	hd, err := asHandle(h)
	if err != nil {
		return 0, err
	}
	if hd.file == nil {
		return 0, kernelerrors.ErrIsADirectory
	}
	return hd.file.pipe.ReadLine(ctx, buf, hd.file.flags.Status)
}

func (f *FileSystem) Write(ctx context.Context, h backingfs.Handle, buf []byte) (int, error) {
	hd, err := asHandle(h)
	if err != nil {
		return 0, err
	}
	if hd.file == nil {
		return 0, kernelerrors.ErrIsADirectory
	}
	return hd.file.pipe.Write(ctx, buf, hd.file.flags.Status)
}

// SetPosition always fails: pipes have no seekable position (spec.md
// §4.3).
func (f *FileSystem) SetPosition(ctx context.Context, h backingfs.Handle, pos backingfs.Position) (int64, error) {
	return 0, kernelerrors.ErrUnsupportedOperation
}

func (f *FileSystem) Flush(ctx context.Context, h backingfs.Handle) error {
	return nil
}

func (f *FileSystem) Close(ctx context.Context, h backingfs.Handle) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	if hd.file == nil {
		return nil
	}
	if hd.file.flags.GetRead() {
		hd.file.pipe.dropReader()
	}
	if hd.file.flags.GetWrite() {
		hd.file.pipe.dropWriter()
	}
	return nil
}

func (f *FileSystem) ReadDirectory(ctx context.Context, h backingfs.Handle) (*backingfs.DirectoryEntry, error) {
	hd, err := asHandle(h)
	if err != nil {
		return nil, err
	}
	if hd.dir == nil {
		return nil, kernelerrors.ErrNotADirectory
	}
	if hd.dir.pos >= len(hd.dir.entries) {
		return nil, nil
	}
	name := hd.dir.entries[hd.dir.pos]
	hd.dir.pos++
	return &backingfs.DirectoryEntry{Name: name, Kind: metadata.KindPipe}, nil
}

func (f *FileSystem) RewindDirectory(ctx context.Context, h backingfs.Handle) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	if hd.dir == nil {
		return kernelerrors.ErrNotADirectory
	}
	hd.dir.pos = 0
	return nil
}

func (f *FileSystem) GetMetadataPath(ctx context.Context, path vpath.Path) (metadata.Metadata, error) {
	f.mu.Lock()
	_, n, err := f.resolve(path)
	f.mu.Unlock()
	if err != nil {
		return metadata.Metadata{}, err
	}
	return f.metadataFor(n), nil
}

func (f *FileSystem) GetMetadataHandle(ctx context.Context, h backingfs.Handle) (metadata.Metadata, error) {
	hd, err := asHandle(h)
	if err != nil {
		return metadata.Metadata{}, err
	}
	if hd.file != nil {
		return metadata.New(metadata.KindPipe, identifier.RootUser, identifier.RootGroup, now()), nil
	}
	return metadata.New(metadata.KindDirectory, identifier.RootUser, identifier.RootGroup, now()), nil
}

func (f *FileSystem) SetPermissions(ctx context.Context, path vpath.Path, perms metadata.Permissions) error {
	f.mu.Lock()
	_, _, err := f.resolve(path)
	f.mu.Unlock()
	return err
}

func (f *FileSystem) metadataFor(n *node) metadata.Metadata {
	kind := metadata.KindDirectory
	if n.kind == nodePipe {
		kind = metadata.KindPipe
	}
	return metadata.New(kind, identifier.RootUser, identifier.RootGroup, now())
}

func now() time.Time { return time.Now() }

var _ backingfs.FileSystem = (*FileSystem)(nil)
