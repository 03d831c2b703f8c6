package vfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xila-project/core/internal/backingfs"
	"github.com/xila-project/core/internal/device"
	"github.com/xila-project/core/internal/flags"
	"github.com/xila-project/core/internal/identifier"
	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/littlefs"
	"github.com/xila-project/core/internal/metadata"
	"github.com/xila-project/core/internal/pipefs"
	"github.com/xila-project/core/internal/vpath"
)

const (
	testBlockSize  = 512
	testBlockCount = 128
	testCacheSize  = 256
)

func mustPath(raw string) vpath.Path { return vpath.MustNew(raw) }

func newLittleFS(t *testing.T, gen *identifier.Generator) *littlefs.FileSystem {
	t.Helper()
	dev := device.NewMemoryDevice(testBlockSize, testBlockCount)
	fs, err := littlefs.Format(context.Background(), dev, gen, testCacheSize)
	require.NoError(t, err)
	return fs
}

// rootedDispatcher returns a Dispatcher with a fresh littlefs instance
// mounted at "/".
func rootedDispatcher(t *testing.T) (*Dispatcher, *identifier.Generator, identifier.FileSystemIdentifier) {
	t.Helper()
	gen := identifier.NewGenerator()
	d := New(gen)
	rootFS := newLittleFS(t, gen)
	id, err := d.Mount(context.Background(), mustPath("/"), rootFS)
	require.NoError(t, err)
	return d, gen, id
}

// TestCreateFileRoutesToDeepestMount reproduces spec.md §8 scenario 4:
// two mounted file systems, a create_file under the nested mount point
// must land in the nested file system, and a rename crossing the mount
// boundary must fail with CrossDeviceLink.
func TestCreateFileRoutesToDeepestMount(t *testing.T) {
	ctx := context.Background()
	d, gen, rootID := rootedDispatcher(t)

	require.NoError(t, d.CreateDirectory(ctx, mustPath("/mnt")))
	mntFS := newLittleFS(t, gen)
	mntID, err := d.Mount(ctx, mustPath("/mnt"), mntFS)
	require.NoError(t, err)
	assert.NotEqual(t, rootID, mntID)

	require.NoError(t, d.CreateFile(ctx, mustPath("/mnt/x")))

	m, err := mntFS.GetMetadataPath(ctx, mustPath("/x"))
	require.NoError(t, err)
	assert.Equal(t, metadata.KindFile, m.Kind)

	_, err = d.GetMetadataPath(ctx, mustPath("/x"))
	assert.ErrorIs(t, err, kernelerrors.ErrNotFound)

	require.NoError(t, d.CreateFile(ctx, mustPath("/y")))
	err = d.Rename(ctx, mustPath("/y"), mustPath("/mnt/y"))
	assert.ErrorIs(t, err, kernelerrors.ErrCrossDeviceLink)
}

// TestMountRequiresExistingDirectory checks Mount's "path must already be
// a directory" precondition, and that mounting twice at the same path
// fails with AlreadyExists.
func TestMountRequiresExistingDirectory(t *testing.T) {
	ctx := context.Background()
	d, gen, _ := rootedDispatcher(t)

	_, err := d.Mount(ctx, mustPath("/missing"), newLittleFS(t, gen))
	assert.ErrorIs(t, err, kernelerrors.ErrNotFound)

	require.NoError(t, d.CreateFile(ctx, mustPath("/plain.txt")))
	_, err = d.Mount(ctx, mustPath("/plain.txt"), newLittleFS(t, gen))
	assert.ErrorIs(t, err, kernelerrors.ErrNotADirectory)

	require.NoError(t, d.CreateDirectory(ctx, mustPath("/mnt")))
	_, err = d.Mount(ctx, mustPath("/mnt"), newLittleFS(t, gen))
	require.NoError(t, err)
	_, err = d.Mount(ctx, mustPath("/mnt"), newLittleFS(t, gen))
	assert.ErrorIs(t, err, kernelerrors.ErrAlreadyExists)
}

// TestUnmountFailsWhileBusy checks the ResourceBusy guard and that
// closing the last handle rooted in a mount lets Unmount proceed.
func TestUnmountFailsWhileBusy(t *testing.T) {
	ctx := context.Background()
	d, gen, _ := rootedDispatcher(t)
	const task = identifier.TaskIdentifier(1)

	require.NoError(t, d.CreateDirectory(ctx, mustPath("/mnt")))
	mntID, err := d.Mount(ctx, mustPath("/mnt"), newLittleFS(t, gen))
	require.NoError(t, err)

	fd, err := d.Open(ctx, task, mustPath("/mnt/a.txt"), flags.New(flags.ModeReadWrite, flags.OpenCreate, 0))
	require.NoError(t, err)

	err = d.Unmount(ctx, mntID)
	assert.ErrorIs(t, err, kernelerrors.ErrResourceBusy)

	require.NoError(t, d.Close(ctx, fd))
	require.NoError(t, d.Unmount(ctx, mntID))
}

// TestOpenAllocatesFromFirstAllocatable checks spec.md §4.1's slot
// allocation rule: the first two opens for a task land at 3 and 4, and
// closing the lower slot makes it available to the next open.
func TestOpenAllocatesFromFirstAllocatable(t *testing.T) {
	ctx := context.Background()
	d, _, _ := rootedDispatcher(t)
	const task = identifier.TaskIdentifier(7)

	require.NoError(t, d.CreateFile(ctx, mustPath("/a.txt")))
	require.NoError(t, d.CreateFile(ctx, mustPath("/b.txt")))

	fdA, err := d.Open(ctx, task, mustPath("/a.txt"), flags.New(flags.ModeReadWrite, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, identifier.FirstAllocatable, fdA.File())

	fdB, err := d.Open(ctx, task, mustPath("/b.txt"), flags.New(flags.ModeReadWrite, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, identifier.FirstAllocatable+1, fdB.File())

	require.NoError(t, d.Close(ctx, fdA))

	fdC, err := d.Open(ctx, task, mustPath("/a.txt"), flags.New(flags.ModeReadWrite, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, identifier.FirstAllocatable, fdC.File())
}

// TestDuplicateSharesUnderlyingHandle checks that a duplicated
// descriptor shares file position and content with its original, and
// that the backing file system is closed only once both are closed.
func TestDuplicateSharesUnderlyingHandle(t *testing.T) {
	ctx := context.Background()
	d, _, _ := rootedDispatcher(t)
	const task = identifier.TaskIdentifier(1)

	require.NoError(t, d.CreateFile(ctx, mustPath("/shared.txt")))
	original, err := d.Open(ctx, task, mustPath("/shared.txt"), flags.New(flags.ModeReadWrite, 0, 0))
	require.NoError(t, err)

	n, err := d.Write(ctx, original, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	dup, err := d.Duplicate(ctx, original)
	require.NoError(t, err)
	assert.Equal(t, task, dup.Task())
	assert.NotEqual(t, original.File(), dup.File())

	// dup shares the original's current position: a read through dup
	// continues where the write through original left off, i.e. at EOF.
	buf := make([]byte, 16)
	n, err = d.Read(ctx, dup, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = d.SetPosition(ctx, dup, backingfs.Position{Kind: backingfs.PositionStart, Offset: 0})
	require.NoError(t, err)
	n, err = d.Read(ctx, original, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	require.NoError(t, d.Close(ctx, original))

	// The handle is still alive through dup after original's close.
	_, err = d.SetPosition(ctx, dup, backingfs.Position{Kind: backingfs.PositionStart, Offset: 0})
	require.NoError(t, err)
	n, err = d.Read(ctx, dup, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	require.NoError(t, d.Close(ctx, dup))

	_, err = d.Read(ctx, dup, buf)
	assert.ErrorIs(t, err, kernelerrors.ErrInvalidIdentifier)
}

// TestTransferMovesOwnershipAcrossTasks reproduces spec.md §8 scenario 6:
// a file opened by one task is transferred to another, and CloseAll on
// the first task leaves the second task's descriptor untouched.
func TestTransferMovesOwnershipAcrossTasks(t *testing.T) {
	ctx := context.Background()
	d, _, _ := rootedDispatcher(t)
	const task1 = identifier.TaskIdentifier(1)
	const task2 = identifier.TaskIdentifier(2)

	require.NoError(t, d.CreateFile(ctx, mustPath("/handoff.txt")))
	fd, err := d.Open(ctx, task1, mustPath("/handoff.txt"), flags.New(flags.ModeReadWrite, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, identifier.FirstAllocatable, fd.File())

	moved, err := d.Transfer(ctx, fd, task2, nil)
	require.NoError(t, err)
	assert.Equal(t, task2, moved.Task())
	assert.GreaterOrEqual(t, uint16(moved.File()), uint16(identifier.FirstAllocatable))

	require.NoError(t, d.CloseAll(ctx, task1))

	// task2's descriptor is unaffected: still writable.
	_, err = d.Write(ctx, moved, []byte("still mine"))
	assert.NoError(t, err)
	require.NoError(t, d.Close(ctx, moved))

	// task1 has nothing left to close.
	require.NoError(t, d.CloseAll(ctx, task1))
}

// TestTransferToExplicitSlotRejectsCollision checks the slot-collision
// guard on a Transfer that names a specific destination slot.
func TestTransferToExplicitSlotRejectsCollision(t *testing.T) {
	ctx := context.Background()
	d, _, _ := rootedDispatcher(t)
	const task1 = identifier.TaskIdentifier(1)
	const task2 = identifier.TaskIdentifier(2)

	require.NoError(t, d.CreateFile(ctx, mustPath("/a.txt")))
	require.NoError(t, d.CreateFile(ctx, mustPath("/b.txt")))

	fdA, err := d.Open(ctx, task1, mustPath("/a.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	require.NoError(t, err)
	fdB, err := d.Open(ctx, task2, mustPath("/b.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	require.NoError(t, err)

	occupied := fdB.File()
	_, err = d.Transfer(ctx, fdA, task2, &occupied)
	assert.ErrorIs(t, err, kernelerrors.ErrAlreadyExists)
}

// TestCloseAllRemovesExactlyOwnedEntries checks that CloseAll on one task
// never touches another task's open files.
func TestCloseAllRemovesExactlyOwnedEntries(t *testing.T) {
	ctx := context.Background()
	d, _, _ := rootedDispatcher(t)
	const task1 = identifier.TaskIdentifier(1)
	const task2 = identifier.TaskIdentifier(2)

	require.NoError(t, d.CreateFile(ctx, mustPath("/a.txt")))
	require.NoError(t, d.CreateFile(ctx, mustPath("/b.txt")))

	fdA, err := d.Open(ctx, task1, mustPath("/a.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	require.NoError(t, err)
	fdB, err := d.Open(ctx, task2, mustPath("/b.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	require.NoError(t, err)

	require.NoError(t, d.CloseAll(ctx, task1))

	_, err = d.lookup(ctx, fdA)
	assert.ErrorIs(t, err, kernelerrors.ErrInvalidIdentifier)

	buf := make([]byte, 1)
	_, err = d.Read(ctx, fdB, buf)
	assert.NoError(t, err)
}

// TestOpenDirectoryIteratesEntriesWithoutDotEntries checks that directory
// iteration through the dispatcher never yields "." or "..", and that
// RewindDirectory restarts the sequence.
func TestOpenDirectoryIteratesEntriesWithoutDotEntries(t *testing.T) {
	ctx := context.Background()
	d, _, _ := rootedDispatcher(t)
	const task = identifier.TaskIdentifier(1)

	require.NoError(t, d.CreateFile(ctx, mustPath("/one.txt")))
	require.NoError(t, d.CreateFile(ctx, mustPath("/two.txt")))

	dirFD, err := d.OpenDirectory(ctx, task, mustPath("/"))
	require.NoError(t, err)

	names := readAllNames(t, ctx, d, dirFD)
	assert.ElementsMatch(t, []string{"one.txt", "two.txt"}, names)
	for _, n := range names {
		assert.NotEqual(t, ".", n)
		assert.NotEqual(t, "..", n)
	}

	require.NoError(t, d.RewindDirectory(ctx, dirFD))
	again := readAllNames(t, ctx, d, dirFD)
	assert.ElementsMatch(t, names, again)

	require.NoError(t, d.Close(ctx, dirFD))
}

func readAllNames(t *testing.T, ctx context.Context, d *Dispatcher, fd identifier.UniqueFileIdentifier) []string {
	t.Helper()
	var names []string
	for {
		e, err := d.ReadDirectory(ctx, fd)
		require.NoError(t, err)
		if e == nil {
			break
		}
		names = append(names, e.Name)
	}
	return names
}

// TestDirectoryHandleRejectsFileOperations checks the baseHandle default:
// a handle opened via OpenDirectory must reject Read and SetPosition
// with UnsupportedOperation rather than reaching the backing file
// system at all.
func TestDirectoryHandleRejectsFileOperations(t *testing.T) {
	ctx := context.Background()
	d, _, _ := rootedDispatcher(t)
	const task = identifier.TaskIdentifier(1)

	dirFD, err := d.OpenDirectory(ctx, task, mustPath("/"))
	require.NoError(t, err)

	_, err = d.Read(ctx, dirFD, make([]byte, 8))
	assert.ErrorIs(t, err, kernelerrors.ErrUnsupportedOperation)

	_, err = d.SetPosition(ctx, dirFD, backingfs.Position{Kind: backingfs.PositionStart})
	assert.ErrorIs(t, err, kernelerrors.ErrUnsupportedOperation)
}

// TestFileHandleRejectsDirectoryOperations checks the complementary
// baseHandle default on a plain file handle.
func TestFileHandleRejectsDirectoryOperations(t *testing.T) {
	ctx := context.Background()
	d, _, _ := rootedDispatcher(t)
	const task = identifier.TaskIdentifier(1)

	require.NoError(t, d.CreateFile(ctx, mustPath("/f.txt")))
	fd, err := d.Open(ctx, task, mustPath("/f.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	require.NoError(t, err)

	_, err = d.ReadDirectory(ctx, fd)
	assert.ErrorIs(t, err, kernelerrors.ErrUnsupportedOperation)
	assert.ErrorIs(t, d.RewindDirectory(ctx, fd), kernelerrors.ErrUnsupportedOperation)
}

// TestCreateUnnamedPipeWiresBothEnds reproduces the dispatcher side of
// spec.md §4.3's CreateUnnamedPipe contract: both descriptors land in
// the requesting task's table and speak to each other.
func TestCreateUnnamedPipeWiresBothEnds(t *testing.T) {
	ctx := context.Background()
	d, _, _ := rootedDispatcher(t)
	const task = identifier.TaskIdentifier(1)

	// CreateUnnamedPipe needs no path-namespace mount: an unnamed pipe is
	// reached only through the two descriptors it returns. The fsID
	// passed in merely tags the resulting table entries for Unmount's
	// busy check.
	pipeFS := pipefs.New()
	gen := identifier.NewGenerator()
	fsID := gen.NextFileSystemIdentifier()

	readFD, writeFD, err := d.CreateUnnamedPipe(ctx, task, fsID, pipeFS, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, identifier.FirstAllocatable, readFD.File())
	assert.Equal(t, identifier.FirstAllocatable+1, writeFD.File())

	n, err := d.Write(ctx, writeFD, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, err = d.Read(ctx, readFD, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, d.Close(ctx, readFD))
	require.NoError(t, d.Close(ctx, writeFD))
}

// TestLookupRejectsMismatchedTask checks that a caller cannot address a
// slot outside its own task's namespace: two tasks can independently use
// the same FileIdentifier number without colliding.
func TestLookupRejectsMismatchedTask(t *testing.T) {
	ctx := context.Background()
	d, _, _ := rootedDispatcher(t)
	const task1 = identifier.TaskIdentifier(1)
	const task2 = identifier.TaskIdentifier(2)

	require.NoError(t, d.CreateFile(ctx, mustPath("/a.txt")))
	fd1, err := d.Open(ctx, task1, mustPath("/a.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, identifier.FirstAllocatable, fd1.File())

	forged := identifier.NewUniqueFileIdentifier(identifier.NewLocalFileIdentifier(task2, fd1.File()))
	_, err = d.lookup(ctx, forged)
	assert.ErrorIs(t, err, kernelerrors.ErrInvalidIdentifier)
}
