package littlefs

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
	"github.com/xila-project/core/internal/metadata"
	"github.com/xila-project/core/internal/vpath"
)

const (
	testBlockSize  = 512
	testBlockCount = 128
	testCacheSize  = 256
)

func mustPath(raw string) vpath.Path { return vpath.MustNew(raw) }

func newFormatted(t *testing.T) (*FileSystem, context.Context) {
	t.Helper()
	ctx := context.Background()
	dev := device.NewMemoryDevice(testBlockSize, testBlockCount)
	fs, err := Format(ctx, dev, identifier.NewGenerator(), testCacheSize)
	require.NoError(t, err)
	return fs, ctx
}

func readAll(t *testing.T, fs *FileSystem, ctx context.Context, path vpath.Path) string {
	t.Helper()
	h, err := fs.Open(ctx, path, flags.New(flags.ModeReadOnly, 0, 0))
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, err := fs.Read(ctx, h, buf)
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, h))
	return string(buf[:n])
}

// TestFormatAndHelloWorldRoundTrip reproduces spec.md §8 scenario 1: format
// a fresh volume, create a file, write through it, close, reopen and read
// the same bytes back.
func TestFormatAndHelloWorldRoundTrip(t *testing.T) {
	fs, ctx := newFormatted(t)

	h, err := fs.Open(ctx, mustPath("/hello.txt"), flags.New(flags.ModeReadWrite, flags.OpenCreate, 0))
	require.NoError(t, err)
	n, err := fs.Write(ctx, h, []byte("Hello, World!"))
	require.NoError(t, err)
	assert.Equal(t, 13, n)
	require.NoError(t, fs.Close(ctx, h))

	assert.Equal(t, "Hello, World!", readAll(t, fs, ctx, mustPath("/hello.txt")))

	m, err := fs.GetMetadataPath(ctx, mustPath("/hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, metadata.KindFile, m.Kind)
}

// TestSeekAndOverwrite reproduces spec.md §8 scenario 2: write "0123456789",
// seek to offset 4, overwrite two bytes with "XY", producing "0123XY6789".
func TestSeekAndOverwrite(t *testing.T) {
	fs, ctx := newFormatted(t)

	h, err := fs.Open(ctx, mustPath("/seek.txt"), flags.New(flags.ModeReadWrite, flags.OpenCreate, 0))
	require.NoError(t, err)
	_, err = fs.Write(ctx, h, []byte("0123456789"))
	require.NoError(t, err)

	pos, err := fs.SetPosition(ctx, h, backingfs.Position{Kind: backingfs.PositionStart, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)

	_, err = fs.Write(ctx, h, []byte("XY"))
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, h))

	assert.Equal(t, "0123XY6789", readAll(t, fs, ctx, mustPath("/seek.txt")))
}

// TestNestedDirectories exercises a two-level directory tree, each level
// its own metadata pair linked from its parent's structDirectory entry.
func TestNestedDirectories(t *testing.T) {
	fs, ctx := newFormatted(t)

	require.NoError(t, fs.CreateDirectory(ctx, mustPath("/dir")))
	require.NoError(t, fs.CreateDirectory(ctx, mustPath("/dir/sub")))

	h, err := fs.Open(ctx, mustPath("/dir/sub/file.txt"), flags.New(flags.ModeReadWrite, flags.OpenCreate, 0))
	require.NoError(t, err)
	_, err = fs.Write(ctx, h, []byte("nested"))
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, h))

	assert.Equal(t, "nested", readAll(t, fs, ctx, mustPath("/dir/sub/file.txt")))

	rootDir, err := fs.OpenDirectory(ctx, mustPath("/"))
	require.NoError(t, err)
	names := listNames(t, fs, ctx, rootDir)
	assert.ElementsMatch(t, []string{"dir"}, names)

	subDir, err := fs.OpenDirectory(ctx, mustPath("/dir"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sub"}, listNames(t, fs, ctx, subDir))
}

func listNames(t *testing.T, fs *FileSystem, ctx context.Context, h backingfs.Handle) []string {
	t.Helper()
	var names []string
	for {
		e, err := fs.ReadDirectory(ctx, h)
		require.NoError(t, err)
		if e == nil {
			break
		}
		names = append(names, e.Name)
	}
	return names
}

// TestRemoveNonEmptyDirectoryFails checks that Remove refuses a directory
// still holding an entry, and succeeds once it is emptied.
func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	fs, ctx := newFormatted(t)

	require.NoError(t, fs.CreateDirectory(ctx, mustPath("/full")))
	require.NoError(t, fs.CreateFile(ctx, mustPath("/full/a.txt")))

	err := fs.Remove(ctx, mustPath("/full"))
	assert.ErrorIs(t, err, kernelerrors.ErrDirectoryNotEmpty)

	require.NoError(t, fs.Remove(ctx, mustPath("/full/a.txt")))
	assert.NoError(t, fs.Remove(ctx, mustPath("/full")))
}

// TestRenameAcrossDirectories moves a file between two sibling directories,
// each its own metadata pair, verifying both commits land.
func TestRenameAcrossDirectories(t *testing.T) {
	fs, ctx := newFormatted(t)

	require.NoError(t, fs.CreateDirectory(ctx, mustPath("/a")))
	require.NoError(t, fs.CreateDirectory(ctx, mustPath("/b")))

	h, err := fs.Open(ctx, mustPath("/a/x.txt"), flags.New(flags.ModeReadWrite, flags.OpenCreate, 0))
	require.NoError(t, err)
	_, err = fs.Write(ctx, h, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, h))

	require.NoError(t, fs.Rename(ctx, mustPath("/a/x.txt"), mustPath("/b/y.txt")))

	assert.Equal(t, "payload", readAll(t, fs, ctx, mustPath("/b/y.txt")))

	_, err = fs.Open(ctx, mustPath("/a/x.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	assert.ErrorIs(t, err, kernelerrors.ErrNotFound)
}

// TestRenameToExistingDestinationFails checks the ErrAlreadyExists guard on
// the same-parent rename path.
func TestRenameToExistingDestinationFails(t *testing.T) {
	fs, ctx := newFormatted(t)

	require.NoError(t, fs.CreateFile(ctx, mustPath("/x.txt")))
	require.NoError(t, fs.CreateFile(ctx, mustPath("/y.txt")))

	err := fs.Rename(ctx, mustPath("/x.txt"), mustPath("/y.txt"))
	assert.ErrorIs(t, err, kernelerrors.ErrAlreadyExists)
}

// TestLargeFileUsesCTZChain writes content well past inlineThreshold, which
// forces writeCTZFile/readCTZRange and the skip-list navigation in
// ctzBlockNumberForIndex to actually run across several on-device blocks.
func TestLargeFileUsesCTZChain(t *testing.T) {
	fs, ctx := newFormatted(t)
	require.Greater(t, fs.dataCapacity()*3, fs.inlineThreshold())

	content := make([]byte, fs.dataCapacity()*3+17)
	for i := range content {
		content[i] = byte(i % 251)
	}

	h, err := fs.Open(ctx, mustPath("/big.bin"), flags.New(flags.ModeReadWrite, flags.OpenCreate, 0))
	require.NoError(t, err)
	n, err := fs.Write(ctx, h, content)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	require.NoError(t, fs.Close(ctx, h))

	h, err = fs.Open(ctx, mustPath("/big.bin"), flags.New(flags.ModeReadOnly, 0, 0))
	require.NoError(t, err)
	buf := make([]byte, len(content))
	n, err = fs.Read(ctx, h, buf)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	assert.Equal(t, content, buf)
	require.NoError(t, fs.Close(ctx, h))
}

// TestReadPairFallsBackOnCorruption reproduces spec.md §4.2's corruption
// fallback rule directly: once the newer side of a metadata pair is
// corrupted, readPair must fall back to the older, still-valid side rather
// than failing outright.
func TestReadPairFallsBackOnCorruption(t *testing.T) {
	fs, ctx := newFormatted(t)

	require.NoError(t, fs.CreateFile(ctx, mustPath("/a.txt")))
	require.NoError(t, fs.CreateFile(ctx, mustPath("/b.txt")))

	root := dirPointer{blockA: rootBlockA, blockB: rootBlockB}
	activeBlock, _, entries, err := fs.readPair(ctx, root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, entryNames(entries))

	garbage := make([]byte, testBlockSize)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	require.NoError(t, fs.writeBlock(ctx, activeBlock, garbage))

	_, _, fallbackEntries, err := fs.readPair(ctx, root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt"}, entryNames(fallbackEntries))
}

// TestReadPairFailsWhenBothSidesCorrupted checks the all-corrupt case
// returns ErrCorrupted rather than silently returning empty entries.
func TestReadPairFailsWhenBothSidesCorrupted(t *testing.T) {
	fs, ctx := newFormatted(t)

	require.NoError(t, fs.CreateFile(ctx, mustPath("/a.txt")))

	garbage := make([]byte, testBlockSize)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	require.NoError(t, fs.writeBlock(ctx, rootBlockA, garbage))
	require.NoError(t, fs.writeBlock(ctx, rootBlockB, garbage))

	root := dirPointer{blockA: rootBlockA, blockB: rootBlockB}
	_, _, _, err := fs.readPair(ctx, root)
	assert.ErrorIs(t, err, kernelerrors.ErrCorrupted)
}

// TestMountRecoversFormattedVolume checks that a volume formatted by one
// FileSystem instance can be mounted fresh by another, recovering the
// geometry persisted in the superblock.
func TestMountRecoversFormattedVolume(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testBlockSize, testBlockCount)
	gen := identifier.NewGenerator()

	fs, err := Format(ctx, dev, gen, testCacheSize)
	require.NoError(t, err)
	require.NoError(t, fs.CreateFile(ctx, mustPath("/persisted.txt")))
	h, err := fs.Open(ctx, mustPath("/persisted.txt"), flags.New(flags.ModeReadWrite, 0, 0))
	require.NoError(t, err)
	_, err = fs.Write(ctx, h, []byte("still here"))
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, h))

	mounted, err := Mount(ctx, dev, gen, testCacheSize)
	require.NoError(t, err)
	assert.Equal(t, "still here", readAll(t, mounted, ctx, mustPath("/persisted.txt")))
}

// TestGetOrFormatFormatsOnce checks GetOrFormat mounts an already-formatted
// device instead of reformatting it, preserving prior content.
func TestGetOrFormatFormatsOnce(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testBlockSize, testBlockCount)
	gen := identifier.NewGenerator()

	fs, err := GetOrFormat(ctx, dev, gen, testCacheSize)
	require.NoError(t, err)
	require.NoError(t, fs.CreateFile(ctx, mustPath("/keepme.txt")))

	again, err := GetOrFormat(ctx, dev, gen, testCacheSize)
	require.NoError(t, err)
	assert.Equal(t, "", readAll(t, again, ctx, mustPath("/keepme.txt")))
}

// TestAttributesRoundTrip checks GetAttributesPath/SetAttributesPath (and
// their handle-addressed counterparts) round-trip a full Attributes
// record independently of ToMetadata, which only projects a subset of it.
func TestAttributesRoundTrip(t *testing.T) {
	fs, ctx := newFormatted(t)
	require.NoError(t, fs.CreateFile(ctx, mustPath("/attrs.txt")))

	want, err := fs.GetAttributesPath(ctx, mustPath("/attrs.txt"))
	require.NoError(t, err)
	want.User = identifier.UserIdentifier(7)
	want.Group = identifier.GroupIdentifier(3)
	want.Permissions = metadata.Permissions{
		User:  metadata.Permission{Read: true, Write: true},
		Group: metadata.Permission{Read: true},
		Other: metadata.Permission{Execute: true},
	}

	require.NoError(t, fs.SetAttributesPath(ctx, mustPath("/attrs.txt"), want))

	got, err := fs.GetAttributesPath(ctx, mustPath("/attrs.txt"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	h, err := fs.Open(ctx, mustPath("/attrs.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	require.NoError(t, err)
	gotHandle, err := fs.GetAttributesHandle(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, want, gotHandle)

	want.Permissions.Other.Execute = false
	require.NoError(t, fs.SetAttributesHandle(ctx, h, want))
	require.NoError(t, fs.Close(ctx, h))

	got, err = fs.GetAttributesPath(ctx, mustPath("/attrs.txt"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// TestRenameCrashBetweenJournalAndDestinationCommit simulates a power loss
// after Rename's move-journal commit lands but before the destination
// directory commit does (spec.md §8): recovery must discard the pending
// journal entry, leaving the source the only copy.
func TestRenameCrashBetweenJournalAndDestinationCommit(t *testing.T) {
	fs, ctx := newFormatted(t)
	require.NoError(t, fs.CreateDirectory(ctx, mustPath("/a")))
	require.NoError(t, fs.CreateDirectory(ctx, mustPath("/b")))
	require.NoError(t, fs.CreateFile(ctx, mustPath("/a/x.txt")))

	srcParent, err := fs.resolveDir(ctx, mustPath("/a"))
	require.NoError(t, err)
	dstParent, err := fs.resolveDir(ctx, mustPath("/b"))
	require.NoError(t, err)

	activeBlock, revision, _, err := fs.readMoveJournal(ctx)
	require.NoError(t, err)
	_, err = fs.commitMoveJournal(ctx, activeBlock, revision, moveRecord{
		pending: true,
		src:     srcParent,
		srcName: "x.txt",
		dst:     dstParent,
		dstName: "y.txt",
	})
	require.NoError(t, err)

	// Crash here: neither directory commit has landed yet.
	require.NoError(t, fs.recoverMoveJournal(ctx))

	_, err = fs.Open(ctx, mustPath("/a/x.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	assert.NoError(t, err)
	_, err = fs.Open(ctx, mustPath("/b/y.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	assert.ErrorIs(t, err, kernelerrors.ErrNotFound)
}

// TestRenameCrashBetweenDestinationAndSourceCommit simulates a power loss
// after Rename's destination insert commit lands but before the source
// delete commit does (spec.md §8): recovery must finish the move by
// removing the stale source copy, leaving exactly the destination.
func TestRenameCrashBetweenDestinationAndSourceCommit(t *testing.T) {
	fs, ctx := newFormatted(t)
	require.NoError(t, fs.CreateDirectory(ctx, mustPath("/a")))
	require.NoError(t, fs.CreateDirectory(ctx, mustPath("/b")))
	require.NoError(t, fs.CreateFile(ctx, mustPath("/a/x.txt")))

	srcParent, err := fs.resolveDir(ctx, mustPath("/a"))
	require.NoError(t, err)
	dstParent, err := fs.resolveDir(ctx, mustPath("/b"))
	require.NoError(t, err)

	activeBlock, revision, _, err := fs.readMoveJournal(ctx)
	require.NoError(t, err)
	_, err = fs.commitMoveJournal(ctx, activeBlock, revision, moveRecord{
		pending: true,
		src:     srcParent,
		srcName: "x.txt",
		dst:     dstParent,
		dstName: "y.txt",
	})
	require.NoError(t, err)

	dstActive, dstRevision, dstEntries, err := fs.readPair(ctx, dstParent)
	require.NoError(t, err)
	_, _, srcEntries, err := fs.readPair(ctx, srcParent)
	require.NoError(t, err)
	var moved entry
	for _, e := range srcEntries {
		if e.name == "x.txt" {
			moved = e
		}
	}
	moved.name = "y.txt"
	dstEntries = append(dstEntries, moved)
	_, err = fs.commitPair(ctx, dstParent, dstActive, dstRevision, dstEntries)
	require.NoError(t, err)

	// Crash here: the source delete commit never landed.
	require.NoError(t, fs.recoverMoveJournal(ctx))

	_, err = fs.Open(ctx, mustPath("/a/x.txt"), flags.New(flags.ModeReadOnly, 0, 0))
	assert.ErrorIs(t, err, kernelerrors.ErrNotFound)
	assert.Equal(t, "", readAll(t, fs, ctx, mustPath("/b/y.txt")))
}

func entryNames(entries []entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

